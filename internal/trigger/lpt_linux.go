//go:build linux

package trigger

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ppdev ioctl requests, see linux/ppdev.h.
const (
	ppClaim   = 0x708b     // _IO('p', 0x8b)
	ppRelease = 0x708c     // _IO('p', 0x8c)
	ppWData   = 0x40017086 // _IOW('p', 0x86, unsigned char)
)

type parport struct {
	device string
	fd     int
}

// NewParallelPort returns a driver for the parallel port at address using
// the ppdev interface. An empty device picks /dev/parport0 for LPT1 and
// /dev/parport1 for LPT2.
func NewParallelPort(address uint16, device string) PortDriver {
	if device == "" {
		device = "/dev/parport0"
		if address == LPT2 {
			device = "/dev/parport1"
		}
	}
	return &parport{device: device, fd: -1}
}

func (p *parport) String() string {
	return p.device
}

func (p *parport) Open() error {
	fd, err := unix.Open(p.device, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", p.device, err)
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), ppClaim, 0); errno != 0 {
		unix.Close(fd)
		return fmt.Errorf("claim %s: %w", p.device, errno)
	}
	p.fd = fd
	return nil
}

func (p *parport) Write(data byte) error {
	if p.fd < 0 {
		return fmt.Errorf("%s is not open", p.device)
	}
	b := data
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(p.fd), ppWData, uintptr(unsafe.Pointer(&b))); errno != 0 {
		return fmt.Errorf("write %s: %w", p.device, errno)
	}
	return nil
}

func (p *parport) Close() error {
	if p.fd < 0 {
		return nil
	}
	unix.Syscall(unix.SYS_IOCTL, uintptr(p.fd), ppRelease, 0)
	err := unix.Close(p.fd)
	p.fd = -1
	return err
}
