//go:build !linux

package trigger

import (
	"fmt"
	"runtime"
)

type parport struct {
	address uint16
}

// NewParallelPort returns a driver that always fails to open: parallel port
// access is only implemented through Linux ppdev.
func NewParallelPort(address uint16, device string) PortDriver {
	return &parport{address: address}
}

func (p *parport) String() string {
	return fmt.Sprintf("lpt:%#x", p.address)
}

func (p *parport) Open() error {
	return fmt.Errorf("%w: parallel port not supported on %s", ErrDeviceUnavailable, runtime.GOOS)
}

func (p *parport) Write(byte) error {
	return fmt.Errorf("%w: parallel port not supported on %s", ErrDeviceUnavailable, runtime.GOOS)
}

func (p *parport) Close() error {
	return nil
}
