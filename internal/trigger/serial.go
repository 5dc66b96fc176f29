package trigger

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

// serialLine drives an LPT bridge that forwards each received byte to its
// parallel output.
type serialLine struct {
	conf serial.Config
	port *serial.Port
}

// NewSerialPort returns a driver for a serial trigger bridge.
func NewSerialPort(name string, baud int) PortDriver {
	return &serialLine{conf: serial.Config{Name: name, Baud: baud, ReadTimeout: time.Second}}
}

func (s *serialLine) String() string {
	return fmt.Sprintf("%s@%d", s.conf.Name, s.conf.Baud)
}

// Open retries with a short exponential backoff; bridges that just
// enumerated over USB can refuse the first attempts.
func (s *serialLine) Open() error {
	op := func() error {
		port, err := serial.OpenPort(&s.conf)
		if err != nil {
			return err
		}
		s.port = port
		return nil
	}
	return backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         500 * time.Millisecond,
		MaxElapsedTime:      2 * time.Second,
		Clock:               backoff.SystemClock})
}

func (s *serialLine) Write(data byte) error {
	if s.port == nil {
		return fmt.Errorf("%s is not open", s.conf.Name)
	}
	_, err := s.port.Write([]byte{data})
	return err
}

func (s *serialLine) Close() error {
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

// NewSerialTrigger opens a trigger driven through a serial LPT bridge.
func NewSerialTrigger(port string, baud int, delay time.Duration, verbose bool) (*PortTrigger, error) {
	return newLineTrigger("serial:"+port, delay, verbose, NewSerialPort(port, baud))
}
