package main

import (
	"io"

	"github.com/Kaperstone/hermitgo/kernel"
	"github.com/Kaperstone/hermitgo/kernel/kfmt"
)

// hostSerial is a serial port whose transmitter is connected to a host
// writer.
type hostSerial struct {
	w   io.Writer
	buf [1]byte
}

func (s *hostSerial) WriteByte(b byte) error {
	s.buf[0] = b
	_, err := s.w.Write(s.buf[:])
	return err
}

func (s *hostSerial) DriverName() string { return "serial" }

func (s *hostSerial) DriverVersion() (uint16, uint16, uint16) { return 0, 0, 1 }

func (s *hostSerial) DriverInit(w io.Writer) *kernel.Error {
	kfmt.Fprintf(w, "connected to the host\n")
	return nil
}
