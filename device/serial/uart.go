// Package serial drives a 16550-compatible UART that the kernel uses as its
// primary message output.
package serial

import (
	"io"

	"github.com/Kaperstone/hermitgo/kernel"
	"github.com/Kaperstone/hermitgo/kernel/cpu"
	"github.com/Kaperstone/hermitgo/kernel/kfmt"
)

const (
	// DefaultPort is the I/O port of the UART used for kernel messages.
	DefaultPort uint16 = 0xc110

	// DefaultBaudRate is the line speed programmed by DriverInit.
	DefaultBaudRate uint32 = 115200

	// The UART clock divided by 16.
	uartClock = 115200

	// Register offsets relative to the base port.
	regData        = 0
	regIntEnable   = 1
	regFIFOControl = 2
	regLineControl = 3
	regModemCtrl   = 4
	regLineStatus  = 5

	lineControlDLAB = 0x80
	lineControl8N1  = 0x03
	fifoEnable      = 0xc7
	modemRtsDtrOut2 = 0x0b
	lineStatusTHRE  = 0x20

	// maxTxPolls bounds the wait for the transmit holding register so a
	// missing UART cannot hang the kernel.
	maxTxPolls = 1 << 16
)

var (
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte

	errInvalidBaudRate = &kernel.Error{Module: "serial", Message: "unsupported baud rate"}
)

// Port is a 16550 UART attached to an I/O port.
type Port struct {
	port     uint16
	baudRate uint32
}

// NewPort returns a driver for the UART at the given I/O port.
func NewPort(port uint16, baudRate uint32) *Port {
	return &Port{port: port, baudRate: baudRate}
}

// WriteByte transmits b. A line feed is preceded by a carriage return.
func (p *Port) WriteByte(b byte) error {
	if b == '\n' {
		p.transmit('\r')
	}
	p.transmit(b)
	return nil
}

// Write implements io.Writer.
func (p *Port) Write(data []byte) (int, error) {
	for _, b := range data {
		p.WriteByte(b)
	}
	return len(data), nil
}

func (p *Port) transmit(b byte) {
	for polls := 0; polls < maxTxPolls; polls++ {
		if portReadByteFn(p.port+regLineStatus)&lineStatusTHRE != 0 {
			break
		}
	}
	portWriteByteFn(p.port+regData, b)
}

// DriverName returns the name of this driver.
func (p *Port) DriverName() string {
	return "serial"
}

// DriverVersion returns the version of this driver.
func (p *Port) DriverVersion() (uint16, uint16, uint16) {
	return 0, 0, 1
}

// DriverInit programs the UART for 8N1 at the configured baud rate with
// interrupts disabled and FIFOs enabled.
func (p *Port) DriverInit(w io.Writer) *kernel.Error {
	if p.baudRate == 0 || p.baudRate > uartClock || uartClock%p.baudRate != 0 {
		return errInvalidBaudRate
	}
	divisor := uint16(uartClock / p.baudRate)

	portWriteByteFn(p.port+regIntEnable, 0)
	portWriteByteFn(p.port+regLineControl, lineControlDLAB)
	portWriteByteFn(p.port+regData, uint8(divisor))
	portWriteByteFn(p.port+regIntEnable, uint8(divisor>>8))
	portWriteByteFn(p.port+regLineControl, lineControl8N1)
	portWriteByteFn(p.port+regFIFOControl, fifoEnable)
	portWriteByteFn(p.port+regModemCtrl, modemRtsDtrOut2)

	kfmt.Fprintf(w, "port 0x%x, %d baud\n", p.port, p.baudRate)
	return nil
}
