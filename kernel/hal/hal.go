// Package hal routes kernel messages to the output devices and initializes
// their drivers.
package hal

import (
	"bytes"
	"io"

	"github.com/Kaperstone/hermitgo/device"
	"github.com/Kaperstone/hermitgo/kernel"
	"github.com/Kaperstone/hermitgo/kernel/env"
	"github.com/Kaperstone/hermitgo/kernel/kfmt"
	"github.com/Kaperstone/hermitgo/kernel/kmsg"
)

// OutputDevice is a driver that accepts kernel message bytes.
type OutputDevice interface {
	device.Driver
	io.ByteWriter
}

// managedDevices contains the output devices attached to the HAL.
type managedDevices struct {
	serial  io.ByteWriter
	display io.ByteWriter

	// activeDrivers tracks all initialized device drivers.
	activeDrivers []device.Driver
}

var (
	devices managedDevices
	strBuf  bytes.Buffer

	// messages collects kernel output in multi-kernel mode.
	messages kmsg.Buffer
)

// messageOutput is the io.Writer registered as the kfmt output sink.
type messageOutput struct{}

func (messageOutput) Write(p []byte) (int, error) {
	for _, b := range p {
		OutputMessageByte(b)
	}
	return len(p), nil
}

// Output returns an io.Writer that passes every byte to OutputMessageByte.
func Output() io.Writer {
	return messageOutput{}
}

// OutputMessageByte emits a single byte of kernel output. In single-kernel
// mode the byte goes to the serial port and the display, subject to the
// console selected on the command line; devices that are not initialized
// yet are skipped. In multi-kernel mode the byte is appended to the kernel
// message buffer.
func OutputMessageByte(b byte) {
	if !env.IsSingleKernel() {
		messages.WriteByte(b)
		return
	}

	mode := env.Console()
	if devices.serial != nil && mode&env.ConsoleSerial != 0 {
		devices.serial.WriteByte(b)
	}
	if devices.display != nil && mode&env.ConsoleVGA != 0 {
		devices.display.WriteByte(b)
	}
}

// MessageBuffer returns the kernel message buffer.
func MessageBuffer() *kmsg.Buffer {
	return &messages
}

// InitSerial initializes the serial port driver and attaches it as an output
// device.
func InitSerial(dev OutputDevice) *kernel.Error {
	return initDriver(dev, func() { devices.serial = dev })
}

// InitDisplay initializes the display driver and attaches it as an output
// device.
func InitDisplay(dev OutputDevice) *kernel.Error {
	return initDriver(dev, func() { devices.display = dev })
}

// DetachDevices detaches every output device and forgets the active
// drivers. Kernel output is dropped in single-kernel mode until a device is
// initialized again.
func DetachDevices() {
	devices = managedDevices{}
}

// ActiveDrivers returns the drivers that were successfully initialized.
func ActiveDrivers() []device.Driver {
	return devices.activeDrivers
}

// initDriver runs the driver's init code with a writer that tags each output
// line with the driver name and version. onInit is invoked after a successful
// init, before the driver reports itself as initialized.
func initDriver(drv device.Driver, onInit func()) *kernel.Error {
	var w = kfmt.PrefixWriter{Sink: Output()}

	strBuf.Reset()
	major, minor, patch := drv.DriverVersion()
	kfmt.Fprintf(&strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
	w.Prefix = strBuf.Bytes()

	if err := drv.DriverInit(&w); err != nil {
		kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
		return err
	}

	onInit()
	kfmt.Fprintf(&w, "initialized\n")
	devices.activeDrivers = append(devices.activeDrivers, drv)
	return nil
}
