package hal

import (
	"bytes"
	"io"
	"runtime"
	"testing"

	"github.com/Kaperstone/hermitgo/kernel"
	"github.com/Kaperstone/hermitgo/kernel/env"
	"github.com/Kaperstone/hermitgo/kernel/multiboot"
	"github.com/Kaperstone/hermitgo/kernel/multiboot/multiboottest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockDevice struct {
	bytes.Buffer
	name    string
	initErr *kernel.Error
	initOut string
}

func (d *mockDevice) DriverName() string { return d.name }

func (d *mockDevice) DriverVersion() (uint16, uint16, uint16) { return 1, 2, 3 }

func (d *mockDevice) DriverInit(w io.Writer) *kernel.Error {
	if d.initOut != "" {
		w.Write([]byte(d.initOut))
	}
	return d.initErr
}

func resetDevices(t *testing.T) {
	DetachDevices()
	messages.Reset()
	t.Cleanup(func() {
		DetachDevices()
		messages.Reset()
		env.SetBootFlags(true, false)
		multiboot.SetInfoPtr(0)
		env.Init()
	})
}

func TestInitDrivers(t *testing.T) {
	resetDevices(t)

	serial := &mockDevice{name: "serial", initOut: "port 0x3f8\n"}
	display := &mockDevice{name: "vga"}

	require.Nil(t, InitSerial(serial))
	require.Nil(t, InitDisplay(display))

	// Output produced before the serial port is attached has nowhere to go.
	assert.Equal(t, "[hal] serial(1.2.3): initialized\n[hal] vga(1.2.3): initialized\n", serial.String())
	assert.Equal(t, "[hal] vga(1.2.3): initialized\n", display.String())
	assert.Len(t, ActiveDrivers(), 2)
}

func TestInitDriverFailure(t *testing.T) {
	resetDevices(t)

	serial := &mockDevice{name: "serial"}
	require.Nil(t, InitSerial(serial))

	expErr := &kernel.Error{Module: "test", Message: "no such device"}
	display := &mockDevice{name: "vga", initErr: expErr}
	assert.Equal(t, expErr, InitDisplay(display))

	assert.Contains(t, serial.String(), "[hal] vga(1.2.3): init failed: no such device\n")
	assert.Zero(t, display.Len())
	assert.Len(t, ActiveDrivers(), 1)
	assert.Nil(t, devices.display)
}

func TestOutputMessageByte(t *testing.T) {
	specs := []struct {
		cmdLine      string
		singleKernel bool
		expSerial    string
		expDisplay   string
		expBuffer    string
	}{
		{"", true, "hi\n", "hi\n", ""},
		{"console=serial", true, "hi\n", "", ""},
		{"console=vga", true, "", "hi\n", ""},
		{"", false, "", "", "hi\n"},
	}

	for specIndex, spec := range specs {
		resetDevices(t)

		info := multiboottest.NewBuilder().CmdLine(spec.cmdLine).Build()
		multiboot.SetInfoPtr(info.Ptr())
		env.SetBootFlags(spec.singleKernel, false)
		env.Init()
		runtime.KeepAlive(info)

		serial := &mockDevice{name: "serial"}
		display := &mockDevice{name: "vga"}
		devices.serial, devices.display = serial, display

		n, err := Output().Write([]byte("hi\n"))
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		var buffered bytes.Buffer
		io.Copy(&buffered, MessageBuffer())

		assert.Equal(t, spec.expSerial, serial.String(), "[spec %d] serial output", specIndex)
		assert.Equal(t, spec.expDisplay, display.String(), "[spec %d] display output", specIndex)
		assert.Equal(t, spec.expBuffer, buffered.String(), "[spec %d] message buffer", specIndex)
	}
}

func TestOutputBeforeDevicesAttached(t *testing.T) {
	resetDevices(t)

	// Nothing to write to yet; must not panic.
	OutputMessageByte('x')
}
