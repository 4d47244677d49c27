package console

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/Kaperstone/hermitgo/device"
	"github.com/Kaperstone/hermitgo/kernel/cpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConsole(t *testing.T, columns, rows uint32) (*VgaTextConsole, []uint16, *[][2]uint16) {
	t.Helper()

	var portWrites [][2]uint16
	portWriteByteFn = func(port uint16, val uint8) {
		portWrites = append(portWrites, [2]uint16{port, uint16(val)})
	}
	t.Cleanup(func() { portWriteByteFn = cpu.PortWriteByte })

	fb := make([]uint16, columns*rows)
	cons := NewVgaTextConsole(columns, rows, uintptr(unsafe.Pointer(&fb[0])))
	require.Nil(t, cons.DriverInit(&bytes.Buffer{}))
	portWrites = portWrites[:0]

	return cons, fb, &portWrites
}

func TestVgaTextDimensions(t *testing.T) {
	cons := NewVgaTextConsole(40, 50, 0)
	if w, h := cons.Dimensions(); w != 40 || h != 50 {
		t.Fatalf("expected console dimensions to be 40x50; got %dx%d", w, h)
	}
}

func TestVgaTextDefaultColors(t *testing.T) {
	cons := NewVgaTextConsole(80, 25, 0)
	if fg, bg := cons.DefaultColors(); fg != 7 || bg != 0 {
		t.Fatalf("expected console default colors to be fg:7, bg:0; got fg:%d, bg: %d", fg, bg)
	}
}

func TestVgaTextFill(t *testing.T) {
	specs := []struct {
		// Input rect
		x, y, w, h uint32

		// Expected area to be cleared
		expStartX, expStartY, expEndX, expEndY uint32
	}{
		{
			0, 0, 500, 500,
			1, 1, 80, 25,
		},
		{
			10, 10, 11, 50,
			10, 10, 20, 25,
		},
		{
			10, 10, 110, 1,
			10, 10, 80, 10,
		},
		{
			90, 25, 20, 20,
			80, 25, 80, 25,
		},
		{
			12, 12, 5, 6,
			12, 12, 16, 17,
		},
	}

	fb := make([]uint16, 80*25)
	cons := NewVgaTextConsole(80, 25, uintptr(unsafe.Pointer(&fb[0])))
	cons.fb = fb
	cw, ch := cons.Dimensions()

	testPat := uint16(0xDEAD)
	clearPat := (uint16(7) << 8) | cons.clearChar

nextSpec:
	for specIndex, spec := range specs {
		// Fill FB with test pattern
		for i := 0; i < len(fb); i++ {
			fb[i] = testPat
		}

		cons.Fill(spec.x, spec.y, spec.w, spec.h, 7, 0)

		var x, y uint32
		for y = 1; y <= ch; y++ {
			for x = 1; x <= cw; x++ {
				fbVal := fb[((y-1)*cw)+(x-1)]

				if x < spec.expStartX || y < spec.expStartY || x > spec.expEndX || y > spec.expEndY {
					if fbVal != testPat {
						t.Errorf("[spec %d] expected char at (%d, %d) not to be cleared", specIndex, x, y)
						continue nextSpec
					}
				} else {
					if fbVal != clearPat {
						t.Errorf("[spec %d] expected char at (%d, %d) to be cleared", specIndex, x, y)
						continue nextSpec
					}
				}
			}
		}
	}
}

func TestVgaTextScroll(t *testing.T) {
	fb := make([]uint16, 80*25)
	cons := NewVgaTextConsole(80, 25, uintptr(unsafe.Pointer(&fb[0])))
	cons.fb = fb
	cw, ch := cons.Dimensions()

	fillWithRowIndex := func() {
		for y := uint32(0); y < ch; y++ {
			for x := uint32(0); x < cw; x++ {
				fb[y*cw+x] = uint16(y)
			}
		}
	}

	t.Run("up", func(t *testing.T) {
		fillWithRowIndex()
		cons.Scroll(ScrollDirUp, 2)

		for y := uint32(0); y < ch-2; y++ {
			if got := fb[y*cw]; got != uint16(y+2) {
				t.Fatalf("expected row %d to contain the contents of row %d; got %d", y, y+2, got)
			}
		}
	})

	t.Run("down", func(t *testing.T) {
		fillWithRowIndex()
		cons.Scroll(ScrollDirDown, 3)

		for y := uint32(3); y < ch; y++ {
			if got := fb[y*cw]; got != uint16(y-3) {
				t.Fatalf("expected row %d to contain the contents of row %d; got %d", y, y-3, got)
			}
		}
	})

	t.Run("invalid line count", func(t *testing.T) {
		fillWithRowIndex()
		cons.Scroll(ScrollDirUp, 0)
		cons.Scroll(ScrollDirUp, ch+1)

		for y := uint32(0); y < ch; y++ {
			if got := fb[y*cw]; got != uint16(y) {
				t.Fatalf("expected row %d to be unchanged; got %d", y, got)
			}
		}
	})
}

func TestVgaTextSetCell(t *testing.T) {
	fb := make([]uint16, 80*25)
	cons := NewVgaTextConsole(80, 25, uintptr(unsafe.Pointer(&fb[0])))
	cons.fb = fb

	specs := []struct {
		ch     byte
		fg, bg uint8
		x, y   uint32
		exp    uint16
	}{
		{'a', 1, 2, 1, 1, 0x2161},
		{'b', 99, 3, 80, 25, 0x3762},
		{'c', 4, 99, 2, 1, 0x0463},
	}

	for specIndex, spec := range specs {
		cons.SetCell(spec.ch, spec.fg, spec.bg, spec.x, spec.y)
		if got := fb[(spec.y-1)*80+spec.x-1]; got != spec.exp {
			t.Errorf("[spec %d] expected cell to contain 0x%x; got 0x%x", specIndex, spec.exp, got)
		}
		if got := cons.Cell(spec.x, spec.y); got != spec.ch {
			t.Errorf("[spec %d] expected Cell to return %q; got %q", specIndex, spec.ch, got)
		}
	}

	// Out of bounds writes are ignored
	before := append([]uint16(nil), fb...)
	cons.SetCell('x', 7, 0, 0, 1)
	cons.SetCell('x', 7, 0, 81, 1)
	cons.SetCell('x', 7, 0, 1, 26)
	assert.Equal(t, before, fb)
	assert.Zero(t, cons.Cell(0, 0))
}

func TestVgaTextDriverInit(t *testing.T) {
	var portWrites [][2]uint16
	portWriteByteFn = func(port uint16, val uint8) {
		portWrites = append(portWrites, [2]uint16{port, uint16(val)})
	}
	defer func() { portWriteByteFn = cpu.PortWriteByte }()

	fb := make([]uint16, 80*25)
	for i := range fb {
		fb[i] = 0xDEAD
	}

	var (
		cons device.Driver = NewVgaTextConsole(80, 25, uintptr(unsafe.Pointer(&fb[0])))
		buf  bytes.Buffer
	)
	require.Nil(t, cons.DriverInit(&buf))

	for i, v := range fb {
		if v != 0x0720 {
			t.Fatalf("expected cell %d to be cleared; got 0x%x", i, v)
		}
	}
	assert.Contains(t, buf.String(), "80x25 text mode")
	assert.Equal(t, [][2]uint16{{0x3d4, 0x0e}, {0x3d5, 0}, {0x3d4, 0x0f}, {0x3d5, 0}}, portWrites)

	assert.Equal(t, "vga_text_console", cons.DriverName())
	major, minor, patch := cons.DriverVersion()
	assert.Equal(t, [3]uint16{0, 0, 1}, [3]uint16{major, minor, patch})

	assert.Equal(t, errInvalidDimensions, NewVgaTextConsole(0, 25, 0).DriverInit(&buf))
}

func TestVgaTextWrite(t *testing.T) {
	t.Run("control characters", func(t *testing.T) {
		cons, _, portWrites := newTestConsole(t, 20, 4)

		n, err := cons.Write([]byte("hello\nab\tc\rX\n12\b3"))
		require.NoError(t, err)
		assert.Equal(t, 17, n)

		lines := cons.Lines()
		assert.Equal(t, []string{"hello", "Xb      c", "13", ""}, lines)

		// cursor at row 3, column 3
		assert.Equal(t, [][2]uint16{{0x3d4, 0x0e}, {0x3d5, 0}, {0x3d4, 0x0f}, {0x3d5, 42}}, *portWrites)
	})

	t.Run("line wrap and scroll", func(t *testing.T) {
		cons, _, _ := newTestConsole(t, 5, 3)

		_, err := cons.Write([]byte("abcdefg\nline3\nline4"))
		require.NoError(t, err)
		assert.Equal(t, []string{"fg", "line3", "line4"}, cons.Lines())
	})

	t.Run("unicode glyphs", func(t *testing.T) {
		cons, fb, _ := newTestConsole(t, 10, 2)

		data := []byte("│ü€")
		// split in the middle of the first rune
		require.NoError(t, cons.WriteByte(data[0]))
		_, err := cons.Write(data[1:])
		require.NoError(t, err)

		assert.Equal(t, uint16(0xb3), fb[0]&0xff)
		assert.Equal(t, uint16(0x81), fb[1]&0xff)
		assert.Equal(t, uint16('?'), fb[2]&0xff)
		assert.Equal(t, []string{"│ü?", ""}, cons.Lines())
	})
}

func TestVgaTextDisableHardwareCursor(t *testing.T) {
	cons, _, portWrites := newTestConsole(t, 10, 2)

	cons.DisableHardwareCursor()
	_, err := cons.Write([]byte("abc\nd"))
	require.NoError(t, err)

	assert.Empty(t, *portWrites)
	assert.Equal(t, []string{"abc", "d"}, cons.Lines())
}
