// Package console implements the VGA text mode console that mirrors kernel
// messages on the display in single-kernel mode.
package console

import (
	"io"
	"unicode/utf8"
	"unsafe"

	"github.com/Kaperstone/hermitgo/kernel"
	"github.com/Kaperstone/hermitgo/kernel/cpu"
	"github.com/Kaperstone/hermitgo/kernel/kfmt"
	"github.com/Kaperstone/hermitgo/kernel/mm"
	"github.com/Kaperstone/hermitgo/kernel/sync"
	"golang.org/x/text/encoding/charmap"
)

// ScrollDir defines a scroll direction.
type ScrollDir uint8

// The supported list of scroll directions for the console Scroll() calls.
const (
	ScrollDirUp ScrollDir = iota
	ScrollDirDown
)

const (
	// DefaultFramebuffer is the physical address of the VGA text mode
	// framebuffer.
	DefaultFramebuffer uintptr = 0xb8000

	crtcIndexPort = 0x3d4
	crtcDataPort  = 0x3d5
	crtcCursorHi  = 0x0e
	crtcCursorLo  = 0x0f

	tabWidth = 8
)

var (
	portWriteByteFn = cpu.PortWriteByte

	errInvalidDimensions = &kernel.Error{Module: "vga_text_console", Message: "console dimensions must be non-zero"}
)

// VgaTextConsole implements an EGA-compatible text console using VGA mode
// 0x3. Each character in the framebuffer is represented using two bytes, a
// byte for the CP437 glyph and a byte that encodes the foreground and
// background colors (4 bits for each).
//
// Besides cell-level access, the console behaves as a terminal: bytes
// written to it are decoded as UTF-8, mapped to CP437 and printed at the
// cursor, scrolling the screen when the last row is full.
//
// The default settings for the console are:
//   - light gray text (color 7) on black background (color 0).
//   - space as the clear character
type VgaTextConsole struct {
	lock sync.Spinlock

	width  uint32
	height uint32

	fbPhysAddr uintptr
	fb         []uint16

	defaultFg uint8
	defaultBg uint8
	clearChar uint16

	// 1-based cursor position.
	curX, curY uint32

	// softCursor is set when no CRTC is present and the cursor position is
	// only tracked in memory.
	softCursor bool

	// pending accumulates the bytes of an incomplete UTF-8 sequence.
	pending    [utf8.UTFMax]byte
	pendingLen int
}

// NewVgaTextConsole creates an new vga text console with its
// framebuffer located at fbPhysAddr.
func NewVgaTextConsole(columns, rows uint32, fbPhysAddr uintptr) *VgaTextConsole {
	return &VgaTextConsole{
		width:      columns,
		height:     rows,
		fbPhysAddr: fbPhysAddr,
		clearChar:  uint16(' '),
		// light gray text on black background
		defaultFg: 7,
		defaultBg: 0,
		curX:      1,
		curY:      1,
	}
}

// DisableHardwareCursor stops the console from programming the CRTC cursor
// registers. It is used when the framebuffer is not backed by a VGA adapter.
func (cons *VgaTextConsole) DisableHardwareCursor() {
	cons.lock.Acquire()
	cons.softCursor = true
	cons.lock.Release()
}

// Dimensions returns the console width and height in characters.
func (cons *VgaTextConsole) Dimensions() (uint32, uint32) {
	return cons.width, cons.height
}

// DefaultColors returns the default foreground and background colors
// used by this console.
func (cons *VgaTextConsole) DefaultColors() (fg uint8, bg uint8) {
	return cons.defaultFg, cons.defaultBg
}

// Fill sets the contents of the specified rectangular region to the requested
// color. Both x and y coordinates are 1-based.
func (cons *VgaTextConsole) Fill(x, y, width, height uint32, fg, bg uint8) {
	var (
		clr                  = (((uint16(bg) << 4) | uint16(fg)) << 8) | cons.clearChar
		rowOffset, colOffset uint32
	)

	// clip rectangle
	if x == 0 {
		x = 1
	} else if x >= cons.width {
		x = cons.width
	}

	if y == 0 {
		y = 1
	} else if y >= cons.height {
		y = cons.height
	}

	if x+width-1 > cons.width {
		width = cons.width - x + 1
	}

	if y+height-1 > cons.height {
		height = cons.height - y + 1
	}

	rowOffset = ((y - 1) * cons.width) + (x - 1)
	for ; height > 0; height, rowOffset = height-1, rowOffset+cons.width {
		for colOffset = rowOffset; colOffset < rowOffset+width; colOffset++ {
			cons.fb[colOffset] = clr
		}
	}
}

// Scroll the console contents to the specified direction. The caller
// is responsible for updating (e.g. clear or replace) the contents of
// the region that was scrolled.
func (cons *VgaTextConsole) Scroll(dir ScrollDir, lines uint32) {
	if lines == 0 || lines > cons.height {
		return
	}

	var i uint32
	offset := lines * cons.width

	switch dir {
	case ScrollDirUp:
		for ; i < (cons.height-lines)*cons.width; i++ {
			cons.fb[i] = cons.fb[i+offset]
		}
	case ScrollDirDown:
		for i = cons.height*cons.width - 1; i >= lines*cons.width; i-- {
			cons.fb[i] = cons.fb[i-offset]
		}
	}
}

// SetCell writes a CP437 glyph to the specified location. Colors outside the
// 16 color EGA palette are replaced by the defaults. Both x and y coordinates
// are 1-based.
func (cons *VgaTextConsole) SetCell(ch byte, fg, bg uint8, x, y uint32) {
	if x < 1 || x > cons.width || y < 1 || y > cons.height {
		return
	}

	if fg > 15 {
		fg = cons.defaultFg
	}
	if bg > 15 {
		bg = cons.defaultBg
	}

	cons.fb[((y-1)*cons.width)+(x-1)] = (((uint16(bg) << 4) | uint16(fg)) << 8) | uint16(ch)
}

// Cell returns the glyph stored at the specified location.
func (cons *VgaTextConsole) Cell(x, y uint32) byte {
	if x < 1 || x > cons.width || y < 1 || y > cons.height {
		return 0
	}
	return byte(cons.fb[((y-1)*cons.width)+(x-1)])
}

// Lines returns the console contents as UTF-8 text, one string per row with
// trailing spaces removed. It returns nil before DriverInit maps the
// framebuffer.
func (cons *VgaTextConsole) Lines() []string {
	cons.lock.Acquire()
	defer cons.lock.Release()

	if cons.fb == nil {
		return nil
	}

	lines := make([]string, 0, cons.height)
	row := make([]rune, 0, cons.width)
	for y := uint32(1); y <= cons.height; y++ {
		row = row[:0]
		for x := uint32(1); x <= cons.width; x++ {
			row = append(row, charmap.CodePage437.DecodeByte(cons.Cell(x, y)))
		}

		end := len(row)
		for end > 0 && row[end-1] == ' ' {
			end--
		}
		lines = append(lines, string(row[:end]))
	}
	return lines
}

// Write implements io.Writer.
func (cons *VgaTextConsole) Write(p []byte) (int, error) {
	cons.lock.Acquire()
	for _, b := range p {
		cons.writeByte(b)
	}
	cons.updateCursor()
	cons.lock.Release()
	return len(p), nil
}

// WriteByte implements io.ByteWriter.
func (cons *VgaTextConsole) WriteByte(b byte) error {
	cons.lock.Acquire()
	cons.writeByte(b)
	cons.updateCursor()
	cons.lock.Release()
	return nil
}

func (cons *VgaTextConsole) writeByte(b byte) {
	if cons.pendingLen == 0 && b < utf8.RuneSelf {
		cons.putASCII(b)
		return
	}

	cons.pending[cons.pendingLen] = b
	cons.pendingLen++
	if !utf8.FullRune(cons.pending[:cons.pendingLen]) {
		return
	}

	r, _ := utf8.DecodeRune(cons.pending[:cons.pendingLen])
	cons.pendingLen = 0

	glyph, ok := charmap.CodePage437.EncodeRune(r)
	if !ok {
		glyph = '?'
	}
	cons.putGlyph(glyph)
}

func (cons *VgaTextConsole) putASCII(b byte) {
	switch b {
	case '\n':
		cons.newLine()
	case '\r':
		cons.curX = 1
	case '\t':
		next := ((cons.curX-1)/tabWidth+1)*tabWidth + 1
		for cons.curX < next && cons.curX <= cons.width {
			cons.putGlyph(' ')
		}
	case '\b':
		if cons.curX > 1 {
			cons.curX--
		}
	default:
		cons.putGlyph(b)
	}
}

func (cons *VgaTextConsole) putGlyph(glyph byte) {
	if cons.curX > cons.width {
		cons.newLine()
	}

	cons.SetCell(glyph, cons.defaultFg, cons.defaultBg, cons.curX, cons.curY)
	cons.curX++
}

func (cons *VgaTextConsole) newLine() {
	cons.curX = 1
	if cons.curY < cons.height {
		cons.curY++
		return
	}

	cons.Scroll(ScrollDirUp, 1)
	cons.Fill(1, cons.height, cons.width, 1, cons.defaultFg, cons.defaultBg)
}

// updateCursor moves the hardware cursor to the current position.
func (cons *VgaTextConsole) updateCursor() {
	if cons.softCursor {
		return
	}

	x := cons.curX
	if x > cons.width {
		x = cons.width
	}
	pos := uint16((cons.curY-1)*cons.width + x - 1)

	portWriteByteFn(crtcIndexPort, crtcCursorHi)
	portWriteByteFn(crtcDataPort, uint8(pos>>8))
	portWriteByteFn(crtcIndexPort, crtcCursorLo)
	portWriteByteFn(crtcDataPort, uint8(pos))
}

// DriverName returns the name of this driver.
func (cons *VgaTextConsole) DriverName() string {
	return "vga_text_console"
}

// DriverVersion returns the version of this driver.
func (cons *VgaTextConsole) DriverVersion() (uint16, uint16, uint16) {
	return 0, 0, 1
}

// DriverInit maps the framebuffer, clears the screen and homes the cursor.
func (cons *VgaTextConsole) DriverInit(w io.Writer) *kernel.Error {
	if cons.width == 0 || cons.height == 0 {
		return errInvalidDimensions
	}

	cells := int(cons.width * cons.height)
	cons.fb = unsafe.Slice((*uint16)(unsafe.Pointer(mm.PhysToVirt(cons.fbPhysAddr))), cells)

	cons.lock.Acquire()
	cons.Fill(1, 1, cons.width, cons.height, cons.defaultFg, cons.defaultBg)
	cons.curX, cons.curY = 1, 1
	cons.pendingLen = 0
	cons.updateCursor()
	cons.lock.Release()

	kfmt.Fprintf(w, "%dx%d text mode, framebuffer at 0x%x\n", cons.width, cons.height, cons.fbPhysAddr)
	return nil
}
