// Package kfmt provides the kernel's formatted output and panic routines. The
// formatter never allocates, so it can be used while the physical memory
// manager is still being set up.
package kfmt

import (
	"io"
	"unsafe"

	"github.com/Kaperstone/hermitgo/kernel/kmsg"
	"github.com/Kaperstone/hermitgo/kernel/sync"
)

// maxBufSize defines the buffer size for formatting numbers.
const maxBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// numFmtBuf and singleByte are shared scratch buffers; printLock
	// serializes every formatting call that touches them.
	numFmtBuf  = []byte("012345678901234567890123456789012")
	singleByte = []byte(" ")
	printLock  sync.Spinlock

	// earlyPrintBuffer stores Printf output produced before an output sink
	// has been registered.
	earlyPrintBuffer kmsg.Buffer

	// outputSink is the io.Writer where Printf sends its output. If set to
	// nil, output is redirected to earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the early print buffer to it.
func SetOutputSink(w io.Writer) {
	printLock.Acquire()
	outputSink = w
	printLock.Release()

	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the current target for calls to Printf.
func GetOutputSink() io.Writer {
	return outputSink
}

// Printf provides a minimal Printf implementation that can be safely used
// before the Go allocator is available. It supports the following subset of
// the fmt verbs:
//
//	%s  string or byte slice
//	%d  base 10 integer
//	%o  base 8 integer
//	%x  base 16 integer, lower-case a-f
//	%t  "true" or "false"
//
// An optional decimal width may precede the verb. Strings and base-10
// integers are left-padded with spaces; base-8 and base-16 integers are
// left-padded with zeroes.
//
// Arguments are never checked for io.Stringer and %p is not supported: both
// would require reflection, which makes the compiler emit allocating
// conversions for the argument slice.
//
// Output goes to the sink registered with SetOutputSink or, if there is none,
// to a ring buffer that is flushed once a sink is registered.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	printLock.Acquire()
	fprintf(w, format, args)
	printLock.Release()
}

func fprintf(w io.Writer, format string, args []interface{}) {
	var (
		argIndex   int
		litStart   int
		pos        int
		width      int
		formatSize = len(format)
	)

	for pos < formatSize {
		if format[pos] != '%' {
			pos++
			continue
		}

		writeLiteral(w, format, litStart, pos)

		width = 0
		pos++
	verb:
		for ; pos < formatSize; pos++ {
			ch := format[pos]
			switch {
			case ch == '%':
				writeByte(w, '%')
				break verb
			case ch >= '0' && ch <= '9':
				width = width*10 + int(ch-'0')
				continue
			case ch == 'd' || ch == 'x' || ch == 'o' || ch == 's' || ch == 't':
				if argIndex >= len(args) {
					doWrite(w, errMissingArg)
					break verb
				}

				switch ch {
				case 'o':
					fmtInt(w, args[argIndex], 8, width)
				case 'd':
					fmtInt(w, args[argIndex], 10, width)
				case 'x':
					fmtInt(w, args[argIndex], 16, width)
				case 's':
					fmtString(w, args[argIndex], width)
				case 't':
					fmtBool(w, args[argIndex])
				}

				argIndex++
				break verb
			}

			// reached end of formatting string without finding a verb
			doWrite(w, errNoVerb)
		}
		litStart, pos = pos+1, pos+1
	}

	writeLiteral(w, format, litStart, pos)

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

// writeLiteral emits format[from:to]. Slicing the string into a []byte would
// allocate, so the bytes are written one at a time.
func writeLiteral(w io.Writer, format string, from, to int) {
	if to > len(format) {
		to = len(format)
	}
	for i := from; i < to; i++ {
		writeByte(w, format[i])
	}
}

func writeByte(w io.Writer, ch byte) {
	singleByte[0] = ch
	doWrite(w, singleByte)
}

// fmtBool prints a formatted version of boolean value v.
func fmtBool(w io.Writer, v interface{}) {
	bVal, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case bVal:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

// fmtString prints a formatted version of string or []byte value v, applying
// the padding specified by padLen.
func fmtString(w io.Writer, v interface{}, padLen int) {
	switch castedVal := v.(type) {
	case string:
		fmtRepeat(w, ' ', padLen-len(castedVal))
		for i := 0; i < len(castedVal); i++ {
			writeByte(w, castedVal[i])
		}
	case []byte:
		fmtRepeat(w, ' ', padLen-len(castedVal))
		doWrite(w, castedVal)
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtRepeat writes count bytes with value ch.
func fmtRepeat(w io.Writer, ch byte, count int) {
	for ; count > 0; count-- {
		writeByte(w, ch)
	}
}

// fmtInt prints out a formatted version of v in the requested base, applying
// the padding specified by padLen. All built-in signed and unsigned integer
// types are supported.
func fmtInt(w io.Writer, v interface{}, base, padLen int) {
	var (
		uval     uint64
		negative bool
		padCh    byte = '0'
		divider       = uint64(base)
		end      int
	)

	if padLen >= maxBufSize {
		padLen = maxBufSize - 1
	}

	if base == 10 {
		padCh = ' '
	}

	switch t := v.(type) {
	case uint8:
		uval = uint64(t)
	case uint16:
		uval = uint64(t)
	case uint32:
		uval = uint64(t)
	case uint64:
		uval = t
	case uint:
		uval = uint64(t)
	case uintptr:
		uval = uint64(t)
	case int8:
		uval, negative = abs(int64(t))
	case int16:
		uval, negative = abs(int64(t))
	case int32:
		uval, negative = abs(int64(t))
	case int64:
		uval, negative = abs(t)
	case int:
		uval, negative = abs(int64(t))
	default:
		doWrite(w, errWrongArgType)
		return
	}

	// Digits are generated in reverse order and flipped at the end.
	for {
		digit := uval % divider
		if digit < 10 {
			numFmtBuf[end] = byte(digit) + '0'
		} else {
			numFmtBuf[end] = byte(digit-10) + 'a'
		}
		end++

		if uval /= divider; uval == 0 || end == maxBufSize {
			break
		}
	}

	for ; end < padLen; end++ {
		numFmtBuf[end] = padCh
	}

	// The sign replaces the leftmost space padding character if there is
	// one; otherwise it is appended.
	if negative {
		signPos := end
		for signPos > 0 && numFmtBuf[signPos-1] == ' ' {
			signPos--
		}
		numFmtBuf[signPos] = '-'
		if signPos == end {
			end++
		}
	}

	for left, right := 0, end-1; left < right; left, right = left+1, right-1 {
		numFmtBuf[left], numFmtBuf[right] = numFmtBuf[right], numFmtBuf[left]
	}

	doWrite(w, numFmtBuf[:end])
}

func abs(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

// doWrite is a proxy that uses the runtime.noescape hack to hide p from the
// compiler's escape analysis. Without it the compiler flags p as escaping
// through the io.Writer call and every Printf call site ends up allocating,
// which crashes the kernel when Printf runs before the allocator is ready.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyPrintBuffer.Write(p)
	}
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
