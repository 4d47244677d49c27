package cpu

import (
	"github.com/Kaperstone/hermitgo/kernel"

	xcpu "golang.org/x/sys/cpu"
)

// Features describes the processor capabilities detected by DetectFeatures.
type Features struct {
	// Vector and bit-manipulation extensions reported by golang.org/x/sys/cpu.
	SSE2, SSE3, SSSE3, SSE41, SSE42 bool
	AVX, AVX2, FMA                  bool
	POPCNT, AES, PCLMULQDQ          bool
	RDRAND, RDSEED, OSXSAVE         bool
	ERMS                            bool

	// Bits queried directly with CPUID because the boot sequence depends on
	// them and x/sys/cpu does not report them.
	X2APIC       bool
	Hypervisor   bool
	NX           bool
	Page1GB      bool
	InvariantTSC bool
}

var (
	detected Features

	// hostFeaturesFn is mocked by tests.
	hostFeaturesFn = hostFeatures

	errMissingSSE2 = &kernel.Error{Module: "cpu", Message: "processor does not support SSE2"}
)

// DetectFeatures probes the processor and caches the result for Detected.
// It fails if the processor lacks an extension the kernel cannot run without.
func DetectFeatures() *kernel.Error {
	f := hostFeaturesFn()

	_, _, ecx, _ := cpuidFn(1)
	f.X2APIC = ecx&(1<<21) != 0
	f.Hypervisor = ecx&(1<<31) != 0

	if maxExt, _, _, _ := cpuidFn(0x80000000); maxExt >= 0x80000001 {
		_, _, _, edx := cpuidFn(0x80000001)
		f.NX = edx&(1<<20) != 0
		f.Page1GB = edx&(1<<26) != 0

		if maxExt >= 0x80000007 {
			_, _, _, edx = cpuidFn(0x80000007)
			f.InvariantTSC = edx&(1<<8) != 0
		}
	}

	detected = f
	if !f.SSE2 {
		return errMissingSSE2
	}

	return nil
}

// Detected returns the features recorded by the last DetectFeatures call.
func Detected() Features {
	return detected
}

func hostFeatures() Features {
	return Features{
		SSE2:      xcpu.X86.HasSSE2,
		SSE3:      xcpu.X86.HasSSE3,
		SSSE3:     xcpu.X86.HasSSSE3,
		SSE41:     xcpu.X86.HasSSE41,
		SSE42:     xcpu.X86.HasSSE42,
		AVX:       xcpu.X86.HasAVX,
		AVX2:      xcpu.X86.HasAVX2,
		FMA:       xcpu.X86.HasFMA,
		POPCNT:    xcpu.X86.HasPOPCNT,
		AES:       xcpu.X86.HasAES,
		PCLMULQDQ: xcpu.X86.HasPCLMULQDQ,
		RDRAND:    xcpu.X86.HasRDRAND,
		RDSEED:    xcpu.X86.HasRDSEED,
		OSXSAVE:   xcpu.X86.HasOSXSAVE,
		ERMS:      xcpu.X86.HasERMS,
	}
}
