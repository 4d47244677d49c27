package boot

import (
	"github.com/Kaperstone/hermitgo/kernel/cpu"
	"github.com/Kaperstone/hermitgo/kernel/kfmt"
)

// printProcessorInfo prints the vendor, frequency and the extensions found
// by the feature detection step.
func printProcessorInfo(mhz uint32) {
	vendor := "non-Intel"
	if isIntelFn() {
		vendor = "Intel"
	}

	kfmt.Printf("[boot] processor: %s, %d MHz\n", vendor, mhz)

	f := cpu.Detected()
	flags := [...]struct {
		name    string
		present bool
	}{
		{"sse2", f.SSE2},
		{"sse3", f.SSE3},
		{"ssse3", f.SSSE3},
		{"sse4.1", f.SSE41},
		{"sse4.2", f.SSE42},
		{"avx", f.AVX},
		{"avx2", f.AVX2},
		{"fma", f.FMA},
		{"popcnt", f.POPCNT},
		{"aes", f.AES},
		{"pclmulqdq", f.PCLMULQDQ},
		{"rdrand", f.RDRAND},
		{"rdseed", f.RDSEED},
		{"osxsave", f.OSXSAVE},
		{"erms", f.ERMS},
		{"x2apic", f.X2APIC},
		{"hypervisor", f.Hypervisor},
		{"nx", f.NX},
		{"pdpe1gb", f.Page1GB},
		{"invariant_tsc", f.InvariantTSC},
	}

	kfmt.Printf("[boot] features:")
	for _, flag := range flags {
		if flag.present {
			kfmt.Printf(" %s", flag.name)
		}
	}
	kfmt.Printf("\n")
}
