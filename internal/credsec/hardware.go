package credsec

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// HasAESHardwareSupport reports whether the running CPU has native AES
// acceleration, the same detection the teacher's bulk object-encryption
// path used to decide between hardware and software AES-GCM.
func HasAESHardwareSupport() bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return cpu.X86.HasAES
	case "arm64":
		return cpu.ARM64.HasAES
	case "s390x":
		return cpu.S390X.HasAES
	default:
		return false
	}
}

// HardwareInfo reports what the AES-GCM open path in this package is
// running on, as a map of diagnostic fields.
func HardwareInfo() map[string]any {
	return map[string]any{
		"aes_hardware_support": HasAESHardwareSupport(),
		"architecture":         runtime.GOARCH,
		"goos":                 runtime.GOOS,
	}
}
