// Package devices describes the GPU a kernel is generated for.
//
// Kernel generation never talks to a device: the host runtime probes the device (via its
// OpenCL platform layer) and fills in an Info value. Tuning heuristics dispatch on the
// Vendor classification, and the autotuner reads the work-group capability fields.
package devices

import (
	"strings"
)

// Vendor is the closed set of GPU vendor/architecture classes the tuning heuristics
// know about. Anything unrecognized maps to Unknown and gets the generic fallback
// configuration.
type Vendor int

const (
	Unknown Vendor = iota
	AMD
	Adreno
	Intel
	Mali
	Nvidia
	PowerVR
)

// String implements fmt.Stringer.
func (v Vendor) String() string {
	switch v {
	case AMD:
		return "AMD"
	case Adreno:
		return "Adreno"
	case Intel:
		return "Intel"
	case Mali:
		return "Mali"
	case Nvidia:
		return "Nvidia"
	case PowerVR:
		return "PowerVR"
	default:
		return "Unknown"
	}
}

// ClassifyVendor maps the OpenCL device and vendor name strings to a Vendor class.
// Matching is case-insensitive and substring based, following the usual contents of
// CL_DEVICE_NAME / CL_DEVICE_VENDOR on mobile and desktop drivers.
func ClassifyVendor(deviceName, vendorName string) Vendor {
	name := strings.ToLower(deviceName + " " + vendorName)
	switch {
	case strings.Contains(name, "adreno") || strings.Contains(name, "qualcomm"):
		return Adreno
	case strings.Contains(name, "mali") || strings.Contains(name, "arm"):
		return Mali
	case strings.Contains(name, "powervr") || strings.Contains(name, "imagination"):
		return PowerVR
	case strings.Contains(name, "nvidia"):
		return Nvidia
	case strings.Contains(name, "advanced micro devices") || strings.Contains(name, "amd"):
		return AMD
	case strings.Contains(name, "intel"):
		return Intel
	default:
		return Unknown
	}
}

// Info carries the device capabilities kernel generation and tuning read. The host
// runtime fills it from the device it probed.
type Info struct {
	Name   string
	Vendor Vendor

	// MaxWorkGroupSize is the per-dimension limit on work-group extents.
	MaxWorkGroupSize [3]int

	// MaxWorkGroupInvocations limits the total threads per work-group.
	MaxWorkGroupInvocations int

	// PreferredWorkGroupMultiple is the preferred work-group size multiple (warp or
	// wavefront size); candidate work-group shapes that are a multiple of it are
	// preferred during tuning.
	PreferredWorkGroupMultiple int
}

// Default returns an Info for an unrecognized device with conservative limits.
func Default() Info {
	return Info{
		Name:                       "unknown",
		Vendor:                     Unknown,
		MaxWorkGroupSize:           [3]int{256, 256, 64},
		MaxWorkGroupInvocations:    256,
		PreferredWorkGroupMultiple: 32,
	}
}

// IsAMD returns whether the device classified as an AMD GPU.
func (i Info) IsAMD() bool { return i.Vendor == AMD }

// IsAdreno returns whether the device classified as a Qualcomm Adreno GPU.
func (i Info) IsAdreno() bool { return i.Vendor == Adreno }

// IsIntel returns whether the device classified as an Intel GPU. No tuning heuristic
// dispatches on Intel yet: parameter selection treats it like Unknown and uses the
// generic fallback configuration.
func (i Info) IsIntel() bool { return i.Vendor == Intel }

// IsMali returns whether the device classified as an ARM Mali GPU.
func (i Info) IsMali() bool { return i.Vendor == Mali }

// IsNvidia returns whether the device classified as an Nvidia GPU.
func (i Info) IsNvidia() bool { return i.Vendor == Nvidia }

// IsPowerVR returns whether the device classified as an Imagination PowerVR GPU.
func (i Info) IsPowerVR() bool { return i.Vendor == PowerVR }

// FitsWorkGroup reports whether the work-group shape respects the device limits.
func (i Info) FitsWorkGroup(wg [3]int) bool {
	total := 1
	for d := 0; d < 3; d++ {
		if wg[d] < 1 || wg[d] > i.MaxWorkGroupSize[d] {
			return false
		}
		total *= wg[d]
	}
	return total <= i.MaxWorkGroupInvocations
}
