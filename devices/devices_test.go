package devices

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyVendor(t *testing.T) {
	tests := []struct {
		device, vendor string
		want           Vendor
	}{
		{"QUALCOMM Adreno(TM)", "Qualcomm", Adreno},
		{"Mali-G78", "ARM", Mali},
		{"PowerVR Rogue GE8320", "Imagination Technologies", PowerVR},
		{"NVIDIA GeForce RTX 3080", "NVIDIA Corporation", Nvidia},
		{"gfx1030", "Advanced Micro Devices, Inc.", AMD},
		{"Intel(R) UHD Graphics 630", "Intel(R) Corporation", Intel},
		{"llvmpipe", "Mesa", Unknown},
	}
	for _, test := range tests {
		assert.Equalf(t, test.want, ClassifyVendor(test.device, test.vendor),
			"ClassifyVendor(%q, %q)", test.device, test.vendor)
	}
}

func TestInfoPredicates(t *testing.T) {
	info := Default()
	info.Vendor = Mali
	assert.True(t, info.IsMali())
	assert.False(t, info.IsNvidia())
	assert.Equal(t, "Mali", info.Vendor.String())

	info.Vendor = Intel
	assert.True(t, info.IsIntel())
	assert.False(t, info.IsAMD())
}

func TestFitsWorkGroup(t *testing.T) {
	info := Default() // 256 invocations, per-dim limits (256, 256, 64).
	require.True(t, info.FitsWorkGroup([3]int{8, 4, 1}))
	require.True(t, info.FitsWorkGroup([3]int{16, 16, 1}))
	assert.False(t, info.FitsWorkGroup([3]int{32, 16, 1}), "over total invocations")
	assert.False(t, info.FitsWorkGroup([3]int{1, 1, 128}), "over z limit")
	assert.False(t, info.FitsWorkGroup([3]int{0, 1, 1}), "zero extent")
}
