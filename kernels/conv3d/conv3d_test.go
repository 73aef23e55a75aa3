package conv3d

import (
	"testing"

	"github.com/gomlx/clkernels/devices"
	"github.com/gomlx/clkernels/kernels"
	"github.com/gomlx/clkernels/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistered(t *testing.T) {
	reg, ok := kernels.Registered("conv3d")
	require.True(t, ok)
	assert.Equal(t, "conv3d", reg.Name)
	var names []string
	for _, r := range kernels.List() {
		names = append(names, r.Name)
	}
	assert.Contains(t, names, "conv3d")

	// The registry constructor instantiates the operation without importing this
	// package's concrete types.
	require.NotNil(t, reg.New)
	attr := Attributes{
		X: unitAxis(), Y: unitAxis(), Z: unitAxis(),
		InputChannels: 4, OutputChannels: 4,
		Precision:  F32,
		SrcStorage: Buffer, DstStorage: Buffer,
	}
	gen, err := reg.New(attr, devices.Default())
	require.NoError(t, err)
	require.IsType(t, &Conv3D{}, gen)
	assert.NotEmpty(t, gen.Source().Code)

	_, err = reg.New(42, devices.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conv3d.Attributes")
}

func TestNew(t *testing.T) {
	attr := Attributes{
		X: convAxis(3, 1), Y: convAxis(3, 1), Z: convAxis(3, 1),
		InputChannels: 16, OutputChannels: 32,
		Precision:  F32,
		SrcStorage: Texture2D, DstStorage: Texture2D,
	}
	c, err := New(attr, deviceWithVendor(devices.Nvidia))
	require.NoError(t, err)
	assert.Equal(t, attr, c.Attributes())
	assert.Equal(t, LocalMemByThreads, c.Params().WeightsUpload)

	src := c.Source()
	assert.Equal(t, "main_function", src.KernelName)
	assert.NotEmpty(t, src.Code)
	assert.Contains(t, src.Code, "__kernel void main_function(\n$0) {")
	_, err = uuid.Parse(src.BuildID)
	assert.NoError(t, err)
	assert.Equal(t, c.Params().WorkGroupSize, src.RequiredWorkGroupSize)
}

func TestNewRejectsBadAttributes(t *testing.T) {
	attr := Attributes{
		X: Axis{Kernel: 0, Stride: 1, Dilation: 1}, Y: unitAxis(), Z: unitAxis(),
		InputChannels: 4, OutputChannels: 4,
	}
	_, err := New(attr, devices.Default())
	require.Error(t, err)
}

func TestNewWithParamsInconsistent(t *testing.T) {
	attr := Attributes{
		X: convAxis(3, 1), Y: unitAxis(), Z: unitAxis(),
		InputChannels: 8, OutputChannels: 8,
		Precision:  F32,
		SrcStorage: Buffer, DstStorage: Buffer,
	}
	p := fallbackParams(attr)
	p.YKernelIs1 = false // claims a y loop the attributes do not have
	_, err := NewWithParams(attr, p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInconsistentParams))
}

func TestBindArguments(t *testing.T) {
	attr := Attributes{
		X:              Axis{Kernel: 3, Stride: 2, Dilation: 1, PaddingBefore: 1},
		Y:              unitAxis(),
		Z:              Axis{Kernel: 3, Stride: 1, Dilation: 2, PaddingBefore: 2},
		InputChannels:  8,
		OutputChannels: 12,
		Precision:      F32,
		SrcStorage:     Buffer,
		DstStorage:     Buffer,
		BatchedWidth:   true,
	}
	c, err := New(attr, deviceWithVendor(devices.Unknown))
	require.NoError(t, err)

	src := shapes.MakeBHWDC(dtypes.Float32, 4, 8, 8, 6, 8)
	dst := shapes.MakeBHWDC(dtypes.Float32, 4, 8, 4, 6, 12)
	args, err := c.BindArguments(src, dst)
	require.NoError(t, err)

	// Batch 4 folds into width: x padding and dilation scale by it, padding negated.
	want := []ScalarArg{
		{"stride_x", 2}, {"padding_x", -4}, {"kernel_size_x", 3}, {"dilation_x", 4},
		{"stride_z", 1}, {"padding_z", -2}, {"kernel_size_z", 3}, {"dilation_z", 2},
		{"grid_size_s", 1}, // 3 output quads with a slice tile of 3
	}
	assert.Equal(t, want, args)

	names := make([]string, len(args))
	for i, a := range args {
		names[i] = a.Name
	}
	assert.Equal(t, c.Source().ScalarParams, names, "bind order matches the declared contract")
}

func TestBindArgumentsUnbatched(t *testing.T) {
	attr := Attributes{
		X:              Axis{Kernel: 3, Stride: 2, Dilation: 1, PaddingBefore: 1},
		Y:              unitAxis(),
		Z:              unitAxis(),
		InputChannels:  8,
		OutputChannels: 8,
		Precision:      F32,
		SrcStorage:     Buffer,
		DstStorage:     Buffer,
	}
	c, err := New(attr, deviceWithVendor(devices.Unknown))
	require.NoError(t, err)

	src := shapes.MakeBHWDC(dtypes.Float32, 1, 8, 8, 6, 8)
	dst := shapes.MakeBHWDC(dtypes.Float32, 1, 8, 4, 6, 8)
	args, err := c.BindArguments(src, dst)
	require.NoError(t, err)
	assert.Equal(t, []ScalarArg{
		{"stride_x", 2}, {"padding_x", -1}, {"kernel_size_x", 3}, {"dilation_x", 1},
		{"grid_size_s", 1},
	}, args)
}

func TestBindArgumentsDTypeMismatch(t *testing.T) {
	attr := Attributes{
		X: unitAxis(), Y: unitAxis(), Z: unitAxis(),
		InputChannels: 4, OutputChannels: 4,
		Precision:  F16,
		SrcStorage: Buffer, DstStorage: Buffer,
	}
	c, err := New(attr, devices.Default())
	require.NoError(t, err)
	src := shapes.MakeBHWDC(dtypes.Float32, 1, 2, 2, 2, 4)
	dst := shapes.MakeBHWDC(dtypes.Float32, 1, 2, 2, 2, 4)
	_, err = c.BindArguments(src, dst)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Float16")
}

func TestGridSizeMethodMatchesFunction(t *testing.T) {
	attr := Attributes{
		X: unitAxis(), Y: unitAxis(), Z: unitAxis(),
		InputChannels: 8, OutputChannels: 8,
		Precision:  F32,
		SrcStorage: Buffer, DstStorage: Buffer,
	}
	c, err := New(attr, deviceWithVendor(devices.Adreno))
	require.NoError(t, err)
	dst := shapes.MakeBHWDC(dtypes.Float32, 2, 5, 7, 3, 8)
	assert.Equal(t, GridSize(dst, c.Params()), c.GridSize(dst))
}
