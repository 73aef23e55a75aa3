package conv3d

import (
	"strings"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unitAxis() Axis {
	return Axis{Kernel: 1, Stride: 1, Dilation: 1}
}

func convAxis(kernel, stride int) Axis {
	return Axis{Kernel: kernel, Stride: stride, Dilation: 1, PaddingBefore: kernel / 2}
}

// fallbackParams returns the generic configuration with flags matching attr.
func fallbackParams(attr Attributes) Params {
	x1, y1, z1 := axisFlags(attr)
	return Params{
		BlockSize:        BlockSize{2, 2, 1, 2},
		WorkGroupSize:    [3]int{8, 4, 1},
		LaunchOrder:      [3]int{0, 1, 2},
		WeightsUpload:    TexturesMem,
		SrcDepthLoopSize: 1,
		XKernelIs1:       x1, YKernelIs1: y1, ZKernelIs1: z1,
	}
}

func TestGenerate1x1x1(t *testing.T) {
	// A pointwise convolution on buffer storage: no spatial loops at all, only the
	// channel-group reduction.
	attr := Attributes{
		X: unitAxis(), Y: unitAxis(), Z: unitAxis(),
		InputChannels: 8, OutputChannels: 8,
		Precision:  F32,
		SrcStorage: Buffer, DstStorage: Buffer,
	}
	src := must.M1(Generate(attr, fallbackParams(attr)))

	assert.Zero(t, strings.Count(src.Code, "for ("), "no runtime loops for 1x1x1")
	assert.Equal(t, 1, strings.Count(src.Code, "do {"))
	assert.Contains(t, src.Code, "} while (s < args.src_tensor.Slices());")
	assert.Equal(t, []string{"grid_size_s"}, src.ScalarParams)
	assert.NotContains(t, src.Code, "kernel_size_x")
	assert.NotContains(t, src.Code, "filter_offset")
	// Buffer storage cannot read out of bounds, so even unit axes clamp.
	assert.Contains(t, src.Code, "int xc0 = clamp((DST_X + 0), 0, args.src_tensor.Width() - 1);")
	assert.Contains(t, src.Code, "int zc0 = clamp((DST_Z + 0), 0, args.src_tensor.Depth() - 1);")
	// Texture staging of the fallback reads per channel group directly.
	assert.Contains(t, src.Code, "FLT4 f0 = args.weights0.Read(DST_S + 0, s);")
	assert.Zero(t, src.RequiredWorkGroupSize)
}

func TestGenerateLoopPerNonUnitAxis(t *testing.T) {
	attr := Attributes{
		X: convAxis(3, 1), Y: convAxis(3, 1), Z: convAxis(3, 1),
		InputChannels: 16, OutputChannels: 16,
		Precision:  F32,
		SrcStorage: Buffer, DstStorage: Buffer,
	}
	full := must.M1(Generate(attr, fallbackParams(attr)))
	assert.Equal(t, 3, strings.Count(full.Code, "for (int k"))
	assert.Contains(t, full.Code, "for (int kz = 0; kz < args.kernel_size_z; ++kz) {")
	assert.Contains(t, full.Code, "int zck0 = kz * args.dilation_z + zc0;")

	// Collapsing the z axis to a unit kernel removes exactly that loop level, its
	// precompute and its scalar parameters.
	attr.Z = unitAxis()
	reduced := must.M1(Generate(attr, fallbackParams(attr)))
	assert.Equal(t, 2, strings.Count(reduced.Code, "for (int k"))
	assert.NotContains(t, reduced.Code, "kz")
	assert.NotContains(t, reduced.Code, "zck0")
	assert.NotContains(t, reduced.ScalarParams, "kernel_size_z")
	assert.Contains(t, reduced.ScalarParams, "kernel_size_x")
	assert.Equal(t, strings.Count(full.Code, "  }\n")-1, strings.Count(reduced.Code, "  }\n"),
		"one closing brace less")
}

func TestGenerateLocalMemStaging(t *testing.T) {
	attr := Attributes{
		X: convAxis(3, 2), Y: convAxis(3, 1), Z: unitAxis(),
		InputChannels: 32, OutputChannels: 32,
		Precision:  F32,
		SrcStorage: Buffer, DstStorage: Buffer,
	}
	x1, y1, z1 := axisFlags(attr)
	p := Params{
		BlockSize:        BlockSize{1, 1, 1, 4},
		WorkGroupSize:    [3]int{8, 4, 1},
		LaunchOrder:      [3]int{0, 1, 2},
		WeightsUpload:    LocalMemByThreads,
		SrcDepthLoopSize: 2,
		XKernelIs1:       x1, YKernelIs1: y1, ZKernelIs1: z1,
	}
	src := must.M1(Generate(attr, p))

	// Shared buffer holds slice-tile * 4 * unroll FLT4 values.
	assert.Contains(t, src.Code, "__local FLT4 weights_cache[32];")
	assert.Contains(t, src.Code, "__attribute__((reqd_work_group_size(8, 4, 1)))")
	assert.Equal(t, [3]int{8, 4, 1}, src.RequiredWorkGroupSize)
	assert.Contains(t, src.Code, "int lid = get_local_id(1) * 8 + get_local_id(0);")
	// Two barriers in the reduction loop, two around the bias upload.
	assert.Equal(t, 4, strings.Count(src.Code, "barrier(CLK_LOCAL_MEM_FENCE);"))

	// The over-provisioned-thread gate moves after the loop: with a fixed work-group
	// size, every thread must reach the barriers.
	gate := "if (DST_X >= args.dst_tensor.Width() || DST_Y >= args.dst_tensor.Height() || DST_Z >= args.dst_tensor.Depth()) return;"
	assert.Equal(t, 1, strings.Count(src.Code, gate))
	assert.Greater(t, strings.Index(src.Code, gate), strings.Index(src.Code, "} while"),
		"gate must come after the reduction loop")

	// Unrolled twice: two upload-free reads of the source tile per staging.
	assert.Equal(t, 2, strings.Count(src.Code, "src000 = args.src_tensor.Read(src_a_000)"))
	assert.Equal(t, []string{"src_tensor", "dst_tensor", "weights", "biases"}, src.Objects)
}

func TestGenerateAsyncStaging(t *testing.T) {
	attr := Attributes{
		X: convAxis(3, 1), Y: unitAxis(), Z: unitAxis(),
		InputChannels: 16, OutputChannels: 32,
		Precision:  F32,
		SrcStorage: Texture2D, DstStorage: Texture2D,
	}
	x1, y1, z1 := axisFlags(attr)
	p := Params{
		BlockSize:        BlockSize{1, 1, 1, 8},
		WorkGroupSize:    [3]int{8, 4, 1},
		LaunchOrder:      [3]int{2, 0, 1},
		WeightsUpload:    LocalMemAsyncCopy,
		SrcDepthLoopSize: 1,
		XKernelIs1:       x1, YKernelIs1: y1, ZKernelIs1: z1,
	}
	src := must.M1(Generate(attr, p))
	assert.Contains(t, src.Code, "async_work_group_copy(weights_cache, filters_loc, 32, 0);")
	assert.Contains(t, src.Code, "async_work_group_copy(weights_cache, args.biases.GetPtr() + DST_S, 8, 0);")
	assert.Zero(t, strings.Count(src.Code, "barrier("))
	// Launch order (2,0,1): every coordinate is recovered through the permuted group id.
	assert.Contains(t, src.Code, "int DST_X = (get_group_id(1) * get_local_size(0) + get_local_id(0)) * 1;")
	assert.Contains(t, src.Code, "int DST_Y = (get_group_id(2) * get_local_size(1) + get_local_id(1)) * 1;")
	assert.Contains(t, src.Code, "int linear_id_z = get_group_id(0) * get_local_size(2) + get_local_id(2);")
}

func TestGenerateImageBuffer(t *testing.T) {
	// Image-buffer storage with one non-unit axis: taps are masked through the
	// address (select to the -1 sentinel) and stepped additively, never recomputed.
	attr := Attributes{
		X: convAxis(3, 1), Y: unitAxis(), Z: unitAxis(),
		InputChannels: 8, OutputChannels: 8,
		Precision:  F32,
		SrcStorage: ImageBuffer, DstStorage: ImageBuffer,
	}
	src := must.M1(Generate(attr, fallbackParams(attr)))

	assert.Contains(t, src.Code, "bool mx0 = xck0 >= 0 && xck0 < args.src_tensor.Width();")
	assert.Contains(t, src.Code, "src_a_000 = select(-1, src_a_000, mx0);")
	assert.Contains(t, src.Code, "int dz_000 = select(0, src_layer_offset, mx0);")
	assert.Contains(t, src.Code, "src_a_000 += dz_000;")
	assert.Contains(t, src.Code, "src_a_011 += dz_011;")
	// The mask lives in the address selection, not in a read multiplier.
	assert.Contains(t, src.Code, "src000 = args.src_tensor.Read(src_a_000);")
	assert.NotContains(t, src.Code, "* (FLT)(mx0)")
}

func TestGeneratePlainBufferMasks(t *testing.T) {
	// Plain buffers keep the multiplicative masks on the read instead.
	attr := Attributes{
		X: convAxis(3, 1), Y: convAxis(3, 1), Z: unitAxis(),
		InputChannels: 8, OutputChannels: 8,
		Precision:  F32,
		SrcStorage: Buffer, DstStorage: Buffer,
	}
	src := must.M1(Generate(attr, fallbackParams(attr)))
	assert.Contains(t, src.Code, "src000 = args.src_tensor.Read(src_a_000) * (FLT)(mx0) * (FLT)(my0);")
	assert.Contains(t, src.Code, "src_a_000 += src_layer_offset;")
	assert.NotContains(t, src.Code, "select(-1")
}

func TestGenerateStrideCorrection(t *testing.T) {
	attr := Attributes{
		X: convAxis(3, 2), Y: unitAxis(), Z: unitAxis(),
		InputChannels: 8, OutputChannels: 8,
		Precision:    F32,
		SrcStorage:   Buffer,
		DstStorage:   Buffer,
		BatchedWidth: true,
	}
	src := must.M1(Generate(attr, fallbackParams(attr)))
	assert.Contains(t, src.Code, "(((DST_X + 0) / args.src_tensor.Batch()) * args.stride_x * args.src_tensor.Batch() + ((DST_X + 0) % args.src_tensor.Batch()) + args.padding_x)")

	// Without batch folding the plain form is used.
	attr.BatchedWidth = false
	src = must.M1(Generate(attr, fallbackParams(attr)))
	assert.Contains(t, src.Code, "int xc0 = (DST_X + 0) * args.stride_x + args.padding_x;")
}

func TestGenerateMixedPrecision(t *testing.T) {
	attr := Attributes{
		X: unitAxis(), Y: unitAxis(), Z: unitAxis(),
		InputChannels: 8, OutputChannels: 8,
		Precision:  F32F16,
		SrcStorage: Texture2D, DstStorage: Texture2D,
	}
	src := must.M1(Generate(attr, fallbackParams(attr)))
	assert.Contains(t, src.Code, "#define ACCUM_FLT4 float4")
	assert.Contains(t, src.Code, "#define FLT4 half4")
	assert.Contains(t, src.Code, "r000 += convert_float4(src000.x * f0 + src000.y * f1 + src000.z * f2 + src000.w * f3);")

	attr.Precision = F16
	src = must.M1(Generate(attr, fallbackParams(attr)))
	assert.Contains(t, src.Code, "#define ACCUM_FLT4 half4")
	assert.Contains(t, src.Code, "r000 += f0 * src000.x;")
}

func TestGenerateWriteGates(t *testing.T) {
	attr := Attributes{
		X: unitAxis(), Y: unitAxis(), Z: unitAxis(),
		InputChannels: 8, OutputChannels: 8,
		Precision:  F32,
		SrcStorage: Texture2D, DstStorage: Texture2D,
	}
	p := fallbackParams(attr) // block (2,2,1,2): 8 output elements
	src := must.M1(Generate(attr, p))
	assert.Equal(t, 8, strings.Count(src.Code, "args.dst_tensor.Write(res,"))
	assert.Equal(t, 2, strings.Count(src.Code, ">= args.dst_tensor.Slices()) return;"))
	assert.Contains(t, src.Code, "if (DST_X + 1 < args.dst_tensor.Width() && DST_Y + 1 < args.dst_tensor.Height() && DST_Z < args.dst_tensor.Depth()) {")
}

func TestGenerateInconsistentParams(t *testing.T) {
	attr := Attributes{
		X: convAxis(3, 1), Y: unitAxis(), Z: unitAxis(),
		InputChannels: 8, OutputChannels: 8,
		Precision:  F32,
		SrcStorage: Buffer, DstStorage: Buffer,
	}
	p := fallbackParams(attr)
	p.XKernelIs1 = true // lie about the x axis
	_, err := Generate(attr, p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInconsistentParams), "got: %v", err)
}

func TestGenerateBuildIDsUnique(t *testing.T) {
	attr := Attributes{
		X: unitAxis(), Y: unitAxis(), Z: unitAxis(),
		InputChannels: 4, OutputChannels: 4,
		Precision:  F32,
		SrcStorage: Buffer, DstStorage: Buffer,
	}
	a := must.M1(Generate(attr, fallbackParams(attr)))
	b := must.M1(Generate(attr, fallbackParams(attr)))
	assert.Equal(t, a.Code, b.Code, "generation is deterministic")
	assert.NotEqual(t, a.BuildID, b.BuildID)
}
