package conv3d

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// KernelName is the entry point of every generated kernel.
const KernelName = "main_function"

// commonDefines is the precision-dependent prologue: the FLT/ACCUM_FLT macro family
// the rest of the generated code is written against.
func commonDefines(precision Precision) string {
	var c strings.Builder
	c.WriteString("#pragma OPENCL EXTENSION cl_khr_3d_image_writes : enable\n")
	switch precision {
	case F32:
		c.WriteString("#define ACCUM_FLT4 float4\n")
		c.WriteString("#define FLT float\n")
		c.WriteString("#define FLT2 float2\n")
		c.WriteString("#define FLT3 float3\n")
		c.WriteString("#define FLT4 float4\n")
		c.WriteString("#define TO_FLT4 convert_float4\n")
		c.WriteString("#define TO_ACCUM_TYPE convert_float4\n")
		c.WriteString("#define TO_ACCUM_FLT convert_float\n")
	case F16:
		c.WriteString("#pragma OPENCL EXTENSION cl_khr_fp16 : enable\n")
		c.WriteString("#define ACCUM_FLT4 half4\n")
		c.WriteString("#define FLT half\n")
		c.WriteString("#define FLT2 half2\n")
		c.WriteString("#define FLT3 half3\n")
		c.WriteString("#define FLT4 half4\n")
		c.WriteString("#define TO_FLT4 convert_half4\n")
		c.WriteString("#define TO_ACCUM_TYPE convert_half4\n")
		c.WriteString("#define TO_ACCUM_FLT convert_half\n")
	case F32F16:
		c.WriteString("#pragma OPENCL EXTENSION cl_khr_fp16 : enable\n")
		c.WriteString("#define ACCUM_FLT4 float4\n")
		c.WriteString("#define FLT half\n")
		c.WriteString("#define FLT2 half2\n")
		c.WriteString("#define FLT3 half3\n")
		c.WriteString("#define FLT4 half4\n")
		c.WriteString("#define TO_FLT4 convert_half4\n")
		c.WriteString("#define TO_ACCUM_TYPE convert_float4\n")
		c.WriteString("#define TO_ACCUM_FLT convert_float\n")
	}
	return c.String()
}

// xStrideCorrected returns the x input coordinate expression when the batch is folded
// into width: positions and batch lanes are interleaved, so the stride applies to the
// de-interleaved position only.
func xStrideCorrected(x, batchSize, strideX, paddingX string) string {
	return fmt.Sprintf("(((%s) / %s) * %s * %s + ((%s) %% %s) + %s)",
		x, batchSize, strideX, batchSize, x, batchSize, paddingX)
}

// uploadByThreads emits a strided cooperative copy into local memory: every thread
// copies elements lid, lid+groupSize, ... Callers are responsible for the surrounding
// barriers.
func uploadByThreads(localPtr, globalPtr, globalOffset, lid string, totalWorkItems, elements int) string {
	var c strings.Builder
	offset := ""
	if globalOffset != "" {
		offset = globalOffset + " + "
	}
	groups := elements / totalWorkItems
	remainder := elements % totalWorkItems
	for i := 0; i < groups; i++ {
		fmt.Fprintf(&c, "    %s[%s + %d] = %s[%s%s + %d];\n",
			localPtr, lid, totalWorkItems*i, globalPtr, offset, lid, totalWorkItems*i)
	}
	if remainder != 0 {
		fmt.Fprintf(&c, "    if (%s < %d) {\n", lid, remainder)
		fmt.Fprintf(&c, "      %s[%s + %d] = %s[%s%s + %d];\n",
			localPtr, lid, totalWorkItems*groups, globalPtr, offset, lid, totalWorkItems*groups)
		c.WriteString("    }\n")
	}
	return c.String()
}

// asyncUpload emits a bulk async_work_group_copy into local memory.
func asyncUpload(localPtr, globalPtr, globalOffset string, elements int) string {
	offset := ""
	if globalOffset != "" {
		offset = " + " + globalOffset
	}
	return fmt.Sprintf("    async_work_group_copy(%s, %s%s, %d, 0);\n",
		localPtr, globalPtr, offset, elements)
}

// globalCoordinates recovers the destination coordinates from the dispatch indices.
// When a logical axis is not launched on its identity dispatch dimension, its global id
// is meaningless and the coordinate is reassembled from the permuted group id plus the
// local id.
func globalCoordinates(block BlockSize, launchOrder [3]int) string {
	var c strings.Builder
	var launchRemap [3]int
	launchRemap[launchOrder[0]] = 0
	launchRemap[launchOrder[1]] = 1
	launchRemap[launchOrder[2]] = 2
	if launchOrder[0] == 0 {
		fmt.Fprintf(&c, "  int DST_X = get_global_id(0) * %d;\n", block.X)
	} else {
		fmt.Fprintf(&c, "  int DST_X = (get_group_id(%d) * get_local_size(0) + get_local_id(0)) * %d;\n",
			launchRemap[0], block.X)
	}
	if launchOrder[1] == 1 {
		fmt.Fprintf(&c, "  int DST_Y = get_global_id(1) * %d;\n", block.Y)
	} else {
		fmt.Fprintf(&c, "  int DST_Y = (get_group_id(%d) * get_local_size(1) + get_local_id(1)) * %d;\n",
			launchRemap[1], block.Y)
	}
	if launchOrder[2] == 2 {
		c.WriteString("  int linear_id_z = get_global_id(2);\n")
	} else {
		fmt.Fprintf(&c, "  int linear_id_z = get_group_id(%d) * get_local_size(2) + get_local_id(2);\n",
			launchRemap[2])
	}
	fmt.Fprintf(&c, "  int DST_S = (linear_id_z %% args.grid_size_s) * %d;\n", block.S)
	fmt.Fprintf(&c, "  int DST_Z = (linear_id_z / args.grid_size_s) * %d;\n", block.Z)
	return c.String()
}

// accumulate emits the multiply-accumulate statements for one channel-group step:
// block.S output groups times 4 input lanes per spatial tile position, starting at the
// given offset into the staged weights.
func accumulate(precision Precision, block BlockSize, offset int, weightsAreBuffer bool) string {
	var c strings.Builder
	channels := [4]string{"x", "y", "z", "w"}
	weightName := func(id int) string {
		if weightsAreBuffer {
			return fmt.Sprintf("weights_cache[%d]", id)
		}
		return fmt.Sprintf("f%d", id)
	}
	for s := 0; s < block.S; s++ {
		switch precision {
		case F32, F16:
			for ch := 0; ch < 4; ch++ {
				weight := weightName(s*4 + ch + offset)
				for z := 0; z < block.Z; z++ {
					for y := 0; y < block.Y; y++ {
						for x := 0; x < block.X; x++ {
							id := fmt.Sprintf("%d%d%d", z, y, x)
							fmt.Fprintf(&c, "    r%d%s += %s * src%s.%s;\n",
								s, id, weight, id, channels[ch])
						}
					}
				}
			}
		case F32F16:
			for z := 0; z < block.Z; z++ {
				for y := 0; y < block.Y; y++ {
					for x := 0; x < block.X; x++ {
						id := fmt.Sprintf("%d%d%d", z, y, x)
						fmt.Fprintf(&c,
							"    r%d%s += convert_float4(src%s.x * %s + src%s.y * %s + src%s.z * %s + src%s.w * %s);\n",
							s, id, id, weightName(s*4+0+offset), id, weightName(s*4+1+offset),
							id, weightName(s*4+2+offset), id, weightName(s*4+3+offset))
					}
				}
			}
		}
	}
	return c.String()
}

// Generate emits the kernel source for the attributes under the given params.
//
// It fails with ErrInconsistentParams when the params' unit-kernel flags disagree with
// the ones derived from the attributes; everything else about valid inputs is total.
func Generate(attr Attributes, p Params) (KernelSource, error) {
	if err := attr.Check(); err != nil {
		return KernelSource{}, err
	}
	if err := p.Check(); err != nil {
		return KernelSource{}, err
	}
	x1, y1, z1 := axisFlags(attr)
	if x1 != p.XKernelIs1 || y1 != p.YKernelIs1 || z1 != p.ZKernelIs1 {
		return KernelSource{}, errors.Wrapf(ErrInconsistentParams,
			"derived x=%v y=%v z=%v, params x=%v y=%v z=%v",
			x1, y1, z1, p.XKernelIs1, p.YKernelIs1, p.ZKernelIs1)
	}

	srcType := attr.SrcStorage
	bufferType := srcType.IsBuffer()
	manualClampX := bufferType && !x1
	manualClampY := bufferType && !y1
	manualClampZ := srcType != Texture3D && !z1
	canReadOutOfX := !bufferType
	canReadOutOfY := !bufferType
	canReadOutOfZ := srcType == Texture3D || srcType == Texture2D || srcType == SingleTexture2D
	is1x1x1 := x1 && y1 && z1
	needLocalMem := p.NeedLocalMem()
	strideCorrection := attr.BatchedWidth && attr.X.Stride != 1
	weightsAreBuffer := p.WeightsUpload.Buffered()
	block := p.BlockSize

	var scalarParams []string
	if !x1 {
		scalarParams = append(scalarParams, "stride_x", "padding_x", "kernel_size_x", "dilation_x")
	}
	if !y1 {
		scalarParams = append(scalarParams, "stride_y", "padding_y", "kernel_size_y", "dilation_y")
	}
	if !z1 {
		scalarParams = append(scalarParams, "stride_z", "padding_z", "kernel_size_z", "dilation_z")
	}
	scalarParams = append(scalarParams, "grid_size_s")

	objects := []string{"src_tensor", "dst_tensor"}
	if weightsAreBuffer {
		objects = append(objects, "weights")
	} else {
		objects = append(objects, "weights0", "weights1", "weights2", "weights3")
	}
	objects = append(objects, "biases")

	var c strings.Builder
	c.WriteString(commonDefines(attr.Precision))
	if needLocalMem { // local-mem staging needs every thread of the fixed group alive
		fmt.Fprintf(&c, "__attribute__((reqd_work_group_size(%d, %d, %d)))\n",
			p.WorkGroupSize[0], p.WorkGroupSize[1], p.WorkGroupSize[2])
	}
	fmt.Fprintf(&c, "__kernel void %s(\n", KernelName)
	c.WriteString("$0) {\n")
	c.WriteString(globalCoordinates(block, p.LaunchOrder))
	boundsGate := "  if (DST_X >= args.dst_tensor.Width() || DST_Y >= args.dst_tensor.Height() || DST_Z >= args.dst_tensor.Depth()) return;\n"
	if !needLocalMem {
		c.WriteString(boundsGate)
	}
	if p.WeightsUpload == LocalMemByThreads {
		fmt.Fprintf(&c, "  int lid = get_local_id(1) * %d + get_local_id(0);\n", p.WorkGroupSize[0])
	}
	for s := 0; s < block.S; s++ {
		for z := 0; z < block.Z; z++ {
			for y := 0; y < block.Y; y++ {
				for x := 0; x < block.X; x++ {
					fmt.Fprintf(&c, "  ACCUM_FLT4 r%d%d%d%d = (ACCUM_FLT4)(0.0f, 0.0f, 0.0f, 0.0f);\n",
						s, z, y, x)
				}
			}
		}
	}
	if !x1 {
		for x := 0; x < block.X; x++ {
			xc := fmt.Sprintf("(DST_X + %d)", x)
			if strideCorrection {
				fmt.Fprintf(&c, "  int xc%d = %s;\n", x,
					xStrideCorrected(xc, "args.src_tensor.Batch()", "args.stride_x", "args.padding_x"))
			} else {
				fmt.Fprintf(&c, "  int xc%d = %s * args.stride_x + args.padding_x;\n", x, xc)
			}
		}
	} else if !canReadOutOfX {
		for x := 0; x < block.X; x++ {
			fmt.Fprintf(&c, "  int xc%d = clamp((DST_X + %d), 0, args.src_tensor.Width() - 1);\n", x, x)
		}
	}
	if !y1 {
		for y := 0; y < block.Y; y++ {
			fmt.Fprintf(&c, "  int yc%d = (DST_Y + %d) * args.stride_y + args.padding_y;\n", y, y)
		}
	} else if !canReadOutOfY {
		for y := 0; y < block.Y; y++ {
			fmt.Fprintf(&c, "  int yc%d = clamp((DST_Y + %d), 0, args.src_tensor.Height() - 1);\n", y, y)
		}
	}
	if !z1 {
		for z := 0; z < block.Z; z++ {
			fmt.Fprintf(&c, "  int zc%d = (DST_Z + %d) * args.stride_z + args.padding_z;\n", z, z)
		}
	} else if !canReadOutOfZ {
		for z := 0; z < block.Z; z++ {
			fmt.Fprintf(&c, "  int zc%d = clamp((DST_Z + %d), 0, args.src_tensor.Depth() - 1);\n", z, z)
		}
	}
	if needLocalMem {
		fmt.Fprintf(&c, "  __local FLT4 weights_cache[%d];\n", block.S*4*p.SrcDepthLoopSize)
	}
	if p.WeightsUpload == GlobalMem {
		c.WriteString("  __global FLT4* weights_cache;\n")
	}
	var kernelSize string
	if !x1 {
		kernelSize += " * args.kernel_size_x"
	}
	if !y1 {
		kernelSize += " * args.kernel_size_y"
	}
	if !z1 {
		kernelSize += " * args.kernel_size_z"
	}
	if weightsAreBuffer {
		fmt.Fprintf(&c, "  __global FLT4* filters_loc = args.weights.GetPtr() + DST_S * 4 * args.src_tensor.Slices()%s;\n",
			kernelSize)
	}
	if bufferType {
		c.WriteString("  const int src_layer_offset = args.src_tensor.SliceStride();\n")
	}
	if !is1x1x1 {
		c.WriteString("  int filter_offset = 0;\n")
	}
	if !z1 {
		c.WriteString("  for (int kz = 0; kz < args.kernel_size_z; ++kz) {\n")
		for z := 0; z < block.Z; z++ {
			fmt.Fprintf(&c, "  int zck%d = kz * args.dilation_z + zc%d;\n", z, z)
			if manualClampZ {
				fmt.Fprintf(&c, "  bool mz%d = zck%d >= 0 && zck%d < args.src_tensor.Depth();\n", z, z, z)
				fmt.Fprintf(&c, "  zck%d = clamp(zck%d, 0, args.src_tensor.Depth() - 1);\n", z, z)
			}
		}
	}
	if !y1 {
		c.WriteString("  for (int ky = 0; ky < args.kernel_size_y; ++ky) {\n")
		for y := 0; y < block.Y; y++ {
			fmt.Fprintf(&c, "  int yck%d = ky * args.dilation_y + yc%d;\n", y, y)
			if manualClampY {
				fmt.Fprintf(&c, "  bool my%d = yck%d >= 0 && yck%d < args.src_tensor.Height();\n", y, y, y)
				fmt.Fprintf(&c, "  yck%d = clamp(yck%d, 0, args.src_tensor.Height() - 1);\n", y, y)
			}
		}
	}
	if !x1 {
		c.WriteString("  for (int kx = 0; kx < args.kernel_size_x; ++kx) {\n")
		for x := 0; x < block.X; x++ {
			fmt.Fprintf(&c, "  int xck%d = kx * args.dilation_x + xc%d;\n", x, x)
			if manualClampX {
				fmt.Fprintf(&c, "  bool mx%d = xck%d >= 0 && xck%d < args.src_tensor.Width();\n", x, x, x)
				fmt.Fprintf(&c, "  xck%d = clamp(xck%d, 0, args.src_tensor.Width() - 1);\n", x, x)
			}
		}
	}

	srcXCoord := func(x int) string {
		if p.XKernelIs1 {
			if canReadOutOfX {
				return fmt.Sprintf("DST_X + %d", x)
			}
			return fmt.Sprintf("xc%d", x)
		}
		return fmt.Sprintf("xck%d", x)
	}
	srcYCoord := func(y int) string {
		if p.YKernelIs1 {
			if canReadOutOfY {
				return fmt.Sprintf("DST_Y + %d", y)
			}
			return fmt.Sprintf("yc%d", y)
		}
		return fmt.Sprintf("yck%d", y)
	}
	srcZCoord := func(z int) string {
		if p.ZKernelIs1 {
			if canReadOutOfZ {
				return fmt.Sprintf("DST_Z + %d", z)
			}
			return fmt.Sprintf("zc%d", z)
		}
		return fmt.Sprintf("zck%d", z)
	}

	if bufferType {
		// Buffer addresses are computed once here and stepped additively inside the
		// channel-group loop. For ImageBuffer the address collapses to the zero
		// sentinel for masked taps and the step is zeroed so it stays there.
		for z := 0; z < block.Z; z++ {
			for y := 0; y < block.Y; y++ {
				for x := 0; x < block.X; x++ {
					id := fmt.Sprintf("%d%d%d", z, y, x)
					fmt.Fprintf(&c, "  args.src_tensor.GetAddress(src_a_%s, %s, %s, %s, 0);\n",
						id, srcXCoord(x), srcYCoord(y), srcZCoord(z))
					if !is1x1x1 && srcType == ImageBuffer {
						var conditions []string
						if manualClampX {
							conditions = append(conditions, fmt.Sprintf("mx%d", x))
						}
						if manualClampY {
							conditions = append(conditions, fmt.Sprintf("my%d", y))
						}
						if manualClampZ {
							conditions = append(conditions, fmt.Sprintf("mz%d", z))
						}
						condition := strings.Join(conditions, " && ")
						fmt.Fprintf(&c, "  src_a_%s = select(-1, src_a_%s, %s);\n", id, id, condition)
						fmt.Fprintf(&c, "  int dz_%s = select(0, src_layer_offset, %s);\n", id, condition)
					}
				}
			}
		}
	}

	declareSrc := func() {
		for z := 0; z < block.Z; z++ {
			for y := 0; y < block.Y; y++ {
				for x := 0; x < block.X; x++ {
					fmt.Fprintf(&c, "  FLT4 src%d%d%d;\n", z, y, x)
				}
			}
		}
	}
	readSrc := func() {
		for z := 0; z < block.Z; z++ {
			for y := 0; y < block.Y; y++ {
				for x := 0; x < block.X; x++ {
					id := fmt.Sprintf("%d%d%d", z, y, x)
					var multiplier string
					if manualClampX {
						multiplier += fmt.Sprintf(" * (FLT)(mx%d)", x)
					}
					if manualClampY {
						multiplier += fmt.Sprintf(" * (FLT)(my%d)", y)
					}
					if manualClampZ {
						multiplier += fmt.Sprintf(" * (FLT)(mz%d)", z)
					}
					if bufferType {
						if srcType == ImageBuffer {
							// Masking is already in the address selection.
							multiplier = ""
						}
						fmt.Fprintf(&c, "    src%s = args.src_tensor.Read(src_a_%s)%s;\n", id, id, multiplier)
						if !is1x1x1 && srcType == ImageBuffer {
							fmt.Fprintf(&c, "    src_a_%s += dz_%s;\n", id, id)
						} else {
							fmt.Fprintf(&c, "    src_a_%s += src_layer_offset;\n", id)
						}
					} else {
						fmt.Fprintf(&c, "    src%s = args.src_tensor.Read(%s, %s, %s, s)%s;\n",
							id, srcXCoord(x), srcYCoord(y), srcZCoord(z), multiplier)
					}
				}
			}
		}
	}

	c.WriteString("  int s = 0;\n")
	declareSrc()
	c.WriteString("  do {\n")
	totalWorkItems := p.totalWorkItems()
	switch p.WeightsUpload {
	case LocalMemAsyncCopy:
		c.WriteString(asyncUpload("weights_cache", "filters_loc", "", block.S*4*p.SrcDepthLoopSize))
	case LocalMemByThreads:
		c.WriteString("    barrier(CLK_LOCAL_MEM_FENCE);\n")
		c.WriteString(uploadByThreads("weights_cache", "filters_loc", "", "lid",
			totalWorkItems, block.S*4*p.SrcDepthLoopSize))
	case GlobalMem:
		c.WriteString("    weights_cache = filters_loc;\n")
	case TexturesMem:
		fY := "filter_offset"
		if is1x1x1 {
			fY = "s"
		}
		for dstS := 0; dstS < block.S; dstS++ {
			for t := 0; t < 4; t++ {
				fmt.Fprintf(&c, "    FLT4 f%d = args.weights%d.Read(DST_S + %d, %s);\n",
					dstS*4+t, t, dstS, fY)
			}
		}
		if !is1x1x1 {
			c.WriteString("    filter_offset++;\n")
		}
	}
	readSrc()
	c.WriteString("    s += 1;\n")
	if p.WeightsUpload == LocalMemByThreads {
		c.WriteString("    barrier(CLK_LOCAL_MEM_FENCE);\n")
	}
	c.WriteString(accumulate(attr.Precision, block, 0, weightsAreBuffer))
	for i := 1; i < p.SrcDepthLoopSize; i++ {
		readSrc()
		c.WriteString(accumulate(attr.Precision, block, i*block.S*4, weightsAreBuffer))
		c.WriteString("    s += 1;\n")
	}
	if weightsAreBuffer {
		fmt.Fprintf(&c, "    filters_loc += %d;\n", block.S*4*p.SrcDepthLoopSize)
	}
	c.WriteString("  } while (s < args.src_tensor.Slices());\n")
	if !z1 {
		c.WriteString("  }\n")
	}
	if !y1 {
		c.WriteString("  }\n")
	}
	if !x1 {
		c.WriteString("  }\n")
	}
	switch p.WeightsUpload {
	case LocalMemAsyncCopy:
		c.WriteString(asyncUpload("weights_cache", "args.biases.GetPtr()", "DST_S", block.S))
	case LocalMemByThreads:
		c.WriteString("  barrier(CLK_LOCAL_MEM_FENCE);\n")
		c.WriteString(uploadByThreads("weights_cache", "args.biases.GetPtr()", "DST_S", "lid",
			totalWorkItems, block.S))
		c.WriteString("  barrier(CLK_LOCAL_MEM_FENCE);\n")
	case GlobalMem:
		c.WriteString("  weights_cache = args.biases.GetPtr() + DST_S;\n")
	}
	if needLocalMem {
		// With a fixed work-group size, over-provisioned threads could not return
		// before the barriers above; they are dropped here instead.
		c.WriteString(boundsGate)
	}
	for s := 0; s < block.S; s++ {
		dsts := "DST_S"
		if s != 0 {
			dsts = fmt.Sprintf("DST_S + %d", s)
		}
		fmt.Fprintf(&c, "  if (%s >= args.dst_tensor.Slices()) return;\n", dsts)
		for z := 0; z < block.Z; z++ {
			dstz := "DST_Z"
			if z != 0 {
				dstz = fmt.Sprintf("DST_Z + %d", z)
			}
			for y := 0; y < block.Y; y++ {
				dsty := "DST_Y"
				if y != 0 {
					dsty = fmt.Sprintf("DST_Y + %d", y)
				}
				for x := 0; x < block.X; x++ {
					dstx := "DST_X"
					if x != 0 {
						dstx = fmt.Sprintf("DST_X + %d", x)
					}
					fmt.Fprintf(&c, "  if (%s < args.dst_tensor.Width() && %s < args.dst_tensor.Height() && %s < args.dst_tensor.Depth()) {\n",
						dstx, dsty, dstz)
					if weightsAreBuffer {
						fmt.Fprintf(&c, "    FLT4 res = TO_FLT4(r%d%d%d%d) + weights_cache[%d];\n",
							s, z, y, x, s)
					} else {
						fmt.Fprintf(&c, "    FLT4 res = TO_FLT4(r%d%d%d%d) + args.biases.Read(%s);\n",
							s, z, y, x, dsts)
					}
					fmt.Fprintf(&c, "    args.dst_tensor.Write(res, %s, %s, %s, %s);\n",
						dstx, dsty, dstz, dsts)
					c.WriteString("  }\n")
				}
			}
		}
	}
	c.WriteString("}\n")

	source := KernelSource{
		BuildID:      uuid.NewString(),
		Code:         c.String(),
		KernelName:   KernelName,
		ScalarParams: scalarParams,
		Objects:      objects,
	}
	if needLocalMem {
		source.RequiredWorkGroupSize = p.WorkGroupSize
	}
	return source, nil
}
