// conv3dgen generates a 3-D convolution OpenCL kernel for a described device and prints
// the source together with its tuning parameters and binding contract.
//
// Example:
//
//	conv3dgen -device "Mali-G78" -kernel 3,3,3 -stride 1,1,1 -padding 1,1,1 \
//	  -in_channels 16 -out_channels 32 -precision f16 -shape 1,64,64,32
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/clkernels/devices"
	"github.com/gomlx/clkernels/kernels"
	"github.com/gomlx/clkernels/kernels/conv3d"
	"github.com/gomlx/clkernels/types/shapes"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagDevice = flag.String("device", "", "Device name used to pick tuning parameters, "+
		"e.g. \"Adreno 660\", \"Mali-G78\", \"GeForce RTX\". Empty uses generic parameters.")
	flagVendorName = flag.String("vendor", "", "Device vendor string, consulted when the device "+
		"name alone does not identify the vendor.")

	flagKernel   = flag.String("kernel", "3,3,3", "Kernel extents as x,y,z.")
	flagStride   = flag.String("stride", "1,1,1", "Strides as x,y,z.")
	flagPadding  = flag.String("padding", "0,0,0", "Zero padding prepended on each axis, as x,y,z.")
	flagDilation = flag.String("dilation", "1,1,1", "Dilations as x,y,z.")

	flagInChannels  = flag.Int("in_channels", 16, "Input channels.")
	flagOutChannels = flag.Int("out_channels", 16, "Output channels.")
	flagPrecision   = flag.String("precision", "f32", "Numeric precision: f32, f16 or f32f16.")
	flagStorage     = flag.String("storage", "texture2d",
		"Tensor storage: buffer, imagebuffer, texture2d, singletexture2d or texture3d.")

	flagShape = flag.String("shape", "", "Optional output shape as batch,height,width,depth: "+
		"when set, also prints the dispatch grid and the resolved scalar arguments.")

	flagList = flag.Bool("list", false, "List the available kernel generators and exit.")
)

func parseTriple(name, value string) (x, y, z int) {
	parts := strings.Split(value, ",")
	if len(parts) != 3 {
		klog.Errorf("Flag -%s must be 3 comma-separated integers, got %q.", name, value)
		os.Exit(1)
	}
	var nums [3]int
	for i, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			klog.Errorf("Flag -%s: %v.", name, err)
			os.Exit(1)
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2]
}

func parsePrecision(value string) conv3d.Precision {
	switch strings.ToLower(value) {
	case "f32":
		return conv3d.F32
	case "f16":
		return conv3d.F16
	case "f32f16", "f32_f16":
		return conv3d.F32F16
	}
	klog.Errorf("Unknown precision %q, want f32, f16 or f32f16.", value)
	os.Exit(1)
	return 0
}

func parseStorage(value string) conv3d.Storage {
	switch strings.ToLower(value) {
	case "buffer":
		return conv3d.Buffer
	case "imagebuffer":
		return conv3d.ImageBuffer
	case "texture2d":
		return conv3d.Texture2D
	case "singletexture2d":
		return conv3d.SingleTexture2D
	case "texture3d":
		return conv3d.Texture3D
	}
	klog.Errorf("Unknown storage %q.", value)
	os.Exit(1)
	return 0
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *flagList {
		for _, reg := range kernels.List() {
			fmt.Printf("%s\t%s\n", reg.Name, reg.Description)
		}
		return
	}

	kx, ky, kz := parseTriple("kernel", *flagKernel)
	sx, sy, sz := parseTriple("stride", *flagStride)
	px, py, pz := parseTriple("padding", *flagPadding)
	dx, dy, dz := parseTriple("dilation", *flagDilation)

	attr := conv3d.Attributes{
		X:              conv3d.Axis{Kernel: kx, Stride: sx, Dilation: dx, PaddingBefore: px},
		Y:              conv3d.Axis{Kernel: ky, Stride: sy, Dilation: dy, PaddingBefore: py},
		Z:              conv3d.Axis{Kernel: kz, Stride: sz, Dilation: dz, PaddingBefore: pz},
		InputChannels:  *flagInChannels,
		OutputChannels: *flagOutChannels,
		Precision:      parsePrecision(*flagPrecision),
		SrcStorage:     parseStorage(*flagStorage),
		DstStorage:     parseStorage(*flagStorage),
	}

	dev := devices.Default()
	dev.Name = *flagDevice
	dev.Vendor = devices.ClassifyVendor(*flagDevice, *flagVendorName)

	op, err := conv3d.New(attr, dev)
	if err != nil {
		klog.Errorf("Failed to build convolution: %+v", err)
		os.Exit(1)
	}

	p := op.Params()
	fmt.Printf("// device=%q vendor=%s\n", dev.Name, dev.Vendor)
	fmt.Printf("// block=%+v work_group=%v launch_order=%v upload=%s unroll=%d\n",
		p.BlockSize, p.WorkGroupSize, p.LaunchOrder, p.WeightsUpload, p.SrcDepthLoopSize)
	src := op.Source()
	fmt.Printf("// build=%s objects=%v scalars=%v\n", src.BuildID, src.Objects, src.ScalarParams)

	if *flagShape != "" {
		parts := strings.Split(*flagShape, ",")
		if len(parts) != 4 {
			klog.Errorf("Flag -shape must be batch,height,width,depth, got %q.", *flagShape)
			os.Exit(1)
		}
		var dims [4]int
		for i, part := range parts {
			dims[i] = must.M1(strconv.Atoi(strings.TrimSpace(part)))
		}
		dtype := attr.Precision.StorageDType()
		dstShape := shapes.MakeBHWDC(dtype, dims[0], dims[1], dims[2], dims[3], attr.OutputChannels)
		srcShape := shapes.MakeBHWDC(dtype, dims[0],
			dims[1]*attr.Y.Stride, dims[2]*attr.X.Stride, dims[3]*attr.Z.Stride,
			attr.InputChannels)
		fmt.Printf("// grid=%v\n", op.GridSize(dstShape))
		args := must.M1(op.BindArguments(srcShape, dstShape))
		for _, arg := range args {
			fmt.Printf("// arg %s = %d\n", arg.Name, arg.Value)
		}
	}

	fmt.Println()
	fmt.Print(op.Source().Code)
}
