// Package conv3d generates OpenCL kernels for 3-D convolution.
//
// The package is host-side only: it never compiles or dispatches anything. Given the
// convolution Attributes and a devices.Info describing the target GPU, it
//
//  1. guesses tuning Params for the device (GuessParams);
//  2. emits the kernel source implementing the convolution under those Params
//     (Generate), together with the ordered scalar-parameter and tensor bind lists;
//  3. computes the dispatch grid for a given output shape (GridSize);
//  4. optionally refines the work-group size by timing candidates through a
//     Benchmarker (Conv3D.Tune).
//
// The emitted source uses the host argument-binder surface: tensor accesses are written
// as "args.<name>.<method>" and the kernel argument declarations are left as a "$0"
// anchor after "main_function(", both resolved by the host runtime when it compiles the
// kernel. Weights and biases must be uploaded in the layout produced by PackWeights and
// PackBias, which matches how the generated code indexes them.
package conv3d

import (
	"github.com/gomlx/clkernels/devices"
	"github.com/gomlx/clkernels/kernels"
	"github.com/gomlx/clkernels/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func init() {
	kernels.Register(kernels.Registration{
		Name:        "conv3d",
		Description: "3-D convolution (BHWDC activations, OHWDI weights)",
		New: func(attrs any, dev devices.Info) (kernels.Generator, error) {
			attr, ok := attrs.(Attributes)
			if !ok {
				return nil, errors.Errorf("conv3d: registry constructor needs conv3d.Attributes, got %T", attrs)
			}
			return New(attr, dev)
		},
	})
}

// Precision selects the numeric width the generated kernel computes in.
type Precision int

const (
	// F32 computes and accumulates in float.
	F32 Precision = iota
	// F16 computes and accumulates in half.
	F16
	// F32F16 reads and multiplies in half but widens partial sums to float.
	F32F16
)

// String implements fmt.Stringer.
func (p Precision) String() string {
	switch p {
	case F32:
		return "F32"
	case F16:
		return "F16"
	case F32F16:
		return "F32_F16"
	default:
		return "InvalidPrecision"
	}
}

// StorageDType returns the element type tensors (and weights) are stored with.
func (p Precision) StorageDType() dtypes.DType {
	if p == F32 {
		return dtypes.Float32
	}
	return dtypes.Float16
}

// Storage is the memory object kind backing a tensor on the device.
type Storage int

const (
	// Buffer is a plain linear buffer; out-of-range reads are illegal.
	Buffer Storage = iota
	// ImageBuffer is a linear buffer accessed through the image path; reading the
	// sentinel address -1 returns zero.
	ImageBuffer
	// Texture2D is a 2-D texture per depth*slice plane.
	Texture2D
	// SingleTexture2D is one 2-D texture holding all slices.
	SingleTexture2D
	// Texture3D is a 3-D texture.
	Texture3D
)

// String implements fmt.Stringer.
func (s Storage) String() string {
	switch s {
	case Buffer:
		return "Buffer"
	case ImageBuffer:
		return "ImageBuffer"
	case Texture2D:
		return "Texture2D"
	case SingleTexture2D:
		return "SingleTexture2D"
	case Texture3D:
		return "Texture3D"
	default:
		return "InvalidStorage"
	}
}

// IsBuffer returns whether the storage is buffer-backed (linear addressing).
func (s Storage) IsBuffer() bool { return s == Buffer || s == ImageBuffer }

// Axis holds the convolution geometry of one spatial axis.
type Axis struct {
	Kernel, Stride, Dilation int

	// PaddingBefore and PaddingAfter are the zero padding prepended/appended to the
	// input on this axis.
	PaddingBefore, PaddingAfter int
}

// IsUnit returns whether the axis contributes no runtime kernel loop: kernel extent 1,
// stride 1, dilation 1 and no padding.
func (a Axis) IsUnit() bool {
	return a.Kernel == 1 && a.Stride == 1 && a.Dilation == 1 &&
		a.PaddingBefore == 0 && a.PaddingAfter == 0
}

func (a Axis) check(name string) error {
	if a.Kernel < 1 || a.Stride < 1 || a.Dilation < 1 {
		return errors.Errorf("conv3d: axis %s: kernel, stride and dilation must be >= 1, got %+v", name, a)
	}
	if a.PaddingBefore < 0 || a.PaddingAfter < 0 {
		return errors.Errorf("conv3d: axis %s: padding must be >= 0, got %+v", name, a)
	}
	return nil
}

// Attributes is the immutable specification of one convolution: the geometry of its
// three spatial axes (x=width, y=height, z=depth), channel counts, numeric precision
// and the storage kinds of the tensors involved.
type Attributes struct {
	X, Y, Z Axis

	InputChannels, OutputChannels int

	Precision Precision

	SrcStorage, DstStorage Storage

	// BatchedWidth indicates the batch dimension is folded into the width axis of the
	// activation tensors; x stride/padding/dilation then need batch correction.
	BatchedWidth bool
}

// Check validates the attributes.
func (a Attributes) Check() error {
	if err := a.X.check("x"); err != nil {
		return err
	}
	if err := a.Y.check("y"); err != nil {
		return err
	}
	if err := a.Z.check("z"); err != nil {
		return err
	}
	if a.InputChannels < 1 || a.OutputChannels < 1 {
		return errors.Errorf("conv3d: channel counts must be >= 1, got in=%d out=%d",
			a.InputChannels, a.OutputChannels)
	}
	if a.Precision < F32 || a.Precision > F32F16 {
		return errors.Errorf("conv3d: invalid precision %d", int(a.Precision))
	}
	if a.SrcStorage < Buffer || a.SrcStorage > Texture3D ||
		a.DstStorage < Buffer || a.DstStorage > Texture3D {
		return errors.Errorf("conv3d: invalid storage kind (src=%d, dst=%d)",
			int(a.SrcStorage), int(a.DstStorage))
	}
	return nil
}

// SrcSlices returns the number of input channel groups.
func (a Attributes) SrcSlices() int { return shapes.DivCeil(a.InputChannels, shapes.QuadSize) }

// DstSlices returns the number of output channel groups.
func (a Attributes) DstSlices() int { return shapes.DivCeil(a.OutputChannels, shapes.QuadSize) }

// WeightsUpload is how the generated kernel stages weights for the inner loop.
type WeightsUpload int

const (
	// GlobalMem reads weights through a pointer into global memory advanced per
	// channel-group iteration.
	GlobalMem WeightsUpload = iota
	// LocalMemAsyncCopy stages weights in local memory with async_work_group_copy.
	LocalMemAsyncCopy
	// LocalMemByThreads stages weights in local memory with per-thread strided copies
	// guarded by barriers.
	LocalMemByThreads
	// TexturesMem samples weights from four parallel 2-D textures.
	TexturesMem
)

// String implements fmt.Stringer.
func (w WeightsUpload) String() string {
	switch w {
	case GlobalMem:
		return "GlobalMem"
	case LocalMemAsyncCopy:
		return "LocalMemAsyncCopy"
	case LocalMemByThreads:
		return "LocalMemByThreads"
	case TexturesMem:
		return "TexturesMem"
	default:
		return "InvalidWeightsUpload"
	}
}

// Buffered returns whether weights live in one linear buffer (as opposed to textures).
func (w WeightsUpload) Buffered() bool { return w != TexturesMem }

// BlockSize is the tile of output elements each kernel invocation computes: X×Y×Z
// spatial positions times S output channel groups.
type BlockSize struct {
	X, Y, Z, S int
}

// Params is the tuning configuration of one generated kernel. Values are produced by
// GuessParams and are immutable afterwards, except that tuning may swap in a new value
// differing only in WorkGroupSize (see withWorkGroupSize).
type Params struct {
	BlockSize     BlockSize
	WorkGroupSize [3]int

	// LaunchOrder permutes the logical grid axes (x, y, fused slices×z) onto the
	// physical dispatch dimensions.
	LaunchOrder [3]int

	WeightsUpload    WeightsUpload
	SrcDepthLoopSize int

	// Unit-kernel flags, forwarded from the Attributes the Params were selected for.
	// Generate re-derives them and refuses to proceed on disagreement.
	XKernelIs1, YKernelIs1, ZKernelIs1 bool
}

// Check validates the params.
func (p Params) Check() error {
	if p.BlockSize.X < 1 || p.BlockSize.Y < 1 || p.BlockSize.Z < 1 || p.BlockSize.S < 1 {
		return errors.Errorf("conv3d: invalid block size %+v", p.BlockSize)
	}
	if p.SrcDepthLoopSize < 1 {
		return errors.Errorf("conv3d: src depth loop size must be >= 1, got %d", p.SrcDepthLoopSize)
	}
	var seen [3]bool
	for _, axis := range p.LaunchOrder {
		if axis < 0 || axis > 2 || seen[axis] {
			return errors.Errorf("conv3d: launch order %v is not a permutation of {0,1,2}", p.LaunchOrder)
		}
		seen[axis] = true
	}
	for d := 0; d < 3; d++ {
		if p.WorkGroupSize[d] < 1 {
			return errors.Errorf("conv3d: invalid work group size %v", p.WorkGroupSize)
		}
	}
	return nil
}

// NeedLocalMem returns whether the kernel stages weights through local memory, which
// fixes the work-group size at generation time.
func (p Params) NeedLocalMem() bool {
	return p.WeightsUpload == LocalMemByThreads || p.WeightsUpload == LocalMemAsyncCopy
}

// IdentityLaunchOrder returns whether the launch order is the identity permutation.
func (p Params) IdentityLaunchOrder() bool {
	return p.LaunchOrder == [3]int{0, 1, 2}
}

// withWorkGroupSize returns a copy with only the work-group size replaced. Kernel
// source does not depend on the work-group size unless local-memory staging is used,
// and tuning never applies to those configurations.
func (p Params) withWorkGroupSize(wg [3]int) Params {
	p.WorkGroupSize = wg
	return p
}

// totalWorkItems returns the threads per work-group.
func (p Params) totalWorkItems() int {
	return p.WorkGroupSize[0] * p.WorkGroupSize[1] * p.WorkGroupSize[2]
}

// axisFlags derives the unit-kernel flags from the attributes. Selector and generator
// must agree on these; this is the single definition both use.
func axisFlags(attr Attributes) (x, y, z bool) {
	return attr.X.IsUnit(), attr.Y.IsUnit(), attr.Z.IsUnit()
}

// ErrInconsistentParams reports that the Params' unit-kernel flags disagree with the
// flags derived from the Attributes: the caller mixed params and attributes from
// different operations. Not recoverable.
var ErrInconsistentParams = errors.New("conv3d: params unit-kernel flags disagree with attributes")

// ScalarArg is one named integer kernel argument with its resolved value.
type ScalarArg struct {
	Name  string
	Value int
}

// KernelSource is the generated kernel together with its binding contract. For
// convolutions the object list is src_tensor, dst_tensor, weights ("weights" for
// buffered staging, "weights0".."weights3" for texture staging), then biases; use
// Conv3D.BindArguments to resolve the scalar values.
type KernelSource = kernels.KernelSource

// Conv3D is one instantiated convolution operation: attributes, the tuning params
// chosen for the device, and the source generated once from both.
type Conv3D struct {
	attr   Attributes
	params Params
	source KernelSource
}

var _ kernels.Generator = (*Conv3D)(nil)

// New builds a Conv3D for the device: validates the attributes, guesses params and
// generates the kernel source.
func New(attr Attributes, dev devices.Info) (*Conv3D, error) {
	if err := attr.Check(); err != nil {
		return nil, err
	}
	params := GuessParams(dev, attr)
	source, err := Generate(attr, params)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("conv3d: new operation for %s (%s): block=%+v wg=%v upload=%s unroll=%d build=%s",
		dev.Name, dev.Vendor, params.BlockSize, params.WorkGroupSize, params.WeightsUpload,
		params.SrcDepthLoopSize, source.BuildID)
	return &Conv3D{attr: attr, params: params, source: source}, nil
}

// NewWithParams builds a Conv3D with caller-supplied params, e.g. restored from a
// tuning cache. Returns ErrInconsistentParams when the params' unit-kernel flags do not
// match the attributes.
func NewWithParams(attr Attributes, params Params) (*Conv3D, error) {
	if err := attr.Check(); err != nil {
		return nil, err
	}
	if err := params.Check(); err != nil {
		return nil, err
	}
	source, err := Generate(attr, params)
	if err != nil {
		return nil, err
	}
	return &Conv3D{attr: attr, params: params, source: source}, nil
}

// Attributes returns the convolution attributes.
func (c *Conv3D) Attributes() Attributes { return c.attr }

// Params returns the current tuning params.
func (c *Conv3D) Params() Params { return c.params }

// Source returns the generated kernel. The source is generated once at construction
// and never regenerated, also not by Tune.
func (c *Conv3D) Source() KernelSource { return c.source }

// GridSize computes the dispatch grid, in threads per physical dimension, for the given
// output shape. Recompute it per dispatch when output shapes are dynamic.
func (c *Conv3D) GridSize(dst shapes.BHWDC) [3]int {
	return GridSize(dst, c.params)
}

// BindArguments resolves the scalar kernel arguments for the given source and
// destination shapes, in the same order as Source().ScalarParams.
//
// Padding enters negated (the kernel adds it to the scaled coordinate) and, with
// BatchedWidth, the x padding and dilation are scaled by the batch size.
func (c *Conv3D) BindArguments(src, dst shapes.BHWDC) ([]ScalarArg, error) {
	if err := src.Check(); err != nil {
		return nil, errors.Wrap(err, "conv3d: src shape")
	}
	if err := dst.Check(); err != nil {
		return nil, errors.Wrap(err, "conv3d: dst shape")
	}
	if src.DType != c.attr.Precision.StorageDType() || dst.DType != c.attr.Precision.StorageDType() {
		return nil, errors.Errorf("conv3d: tensors must be %s for precision %s, got src=%s dst=%s",
			c.attr.Precision.StorageDType(), c.attr.Precision, src.DType, dst.DType)
	}
	batch := 1
	if c.attr.BatchedWidth {
		batch = src.Batch
	}
	var args []ScalarArg
	if !c.params.XKernelIs1 {
		args = append(args,
			ScalarArg{"stride_x", c.attr.X.Stride},
			ScalarArg{"padding_x", -c.attr.X.PaddingBefore * batch},
			ScalarArg{"kernel_size_x", c.attr.X.Kernel},
			ScalarArg{"dilation_x", c.attr.X.Dilation * batch},
		)
	}
	if !c.params.YKernelIs1 {
		args = append(args,
			ScalarArg{"stride_y", c.attr.Y.Stride},
			ScalarArg{"padding_y", -c.attr.Y.PaddingBefore},
			ScalarArg{"kernel_size_y", c.attr.Y.Kernel},
			ScalarArg{"dilation_y", c.attr.Y.Dilation},
		)
	}
	if !c.params.ZKernelIs1 {
		args = append(args,
			ScalarArg{"stride_z", c.attr.Z.Stride},
			ScalarArg{"padding_z", -c.attr.Z.PaddingBefore},
			ScalarArg{"kernel_size_z", c.attr.Z.Kernel},
			ScalarArg{"dilation_z", c.attr.Z.Dilation},
		)
	}
	args = append(args, ScalarArg{"grid_size_s", shapes.DivCeil(dst.Slices(), c.params.BlockSize.S)})
	return args, nil
}
