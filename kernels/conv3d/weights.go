package conv3d

import (
	"encoding/binary"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/clkernels/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// PackedWeights is weight data rearranged into the layout the generated kernel
// indexes, ready for upload by the host runtime.
type PackedWeights struct {
	DType dtypes.DType

	// Data is the single linear buffer used by the buffered staging modes
	// (GlobalMem, LocalMemAsyncCopy, LocalMemByThreads). Nil for texture staging.
	Data []byte

	// Textures holds the four parallel 2-D images used by TexturesMem staging;
	// texture t carries input lane t of every output quad. Each texel is a 4-element
	// vector of output lanes. Nil entries for buffered staging.
	Textures [4][]byte

	// TextureWidth and TextureHeight are the texel dimensions of each texture.
	TextureWidth, TextureHeight int
}

// encodeFloats serializes values as little-endian dtype elements.
func encodeFloats(dtype dtypes.DType, values []float32) ([]byte, error) {
	switch dtype {
	case dtypes.Float32:
		out := make([]byte, 4*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
		}
		return out, nil
	case dtypes.Float16:
		out := make([]byte, 2*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint16(out[2*i:], float16.Fromfloat32(v).Bits())
		}
		return out, nil
	default:
		return nil, errors.Errorf("conv3d: cannot pack weights as %s, only Float32 and Float16 are supported", dtype)
	}
}

// PackWeights rearranges dense OHWDI weight data for the given staging mode.
//
// Buffered staging produces one buffer of 4-channel vectors ordered
// [output-group][kz][ky][kx][input-group][output-within-group][input-lane], with the
// output-group granularity outGroupSize (the kernel's output channel-group tile);
// out-of-range channels pad with zeros. Texture staging produces four images of
// width=output groups and height=kernel volume × input groups, in the same tap order.
func PackWeights(weights shapes.OHWDI, data []float32, upload WeightsUpload, outGroupSize int) (PackedWeights, error) {
	if err := weights.Check(); err != nil {
		return PackedWeights{}, err
	}
	if len(data) != weights.Size() {
		return PackedWeights{}, errors.Errorf("conv3d: weights data has %d elements, shape %s needs %d",
			len(data), weights, weights.Size())
	}
	if outGroupSize < 1 {
		return PackedWeights{}, errors.Errorf("conv3d: output group size must be >= 1, got %d", outGroupSize)
	}
	srcSlices := weights.InputSlices()
	dstSlices := weights.OutputSlices()

	// Zero-padded lookup of one element: output channel o, input channel i, tap
	// (kx, ky, kz) in the kernel's (x=width, y=height, z=depth) axis order.
	at := func(o, kx, ky, kz, i int) float32 {
		if o >= weights.OutputChannels || i >= weights.InputChannels {
			return 0
		}
		return data[weights.LinearIndex(o, ky, kx, kz, i)]
	}

	packed := PackedWeights{DType: weights.DType}
	if upload.Buffered() {
		numGroups := shapes.DivCeil(dstSlices, outGroupSize)
		values := make([]float32, 0, numGroups*outGroupSize*srcSlices*weights.KernelVolume()*16)
		for g := 0; g < numGroups; g++ {
			for kz := 0; kz < weights.Depth; kz++ {
				for ky := 0; ky < weights.Height; ky++ {
					for kx := 0; kx < weights.Width; kx++ {
						for s := 0; s < srcSlices; s++ {
							for dwg := 0; dwg < outGroupSize; dwg++ {
								d := g*outGroupSize + dwg
								for i := 0; i < shapes.QuadSize; i++ {
									for j := 0; j < shapes.QuadSize; j++ {
										values = append(values, at(d*4+j, kx, ky, kz, s*4+i))
									}
								}
							}
						}
					}
				}
			}
		}
		var err error
		packed.Data, err = encodeFloats(weights.DType, values)
		if err != nil {
			return PackedWeights{}, err
		}
		klog.V(2).Infof("conv3d: packed weights %s for %s staging (%s)",
			weights, upload, humanize.Bytes(uint64(len(packed.Data))))
		return packed, nil
	}

	packed.TextureWidth = dstSlices
	packed.TextureHeight = weights.KernelVolume() * srcSlices
	var textures [4][]float32
	for t := range textures {
		textures[t] = make([]float32, 0, packed.TextureWidth*packed.TextureHeight*shapes.QuadSize)
	}
	for kz := 0; kz < weights.Depth; kz++ {
		for ky := 0; ky < weights.Height; ky++ {
			for kx := 0; kx < weights.Width; kx++ {
				for s := 0; s < srcSlices; s++ {
					for d := 0; d < dstSlices; d++ {
						for t := 0; t < 4; t++ {
							for j := 0; j < shapes.QuadSize; j++ {
								textures[t] = append(textures[t], at(d*4+j, kx, ky, kz, s*4+t))
							}
						}
					}
				}
			}
		}
	}
	total := 0
	for t := range textures {
		var err error
		packed.Textures[t], err = encodeFloats(weights.DType, textures[t])
		if err != nil {
			return PackedWeights{}, err
		}
		total += len(packed.Textures[t])
	}
	klog.V(2).Infof("conv3d: packed weights %s into 4 %dx%d textures (%s)",
		weights, packed.TextureWidth, packed.TextureHeight, humanize.Bytes(uint64(total)))
	return packed, nil
}

// PackBias serializes the bias vector as 4-channel groups, zero-padded to a whole
// number of groups, matching how the generated epilogue reads it.
func PackBias(dtype dtypes.DType, outputChannels int, bias []float32) ([]byte, error) {
	if outputChannels < 1 {
		return nil, errors.Errorf("conv3d: output channels must be >= 1, got %d", outputChannels)
	}
	if len(bias) != outputChannels {
		return nil, errors.Errorf("conv3d: bias has %d elements, expected %d", len(bias), outputChannels)
	}
	padded := make([]float32, shapes.AlignUp(outputChannels, shapes.QuadSize))
	copy(padded, bias)
	return encodeFloats(dtype, padded)
}

// PackWeights rearranges weights for this operation's staging mode, validating the
// weight shape against the attributes first.
func (c *Conv3D) PackWeights(weights shapes.OHWDI, data []float32) (PackedWeights, error) {
	if weights.Width != c.attr.X.Kernel || weights.Height != c.attr.Y.Kernel || weights.Depth != c.attr.Z.Kernel {
		return PackedWeights{}, errors.Errorf(
			"conv3d: weights %s do not match kernel extents x=%d y=%d z=%d",
			weights, c.attr.X.Kernel, c.attr.Y.Kernel, c.attr.Z.Kernel)
	}
	if weights.InputChannels != c.attr.InputChannels || weights.OutputChannels != c.attr.OutputChannels {
		return PackedWeights{}, errors.Errorf(
			"conv3d: weights %s do not match channels in=%d out=%d",
			weights, c.attr.InputChannels, c.attr.OutputChannels)
	}
	if weights.DType != c.attr.Precision.StorageDType() {
		return PackedWeights{}, errors.Errorf("conv3d: weights must be %s for precision %s, got %s",
			c.attr.Precision.StorageDType(), c.attr.Precision, weights.DType)
	}
	return PackWeights(weights, data, c.params.WeightsUpload, c.params.BlockSize.S)
}

// PackBias serializes the bias for this operation.
func (c *Conv3D) PackBias(bias []float32) ([]byte, error) {
	return PackBias(c.attr.Precision.StorageDType(), c.attr.OutputChannels, bias)
}
