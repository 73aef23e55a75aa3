/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package shapes defines the tensor shapes handled by kernel generation.
//
// Generated kernels address tensors in channel groups ("slices") of 4: a FLT4 value in
// the kernel spans 4 consecutive channels. The shape types here carry the named axes the
// generators care about and the slice arithmetic derived from them.
//
// Two layouts appear in convolutions:
//
//   - Activation (BHWDC): batch, height, width, depth, channels. The spatial axes map to
//     kernel coordinates as x=width, y=height, z=depth.
//   - Weights (OHWDI): output channels, height, width, depth, input channels.
//
// DType uses github.com/gomlx/gopjrt/dtypes; only Float32 and Float16 are meaningful for
// the kernels generated by this module.
package shapes

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// QuadSize is the number of channels packed into one kernel vector element (FLT4).
const QuadSize = 4

// BHWDC is the shape of an activation tensor: batch, height, width, depth, channels.
type BHWDC struct {
	DType dtypes.DType

	Batch, Height, Width, Depth, Channels int
}

// MakeBHWDC returns an activation shape. It panics if any dimension is not positive;
// use Check when validating untrusted input instead.
func MakeBHWDC(dtype dtypes.DType, batch, height, width, depth, channels int) BHWDC {
	s := BHWDC{DType: dtype, Batch: batch, Height: height, Width: width, Depth: depth, Channels: channels}
	if err := s.Check(); err != nil {
		exceptions.Panicf("shapes.MakeBHWDC(): %v", err)
	}
	return s
}

// Check returns an error if any dimension is not positive.
func (s BHWDC) Check() error {
	for _, dim := range []int{s.Batch, s.Height, s.Width, s.Depth, s.Channels} {
		if dim <= 0 {
			return errors.Errorf("invalid shape %s: all dimensions must be positive", s)
		}
	}
	return nil
}

// Slices returns the number of channel groups, ceil(Channels/4).
func (s BHWDC) Slices() int { return DivCeil(s.Channels, QuadSize) }

// Size returns the number of elements, the product of all dimensions.
func (s BHWDC) Size() int { return s.Batch * s.Height * s.Width * s.Depth * s.Channels }

// Memory returns the bytes needed to store a dense tensor of this shape.
func (s BHWDC) Memory() uintptr { return s.DType.Memory() * uintptr(s.Size()) }

// String implements fmt.Stringer.
func (s BHWDC) String() string {
	return fmt.Sprintf("(%s)[batch=%d height=%d width=%d depth=%d channels=%d]",
		s.DType, s.Batch, s.Height, s.Width, s.Depth, s.Channels)
}

// OHWDI is the shape of a 3-D convolution weights tensor: output channels, kernel
// height, kernel width, kernel depth, input channels.
type OHWDI struct {
	DType dtypes.DType

	OutputChannels, Height, Width, Depth, InputChannels int
}

// MakeOHWDI returns a weights shape. It panics if any dimension is not positive;
// use Check when validating untrusted input instead.
func MakeOHWDI(dtype dtypes.DType, outputChannels, height, width, depth, inputChannels int) OHWDI {
	s := OHWDI{DType: dtype, OutputChannels: outputChannels, Height: height, Width: width,
		Depth: depth, InputChannels: inputChannels}
	if err := s.Check(); err != nil {
		exceptions.Panicf("shapes.MakeOHWDI(): %v", err)
	}
	return s
}

// Check returns an error if any dimension is not positive.
func (s OHWDI) Check() error {
	for _, dim := range []int{s.OutputChannels, s.Height, s.Width, s.Depth, s.InputChannels} {
		if dim <= 0 {
			return errors.Errorf("invalid shape %s: all dimensions must be positive", s)
		}
	}
	return nil
}

// InputSlices returns the number of input channel groups, ceil(InputChannels/4).
func (s OHWDI) InputSlices() int { return DivCeil(s.InputChannels, QuadSize) }

// OutputSlices returns the number of output channel groups, ceil(OutputChannels/4).
func (s OHWDI) OutputSlices() int { return DivCeil(s.OutputChannels, QuadSize) }

// KernelVolume returns the number of spatial taps, Height*Width*Depth.
func (s OHWDI) KernelVolume() int { return s.Height * s.Width * s.Depth }

// Size returns the number of elements, the product of all dimensions.
func (s OHWDI) Size() int {
	return s.OutputChannels * s.Height * s.Width * s.Depth * s.InputChannels
}

// Memory returns the bytes needed to store a dense tensor of this shape.
func (s OHWDI) Memory() uintptr { return s.DType.Memory() * uintptr(s.Size()) }

// LinearIndex returns the flat index of the element at the given coordinates, for the
// canonical dense OHWDI order. It panics on out-of-bounds coordinates.
func (s OHWDI) LinearIndex(o, h, w, d, i int) int {
	if o < 0 || o >= s.OutputChannels || h < 0 || h >= s.Height || w < 0 || w >= s.Width ||
		d < 0 || d >= s.Depth || i < 0 || i >= s.InputChannels {
		exceptions.Panicf("shapes.OHWDI.LinearIndex(%d, %d, %d, %d, %d) out-of-bounds for %s",
			o, h, w, d, i, s)
	}
	return ((((o*s.Height+h)*s.Width+w)*s.Depth)+d)*s.InputChannels + i
}

// String implements fmt.Stringer.
func (s OHWDI) String() string {
	return fmt.Sprintf("(%s)[o=%d height=%d width=%d depth=%d i=%d]",
		s.DType, s.OutputChannels, s.Height, s.Width, s.Depth, s.InputChannels)
}
