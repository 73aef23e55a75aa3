package conv3d

import (
	"github.com/gomlx/clkernels/devices"
	"k8s.io/klog/v2"
)

// sliceTile is a candidate output channel-group tile: taken when the slice count
// divides evenly by Tile or reaches AtLeast.
type sliceTile struct {
	Tile, AtLeast int
}

// bestSliceTile picks the output channel-group tile: the first candidate that divides
// the slice count evenly or is dominated by it, else the exact remaining count.
func bestSliceTile(dstSlices int, tiles ...sliceTile) int {
	for _, t := range tiles {
		if dstSlices%t.Tile == 0 || dstSlices >= t.AtLeast {
			return t.Tile
		}
	}
	return dstSlices
}

// GuessParams selects tuning params for the attributes on the given device.
// Deterministic and total: unknown devices get the generic fallback configuration.
func GuessParams(dev devices.Info, attr Attributes) Params {
	x1, y1, z1 := axisFlags(attr)
	return GuessParamsFor(dev, attr.Precision, attr.SrcSlices(), attr.DstSlices(), x1, y1, z1)
}

// GuessParamsFor is the lower-level form of GuessParams, taking the already derived
// channel-group counts and unit-kernel flags.
func GuessParamsFor(dev devices.Info, precision Precision, srcSlices, dstSlices int,
	xKernelIs1, yKernelIs1, zKernelIs1 bool) Params {
	p := Params{
		XKernelIs1: xKernelIs1,
		YKernelIs1: yKernelIs1,
		ZKernelIs1: zKernelIs1,
	}
	switch {
	case dev.IsNvidia():
		p.BlockSize = BlockSize{1, 1, 1, 4}
		p.WorkGroupSize = [3]int{8, 4, 1}
		p.LaunchOrder = [3]int{2, 0, 1}
		p.SrcDepthLoopSize = 1
		p.WeightsUpload = LocalMemByThreads
		p.BlockSize.S = bestSliceTile(dstSlices, sliceTile{4, 8}, sliceTile{2, 4})
		if srcSlices%2 == 0 {
			p.SrcDepthLoopSize = 2
		}
		if srcSlices%4 == 0 && p.BlockSize.S <= 2 {
			p.SrcDepthLoopSize = 4
		}
	case dev.IsPowerVR():
		p.BlockSize = BlockSize{1, 1, 1, 4}
		p.WorkGroupSize = [3]int{8, 4, 1}
		p.LaunchOrder = [3]int{2, 0, 1}
		p.SrcDepthLoopSize = 1
		p.WeightsUpload = LocalMemAsyncCopy
		p.BlockSize.S = bestSliceTile(dstSlices, sliceTile{8, 32}, sliceTile{4, 8}, sliceTile{2, 4})
		if precision == F16 {
			if p.BlockSize.S > 4 {
				p.BlockSize.S = 4
			}
			if srcSlices%2 == 0 {
				p.SrcDepthLoopSize = 2
			}
			if srcSlices%4 == 0 && p.BlockSize.S <= 2 {
				p.SrcDepthLoopSize = 4
			}
			if p.BlockSize.S == 1 {
				if srcSlices%2 == 0 {
					p.SrcDepthLoopSize = 2
				}
				if srcSlices%4 == 0 {
					p.SrcDepthLoopSize = 4
				}
				if srcSlices <= 8 {
					p.SrcDepthLoopSize = srcSlices
				}
			}
			p.BlockSize.X = 2
			p.WorkGroupSize = [3]int{4, 8, 1}
		}
	case dev.IsAdreno():
		p.BlockSize = BlockSize{2, 2, 1, 2}
		p.WorkGroupSize = [3]int{8, 4, 1}
		p.LaunchOrder = [3]int{0, 1, 2}
		p.SrcDepthLoopSize = 1
		p.WeightsUpload = TexturesMem
	case dev.IsMali():
		p.BlockSize = BlockSize{1, 1, 1, 4}
		p.WorkGroupSize = [3]int{8, 4, 1}
		p.LaunchOrder = [3]int{0, 1, 2}
		p.SrcDepthLoopSize = 1
		p.WeightsUpload = GlobalMem
		p.BlockSize.S = bestSliceTile(dstSlices, sliceTile{4, 8}, sliceTile{2, 4})
		if srcSlices%2 == 0 {
			p.SrcDepthLoopSize = 2
		}
		if srcSlices%4 == 0 && p.BlockSize.S <= 2 {
			p.SrcDepthLoopSize = 4
		}
	case dev.IsAMD():
		p.BlockSize = BlockSize{2, 2, 1, 2}
		p.WorkGroupSize = [3]int{8, 4, 1}
		p.LaunchOrder = [3]int{0, 1, 2}
		p.SrcDepthLoopSize = 1
		p.WeightsUpload = TexturesMem
		p.BlockSize.S = bestSliceTile(dstSlices, sliceTile{4, 8}, sliceTile{2, 4})
	default:
		p.BlockSize = BlockSize{2, 2, 1, 2}
		p.WorkGroupSize = [3]int{8, 4, 1}
		p.LaunchOrder = [3]int{0, 1, 2}
		p.SrcDepthLoopSize = 1
		p.WeightsUpload = TexturesMem
		p.BlockSize.S = bestSliceTile(dstSlices, sliceTile{4, 8}, sliceTile{2, 4})
	}
	klog.V(2).Infof("conv3d: guessed params for %s (src=%d dst=%d %s): %+v",
		dev.Vendor, srcSlices, dstSlices, precision, p)
	return p
}
