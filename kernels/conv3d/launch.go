package conv3d

import (
	"github.com/gomlx/clkernels/types/shapes"
)

// GridSize computes the dispatch grid in threads per physical dimension for the given
// output shape and params.
//
// Logical element counts are the output extents tiled by the block size: the width axis
// folds the batch in first, and the third axis fuses the channel-group and depth tile
// counts. Each count is then rounded up to whole work-groups, permuted into physical
// dispatch order, and scaled back to threads, so the physical grid is always an exact
// multiple of the work-group size. Over-provisioned threads are discarded by the bounds
// checks generated into the kernel, never by a partial trailing work-group.
func GridSize(dst shapes.BHWDC, p Params) [3]int {
	gridX := shapes.DivCeil(dst.Width*dst.Batch, p.BlockSize.X)
	gridY := shapes.DivCeil(dst.Height, p.BlockSize.Y)
	gridZ := shapes.DivCeil(dst.Slices(), p.BlockSize.S) * shapes.DivCeil(dst.Depth, p.BlockSize.Z)
	var groups [3]int
	groups[0] = shapes.DivCeil(gridX, p.WorkGroupSize[0])
	groups[1] = shapes.DivCeil(gridY, p.WorkGroupSize[1])
	groups[2] = shapes.DivCeil(gridZ, p.WorkGroupSize[2])
	return [3]int{
		groups[p.LaunchOrder[0]] * p.WorkGroupSize[0],
		groups[p.LaunchOrder[1]] * p.WorkGroupSize[1],
		groups[p.LaunchOrder[2]] * p.WorkGroupSize[2],
	}
}
