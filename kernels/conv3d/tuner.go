package conv3d

import (
	"time"

	"github.com/gomlx/clkernels/devices"
	"github.com/gomlx/clkernels/types/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Benchmarker is the host-side hook the autotuner uses to time one launch
// configuration of a kernel: the host compiles source (or looks it up by BuildID in
// its compile cache), binds the operation's arguments and dispatches it with the given
// geometry. Measure blocks for the round-trip to the device; implementations may time
// out or cancel, surfacing that as an error. Errors are not retried by the tuner.
type Benchmarker interface {
	Measure(source KernelSource, grid, workGroup [3]int) (time.Duration, error)
}

// BenchmarkerFunc adapts a function to the Benchmarker interface.
type BenchmarkerFunc func(source KernelSource, grid, workGroup [3]int) (time.Duration, error)

// Measure implements Benchmarker.
func (f BenchmarkerFunc) Measure(source KernelSource, grid, workGroup [3]int) (time.Duration, error) {
	return f(source, grid, workGroup)
}

// workGroupCandidates enumerates the work-group shapes tuning will time: power-of-two
// shapes within the device limits whose total thread count is a multiple of the
// device's preferred work-group multiple, plus the current shape itself.
func workGroupCandidates(dev devices.Info, current [3]int) [][3]int {
	candidates := [][3]int{current}
	seen := map[[3]int]bool{current: true}
	for _, wx := range []int{4, 8, 16, 32} {
		for _, wy := range []int{1, 2, 4, 8} {
			for _, wz := range []int{1, 2, 4} {
				wg := [3]int{wx, wy, wz}
				if seen[wg] || !dev.FitsWorkGroup(wg) {
					continue
				}
				total := wx * wy * wz
				if dev.PreferredWorkGroupMultiple > 0 && total%dev.PreferredWorkGroupMultiple != 0 {
					continue
				}
				seen[wg] = true
				candidates = append(candidates, wg)
			}
		}
	}
	return candidates
}

// Tune refines the work-group size by timing candidate shapes through the benchmark
// hook. Every Measure call receives the operation's generated source, so the host can
// compile it once, cache it by BuildID and rebind only the dispatch geometry.
//
// Tuning only applies when the work-group shape is actually free: local-memory staging
// fixes it at generation time, and a permuted launch order couples the dispatch shape
// to the coordinate recovery in the generated code. In both cases Tune returns
// immediately, keeping the heuristic shape.
//
// A benchmark failure is returned as an error and leaves the params untouched; the
// caller proceeds with the heuristic shape.
func (c *Conv3D) Tune(dev devices.Info, dst shapes.BHWDC, bench Benchmarker) error {
	if c.params.NeedLocalMem() {
		klog.V(2).Infof("conv3d: tuning skipped, %s staging requires the generated work group size",
			c.params.WeightsUpload)
		return nil
	}
	if !c.params.IdentityLaunchOrder() {
		klog.V(2).Infof("conv3d: tuning skipped, launch order %v is not the identity", c.params.LaunchOrder)
		return nil
	}
	if err := dst.Check(); err != nil {
		return errors.Wrap(err, "conv3d: tuning output shape")
	}
	best := c.params.WorkGroupSize
	var bestTime time.Duration
	bestThreads := 0
	measured := 0
	for _, wg := range workGroupCandidates(dev, c.params.WorkGroupSize) {
		candidate := c.params.withWorkGroupSize(wg)
		elapsed, err := bench.Measure(c.source, GridSize(dst, candidate), wg)
		if err != nil {
			return errors.Wrapf(err, "conv3d: benchmarking work group %v", wg)
		}
		threads := candidate.totalWorkItems()
		if measured == 0 || elapsed < bestTime || (elapsed == bestTime && threads < bestThreads) {
			best, bestTime, bestThreads = wg, elapsed, threads
		}
		measured++
	}
	if best != c.params.WorkGroupSize {
		klog.V(1).Infof("conv3d: tuned work group size %v -> %v (%s over %d candidates)",
			c.params.WorkGroupSize, best, bestTime, measured)
		c.params = c.params.withWorkGroupSize(best)
	}
	return nil
}
