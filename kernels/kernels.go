// Package kernels keeps the registry of kernel generators implemented by this module.
//
// Each generator package registers itself during initialization, so a host runtime can
// enumerate what is available after importing the generators it wants, e.g.:
//
//	import _ "github.com/gomlx/clkernels/kernels/conv3d"
package kernels

import (
	"sort"
	"sync"

	"github.com/gomlx/clkernels/devices"
	"github.com/gomlx/exceptions"
)

// KernelSource is a generated kernel together with its binding contract.
type KernelSource struct {
	// BuildID identifies this generated source, e.g. for the host compile cache and
	// log correlation.
	BuildID string

	// Code is the OpenCL source text. The kernel entry point is KernelName; its
	// argument declarations are represented by the "$0" anchor, filled in by the host
	// argument binder.
	Code string

	// KernelName is the entry point name.
	KernelName string

	// ScalarParams lists, in bind order, the names of the integer arguments the code
	// references.
	ScalarParams []string

	// Objects lists, in bind order, the tensor objects the kernel accesses.
	Objects []string

	// RequiredWorkGroupSize is non-zero when the source was generated with a
	// reqd_work_group_size attribute; dispatch must then use exactly this work-group
	// shape.
	RequiredWorkGroupSize [3]int
}

// Generator is one instantiated kernel-generating operation, as returned by a
// Registration constructor.
type Generator interface {
	// Source returns the generated kernel.
	Source() KernelSource
}

// Registration describes one kernel generator.
type Registration struct {
	// Name is the operation the generator emits kernels for, e.g. "conv3d".
	Name string

	// Description is a one-line human-readable summary.
	Description string

	// New instantiates the generator for the device. attrs is the generator's own
	// attributes value (e.g. conv3d.Attributes); constructors return an error for any
	// other type.
	New func(attrs any, dev devices.Info) (Generator, error)
}

var (
	muRegistered sync.Mutex
	registered   = make(map[string]Registration)
)

// Register adds a generator to the registry. It panics on duplicate names, an empty
// name or a nil constructor -- registration happens in init() functions, so any of
// these is a programming error.
func Register(r Registration) {
	if r.Name == "" {
		exceptions.Panicf("kernels.Register: empty generator name")
	}
	if r.New == nil {
		exceptions.Panicf("kernels.Register: generator %q has no constructor", r.Name)
	}
	muRegistered.Lock()
	defer muRegistered.Unlock()
	if _, found := registered[r.Name]; found {
		exceptions.Panicf("kernels.Register: generator %q registered twice", r.Name)
	}
	registered[r.Name] = r
}

// Registered returns the registration for the given name, if any.
func Registered(name string) (Registration, bool) {
	muRegistered.Lock()
	defer muRegistered.Unlock()
	r, found := registered[name]
	return r, found
}

// List returns all registrations sorted by name.
func List() []Registration {
	muRegistered.Lock()
	defer muRegistered.Unlock()
	all := make([]Registration, 0, len(registered))
	for _, r := range registered {
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}
