package kernels

import (
	"testing"

	"github.com/gomlx/clkernels/devices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopConstructor(attrs any, dev devices.Info) (Generator, error) {
	return nil, nil
}

func TestRegisterValidation(t *testing.T) {
	assert.Panics(t, func() {
		Register(Registration{Name: "", Description: "nameless", New: noopConstructor})
	})
	assert.Panics(t, func() {
		Register(Registration{Name: "kernels-test-no-constructor", Description: "x"})
	}, "nil constructor")

	Register(Registration{Name: "kernels-test-dup", Description: "x", New: noopConstructor})
	assert.Panics(t, func() {
		Register(Registration{Name: "kernels-test-dup", Description: "again", New: noopConstructor})
	})
}

func TestRegisteredAndList(t *testing.T) {
	reg := Registration{Name: "kernels-test-list-b", Description: "b", New: noopConstructor}
	Register(reg)
	Register(Registration{Name: "kernels-test-list-a", Description: "a", New: noopConstructor})

	got, found := Registered("kernels-test-list-b")
	require.True(t, found)
	assert.Equal(t, "b", got.Description)
	assert.NotNil(t, got.New)
	_, found = Registered("kernels-test-absent")
	assert.False(t, found)

	all := List()
	var names []string
	for _, r := range all {
		names = append(names, r.Name)
	}
	assert.IsNonDecreasing(t, names, "List is sorted by name")
	assert.Contains(t, names, "kernels-test-list-a")
	assert.Contains(t, names, "kernels-test-list-b")
}
