package goprobe

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryStoreFollowsBinding(t *testing.T) {
	bb, _ := DescriptorFor(ModelBumbleBee400V)
	first := &ProbeIdentity{Model: ModelBumbleBee400V, SerialNumber: "1"}
	second := &ProbeIdentity{Model: ModelBumbleBee400V, SerialNumber: "2"}
	tests := []struct {
		name    string
		between func(r *Registry)
		cached  bool
	}{
		{"unchanged", func(*Registry) {}, true},
		{"rebound to another serial", func(r *Registry) { r.bind(Channel1, second, bb) }, false},
		{"identified again", func(r *Registry) { r.bind(Channel1, first, bb) }, false},
		{"forgotten and rebound", func(r *Registry) {
			r.Forget(Channel1)
			r.bind(Channel1, second, bb)
		}, false},
		{"other channel rebound", func(r *Registry) { r.bind(Channel2, second, bb) }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(3, 2, zerolog.Nop())
			r.bind(Channel1, first, bb)
			r.bind(Channel2, first, bb)
			_, gen, err := r.binding(Channel1)
			require.NoError(t, err)

			tt.between(r)
			r.store(Channel1, gen, RegGain, 10)
			_, ok := r.Cached(Channel1, RegGain)
			assert.Equal(t, tt.cached, ok)
		})
	}
}

func TestRegistryBindingNeedsIdentity(t *testing.T) {
	r := NewRegistry(2, 2, zerolog.Nop())
	_, _, err := r.binding(Channel1)
	assert.ErrorIs(t, err, ErrProbeNotDetected)
	_, _, err = r.binding(Channel3)
	assert.ErrorIs(t, err, ErrInvalidParameter)
}
