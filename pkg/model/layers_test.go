package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinear_Forward(t *testing.T) {
	l := newLinear(3, 2)
	copy(l.Weight.Data, []float32{
		1, 2, 3,
		-1, 0, 0.5,
	})
	copy(l.Bias.Data, []float32{0.5, -1})

	y, err := l.Forward([]float32{1, 1, 2})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{9.5, -1}, y, 1e-6)

	_, err = l.Forward([]float32{1, 2})
	assert.EqualError(t, err, "linear layer expects 3 features, got 2")
}
