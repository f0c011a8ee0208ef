package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOverlapsAdjacentRegions(t *testing.T) {
	a := Rect{X: 0, Y: 0, Width: 0.2, Height: 0.03}
	b := Rect{X: 0.1, Y: 0, Width: 0.2, Height: 0.03}
	assert.True(t, Overlaps(a, b))

	c := Rect{X: 0, Y: 0, Width: 0.1, Height: 0.03}
	d := Rect{X: 0.2, Y: 0, Width: 0.1, Height: 0.03}
	assert.False(t, Overlaps(c, d))
}

func TestOverlapsIsSymmetric(t *testing.T) {
	pairs := []struct {
		a, b Rect
	}{
		{Rect{0, 0, 0.2, 0.03}, Rect{0.1, 0, 0.2, 0.03}},
		{Rect{0, 0, 0.1, 0.03}, Rect{0.2, 0, 0.1, 0.03}},
		{Rect{0.5, 0.5, 0.1, 0.1}, Rect{0.55, 0.55, 0.01, 0.01}},
		{Rect{0, 0, 1, 1}, Rect{0.99, 0.99, 0.01, 0.01}},
		{Rect{0.1, 0.2, 0.3, 0.03}, Rect{0.1, 0.9, 0.3, 0.03}},
		{Rect{0, 0, 0, 0}, Rect{0, 0, 0, 0}},
	}
	for _, pair := range pairs {
		assert.Equal(t, Overlaps(pair.a, pair.b), Overlaps(pair.b, pair.a),
			"overlap must be symmetric for %+v and %+v", pair.a, pair.b)
	}
}

func TestOverlapsDisjointOnYAxis(t *testing.T) {
	a := Rect{X: 0.1, Y: 0.1, Width: 0.3, Height: 0.03}
	b := Rect{X: 0.1, Y: 0.5, Width: 0.3, Height: 0.03}
	assert.False(t, Overlaps(a, b))
}

func TestRectValid(t *testing.T) {
	assert.True(t, Rect{X: 0.1, Y: 0.2, Width: 0.3, Height: 0.03}.Valid())
	assert.True(t, Rect{X: 0, Y: 0, Width: 1, Height: 1}.Valid())
	assert.False(t, Rect{X: -0.1, Y: 0, Width: 0.2, Height: 0.1}.Valid())
	assert.False(t, Rect{X: 0.9, Y: 0, Width: 0.2, Height: 0.1}.Valid())
	assert.False(t, Rect{X: 0, Y: 0, Width: -0.2, Height: 0.1}.Valid())
}
