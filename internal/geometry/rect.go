// Package geometry provides pure helpers for rectangles in page-normalized
// coordinates: every value is a fraction of the rendered page box, in [0,1].
package geometry

// Rect is an axis-aligned rectangle on a page.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Valid reports whether the rectangle lies inside the unit page box.
func (r Rect) Valid() bool {
	if r.Width < 0 || r.Height < 0 {
		return false
	}
	return r.X >= 0 && r.Y >= 0 && r.X+r.Width <= 1 && r.Y+r.Height <= 1
}

// Overlaps reports whether a and b intersect. Two rectangles overlap unless
// they are disjoint on at least one axis.
func Overlaps(a, b Rect) bool {
	return !(a.X > b.X+b.Width ||
		a.X+a.Width < b.X ||
		a.Y > b.Y+b.Height ||
		a.Y+a.Height < b.Y)
}
