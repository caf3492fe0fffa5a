package settings

import "fmt"

// Adjustment ranges.
const (
	MinOffset = -50
	MaxOffset = 50
	MinZoom   = 0
	MaxZoom   = 100
)

// Reticle is the aiming mark drawn over the image.
type Reticle int

const (
	ReticleDefault Reticle = iota
	ReticleCross
	ReticleChevron
	ReticleSmall
	ReticleDot
	ReticleEotech

	reticleCount
)

var reticleNames = [...]string{"default", "cross", "chevron", "small", "dot", "eotech"}

func (r Reticle) String() string {
	if r.Valid() {
		return reticleNames[r]
	}
	return fmt.Sprintf("reticle(%d)", int(r))
}

// Valid reports whether r is a known reticle.
func (r Reticle) Valid() bool {
	return r >= 0 && r < reticleCount
}

// Next rotates r by delta, wrapping around.
func (r Reticle) Next(delta int) Reticle {
	return Reticle(Rotate(int(r), int(reticleCount), delta))
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// Rotate moves v by delta within [0, n), wrapping at both ends.
func Rotate(v, n, delta int) int {
	r := (v + delta) % n
	if r < 0 {
		r += n
	}
	return r
}
