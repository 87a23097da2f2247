package domain

import (
	"fmt"
	"math"
)

// MaxCoordinate bounds every axis so cell keys stay representable as int64.
const MaxCoordinate = 1e9

type Position struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	Timestamp int64   `json:"timestamp"`
}

// Validate rejects non-finite or out-of-bounds coordinates and a
// non-positive timestamp.
func (p Position) Validate() error {
	axes := [3]struct {
		name string
		v    float64
	}{{"x", p.X}, {"y", p.Y}, {"z", p.Z}}

	for _, a := range axes {
		if math.IsNaN(a.v) || math.IsInf(a.v, 0) {
			return fmt.Errorf("%w: %s is not a finite number", ErrInvalidPosition, a.name)
		}
		if math.Abs(a.v) > MaxCoordinate {
			return fmt.Errorf("%w: %s exceeds %g", ErrInvalidPosition, a.name, MaxCoordinate)
		}
	}
	if p.Timestamp <= 0 {
		return fmt.Errorf("%w: timestamp must be > 0", ErrInvalidPosition)
	}
	return nil
}

// Distance is the 3D Euclidean distance between a and b.
func Distance(a, b Position) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	dz := a.Z - b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

type CellKey struct {
	X, Y, Z int64
}

// CellOf maps a validated position onto the grid.
func CellOf(p Position, cellSize float64) CellKey {
	return CellKey{
		X: int64(math.Floor(p.X / cellSize)),
		Y: int64(math.Floor(p.Y / cellSize)),
		Z: int64(math.Floor(p.Z / cellSize)),
	}
}
