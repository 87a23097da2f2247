package services

import (
	"fmt"
	"math"
	"sync"

	"proxcall/internal/core/domain"
)

type indexEntry struct {
	cell      domain.CellKey
	position  domain.Position
	available bool
}

// SpatialIndex is a uniform 3D grid over tracked users. It is a derived
// structure: the authoritative records live in ProximityTracker.
type SpatialIndex struct {
	cellSize float64

	mu      sync.RWMutex
	cells   map[domain.CellKey]map[domain.UserID]struct{}
	entries map[domain.UserID]indexEntry
}

// NewSpatialIndex creates an index with cubic cells of cellSize. Non-positive
// sizes fall back to the default.
func NewSpatialIndex(cellSize float64) *SpatialIndex {
	if cellSize <= 0 || math.IsNaN(cellSize) || math.IsInf(cellSize, 0) {
		cellSize = DefaultProximityRange
	}
	return &SpatialIndex{
		cellSize: cellSize,
		cells:    make(map[domain.CellKey]map[domain.UserID]struct{}),
		entries:  make(map[domain.UserID]indexEntry),
	}
}

// CellSize returns the edge length of a grid cell.
func (si *SpatialIndex) CellSize() float64 {
	return si.cellSize
}

// Upsert places the user in the cell matching its position, moving it out of
// its previous cell when needed.
func (si *SpatialIndex) Upsert(user domain.TrackedUser) error {
	if user.UserID == "" {
		return fmt.Errorf("%w: empty user id", domain.ErrUserNotFound)
	}
	if err := user.Position.Validate(); err != nil {
		return err
	}
	cell := domain.CellOf(user.Position, si.cellSize)

	si.mu.Lock()
	defer si.mu.Unlock()

	if prev, ok := si.entries[user.UserID]; ok && prev.cell != cell {
		si.removeFromCell(prev.cell, user.UserID)
	}

	members, ok := si.cells[cell]
	if !ok {
		members = make(map[domain.UserID]struct{})
		si.cells[cell] = members
	}
	members[user.UserID] = struct{}{}
	si.entries[user.UserID] = indexEntry{
		cell:      cell,
		position:  user.Position,
		available: user.IsAvailable,
	}
	return nil
}

// Remove reports whether the user was indexed.
func (si *SpatialIndex) Remove(id domain.UserID) bool {
	si.mu.Lock()
	defer si.mu.Unlock()

	entry, ok := si.entries[id]
	if !ok {
		return false
	}
	si.removeFromCell(entry.cell, id)
	delete(si.entries, id)
	return true
}

func (si *SpatialIndex) removeFromCell(cell domain.CellKey, id domain.UserID) {
	members := si.cells[cell]
	delete(members, id)
	if len(members) == 0 {
		delete(si.cells, cell)
	}
}

// FindNearby returns the available users within rng (inclusive) of id,
// excluding id itself. Order is unspecified.
func (si *SpatialIndex) FindNearby(id domain.UserID, rng float64) ([]domain.NearbyUser, error) {
	return si.query(id, rng, func(e indexEntry) bool { return e.available })
}

// withinRange is FindNearby without the availability filter. The tracker
// uses it to find observers whose view of id may have changed.
func (si *SpatialIndex) withinRange(id domain.UserID, rng float64) ([]domain.NearbyUser, error) {
	return si.query(id, rng, func(indexEntry) bool { return true })
}

func (si *SpatialIndex) query(id domain.UserID, rng float64, keep func(indexEntry) bool) ([]domain.NearbyUser, error) {
	if rng < 0 || math.IsNaN(rng) {
		return nil, fmt.Errorf("invalid range %v", rng)
	}

	si.mu.RLock()
	defer si.mu.RUnlock()

	origin, ok := si.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUserNotFound, id)
	}

	span := int64(math.Ceil(rng / si.cellSize))
	var result []domain.NearbyUser

	visit := func(members map[domain.UserID]struct{}) {
		for candidate := range members {
			if candidate == id {
				continue
			}
			entry := si.entries[candidate]
			if !keep(entry) {
				continue
			}
			if d := domain.Distance(origin.position, entry.position); d <= rng {
				result = append(result, domain.NearbyUser{
					UserID:   candidate,
					Position: entry.position,
					Distance: d,
				})
			}
		}
	}

	// When the cuboid holds more cells than are populated, walk the populated
	// cells instead of probing empty ones.
	side := float64(2*span + 1)
	if span > 1<<20 || side*side*side > float64(len(si.cells)) {
		for key, members := range si.cells {
			if absInt64(key.X-origin.cell.X) <= span &&
				absInt64(key.Y-origin.cell.Y) <= span &&
				absInt64(key.Z-origin.cell.Z) <= span {
				visit(members)
			}
		}
		return result, nil
	}

	for dx := -span; dx <= span; dx++ {
		for dy := -span; dy <= span; dy++ {
			for dz := -span; dz <= span; dz++ {
				key := domain.CellKey{
					X: origin.cell.X + dx,
					Y: origin.cell.Y + dy,
					Z: origin.cell.Z + dz,
				}
				if members, ok := si.cells[key]; ok {
					visit(members)
				}
			}
		}
	}
	return result, nil
}

// Len returns the number of indexed users.
func (si *SpatialIndex) Len() int {
	si.mu.RLock()
	defer si.mu.RUnlock()
	return len(si.entries)
}

// CellCount returns the number of non-empty cells.
func (si *SpatialIndex) CellCount() int {
	si.mu.RLock()
	defer si.mu.RUnlock()
	return len(si.cells)
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
