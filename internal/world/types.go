package world

import (
	"fmt"
	"strings"
)

// Vec3 is an integer block coordinate.
type Vec3 struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

func (v Vec3) String() string { return fmt.Sprintf("(%d,%d,%d)", v.X, v.Y, v.Z) }

// Block is a block type with an optional data value. The zero Block is air.
type Block struct {
	Type string `json:"type"`
	Data int    `json:"data,omitempty"`
}

// Air is the empty block.
var Air = Block{}

func (b Block) IsAir() bool { return b.Type == "" || strings.EqualFold(b.Type, "air") }

func (b Block) String() string {
	if b.IsAir() {
		return "air"
	}
	if b.Data != 0 {
		return fmt.Sprintf("%s:%d", b.Type, b.Data)
	}
	return b.Type
}

// ParseBlock accepts "type" or "type:data".
func ParseBlock(s string) (Block, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Air, nil
	}
	typ, data, ok := strings.Cut(s, ":")
	if !ok {
		return Block{Type: strings.ToLower(typ)}, nil
	}
	var n int
	if _, err := fmt.Sscanf(data, "%d", &n); err != nil {
		return Block{}, fmt.Errorf("world: bad block data %q: %w", s, err)
	}
	return Block{Type: strings.ToLower(typ), Data: n}, nil
}

// Mask filters which locations a session may write to.
type Mask interface {
	Matches(loc Vec3, current Block) bool
}

// Region is an inclusive axis-aligned cuboid.
type Region struct {
	Min Vec3 `json:"min"`
	Max Vec3 `json:"max"`
}

func NewRegion(a, b Vec3) Region {
	return Region{
		Min: Vec3{min(a.X, b.X), min(a.Y, b.Y), min(a.Z, b.Z)},
		Max: Vec3{max(a.X, b.X), max(a.Y, b.Y), max(a.Z, b.Z)},
	}
}

func (r Region) Contains(v Vec3) bool {
	return v.X >= r.Min.X && v.X <= r.Max.X &&
		v.Y >= r.Min.Y && v.Y <= r.Max.Y &&
		v.Z >= r.Min.Z && v.Z <= r.Max.Z
}

// Volume is the number of blocks in r.
func (r Region) Volume() int {
	return (r.Max.X - r.Min.X + 1) * (r.Max.Y - r.Min.Y + 1) * (r.Max.Z - r.Min.Z + 1)
}

// Each calls fn for every location in r in x, z, y order (layers bottom-up).
func (r Region) Each(fn func(Vec3) bool) {
	for y := r.Min.Y; y <= r.Max.Y; y++ {
		for z := r.Min.Z; z <= r.Max.Z; z++ {
			for x := r.Min.X; x <= r.Max.X; x++ {
				if !fn(Vec3{x, y, z}) {
					return
				}
			}
		}
	}
}

// RegionMask matches locations inside a region.
type RegionMask struct{ Region Region }

func (m RegionMask) Matches(loc Vec3, _ Block) bool { return m.Region.Contains(loc) }

// BlockMask matches locations whose current block type is in Types.
type BlockMask struct{ Types []string }

func (m BlockMask) Matches(_ Vec3, current Block) bool {
	for _, t := range m.Types {
		if strings.EqualFold(t, current.Type) || (current.IsAir() && strings.EqualFold(t, "air")) {
			return true
		}
	}
	return false
}

// Not inverts a mask.
type Not struct{ Mask Mask }

func (m Not) Matches(loc Vec3, current Block) bool {
	return m.Mask == nil || !m.Mask.Matches(loc, current)
}
