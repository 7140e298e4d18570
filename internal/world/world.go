package world

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var ErrEmptySession = errors.New("world: empty session")

// World is an in-memory block store. Each session carries its own mask,
// replaced by ApplyMask and consulted by every ApplyValue for that session.
type World struct {
	mu     sync.RWMutex
	blocks map[Vec3]Block
	masks  map[string]Mask

	placed  atomic.Uint64
	skipped atomic.Uint64
}

func New() *World {
	return &World{
		blocks: map[Vec3]Block{},
		masks:  map[string]Mask{},
	}
}

// ApplyValue writes value at loc unless the session mask rejects it.
// Writing air clears the location.
func (w *World) ApplyValue(ctx context.Context, session string, loc Vec3, value Block) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if session == "" {
		return ErrEmptySession
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if m := w.masks[session]; m != nil && !m.Matches(loc, w.blocks[loc]) {
		w.skipped.Add(1)
		return nil
	}
	if value.IsAir() {
		delete(w.blocks, loc)
	} else {
		w.blocks[loc] = value
	}
	w.placed.Add(1)
	return nil
}

// ApplyMask replaces the session mask. A nil mask clears it.
func (w *World) ApplyMask(ctx context.Context, session string, mask Mask) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if session == "" {
		return ErrEmptySession
	}
	w.mu.Lock()
	if mask == nil {
		delete(w.masks, session)
	} else {
		w.masks[session] = mask
	}
	w.mu.Unlock()
	return nil
}

// At returns the block at loc (air when unset).
func (w *World) At(loc Vec3) Block {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.blocks[loc]
}

// Count returns the number of non-air blocks.
func (w *World) Count() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.blocks)
}

type Stats struct {
	Blocks  int    `json:"blocks"`
	Placed  uint64 `json:"placed"`
	Skipped uint64 `json:"skipped"`
	Masks   int    `json:"masks"`
}

func (w *World) Stats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Stats{
		Blocks:  len(w.blocks),
		Placed:  w.placed.Load(),
		Skipped: w.skipped.Load(),
		Masks:   len(w.masks),
	}
}
