package kv

import (
	"sync/atomic"
	"time"
)

const hlcLogicalBits = 16
const hlcLogicalMask uint64 = (1 << hlcLogicalBits) - 1

// Clock issues the timestamps stamped on prepared and committed records and
// on coordinator decisions.
type Clock interface {
	Now() uint64
}

// HLC is a hybrid logical clock: the high 48 bits hold wall clock
// milliseconds, the low 16 bits a counter that breaks ties when wall time
// stalls or goes backwards. Timestamps from one HLC strictly increase.
type HLC struct {
	last atomic.Uint64
	wall func() int64
}

func NewHLC() *HLC {
	return &HLC{wall: func() int64 { return time.Now().UnixMilli() }}
}

var _ Clock = (*HLC)(nil)

func (h *HLC) Now() uint64 {
	for {
		prev := h.last.Load()
		next := h.advance(prev)
		if h.last.CompareAndSwap(prev, next) {
			return next
		}
	}
}

func (h *HLC) advance(prev uint64) uint64 {
	nowMs := h.wall()
	if nowMs < 0 {
		nowMs = 0
	}
	wall := uint64(nowMs) << hlcLogicalBits
	if wall > prev {
		return wall
	}
	// Logical overflow carries into the wall part, which keeps the value
	// increasing.
	return prev + 1
}

// Observe moves the clock forward to ts if ts is ahead of it.
func (h *HLC) Observe(ts uint64) {
	for {
		prev := h.last.Load()
		if ts <= prev {
			return
		}
		if h.last.CompareAndSwap(prev, ts) {
			return
		}
	}
}

// WallTime returns the wall clock part of an HLC timestamp.
func WallTime(ts uint64) time.Time {
	return time.UnixMilli(int64(ts >> hlcLogicalBits)) //nolint:gosec
}
