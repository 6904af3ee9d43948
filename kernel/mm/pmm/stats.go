package pmm

import (
	"encoding/hex"
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// PoolStats summarizes the state of a single pool.
type PoolStats struct {
	Handle   PoolHandle
	Base     uintptr
	Capacity uint32
	Free     uint32
}

// Stats summarizes the state of all pools.
type Stats struct {
	TotalFrames uint64
	FreeFrames  uint64
	Pools       []PoolStats
}

// Clear resets s.
func (s *Stats) Clear() {
	s.TotalFrames = 0
	s.FreeFrames = 0
	s.Pools = s.Pools[:0]
}

// AddPool accumulates the counters of a pool.
func (s *Stats) AddPool(p PoolStats) {
	s.TotalFrames += uint64(p.Capacity)
	s.FreeFrames += uint64(p.Free)
	s.Pools = append(s.Pools, p)
}

// Stats walks the chain and returns per-pool and overall frame counts.
func (a *FrameAllocator) Stats() Stats {
	var stats Stats
	if len(a.pools) == 0 {
		return stats
	}

	for h := systemPool; h != NoPool; h = a.pools[h].next {
		pool := &a.pools[h]
		stats.AddPool(PoolStats{Handle: h, Base: pool.base, Capacity: pool.capacity, Free: pool.freeCount})
	}

	return stats
}

// PrintDetailedMap writes a JSON description of every pool, including its raw
// bitmap, to writer.
func (a *FrameAllocator) PrintDetailedMap(writer *jwriter.Writer) {
	stats := a.Stats()

	obj := writer.Object()
	defer obj.End()

	obj.Name("TotalFrames").Int(int(stats.TotalFrames))
	obj.Name("FreeFrames").Int(int(stats.FreeFrames))

	pools := obj.Name("Pools").Array()
	defer pools.End()

	for _, ps := range stats.Pools {
		pool := &a.pools[ps.Handle]

		poolObj := pools.Object()
		role := "user"
		if ps.Handle == systemPool {
			role = "system"
		}
		poolObj.Name("Role").String(role)
		poolObj.Name("Base").String(fmt.Sprintf("%#x", ps.Base))
		poolObj.Name("Capacity").Int(int(ps.Capacity))
		poolObj.Name("Free").Int(int(ps.Free))
		poolObj.Name("BitmapFrame").String(fmt.Sprintf("%#x", pool.bitmapFrame.Address()))
		poolObj.Name("Bitmap").String(hex.EncodeToString(pool.bitmap))
		poolObj.End()
	}
}
