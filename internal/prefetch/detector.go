// Package prefetch detects arithmetic stride patterns in per-file
// page-fault offsets and turns them into prefetch advisories.
package prefetch

import "github.com/workload-tuner/tuner/internal/model"

const (
	historyCap  = 32
	minHistory  = 7
	strideLen   = 6
	minAgree    = 5
	rangeCount  = 8
	rangeLen    = 131072
	pageSize    = 4096
)

// Key identifies the file a fault offset belongs to.
type Key struct {
	TGID uint32
	Dev  uint64
	Ino  uint64
}

// Detector tracks a bounded offset history per (tgid,dev,ino) and
// emits stride-based prefetch plans. Owned exclusively by the policy;
// not safe for concurrent use.
type Detector struct {
	history map[Key][]uint64
}

// New returns an empty Detector.
func New() *Detector {
	return &Detector{history: make(map[Key][]uint64)}
}

// OnFault records a page-fault offset and, if the recent history shows
// a consistent stride, returns a Prefetch action with 8 ranges of
// rangeLen bytes each, starting at the next 8 page offsets at that
// stride.
func (d *Detector) OnFault(key Key, pgoff uint64) (model.Action, bool) {
	h := append(d.history[key], pgoff)
	if len(h) > historyCap {
		h = h[len(h)-historyCap:]
	}
	d.history[key] = h

	if len(h) < minHistory {
		return model.Action{}, false
	}

	tail := h[len(h)-(strideLen+1):]
	deltas := make([]int64, 0, strideLen)
	for i := 1; i < len(tail); i++ {
		deltas = append(deltas, int64(tail[i])-int64(tail[i-1]))
	}

	stride, agree := mostFrequent(deltas)
	if stride == 0 || agree < minAgree {
		return model.Action{}, false
	}

	ranges := make([]model.PrefetchRange, 0, rangeCount)
	for k := int64(1); k <= rangeCount; k++ {
		offset := uint64(int64(pgoff)+stride*k) * pageSize
		ranges = append(ranges, model.PrefetchRange{Offset: offset, Len: rangeLen})
	}

	return model.Action{
		Kind:            model.ActionPrefetch,
		PrefetchTGID:    key.TGID,
		PrefetchDev:     key.Dev,
		PrefetchIno:     key.Ino,
		PrefetchRanges:  ranges,
		PrefetchBackend: model.PrefetchFadvise,
	}, true
}

// mostFrequent returns the most common value in deltas and its count.
// Ties favor whichever value was seen first.
func mostFrequent(deltas []int64) (value int64, count int) {
	counts := make(map[int64]int, len(deltas))
	order := make([]int64, 0, len(deltas))
	for _, v := range deltas {
		if _, seen := counts[v]; !seen {
			order = append(order, v)
		}
		counts[v]++
	}
	best := order[0]
	bestCount := counts[best]
	for _, v := range order[1:] {
		if counts[v] > bestCount {
			best, bestCount = v, counts[v]
		}
	}
	return best, bestCount
}
