// Package events decodes raw ring-buffer records from the probe layer
// into typed Event values. Decoding is pure and total: malformed or
// short records simply yield ok=false rather than an error, since a
// torn read is expected probe-side behavior, not a program bug.
package events

import (
	"encoding/binary"

	"github.com/workload-tuner/tuner/internal/model"
)

const (
	kindWake  = 1
	kindFutex = 2

	minWakeLen  = 16
	minFutexLen = 24
	minTunerLen = 24
)

// CommEvent is the tagged union decoded from COMM_EVENTS: either a
// wake (waker, wakee) pair or a futex (uaddr, tid, op) triple.
type CommEvent struct {
	IsFutex bool
	Waker   uint32
	Wakee   uint32
	UAddr   uint64
	TID     uint32
	Op      uint32
}

// DecodeCommEvent reads the first 4 bytes as a kind tag (1=wake,
// 2=futex) and decodes the remainder. Fields past the tag are 8-byte
// aligned by the producer, matching the probe's native struct layout.
// It rejects records shorter than the kind's minimum length.
func DecodeCommEvent(b []byte) (CommEvent, bool) {
	if len(b) < 4 {
		return CommEvent{}, false
	}
	kind := binary.NativeEndian.Uint32(b[0:4])
	switch kind {
	case kindWake:
		if len(b) < minWakeLen {
			return CommEvent{}, false
		}
		return CommEvent{
			Waker: binary.NativeEndian.Uint32(b[8:12]),
			Wakee: binary.NativeEndian.Uint32(b[12:16]),
		}, true
	case kindFutex:
		if len(b) < minFutexLen {
			return CommEvent{}, false
		}
		return CommEvent{
			IsFutex: true,
			UAddr:   binary.NativeEndian.Uint64(b[8:16]),
			TID:     binary.NativeEndian.Uint32(b[16:20]),
			Op:      binary.NativeEndian.Uint32(b[20:24]),
		}, true
	default:
		return CommEvent{}, false
	}
}

// DecodeTunerEvent decodes an EVENTS record: (u32 pid, u32 kind, u64
// val_us, u64 ts_ns). The kind field is reserved for future event
// variants on this ring buffer; every record long enough to hold the
// fixed layout counts as a spike, matching the probe side which
// increments its cumulative counter for any record it can parse.
func DecodeTunerEvent(b []byte) (model.Event, bool) {
	if len(b) < minTunerLen {
		return model.Event{}, false
	}
	valUs := binary.NativeEndian.Uint64(b[8:16])
	tsNs := binary.NativeEndian.Uint64(b[16:24])

	return model.Event{Kind: model.EventFutexSpike, Us: valUs, TSNs: tsNs}, true
}

const minPrefetchLen = 40

// DecodePrefetchEvent decodes a PREFETCH_EVENTS record: (u32 tgid, u32
// pid, u64 ts_ns, u64 sb_dev, u64 ino, u64 pgoff).
func DecodePrefetchEvent(b []byte) (model.Event, bool) {
	if len(b) < minPrefetchLen {
		return model.Event{}, false
	}
	return model.Event{
		Kind:  model.EventPrefetchFault,
		TGID:  binary.NativeEndian.Uint32(b[0:4]),
		TSNs:  binary.NativeEndian.Uint64(b[8:16]),
		Dev:   binary.NativeEndian.Uint64(b[16:24]),
		Ino:   binary.NativeEndian.Uint64(b[24:32]),
		PgOff: binary.NativeEndian.Uint64(b[32:40]),
	}, true
}
