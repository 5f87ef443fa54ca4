// Package probe loads the tuner's three native eBPF objects (tuner,
// sockops, prefetch), attaches their tracepoints, and exposes typed
// accessors over their maps and ring buffers. The in-kernel programs
// themselves are an external collaborator: this package specifies and
// consumes the map schemas and wire formats they must satisfy.
package probe

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"

	"github.com/workload-tuner/tuner/internal/events"
	"github.com/workload-tuner/tuner/internal/model"
)

// Config controls probe load and attach behavior.
type Config struct {
	TunerObject    string
	SockopsObject  string
	PrefetchObject string

	TargetPID       int
	WithDescendants bool
	FollowNew       bool
	AttachSockops   bool

	PinDir string // directory TARGET_TGIDS is pinned under, default /sys/fs/bpf

	// ExtraAllowedDirs is appended to the probe-object verifier's
	// trusted directory list, so a deployment that installs objects
	// outside AllowedObjectDirs (e.g. under a custom ProbeObjectDir)
	// still passes verification.
	ExtraAllowedDirs []string
}

// DefaultConfig mirrors the reference agent's defaults.
func DefaultConfig() Config {
	return Config{
		TunerObject:     "probes/tuner.o",
		SockopsObject:   "probes/sockops.o",
		PrefetchObject:  "probes/prefetch.o",
		WithDescendants: true,
		FollowNew:       true,
		AttachSockops:   false,
		PinDir:          "/sys/fs/bpf",
	}
}

// Agg is the summed per-CPU AGG aggregate produced by ReadAndResetAgg.
type Agg struct {
	FutexUs    uint64
	PageFaults uint64
}

// rawAgg mirrors the kernel-side per-CPU AGG value layout exactly (two
// packed u64 fields, no padding).
type rawAgg struct {
	FutexUs    uint64
	PageFaults uint64
}

// Handle owns the loaded collections, links, and ring-buffer readers
// for the lifetime of the agent. Ring-buffer callbacks (invoked from
// Poll) only touch the atomic counters and the mutex-protected
// prefetch buffer; every other method is called from the single tick
// task, never concurrently with Poll.
type Handle struct {
	tuner    *ebpf.Collection
	sockops  *ebpf.Collection
	prefetch *ebpf.Collection

	links []link.Link

	commReader     *ringbuf.Reader
	eventsReader   *ringbuf.Reader
	prefetchReader *ringbuf.Reader

	commWake  atomic.Uint64
	commFutex atomic.Uint64
	spikes    atomic.Uint64

	prefetchMu  sync.Mutex
	prefetchBuf []model.Event

	targetTGIDsFD int
}

// AttachError reports a non-fatal attach failure for an optional
// program; the caller logs it and continues.
type AttachError struct {
	Program string
	Err     error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("probe %q: %v", e.Program, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }

// Load opens the tuner probe object, seeds TARGET_TGIDS, attaches the
// two mandatory tracepoints (fatal on failure) plus the optional
// page-fault, futex and fork/exit ones (logged, non-fatal), starts its
// two ring-buffer readers, loads the sockops object if requested, and
// always tries the prefetch object (a failure there is logged and
// non-fatal). It never returns a partially-built Handle: on any fatal
// error every already-loaded resource is closed before returning.
func Load(cfg Config) (*Handle, error) {
	h := &Handle{}

	verifier := NewVerifier(cfg.ExtraAllowedDirs...)
	if err := verifier.VerifyObject(cfg.TunerObject); err != nil {
		return nil, fmt.Errorf("verify tuner object: %w", err)
	}

	tunerSpec, err := ebpf.LoadCollectionSpec(cfg.TunerObject)
	if err != nil {
		return nil, fmt.Errorf("load tuner spec: %w", err)
	}
	tuner, err := ebpf.NewCollection(tunerSpec)
	if err != nil {
		return nil, fmt.Errorf("load tuner collection: %w", err)
	}
	h.tuner = tuner

	if err := h.seedTargetAndFollow(cfg); err != nil {
		h.Close()
		return nil, err
	}

	if err := h.pinTargetTGIDs(cfg); err != nil {
		log.Printf("[warn] pin TARGET_TGIDS: %v", err)
	}

	if err := h.attachCore(cfg); err != nil {
		h.Close()
		return nil, err
	}
	h.attachOptional(cfg)

	if err := h.openTunerRings(); err != nil {
		h.Close()
		return nil, err
	}

	if cfg.AttachSockops {
		if err := h.loadSockops(cfg); err != nil {
			log.Printf("[warn] sockops: %v", err)
		}
	}

	if err := h.loadPrefetch(cfg); err != nil {
		log.Printf("[warn] prefetch probe unavailable: %v", err)
	}

	return h, nil
}

func (h *Handle) seedTargetAndFollow(cfg Config) error {
	if cfg.TargetPID > 0 {
		m, ok := h.tuner.Maps["TARGET_TGIDS"]
		if !ok {
			return fmt.Errorf("tuner object missing TARGET_TGIDS map")
		}
		key := uint32(cfg.TargetPID)
		if err := m.Put(key, uint8(1)); err != nil {
			return fmt.Errorf("seed TARGET_TGIDS: %w", err)
		}
	}

	if m, ok := h.tuner.Maps["CFG_FOLLOW"]; ok {
		var follow uint32
		if cfg.WithDescendants {
			follow = 1
		}
		if err := m.Put(uint32(0), follow); err != nil {
			log.Printf("[warn] set CFG_FOLLOW: %v", err)
		}
	}
	return nil
}

func (h *Handle) pinTargetTGIDs(cfg Config) error {
	m, ok := h.tuner.Maps["TARGET_TGIDS"]
	if !ok {
		return fmt.Errorf("missing TARGET_TGIDS map")
	}
	return m.Pin(cfg.PinDir + "/TARGET_TGIDS")
}

// attachCore attaches sched_waking and sched_switch; either failure is
// fatal, matching spec.md's error-kind taxonomy (ProbeAttach is fatal
// for the two core tracepoints only).
func (h *Handle) attachCore(cfg Config) error {
	waking, err := h.attachTracepoint("sched", "sched_waking", "ev_sched_waking")
	if err != nil {
		return fmt.Errorf("attach sched_waking: %w", err)
	}
	h.links = append(h.links, waking)

	sw, err := h.attachTracepoint("sched", "sched_switch", "tp_switch")
	if err != nil {
		return fmt.Errorf("attach sched_switch: %w", err)
	}
	h.links = append(h.links, sw)

	return nil
}

// attachOptional attaches page-fault, futex (classic and waitv), and
// (if requested) fork/exit tracepoints. Every failure here is logged
// and swallowed: these probes only enrich the signal, they are never
// required for the loop to run.
func (h *Handle) attachOptional(cfg Config) {
	if l, err := h.attachTracepoint("exceptions", "page_fault_user", "tp_pf_user"); err == nil {
		h.links = append(h.links, l)
	} else {
		log.Printf("[warn] %v", &AttachError{"page_fault_user", err})
	}

	if l, err := h.attachTracepoint("syscalls", "sys_enter_futex", "tp_enter_futex"); err == nil {
		h.links = append(h.links, l)
		if l2, err := h.attachTracepoint("syscalls", "sys_exit_futex", "tp_exit_futex"); err == nil {
			h.links = append(h.links, l2)
		}
	} else {
		log.Printf("[warn] %v", &AttachError{"futex", err})
	}

	if l, err := h.attachTracepoint("syscalls", "sys_enter_futex_waitv", "tp_enter_futex_waitv"); err == nil {
		h.links = append(h.links, l)
		if l2, err := h.attachTracepoint("syscalls", "sys_exit_futex_waitv", "tp_exit_futex_waitv"); err == nil {
			h.links = append(h.links, l2)
		}
	} else {
		log.Printf("[warn] %v", &AttachError{"futex_waitv", err})
	}

	if cfg.FollowNew {
		if l, err := h.attachTracepoint("sched", "sched_process_fork", "tp_proc_fork"); err == nil {
			h.links = append(h.links, l)
		} else {
			log.Printf("[warn] %v", &AttachError{"sched_process_fork", err})
		}
		if l, err := h.attachTracepoint("sched", "sched_process_exit", "tp_proc_exit"); err == nil {
			h.links = append(h.links, l)
		} else {
			log.Printf("[warn] %v", &AttachError{"sched_process_exit", err})
		}
	}
}

func (h *Handle) attachTracepoint(category, name, progName string) (link.Link, error) {
	prog, ok := h.tuner.Programs[progName]
	if !ok {
		return nil, fmt.Errorf("program %q not found in tuner collection", progName)
	}
	return link.Tracepoint(category, name, prog, nil)
}

func (h *Handle) openTunerRings() error {
	commMap, ok := h.tuner.Maps["COMM_EVENTS"]
	if !ok {
		return fmt.Errorf("tuner object missing COMM_EVENTS map")
	}
	commReader, err := ringbuf.NewReader(commMap)
	if err != nil {
		return fmt.Errorf("open COMM_EVENTS ringbuf: %w", err)
	}
	h.commReader = commReader

	eventsMap, ok := h.tuner.Maps["EVENTS"]
	if !ok {
		return fmt.Errorf("tuner object missing EVENTS map")
	}
	eventsReader, err := ringbuf.NewReader(eventsMap)
	if err != nil {
		return fmt.Errorf("open EVENTS ringbuf: %w", err)
	}
	h.eventsReader = eventsReader
	return nil
}

func (h *Handle) loadSockops(cfg Config) error {
	if err := NewVerifier(cfg.ExtraAllowedDirs...).VerifyObject(cfg.SockopsObject); err != nil {
		return fmt.Errorf("verify sockops object: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(cfg.SockopsObject)
	if err != nil {
		return fmt.Errorf("load sockops spec: %w", err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return fmt.Errorf("load sockops collection: %w", err)
	}
	h.sockops = coll

	prog, ok := coll.Programs["sockops_prog"]
	if !ok {
		return fmt.Errorf("sockops object missing sockops_prog")
	}
	l, err := link.AttachCgroup(link.CgroupOptions{
		Path:    "/sys/fs/cgroup",
		Attach:  ebpf.AttachCGroupSockOps,
		Program: prog,
	})
	if err != nil {
		return fmt.Errorf("attach sockops to cgroup root: %w", err)
	}
	h.links = append(h.links, l)
	return nil
}

func (h *Handle) loadPrefetch(cfg Config) error {
	if err := NewVerifier(cfg.ExtraAllowedDirs...).VerifyObject(cfg.PrefetchObject); err != nil {
		return fmt.Errorf("verify prefetch object: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(cfg.PrefetchObject)
	if err != nil {
		return fmt.Errorf("load prefetch spec: %w", err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return fmt.Errorf("load prefetch collection: %w", err)
	}
	h.prefetch = coll

	if prog, ok := coll.Programs["on_filemap_fault"]; ok {
		if l, err := link.Tracepoint("filemap", "filemap_fault", prog, nil); err == nil {
			h.links = append(h.links, l)
		} else {
			log.Printf("[warn] attach on_filemap_fault: %v", err)
		}
	}

	m, ok := coll.Maps["PREFETCH_EVENTS"]
	if !ok {
		return fmt.Errorf("prefetch object missing PREFETCH_EVENTS map")
	}
	reader, err := ringbuf.NewReader(m)
	if err != nil {
		return fmt.Errorf("open PREFETCH_EVENTS ringbuf: %w", err)
	}
	h.prefetchReader = reader
	return nil
}

// Poll non-blockingly drains every open ring buffer exactly once.
// Calling it twice per tick is tolerated (each call just finds the
// rings empty the second time).
func (h *Handle) Poll() {
	now := time.Now()
	for _, r := range []*ringbuf.Reader{h.commReader, h.eventsReader, h.prefetchReader} {
		if r != nil {
			r.SetDeadline(now)
		}
	}
	h.drainComm()
	h.drainEvents()
	h.drainPrefetch()
}

func (h *Handle) drainComm() {
	if h.commReader == nil {
		return
	}
	for {
		rec, err := h.commReader.Read()
		if err != nil {
			return
		}
		ev, ok := events.DecodeCommEvent(rec.RawSample)
		if !ok {
			continue
		}
		if ev.IsFutex {
			h.commFutex.Add(1)
		} else {
			h.commWake.Add(1)
		}
	}
}

func (h *Handle) drainEvents() {
	if h.eventsReader == nil {
		return
	}
	for {
		rec, err := h.eventsReader.Read()
		if err != nil {
			return
		}
		if _, ok := events.DecodeTunerEvent(rec.RawSample); ok {
			h.spikes.Add(1)
		}
	}
}

func (h *Handle) drainPrefetch() {
	if h.prefetchReader == nil {
		return
	}
	for {
		rec, err := h.prefetchReader.Read()
		if err != nil {
			return
		}
		ev, ok := events.DecodePrefetchEvent(rec.RawSample)
		if !ok {
			continue
		}
		h.prefetchMu.Lock()
		h.prefetchBuf = append(h.prefetchBuf, ev)
		h.prefetchMu.Unlock()
	}
}

// DrainPrefetchEvents returns and clears the accumulated prefetch
// events since the last call.
func (h *Handle) DrainPrefetchEvents() []model.Event {
	h.prefetchMu.Lock()
	defer h.prefetchMu.Unlock()
	out := h.prefetchBuf
	h.prefetchBuf = nil
	return out
}

// ReadCommWake returns the cumulative wake-event counter.
func (h *Handle) ReadCommWake() uint64 { return h.commWake.Load() }

// ReadCommFutex returns the cumulative futex-event counter.
func (h *Handle) ReadCommFutex() uint64 { return h.commFutex.Load() }

// ReadSpikes returns the cumulative tuner-event counter.
func (h *Handle) ReadSpikes() uint64 { return h.spikes.Load() }

// ReadAndResetAgg sums AGG across every per-CPU shard and writes
// zeroes back in the same call, as close to atomic as the map API
// allows (one lookup, one update — see the open question on partial
// under-count in the presence of concurrent kernel writes).
func (h *Handle) ReadAndResetAgg() Agg {
	m, ok := h.tuner.Maps["AGG"]
	if !ok {
		return Agg{}
	}

	var perCPU []rawAgg
	if err := m.Lookup(uint32(0), &perCPU); err != nil {
		return Agg{}
	}

	var sum Agg
	zeros := make([]rawAgg, len(perCPU))
	for _, v := range perCPU {
		sum.FutexUs += v.FutexUs
		sum.PageFaults += v.PageFaults
	}

	if err := m.Put(uint32(0), zeros); err != nil {
		log.Printf("[warn] reset AGG: %v", err)
	}
	return sum
}

// ReadLLCForPID returns the cumulative LLC-miss counter for tgid, or 0
// if absent.
func (h *Handle) ReadLLCForPID(tgid uint32) uint64 {
	m, ok := h.tuner.Maps["LLC_MISS"]
	if !ok {
		return 0
	}
	var v uint64
	if err := m.Lookup(tgid, &v); err != nil {
		return 0
	}
	return v
}

// ReadIOPatternForPID returns (seq_count, rnd_count) for tgid, or
// (0, 0) if absent.
func (h *Handle) ReadIOPatternForPID(tgid uint32) (seq, rnd uint64) {
	m, ok := h.tuner.Maps["IO_PAT"]
	if !ok {
		return 0, 0
	}
	var raw [3]uint64
	if err := m.Lookup(tgid, &raw); err != nil {
		return 0, 0
	}
	return raw[1], raw[2]
}

// TargetTGIDsFD returns the raw fd of the TARGET_TGIDS map, or -1 if
// the loaded tuner collection has no such map.
func (h *Handle) TargetTGIDsFD() int {
	m, ok := h.tuner.Maps["TARGET_TGIDS"]
	if !ok {
		return -1
	}
	return m.FD()
}

// Close releases every link, reader, and collection. Safe to call on
// a partially-initialized Handle.
func (h *Handle) Close() {
	for _, l := range h.links {
		if l != nil {
			l.Close()
		}
	}
	if h.commReader != nil {
		h.commReader.Close()
	}
	if h.eventsReader != nil {
		h.eventsReader.Close()
	}
	if h.prefetchReader != nil {
		h.prefetchReader.Close()
	}
	if h.tuner != nil {
		h.tuner.Close()
	}
	if h.sockops != nil {
		h.sockops.Close()
	}
	if h.prefetch != nil {
		h.prefetch.Close()
	}
}
