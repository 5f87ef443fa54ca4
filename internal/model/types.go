// Package model defines the data types shared across the tuner: the
// per-tick Snapshot fused by the snapshot builder, the Event variants
// decoded from probe ring buffers, and the Action variants applied by
// the applier. All types are JSON-tagged so a Snapshot/Action can be
// written straight into the tick log.
package model

// Psi holds one pressure-stall-information record (cpu or memory),
// either system-wide or scoped to the target cgroup.
type Psi struct {
	SomeAvg10   float64 `json:"some_avg10"`
	SomeAvg60   float64 `json:"some_avg60"`
	SomeAvg300  float64 `json:"some_avg300"`
	SomeTotalUs uint64  `json:"some_total_us"`
	FullAvg10   float64 `json:"full_avg10"`
	FullAvg60   float64 `json:"full_avg60"`
	FullAvg300  float64 `json:"full_avg300"`
	FullTotalUs uint64  `json:"full_total_us"`
	Scope       string  `json:"scope"` // "system" or "cgroup"
}

// Config bundles the thresholds carried on every Snapshot.
type Config struct {
	LLCSpreadThreshold   float64 `json:"llc_spread_threshold"`
	RunqCompactCutoff    float64 `json:"runq_compact_cutoff"`
	RunqCompactCutoffHi  float64 `json:"runq_compact_cutoff_high"`
	MinSwitchIntervalMs  uint64  `json:"min_switch_interval_ms"`
}

// DefaultConfig mirrors the thresholds the reference policy ships with.
func DefaultConfig() Config {
	return Config{
		LLCSpreadThreshold:  1000.0,
		RunqCompactCutoff:   0.3,
		RunqCompactCutoffHi: 0.7,
		MinSwitchIntervalMs: 1200,
	}
}

// IOSnapshot describes the target's primary block device and its
// access-pattern ratio.
type IOSnapshot struct {
	Device          string  `json:"device_name"`
	SequentialRatio float64 `json:"sequential_ratio"`
}

// Snapshot is the immutable per-tick fused metrics record.
type Snapshot struct {
	TargetPID           int         `json:"target_pid"`
	Threads             int         `json:"threads"`
	RunqEwmaUsMean      float64     `json:"runq_ewma_us_mean"`
	FutexEwmaUsMean     float64     `json:"futex_ewma_us_mean"`
	PageFaultsSum       uint64      `json:"page_faults_sum"`
	LLCDeltaPerThread   float64     `json:"llc_delta_per_thread"`
	IO                  *IOSnapshot `json:"io,omitempty"`
	TotalCPUs           int         `json:"total_cpus"`
	CommWake            uint64      `json:"comm_wake"`
	CommFutex           uint64      `json:"comm_futex"`
	Spikes              uint64      `json:"spikes"`
	Config              Config      `json:"config"`
	PSI                 *Psi        `json:"psi,omitempty"`
	PSIMem              *Psi        `json:"psi_mem,omitempty"`
}

// EventKind tags the variant carried by an Event.
type EventKind string

const (
	EventPrefetchFault EventKind = "prefetch_fault"
	EventFutexSpike    EventKind = "futex_spike"
)

// Event is the tagged union of things the probe layer can report
// in-between snapshots.
type Event struct {
	Kind EventKind `json:"kind"`

	// PrefetchFault fields.
	TGID  uint32 `json:"tgid,omitempty"`
	Dev   uint64 `json:"dev,omitempty"`
	Ino   uint64 `json:"ino,omitempty"`
	PgOff uint64 `json:"pgoff,omitempty"`
	TSNs  uint64 `json:"ts_ns,omitempty"`

	// FutexSpike field.
	Us uint64 `json:"us,omitempty"`
}

// ActionKind tags the variant carried by an Action.
type ActionKind string

const (
	ActionSetCpuset          ActionKind = "set_cpuset"
	ActionSetCpuWeight       ActionKind = "set_cpu_weight"
	ActionSetNice            ActionKind = "set_nice"
	ActionSetIOPriority      ActionKind = "set_io_priority"
	ActionSetSchedBatch      ActionKind = "set_sched_batch"
	ActionCompactWithinNUMA  ActionKind = "compact_within_numa"
	ActionSpreadAcrossNUMA   ActionKind = "spread_across_numa"
	ActionPrefetch           ActionKind = "prefetch"
)

// IOPrioClass names the three ioprio_set classes.
type IOPrioClass string

const (
	IOPrioRT   IOPrioClass = "RT"
	IOPrioBE   IOPrioClass = "BE"
	IOPrioIdle IOPrioClass = "IDLE"
)

// PrefetchBackend names the two ways a prefetch range can be issued.
type PrefetchBackend string

const (
	PrefetchFadvise   PrefetchBackend = "fadvise"
	PrefetchReadahead PrefetchBackend = "readahead"
)

// PrefetchRange is one (offset, length) advisory window.
type PrefetchRange struct {
	Offset uint64 `json:"offset"`
	Len    uint64 `json:"len"`
}

// Action is the tagged union of resource-control actions. Only the
// fields relevant to Kind are populated; the rest are zero/omitted.
type Action struct {
	Kind ActionKind `json:"kind"`

	// SetCpuset
	Cgroup string `json:"cgroup,omitempty"`
	CPUs   []int  `json:"cpus,omitempty"`

	// SetCpuWeight
	Weight int `json:"weight,omitempty"`

	// SetNice
	Nice int `json:"nice,omitempty"`

	// SetIoPriority
	IOClass IOPrioClass `json:"io_class,omitempty"`
	IOPrio  int         `json:"io_prio,omitempty"`

	// SetSchedBatch
	SchedBatch bool `json:"sched_batch,omitempty"`

	// CompactWithinNUMA (Node nil means "pick dominant node for target")
	Node *int `json:"node,omitempty"`

	// SpreadAcrossNUMA
	Width int `json:"width,omitempty"`

	// Prefetch
	PrefetchTGID    uint32          `json:"prefetch_tgid,omitempty"`
	PrefetchDev     uint64          `json:"prefetch_dev,omitempty"`
	PrefetchIno     uint64          `json:"prefetch_ino,omitempty"`
	PrefetchRanges  []PrefetchRange `json:"prefetch_ranges,omitempty"`
	PrefetchBackend PrefetchBackend `json:"prefetch_backend,omitempty"`
}

// TickLogRecord is the one structured line the orchestrator emits per
// tick (spec.md 4.K step 7): enough to reconstruct what the agent saw,
// decided, and was allowed to do, without re-deriving it from raw
// /proc reads.
type TickLogRecord struct {
	TSMs        int64    `json:"ts_ms"`
	Strategy    string   `json:"strategy"`
	GateReason  string   `json:"gate_reason"`
	Snapshot    Snapshot `json:"snapshot"`
	ActionKeys  []string `json:"action_keys"`
	DryRun      bool     `json:"dry_run,omitempty"`
}

// OverheadLogRecord is the single line the orchestrator emits at
// shutdown summarizing its own resource consumption.
type OverheadLogRecord struct {
	TSMs            int64 `json:"ts_ms"`
	SelfPID         int   `json:"self_pid"`
	CPUUserMs       int64 `json:"cpu_user_ms"`
	CPUSystemMs     int64 `json:"cpu_system_ms"`
	MemoryRSSBytes  int64 `json:"memory_rss_bytes"`
	DiskReadBytes   int64 `json:"disk_read_bytes"`
	DiskWriteBytes  int64 `json:"disk_write_bytes"`
	ContextSwitches int64 `json:"context_switches"`
}
