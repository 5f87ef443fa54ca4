// Package snapshot fuses kernel-probe aggregates with /proc and PSI
// readings into one per-tick model.Snapshot, carrying the cross-tick
// EWMA and schedstat state needed to compute deltas.
package snapshot

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/workload-tuner/tuner/internal/model"
	"github.com/workload-tuner/tuner/internal/probe"
	"github.com/workload-tuner/tuner/internal/topology"
)

// AggSource is the probe-side dependency: reading and resetting the
// kernel-aggregated futex/page-fault counters, and per-tgid LLC/IO
// pattern lookups. internal/probe.Handle satisfies this.
type AggSource interface {
	ReadAndResetAgg() probe.Agg
	ReadLLCForPID(tgid uint32) uint64
	ReadIOPatternForPID(tgid uint32) (seq, rnd uint64)
	ReadCommWake() uint64
	ReadCommFutex() uint64
	ReadSpikes() uint64
}

// Builder owns every piece of cross-tick memoized state: the previous
// per-thread run-queue time from schedstat, the previous per-thread minor-fault
// count, the EWMA accumulators, and the config thresholds carried on
// every Snapshot. It is called from at most one tick at a time and
// must never be shared across goroutines — spec.md §9 explicitly
// calls out avoiding a process-wide mutable singleton here.
type Builder struct {
	procRoot string
	sysRoot  string
	cgroup   string // resolved cgroup v2 path, "" if unknown

	prevRunqNs   map[int]uint64
	prevMinFault map[int]uint64

	runqEwma  float64
	futexEwma float64

	cfg model.Config
}

// NewBuilder returns a Builder rooted at procRoot/sysRoot (normally
// "/proc" and "/sys"; tests pass temp directories).
func NewBuilder(procRoot, sysRoot, cgroup string, cfg model.Config) *Builder {
	return &Builder{
		procRoot:     procRoot,
		sysRoot:      sysRoot,
		cgroup:       cgroup,
		prevRunqNs:   map[int]uint64{},
		prevMinFault: map[int]uint64{},
		cfg:          cfg,
	}
}

// Build produces one Snapshot for the target tgid, per spec.md §4.D's
// eight steps.
func (b *Builder) Build(tgid int, agg AggSource) model.Snapshot {
	threads := b.listThreads(tgid)

	deltaRunqUs, minFaultSum := b.scanThreads(tgid, threads)

	n := len(threads)
	divisor := float64(n)
	if divisor < 1 {
		divisor = 1
	}

	b.runqEwma = 0.6*b.runqEwma + 0.4*(deltaRunqUs/divisor)

	kagg := agg.ReadAndResetAgg()
	_ = kagg.PageFaults // kernel-side bookkeeping; minor faults come from /proc/<tid>/stat instead
	b.futexEwma = 0.7*b.futexEwma + 0.3*float64(kagg.FutexUs)
	futexEwmaMean := b.futexEwma / divisor

	llc := agg.ReadLLCForPID(uint32(tgid))
	llcPerThread := float64(llc) / divisor

	io := b.detectIO(tgid, agg)

	psiCPU := b.readPSI("cpu")
	psiMem := b.readPSI("memory")

	totalCPUs := topology.OnlineCPUCount(b.sysRoot)

	return model.Snapshot{
		TargetPID:         tgid,
		Threads:           n,
		RunqEwmaUsMean:    b.runqEwma,
		FutexEwmaUsMean:   futexEwmaMean,
		PageFaultsSum:     minFaultSum,
		LLCDeltaPerThread: llcPerThread,
		IO:                io,
		TotalCPUs:         totalCPUs,
		CommWake:          agg.ReadCommWake(),
		CommFutex:         agg.ReadCommFutex(),
		Spikes:            agg.ReadSpikes(),
		Config:            b.cfg,
		PSI:               psiCPU,
		PSIMem:            psiMem,
	}
}

// listThreads enumerates thread ids under /proc/<tgid>/task.
func (b *Builder) listThreads(tgid int) []int {
	entries, err := os.ReadDir(filepath.Join(b.procRoot, strconv.Itoa(tgid), "task"))
	if err != nil {
		return nil
	}
	var out []int
	for _, e := range entries {
		if tid, err := strconv.Atoi(e.Name()); err == nil {
			out = append(out, tid)
		}
	}
	return out
}

// scanThreads reads per-thread schedstat and stat[9] (minor faults),
// returning the summed positive run-queue delta (µs) across threads
// and the cumulative minor-fault sum.
func (b *Builder) scanThreads(tgid int, threads []int) (deltaRunqUs float64, minFaultSum uint64) {
	for _, tid := range threads {
		runNs, runqNs, ok := b.readSchedstat(tgid, tid)
		if ok {
			prev := b.prevRunqNs[tid]
			if runqNs > prev {
				deltaRunqUs += float64(runqNs-prev) / 1000.0
			}
			b.prevRunqNs[tid] = runqNs
			_ = runNs
		}

		if mf, ok := b.readMinFlt(tgid, tid); ok {
			minFaultSum += mf
			b.prevMinFault[tid] = mf
		} else {
			minFaultSum += b.prevMinFault[tid]
		}
	}
	return deltaRunqUs, minFaultSum
}

// readSchedstat parses /proc/<tgid>/task/<tid>/schedstat: three
// space-separated fields, run_ns, runq_ns, and a count we don't use.
func (b *Builder) readSchedstat(tgid, tid int) (runNs, runqNs uint64, ok bool) {
	data, err := os.ReadFile(filepath.Join(b.procRoot, strconv.Itoa(tgid), "task", strconv.Itoa(tid), "schedstat"))
	if err != nil {
		return 0, 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, 0, false
	}
	run, err1 := strconv.ParseUint(fields[0], 10, 64)
	runq, err2 := strconv.ParseUint(fields[1], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return run, runq, true
}

// readMinFlt parses field 9 (0-indexed) of /proc/<tgid>/task/<tid>/stat,
// the minor-fault counter. The comm field may itself contain spaces
// and parentheses, so fields are located relative to the closing ')'.
func (b *Builder) readMinFlt(tgid, tid int) (uint64, bool) {
	data, err := os.ReadFile(filepath.Join(b.procRoot, strconv.Itoa(tgid), "task", strconv.Itoa(tid), "stat"))
	if err != nil {
		return 0, false
	}
	s := string(data)
	close := strings.LastIndexByte(s, ')')
	if close < 0 || close+2 >= len(s) {
		return 0, false
	}
	fields := strings.Fields(s[close+2:])
	// stat[9] overall is minflt; fields here start at state (index 2
	// overall), so minflt is at local index 9-2=7.
	const minfltLocalIdx = 7
	if len(fields) <= minfltLocalIdx {
		return 0, false
	}
	v, err := strconv.ParseUint(fields[minfltLocalIdx], 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// detectIO finds the target's primary block device via the first
// /proc/<pid>/fd/* entry whose target resolves to a block device, then
// reads the sequential/random access counters for that tgid.
func (b *Builder) detectIO(tgid int, agg AggSource) *model.IOSnapshot {
	fdDir := filepath.Join(b.procRoot, strconv.Itoa(tgid), "fd")
	entries, err := os.ReadDir(fdDir)
	if err != nil {
		return nil
	}

	var device string
	for _, e := range entries {
		target, err := os.Readlink(filepath.Join(fdDir, e.Name()))
		if err != nil {
			continue
		}
		maj, min, ok := blockDeviceOf(target)
		if !ok {
			continue
		}
		name, err := os.Readlink(filepath.Join(b.sysRoot, "dev/block", strconv.Itoa(maj)+":"+strconv.Itoa(min)))
		if err != nil {
			continue
		}
		device = filepath.Base(name)
		break
	}
	if device == "" {
		return nil
	}

	seq, rnd := agg.ReadIOPatternForPID(uint32(tgid))
	var ratio float64
	if seq+rnd > 0 {
		ratio = float64(seq) / float64(seq+rnd)
	}
	return &model.IOSnapshot{Device: device, SequentialRatio: ratio}
}

// blockDeviceOf stats an fd target and returns its major:minor when it
// is a block device node with a nonzero rdev. Tests exercise detectIO
// by stubbing the fd symlink target as "blockdev:<maj>:<min>", which is
// parsed directly without a stat.
func blockDeviceOf(fdTarget string) (maj, min int, ok bool) {
	rest, found := strings.CutPrefix(fdTarget, "blockdev:")
	if !found {
		var st unix.Stat_t
		if err := unix.Stat(fdTarget, &st); err != nil || st.Mode&unix.S_IFMT != unix.S_IFBLK || st.Rdev == 0 {
			return 0, 0, false
		}
		return int(unix.Major(uint64(st.Rdev))), int(unix.Minor(uint64(st.Rdev))), true
	}
	a, c, found := strings.Cut(rest, ":")
	if !found {
		return 0, 0, false
	}
	maj, err1 := strconv.Atoi(a)
	min, err2 := strconv.Atoi(c)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return maj, min, true
}

// readPSI reads the cgroup-scoped PSI file for kind ("cpu" or
// "memory") if a cgroup path is known and the file exists, else falls
// back to the system-wide file under /proc/pressure.
func (b *Builder) readPSI(kind string) *model.Psi {
	if b.cgroup != "" {
		path := filepath.Join(b.cgroup, kind+".pressure")
		if psi, ok := parsePSIFile(path); ok {
			psi.Scope = "cgroup"
			return psi
		}
	}
	path := filepath.Join(b.procRoot, "pressure", kind)
	if psi, ok := parsePSIFile(path); ok {
		psi.Scope = "system"
		return psi
	}
	return nil
}

func parsePSIFile(path string) (*model.Psi, bool) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	psi := &model.Psi{}
	found := false

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		prefix := fields[0]
		if prefix != "some" && prefix != "full" {
			continue
		}
		found = true
		for _, field := range fields[1:] {
			k, v, ok := strings.Cut(field, "=")
			if !ok {
				continue
			}
			switch {
			case prefix == "some" && k == "avg10":
				psi.SomeAvg10, _ = strconv.ParseFloat(v, 64)
			case prefix == "some" && k == "avg60":
				psi.SomeAvg60, _ = strconv.ParseFloat(v, 64)
			case prefix == "some" && k == "avg300":
				psi.SomeAvg300, _ = strconv.ParseFloat(v, 64)
			case prefix == "some" && k == "total":
				psi.SomeTotalUs, _ = strconv.ParseUint(v, 10, 64)
			case prefix == "full" && k == "avg10":
				psi.FullAvg10, _ = strconv.ParseFloat(v, 64)
			case prefix == "full" && k == "avg60":
				psi.FullAvg60, _ = strconv.ParseFloat(v, 64)
			case prefix == "full" && k == "avg300":
				psi.FullAvg300, _ = strconv.ParseFloat(v, 64)
			case prefix == "full" && k == "total":
				psi.FullTotalUs, _ = strconv.ParseUint(v, 10, 64)
			}
		}
	}

	if !found {
		return nil, false
	}
	return psi, true
}
