// Package applier writes the concrete effects of an Action: cgroup v2
// control files, per-task scheduling syscalls, and prefetch advisories.
// Every write is best-effort: permission failures are logged and
// swallowed rather than aborting the tick, per spec.md §7's
// Apply-PermissionDenied/Apply-Other error kinds.
package applier

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/workload-tuner/tuner/internal/model"
	"github.com/workload-tuner/tuner/internal/topology"
)

const defaultCgroupRoot = "/sys/fs/cgroup"

const (
	ioprioClassRT   = 1
	ioprioClassBE   = 2
	ioprioClassIdle = 3
)

type prefetchKey struct {
	tgid uint32
	dev  uint64
	ino  uint64
}

// Applier resolves a target's cgroup v2 path and applies actions
// against it, falling back to per-task syscalls when cgroup writes are
// denied.
type Applier struct {
	procRoot   string
	cgroupRoot string
	topo       topology.Topology
	dryRun     bool
	noCpuset   bool

	mu      sync.Mutex
	fdCache map[prefetchKey]*os.File
}

// Config bundles the applier's construction-time options.
type Config struct {
	ProcRoot   string
	CgroupRoot string
	Topology   topology.Topology
	DryRun     bool
	NoCpuset   bool // when true, SetCpuset/plan actions are skipped entirely
}

// New returns an Applier reading procRoot and writing under cgroupRoot.
func New(cfg Config) *Applier {
	procRoot := cfg.ProcRoot
	if procRoot == "" {
		procRoot = "/proc"
	}
	cgroupRoot := cfg.CgroupRoot
	if cgroupRoot == "" {
		cgroupRoot = defaultCgroupRoot
	}
	return &Applier{
		procRoot:   procRoot,
		cgroupRoot: cgroupRoot,
		topo:       cfg.Topology,
		dryRun:     cfg.DryRun,
		noCpuset:   cfg.NoCpuset,
		fdCache:    map[prefetchKey]*os.File{},
	}
}

// Close releases cached prefetch file descriptors. Per spec.md §5, this
// happens once at process exit, not per-tick.
func (a *Applier) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, f := range a.fdCache {
		f.Close()
		delete(a.fdCache, k)
	}
}

// Apply resolves the default cgroup for targetPID and applies every
// action in order, logging but never returning an error: only startup
// errors (probe load/attach) propagate to the process exit status.
func (a *Applier) Apply(actions []model.Action, targetPID int) {
	defaultCg, err := a.resolveCgroup(targetPID)
	if err != nil {
		log.Printf("[warn] resolve cgroup for pid %d: %v", targetPID, err)
	}

	for _, act := range actions {
		cg := act.Cgroup
		if cg == "" {
			cg = defaultCg
		}
		a.applyOne(act, cg, targetPID)
	}
}

func (a *Applier) applyOne(act model.Action, cg string, targetPID int) {
	if a.dryRun {
		log.Printf("[dry-run] would apply %s cgroup=%q", act.Kind, cg)
		return
	}

	switch act.Kind {
	case model.ActionSetCpuset:
		if a.noCpuset {
			return
		}
		a.applyCpuset(act, cg)
	case model.ActionSetCpuWeight:
		a.applyCpuWeight(act, cg)
	case model.ActionSetNice:
		a.applyNice(act, cg)
	case model.ActionSetIOPriority:
		a.applyIOPriority(act, cg)
	case model.ActionSetSchedBatch:
		a.applySchedBatch(act, cg)
	case model.ActionPrefetch:
		a.applyPrefetch(act, targetPID)
	default:
		log.Printf("[warn] applier: unhandled action kind %q", act.Kind)
	}
}

// resolveCgroup reads /proc/<pid>/cgroup, extracts the path after the
// second colon of the (unified, v2) line, and prepends cgroupRoot.
func (a *Applier) resolveCgroup(pid int) (string, error) {
	path := filepath.Join(a.procRoot, strconv.Itoa(pid), "cgroup")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		return filepath.Join(a.cgroupRoot, parts[2]), nil
	}
	return "", fmt.Errorf("no cgroup line found in %s", path)
}

func (a *Applier) applyCpuset(act model.Action, cg string) {
	cpusFile := filepath.Join(cg, "cpuset.cpus")
	list := topology.FormatCPUList(act.CPUs)
	if err := writeFile(cpusFile, list); err != nil {
		if os.IsPermission(err) {
			a.fallbackAffinity(cg, act.CPUs)
			return
		}
		log.Printf("[warn] write %s: %v", cpusFile, err)
		return
	}

	memsFile := filepath.Join(cg, "cpuset.mems")
	if _, err := os.Stat(memsFile); err == nil {
		mems := a.nodesForCPUs(act.CPUs)
		if len(mems) > 0 {
			if err := writeFile(memsFile, topology.FormatCPUList(mems)); err != nil {
				log.Printf("[warn] write %s: %v", memsFile, err)
			}
		}
	}
}

// nodesForCPUs inverts the topology to find which NUMA nodes the given
// CPUs belong to.
func (a *Applier) nodesForCPUs(cpus []int) []int {
	want := map[int]bool{}
	for _, c := range cpus {
		want[c] = true
	}
	seen := map[int]bool{}
	var nodes []int
	for node, nodeCPUs := range a.topo {
		for _, c := range nodeCPUs {
			if want[c] && !seen[node] {
				nodes = append(nodes, node)
				seen[node] = true
				break
			}
		}
	}
	return nodes
}

// fallbackAffinity is used when a direct cpuset.cpus write is denied:
// it reads cgroup.procs and sets each task's CPU affinity mask
// individually.
func (a *Applier) fallbackAffinity(cg string, cpus []int) {
	pids, err := readCgroupProcs(cg)
	if err != nil {
		log.Printf("[warn] cpuset fallback: read cgroup.procs: %v", err)
		return
	}
	var mask unix.CPUSet
	for _, c := range cpus {
		mask.Set(c)
	}
	for _, pid := range pids {
		if err := unix.SchedSetaffinity(pid, &mask); err != nil {
			log.Printf("[warn] cpuset fallback: setaffinity pid=%d: %v", pid, err)
		}
	}
}

func (a *Applier) applyCpuWeight(act model.Action, cg string) {
	w := act.Weight
	if w < 1 {
		w = 1
	}
	if w > 10000 {
		w = 10000
	}
	path := filepath.Join(cg, "cpu.weight")
	if err := writeFile(path, strconv.Itoa(w)); err != nil {
		log.Printf("[warn] write %s: %v", path, err)
	}
}

func (a *Applier) applyNice(act model.Action, cg string) {
	nice := act.Nice
	if nice < -20 {
		nice = -20
	}
	if nice > 19 {
		nice = 19
	}
	pids, err := readCgroupProcs(cg)
	if err != nil {
		log.Printf("[warn] set nice: read cgroup.procs: %v", err)
		return
	}
	for _, pid := range pids {
		if err := unix.Setpriority(unix.PRIO_PROCESS, pid, nice); err != nil {
			log.Printf("[warn] setpriority pid=%d: %v", pid, err)
		}
	}
}

func (a *Applier) applyIOPriority(act model.Action, cg string) {
	class := ioprioClass(act.IOClass)
	prio := act.IOPrio & 0x7
	value := (class&0x3)<<13 | prio

	pids, err := readCgroupProcs(cg)
	if err != nil {
		log.Printf("[warn] set io priority: read cgroup.procs: %v", err)
		return
	}
	for _, pid := range pids {
		// IOPRIO_WHO_PROCESS=1; no wrapper exists in x/sys/unix, so the
		// raw syscall number is used directly.
		if _, _, errno := unix.Syscall(unix.SYS_IOPRIO_SET, 1, uintptr(pid), uintptr(value)); errno != 0 {
			log.Printf("[warn] ioprio_set pid=%d: %v", pid, errno)
		}
	}
}

func ioprioClass(c model.IOPrioClass) int {
	switch c {
	case model.IOPrioRT:
		return ioprioClassRT
	case model.IOPrioIdle:
		return ioprioClassIdle
	default:
		return ioprioClassBE
	}
}

func (a *Applier) applySchedBatch(act model.Action, cg string) {
	policy := unix.SCHED_OTHER
	if act.SchedBatch {
		policy = unix.SCHED_BATCH
	}
	pids, err := readCgroupProcs(cg)
	if err != nil {
		log.Printf("[warn] set sched class: read cgroup.procs: %v", err)
		return
	}
	param := schedParam{priority: 0}
	for _, pid := range pids {
		if _, _, errno := unix.Syscall(unix.SYS_SCHED_SETSCHEDULER, uintptr(pid), uintptr(policy), uintptr(unsafe.Pointer(&param))); errno != 0 {
			log.Printf("[warn] sched_setscheduler pid=%d: %v", pid, errno)
		}
	}
}

// schedParam mirrors struct sched_param's single int field; Linux
// reads only sizeof(int) bytes for SCHED_OTHER/SCHED_BATCH.
type schedParam struct {
	priority int32
}

func (a *Applier) applyPrefetch(act model.Action, targetPID int) {
	key := prefetchKey{tgid: act.PrefetchTGID, dev: act.PrefetchDev, ino: act.PrefetchIno}

	f := a.cachedFD(key)
	if f == nil {
		tgid := int(act.PrefetchTGID)
		if tgid == 0 {
			tgid = targetPID
		}
		path, err := resolveMapping(a.procRoot, tgid, act.PrefetchDev, act.PrefetchIno)
		if err != nil {
			log.Printf("[warn] prefetch: resolve mapping tgid=%d: %v", tgid, err)
			return
		}
		opened, err := os.Open(path)
		if err != nil {
			log.Printf("[warn] prefetch: open %s: %v", path, err)
			return
		}
		a.mu.Lock()
		a.fdCache[key] = opened
		a.mu.Unlock()
		f = opened
	}

	for _, r := range act.PrefetchRanges {
		switch act.PrefetchBackend {
		case model.PrefetchReadahead:
			if _, _, errno := unix.Syscall(unix.SYS_READAHEAD, f.Fd(), uintptr(r.Offset), uintptr(r.Len)); errno != 0 {
				log.Printf("[warn] readahead: %v", errno)
			}
		default:
			if err := unix.Fadvise(int(f.Fd()), int64(r.Offset), int64(r.Len), unix.FADV_WILLNEED); err != nil {
				log.Printf("[warn] fadvise: %v", err)
			}
		}
	}
}

func (a *Applier) cachedFD(key prefetchKey) *os.File {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fdCache[key]
}

// resolveMapping scans /proc/<tgid>/maps for a line whose dev:ino
// matches (dev, ino) and returns the mapped file's path.
func resolveMapping(procRoot string, tgid int, dev, ino uint64) (string, error) {
	path := filepath.Join(procRoot, strconv.Itoa(tgid), "maps")
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	maj, min := devMajorMinor(dev)
	wantDev := fmt.Sprintf("%02x:%02x", maj, min)
	wantIno := strconv.FormatUint(ino, 10)

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 6 {
			continue
		}
		if fields[3] == wantDev && fields[4] == wantIno {
			return fields[5], nil
		}
	}
	return "", fmt.Errorf("no mapping for dev=%s ino=%s in %s", wantDev, wantIno, path)
}

// devMajorMinor extracts (major, minor) from a dev_t using glibc's
// gnu_dev_major/gnu_dev_minor bit layout.
func devMajorMinor(dev uint64) (maj, min uint32) {
	maj = uint32((dev>>8)&0xfff) | uint32((dev>>32)&0xfffff000)
	min = uint32(dev&0xff) | uint32((dev>>12)&0xffffff00)
	return maj, min
}

func readCgroupProcs(cg string) ([]int, error) {
	data, err := os.ReadFile(filepath.Join(cg, "cgroup.procs"))
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
