package observer

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// OverheadSummary captures the tuner's own resource consumption over
// its run, logged once at shutdown alongside the final tick.
type OverheadSummary struct {
	SelfPID         int   `json:"self_pid"`
	CPUUserMs       int64 `json:"cpu_user_ms"`
	CPUSystemMs     int64 `json:"cpu_system_ms"`
	MemoryRSSBytes  int64 `json:"memory_rss_bytes"`
	DiskReadBytes   int64 `json:"disk_read_bytes"`
	DiskWriteBytes  int64 `json:"disk_write_bytes"`
	ContextSwitches int64 `json:"context_switches"`
}

// procSnapshot holds raw values from /proc/[pid]/stat and /proc/[pid]/io.
type procSnapshot struct {
	utime          uint64 // in clock ticks
	stime          uint64
	rss            int64 // in pages
	voluntaryCtxSw int64
	nonvolCtxSw    int64
	readBytes      int64
	writeBytes     int64
}

// SnapshotAfter reads the tuner's current resource usage and computes
// the delta since SnapshotBefore. Call once at shutdown.
func (t *SelfTracker) SnapshotAfter() OverheadSummary {
	t.mu.RLock()
	before := t.before
	t.mu.RUnlock()

	summary := OverheadSummary{SelfPID: t.selfPID}
	if before == nil {
		return summary
	}

	now := readProcSnapshot(t.selfPID)
	summary.CPUUserMs = ticksToMs(now.utime - before.utime)
	summary.CPUSystemMs = ticksToMs(now.stime - before.stime)
	summary.MemoryRSSBytes = now.rss * 4096
	summary.ContextSwitches = (now.voluntaryCtxSw - before.voluntaryCtxSw) +
		(now.nonvolCtxSw - before.nonvolCtxSw)
	summary.DiskReadBytes = now.readBytes - before.readBytes
	summary.DiskWriteBytes = now.writeBytes - before.writeBytes

	return summary
}

// ticksToMs converts clock ticks (typically 100 Hz) to milliseconds.
func ticksToMs(ticks uint64) int64 {
	// SC_CLK_TCK is 100 on virtually all Linux systems
	return int64(ticks) * 10
}

// readProcSnapshot reads /proc/[pid]/stat and /proc/[pid]/io for the given PID.
// Returns zero values if the process no longer exists (race-safe).
func readProcSnapshot(pid int) procSnapshot {
	var snap procSnapshot

	// Read /proc/[pid]/stat
	statData, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return snap
	}
	snap = parseProcStat(string(statData))

	// Read /proc/[pid]/io (may require same-user or root)
	ioData, err := os.ReadFile(fmt.Sprintf("/proc/%d/io", pid))
	if err != nil {
		return snap // stat data is still useful
	}
	snap.readBytes, snap.writeBytes = parseProcIO(string(ioData))

	// Read /proc/[pid]/status for context switches
	statusData, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return snap
	}
	snap.voluntaryCtxSw, snap.nonvolCtxSw = parseProcStatus(string(statusData))

	return snap
}

// parseProcStat extracts utime, stime, rss from /proc/[pid]/stat content.
func parseProcStat(content string) procSnapshot {
	var snap procSnapshot

	// Find end of comm field: last ")" in the line
	commEnd := strings.LastIndex(content, ")")
	if commEnd < 0 || commEnd+2 >= len(content) {
		return snap
	}

	fields := strings.Fields(content[commEnd+2:])
	// fields[0]=state, fields[11]=utime, fields[12]=stime, fields[21]=rss
	if len(fields) > 12 {
		snap.utime, _ = strconv.ParseUint(fields[11], 10, 64)
		snap.stime, _ = strconv.ParseUint(fields[12], 10, 64)
	}
	if len(fields) > 21 {
		snap.rss, _ = strconv.ParseInt(fields[21], 10, 64)
	}

	return snap
}

// parseProcIO extracts read_bytes and write_bytes from /proc/[pid]/io.
func parseProcIO(content string) (readBytes, writeBytes int64) {
	for _, line := range strings.Split(content, "\n") {
		fields := strings.SplitN(line, ": ", 2)
		if len(fields) != 2 {
			continue
		}
		val, _ := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
		switch fields[0] {
		case "read_bytes":
			readBytes = val
		case "write_bytes":
			writeBytes = val
		}
	}
	return
}

// parseProcStatus extracts voluntary/nonvoluntary context switches from /proc/[pid]/status.
func parseProcStatus(content string) (voluntary, nonvoluntary int64) {
	for _, line := range strings.Split(content, "\n") {
		fields := strings.SplitN(line, ":\t", 2)
		if len(fields) != 2 {
			continue
		}
		val, _ := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
		switch fields[0] {
		case "voluntary_ctxt_switches":
			voluntary = val
		case "nonvoluntary_ctxt_switches":
			nonvoluntary = val
		}
	}
	return
}
