// Package topology enumerates NUMA nodes and their CPU lists, finds a
// process's dominant node, and picks concrete CPU sets for the
// compact/spread NUMA plans the policy emits.
package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Topology maps a NUMA node id to its ordered, deduplicated CPU list.
type Topology map[int][]int

// Discover reads /sys/devices/system/node/node*/cpulist into a
// node->cpus map, falling back to /sys/devices/system/cpu/online
// under node 0 if no NUMA nodes are visible.
func Discover(sysRoot string) (Topology, error) {
	topo := Topology{}

	nodeRoot := filepath.Join(sysRoot, "devices/system/node")
	entries, err := os.ReadDir(nodeRoot)
	if err == nil {
		for _, e := range entries {
			name := e.Name()
			if !strings.HasPrefix(name, "node") {
				continue
			}
			idx, err := strconv.Atoi(name[4:])
			if err != nil {
				continue
			}
			data, err := os.ReadFile(filepath.Join(nodeRoot, name, "cpulist"))
			if err != nil {
				continue
			}
			topo[idx] = ParseCPUList(string(data))
		}
	}

	if len(topo) == 0 {
		data, err := os.ReadFile(filepath.Join(sysRoot, "devices/system/cpu/online"))
		if err == nil {
			topo[0] = ParseCPUList(string(data))
		}
	}

	return topo, nil
}

// ParseCPUList parses a cpulist string ("0-3,8") into a sorted,
// deduplicated slice of CPU ids.
func ParseCPUList(s string) []int {
	var out []int
	for _, part := range strings.Split(strings.TrimSpace(s), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if a, b, ok := strings.Cut(part, "-"); ok {
			lo, err1 := strconv.Atoi(strings.TrimSpace(a))
			hi, err2 := strconv.Atoi(strings.TrimSpace(b))
			if err1 != nil || err2 != nil {
				continue
			}
			if lo > hi {
				lo, hi = hi, lo
			}
			for x := lo; x <= hi; x++ {
				out = append(out, x)
			}
		} else if v, err := strconv.Atoi(part); err == nil {
			out = append(out, v)
		}
	}
	sort.Ints(out)
	out = dedupInts(out)
	return out
}

// FormatCPUList renders a CPU id slice in minimal range-coalesced form
// ("0-3,8"), the inverse of ParseCPUList.
func FormatCPUList(cpus []int) string {
	v := append([]int(nil), cpus...)
	sort.Ints(v)
	v = dedupInts(v)

	var b strings.Builder
	i := 0
	for i < len(v) {
		start := v[i]
		j := i
		for j+1 < len(v) && v[j+1] == v[j]+1 {
			j++
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		if j == i {
			fmt.Fprintf(&b, "%d", start)
		} else {
			fmt.Fprintf(&b, "%d-%d", start, v[j])
		}
		i = j + 1
	}
	return b.String()
}

func dedupInts(v []int) []int {
	if len(v) == 0 {
		return v
	}
	out := v[:1]
	for _, x := range v[1:] {
		if x != out[len(out)-1] {
			out = append(out, x)
		}
	}
	return out
}

// DominantNodeForPID parses /proc/<pid>/numa_maps, sums the "N<id>=<pages>"
// tokens across all lines, and returns the argmax node. ok is false if
// the file is missing or carries no N-tokens (no dominant node
// available — the planner then drops compact plans rather than
// guessing).
func DominantNodeForPID(procRoot string, pid int) (node int, ok bool) {
	data, err := os.ReadFile(filepath.Join(procRoot, strconv.Itoa(pid), "numa_maps"))
	if err != nil {
		return 0, false
	}

	counts := map[int]uint64{}
	for _, line := range strings.Split(string(data), "\n") {
		for _, tok := range strings.Fields(line) {
			rest, found := strings.CutPrefix(tok, "N")
			if !found {
				continue
			}
			n, v, found := strings.Cut(rest, "=")
			if !found {
				continue
			}
			nid, err1 := strconv.Atoi(n)
			val, err2 := strconv.ParseUint(v, 10, 64)
			if err1 != nil || err2 != nil {
				continue
			}
			counts[nid] += val
		}
	}

	if len(counts) == 0 {
		return 0, false
	}

	best, bestVal := 0, uint64(0)
	first := true
	ids := make([]int, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		v := counts[id]
		if first || v > bestVal {
			best, bestVal, first = id, v, false
		}
	}
	return best, true
}

// PickCompact returns the first k CPUs of the given node.
func (t Topology) PickCompact(node, k int) []int {
	if k < 1 {
		k = 1
	}
	cpus, ok := t[node]
	if !ok {
		return nil
	}
	if k > len(cpus) {
		k = len(cpus)
	}
	out := make([]int, k)
	copy(out, cpus[:k])
	return out
}

// PickSpread round-robins across nodes in ascending id order, pulling
// one CPU per node per pass, until k CPUs are collected or all lists
// are exhausted.
func (t Topology) PickSpread(k int) []int {
	if k < 1 || len(t) == 0 {
		return nil
	}

	ids := make([]int, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	idx := make([]int, len(ids))
	out := make([]int, 0, k)

	for {
		progressed := false
		for i, id := range ids {
			list := t[id]
			if idx[i] < len(list) {
				out = append(out, list[idx[i]])
				idx[i]++
				progressed = true
				if len(out) >= k {
					return out
				}
			}
		}
		if !progressed {
			break
		}
	}
	return out
}

// OnlineCPUCount parses /sys/devices/system/cpu/online, returning at
// least 1.
func OnlineCPUCount(sysRoot string) int {
	data, err := os.ReadFile(filepath.Join(sysRoot, "devices/system/cpu/online"))
	if err != nil {
		return 1
	}
	cpus := ParseCPUList(string(data))
	if len(cpus) == 0 {
		return 1
	}
	return len(cpus)
}
