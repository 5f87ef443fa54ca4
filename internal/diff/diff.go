// Package diff compares two tick-log windows emitted by `tuner run`
// and highlights regressions/improvements between them, generalizing
// the teacher's whole-report diff (Compare/FormatDiff) to a stream of
// per-tick records rather than a single full report.
package diff

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/workload-tuner/tuner/internal/model"
)

// DiffReport contains the comparison between two tick-log windows.
type DiffReport struct {
	BaselineTicks    int            `json:"baseline_ticks"`
	CurrentTicks     int            `json:"current_ticks"`
	BaselineWindowMs [2]int64       `json:"baseline_window_ms"`
	CurrentWindowMs  [2]int64       `json:"current_window_ms"`
	ActionKindPct    map[string]Pct `json:"action_kind_pct"`
	GateReasonPct    map[string]Pct `json:"gate_reason_pct"`
	Changes          []MetricChange `json:"changes"`
	Regressions      int            `json:"regressions"`
	Improvements     int            `json:"improvements"`
}

// Pct is a baseline/current percentage-of-ticks pair for a single
// action kind or gate reason.
type Pct struct {
	Baseline float64 `json:"baseline"`
	Current  float64 `json:"current"`
}

// MetricChange represents a single metric difference between windows.
type MetricChange struct {
	Metric       string  `json:"metric"`
	OldValue     float64 `json:"old_value"`
	NewValue     float64 `json:"new_value"`
	Delta        float64 `json:"delta"`
	DeltaPct     float64 `json:"delta_pct"`
	Direction    string  `json:"direction"`    // "regression", "improvement", "unchanged"
	Significance string  `json:"significance"` // "high", "medium", "low"
}

// LoadTickLog reads an NDJSON tick-log file, skipping blank lines and
// lines that aren't a TickLogRecord (e.g. the trailing overhead line).
func LoadTickLog(path string) ([]model.TickLogRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var records []model.TickLogRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec model.TickLogRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec.Strategy == "" {
			continue // not a tick record (e.g. the overhead summary line)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return records, nil
}

// Compare computes differences between two tick-log windows.
func Compare(baseline, current []model.TickLogRecord) *DiffReport {
	d := &DiffReport{
		BaselineTicks: len(baseline),
		CurrentTicks:  len(current),
		ActionKindPct: make(map[string]Pct),
		GateReasonPct: make(map[string]Pct),
	}
	d.BaselineWindowMs = windowBounds(baseline)
	d.CurrentWindowMs = windowBounds(current)

	baseKind, baseReason := histograms(baseline)
	curKind, curReason := histograms(current)

	for kind := range union(baseKind, curKind) {
		d.ActionKindPct[kind] = Pct{Baseline: baseKind[kind], Current: curKind[kind]}
	}
	for reason := range union(baseReason, curReason) {
		d.GateReasonPct[reason] = Pct{Baseline: baseReason[reason], Current: curReason[reason]}
	}

	baseRunq, baseFutex, baseLLC, basePF := meanSignals(baseline)
	curRunq, curFutex, curLLC, curPF := meanSignals(current)

	addChange(d, "runq_ewma_us_mean", baseRunq, curRunq, true)
	addChange(d, "futex_ewma_us_mean", baseFutex, curFutex, true)
	addChange(d, "llc_delta_per_thread", baseLLC, curLLC, true)
	addChange(d, "page_faults_sum", basePF, curPF, true)

	if idlePct, ok := baseReason["psi-idle"]; ok {
		if curIdlePct, ok2 := curReason["psi-idle"]; ok2 {
			addChange(d, "psi_idle_gate_pct", idlePct, curIdlePct, false)
		}
	}

	for _, c := range d.Changes {
		switch c.Direction {
		case "regression":
			d.Regressions++
		case "improvement":
			d.Improvements++
		}
	}

	return d
}

func windowBounds(records []model.TickLogRecord) [2]int64 {
	if len(records) == 0 {
		return [2]int64{0, 0}
	}
	return [2]int64{records[0].TSMs, records[len(records)-1].TSMs}
}

// histograms returns, for a tick-log window, the percentage of ticks
// whose last-applied action set included each action kind, and the
// percentage of ticks that matched each gate reason.
func histograms(records []model.TickLogRecord) (kindPct, reasonPct map[string]float64) {
	kindPct = make(map[string]float64)
	reasonPct = make(map[string]float64)
	if len(records) == 0 {
		return kindPct, reasonPct
	}

	kindCount := make(map[string]int)
	reasonCount := make(map[string]int)
	for _, r := range records {
		seen := make(map[string]bool)
		for _, key := range r.ActionKeys {
			kind := key
			if idx := strings.Index(key, ":"); idx >= 0 {
				kind = key[:idx]
			}
			if !seen[kind] {
				kindCount[kind]++
				seen[kind] = true
			}
		}
		reasonCount[r.GateReason]++
	}

	n := float64(len(records))
	for k, c := range kindCount {
		kindPct[k] = float64(c) / n * 100
	}
	for k, c := range reasonCount {
		reasonPct[k] = float64(c) / n * 100
	}
	return kindPct, reasonPct
}

func meanSignals(records []model.TickLogRecord) (runq, futex, llc, pageFaults float64) {
	if len(records) == 0 {
		return 0, 0, 0, 0
	}
	var sumRunq, sumFutex, sumLLC float64
	var sumPF uint64
	for _, r := range records {
		sumRunq += r.Snapshot.RunqEwmaUsMean
		sumFutex += r.Snapshot.FutexEwmaUsMean
		sumLLC += r.Snapshot.LLCDeltaPerThread
		sumPF += r.Snapshot.PageFaultsSum
	}
	n := float64(len(records))
	return sumRunq / n, sumFutex / n, sumLLC / n, float64(sumPF) / n
}

func union(a, b map[string]float64) map[string]struct{} {
	u := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		u[k] = struct{}{}
	}
	for k := range b {
		u[k] = struct{}{}
	}
	return u
}

func addChange(d *DiffReport, metric string, oldVal, newVal float64, higherIsWorse bool) {
	delta := newVal - oldVal
	deltaPct := 0.0
	if oldVal != 0 {
		deltaPct = (delta / math.Abs(oldVal)) * 100
	}

	if math.Abs(deltaPct) < 1.0 && math.Abs(delta) < 0.1 {
		return
	}

	direction := "unchanged"
	if higherIsWorse {
		if deltaPct > 5 {
			direction = "regression"
		} else if deltaPct < -5 {
			direction = "improvement"
		}
	} else {
		if deltaPct < -5 {
			direction = "regression"
		} else if deltaPct > 5 {
			direction = "improvement"
		}
	}

	significance := "low"
	absPct := math.Abs(deltaPct)
	if absPct >= 50 {
		significance = "high"
	} else if absPct >= 20 {
		significance = "medium"
	}

	d.Changes = append(d.Changes, MetricChange{
		Metric:       metric,
		OldValue:     oldVal,
		NewValue:     newVal,
		Delta:        delta,
		DeltaPct:     deltaPct,
		Direction:    direction,
		Significance: significance,
	})
}

// FormatDiff returns a human-readable diff summary.
func FormatDiff(d *DiffReport) string {
	var sb strings.Builder

	sb.WriteString("=== Tick-Log Diff ===\n")
	fmt.Fprintf(&sb, "Baseline: %d ticks [%d..%d ms]\n", d.BaselineTicks, d.BaselineWindowMs[0], d.BaselineWindowMs[1])
	fmt.Fprintf(&sb, "Current:  %d ticks [%d..%d ms]\n\n", d.CurrentTicks, d.CurrentWindowMs[0], d.CurrentWindowMs[1])

	fmt.Fprintf(&sb, "Regressions: %d, Improvements: %d\n\n", d.Regressions, d.Improvements)

	if d.Regressions > 0 {
		sb.WriteString("⚠ Regressions:\n")
		for _, c := range d.Changes {
			if c.Direction == "regression" {
				fmt.Fprintf(&sb, "  [%s] %s: %.2f → %.2f (%+.1f%%)\n",
					strings.ToUpper(c.Significance), c.Metric, c.OldValue, c.NewValue, c.DeltaPct)
			}
		}
		sb.WriteString("\n")
	}

	if d.Improvements > 0 {
		sb.WriteString("✓ Improvements:\n")
		for _, c := range d.Changes {
			if c.Direction == "improvement" {
				fmt.Fprintf(&sb, "  [%s] %s: %.2f → %.2f (%+.1f%%)\n",
					strings.ToUpper(c.Significance), c.Metric, c.OldValue, c.NewValue, c.DeltaPct)
			}
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Action-kind share (baseline → current):\n")
	for _, kind := range sortedKeys(d.ActionKindPct) {
		p := d.ActionKindPct[kind]
		fmt.Fprintf(&sb, "  %-24s %5.1f%% → %5.1f%%\n", kind, p.Baseline, p.Current)
	}

	sb.WriteString("\nGate-reason share (baseline → current):\n")
	for _, reason := range sortedKeys(d.GateReasonPct) {
		p := d.GateReasonPct[reason]
		fmt.Fprintf(&sb, "  %-24s %5.1f%% → %5.1f%%\n", reason, p.Baseline, p.Current)
	}

	return sb.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
