package diff

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/workload-tuner/tuner/internal/model"
)

func rec(tsMs int64, reason string, runq float64, keys ...string) model.TickLogRecord {
	return model.TickLogRecord{
		TSMs:       tsMs,
		Strategy:   "learned",
		GateReason: reason,
		Snapshot:   model.Snapshot{RunqEwmaUsMean: runq},
		ActionKeys: keys,
	}
}

func TestCompareDetectsRunqRegression(t *testing.T) {
	baseline := []model.TickLogRecord{
		rec(0, "ok", 100, "cpuweight:160"),
		rec(500, "ok", 100, "cpuweight:160"),
	}
	current := []model.TickLogRecord{
		rec(1000, "ok", 300, "cpuweight:160"),
		rec(1500, "ok", 300, "cpuweight:160"),
	}

	d := Compare(baseline, current)

	if d.BaselineTicks != 2 || d.CurrentTicks != 2 {
		t.Fatalf("tick counts = %d/%d, want 2/2", d.BaselineTicks, d.CurrentTicks)
	}
	if d.Regressions == 0 {
		t.Error("expected a regression for runq_ewma_us_mean tripling")
	}

	found := false
	for _, c := range d.Changes {
		if c.Metric == "runq_ewma_us_mean" {
			found = true
			if c.Direction != "regression" {
				t.Errorf("direction = %q, want regression", c.Direction)
			}
			if c.Significance != "high" {
				t.Errorf("significance = %q, want high (200%% change)", c.Significance)
			}
		}
	}
	if !found {
		t.Error("missing runq_ewma_us_mean change")
	}
}

func TestCompareIdenticalWindows(t *testing.T) {
	records := []model.TickLogRecord{
		rec(0, "ok", 50, "cpuweight:160"),
		rec(500, "ok", 50, "cpuweight:160"),
	}

	d := Compare(records, records)
	if d.Regressions != 0 || d.Improvements != 0 {
		t.Errorf("regressions=%d improvements=%d, want 0/0 for identical windows",
			d.Regressions, d.Improvements)
	}
}

func TestCompareDetectsImprovement(t *testing.T) {
	baseline := []model.TickLogRecord{
		rec(0, "ok", 400, "cpuweight:160"),
	}
	current := []model.TickLogRecord{
		rec(1000, "ok", 100, "cpuweight:160"),
	}

	d := Compare(baseline, current)
	if d.Improvements == 0 {
		t.Error("expected an improvement for runq_ewma_us_mean dropping 4x")
	}
}

func TestCompareEmptyWindowsDoNotPanic(t *testing.T) {
	d := Compare(nil, nil)
	if d.BaselineTicks != 0 || d.CurrentTicks != 0 {
		t.Errorf("expected zero ticks for nil input")
	}
	if len(d.Changes) != 0 {
		t.Errorf("expected no changes for empty windows, got %d", len(d.Changes))
	}
}

func TestActionKindAndGateReasonHistograms(t *testing.T) {
	baseline := []model.TickLogRecord{
		rec(0, "ok", 100, "cpuweight:160"),
		rec(500, "psi-idle", 100),
	}
	current := []model.TickLogRecord{
		rec(1000, "ok", 100, "plan_compact:0", "cpuweight:200"),
	}

	d := Compare(baseline, current)

	cw := d.ActionKindPct["cpuweight"]
	if cw.Baseline != 50 {
		t.Errorf("baseline cpuweight pct = %.1f, want 50", cw.Baseline)
	}
	if cw.Current != 100 {
		t.Errorf("current cpuweight pct = %.1f, want 100", cw.Current)
	}

	idle := d.GateReasonPct["psi-idle"]
	if idle.Baseline != 50 {
		t.Errorf("baseline psi-idle pct = %.1f, want 50", idle.Baseline)
	}
	if idle.Current != 0 {
		t.Errorf("current psi-idle pct = %.1f, want 0", idle.Current)
	}
}

func TestFormatDiffNonEmpty(t *testing.T) {
	d := Compare(
		[]model.TickLogRecord{rec(0, "ok", 400, "cpuweight:160")},
		[]model.TickLogRecord{rec(1000, "cooldown", 100, "cpuweight:200")},
	)

	out := FormatDiff(d)
	if out == "" {
		t.Fatal("empty diff output")
	}
	if len(out) < 50 {
		t.Error("diff output too short")
	}
}

func TestLoadTickLogSkipsNonTickLines(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "tick.ndjson")

	content := `{"ts_ms":0,"strategy":"learned","gate_reason":"ok","snapshot":{"runq_ewma_us_mean":10},"action_keys":["cpuweight:160"]}
{"ts_ms":500,"strategy":"learned","gate_reason":"psi-idle","snapshot":{},"action_keys":[]}

{"ts_ms":999,"self_pid":123,"cpu_user_ms":5}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	records, err := LoadTickLog(path)
	if err != nil {
		t.Fatalf("LoadTickLog: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2 (overhead line must be skipped)", len(records))
	}
}

func TestLoadTickLogMissingFile(t *testing.T) {
	_, err := LoadTickLog("/nonexistent/path/tick.ndjson")
	if err == nil {
		t.Error("expected error for missing file")
	}
}
