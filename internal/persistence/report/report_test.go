package report

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lakecommons.ai/internal/protocol"
)

func TestFileSink_WriteAndRead(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "runs", "r1")
	s := NewFileSink(dir)
	in := protocol.Report{
		RunID:             "r1",
		DurationTicks:     10,
		Outcome:           protocol.OutcomeSurvived,
		SurvivalTicks:     10,
		HarvestEfficiency: protocol.Efficiency(math.Inf(1)),
		GainPerAgent:      map[string]float64{"a": 2},
		StockSeries:       []protocol.StockPoint{{Tick: 0, Stock: 50}},
	}
	if err := s.EmitReport(in); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if _, err := os.Stat(s.Path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
	raw, _ := os.ReadFile(s.Path)
	if !strings.Contains(string(raw), `"harvest_efficiency": "Infinity"`) {
		t.Fatalf("report body: %s", raw)
	}

	out, err := Read(s.Path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out.RunID != "r1" || out.Outcome != protocol.OutcomeSurvived || !out.HarvestEfficiency.IsInf() {
		t.Fatalf("read back: %+v", out)
	}
	if out.GainPerAgent["a"] != 2 || len(out.StockSeries) != 1 {
		t.Fatalf("read back: %+v", out)
	}
}

func TestFileSink_UnwritablePath(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := &FileSink{Path: filepath.Join(blocker, FileName)}
	if err := s.EmitReport(protocol.Report{RunID: "x"}); err == nil {
		t.Fatalf("expected error writing under a regular file")
	}
}
