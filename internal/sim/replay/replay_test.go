package replay

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	"lakecommons.ai/internal/protocol"
	"lakecommons.ai/internal/sim/agents"
	"lakecommons.ai/internal/sim/driver"
	"lakecommons.ai/internal/sim/tuning"
)

type jsonLines struct{ lines [][]byte }

func (j *jsonLines) add(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	j.lines = append(j.lines, b)
	return nil
}

func (j *jsonLines) WriteRunStart(r protocol.RunStartRecord) error { return j.add(r) }
func (j *jsonLines) WriteTick(r protocol.TickRecord) error         { return j.add(r) }
func (j *jsonLines) WriteRunEnd(r protocol.RunEndRecord) error     { return j.add(r) }

func runAndLog(t *testing.T, tune tuning.Tuning) (protocol.Report, [][]byte) {
	t.Helper()
	as, err := agents.Build(tune.Agents, tune.Seed)
	if err != nil {
		t.Fatalf("agents: %v", err)
	}
	lines := &jsonLines{}
	d, err := driver.New(driver.ConfigFromTuning("replay-test", tune), as, driver.Options{Events: []driver.EventLogger{lines}})
	if err != nil {
		t.Fatalf("driver: %v", err)
	}
	rep, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return rep, lines.lines
}

func assertSame(t *testing.T, want, got protocol.Report) {
	t.Helper()
	diff, err := Diff(want, got)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(diff) != 0 {
		t.Fatalf("rebuilt report differs in %v", diff)
	}
}

func TestRebuild_MatchesDriverReport(t *testing.T) {
	tune := tuning.Defaults()
	tune.DurationTicks = 40
	tune.Agents = []tuning.AgentTuning{
		{Name: "s", Policy: "sustainable", Factor: 1.1},
		{Name: "g", Policy: "greedy", Fraction: 0.05},
		{Name: "r", Policy: "random", Max: 3},
	}
	want, lines := runAndLog(t, tune)
	got, err := Rebuild(lines)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	assertSame(t, want, got)
}

func TestRebuild_CollapsedRun(t *testing.T) {
	tune := tuning.Defaults()
	tune.DurationTicks = 50
	tune.Lake.InitialStock = 40
	tune.Phases = tuning.PhaseTuning{PlanningTicks: 1, HarvestTicks: 2, DiscussionTicks: 1}
	tune.Agents = []tuning.AgentTuning{{Name: "g", Policy: "greedy", Fraction: 0.6}}
	want, lines := runAndLog(t, tune)
	if want.Outcome != protocol.OutcomeCollapsed {
		t.Fatalf("expected a collapsed run, got %s", want.Outcome)
	}
	got, err := Rebuild(lines)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	assertSame(t, want, got)
}

func TestRebuild_InitialCollapse(t *testing.T) {
	tune := tuning.Defaults()
	tune.Lake.InitialStock = 1
	want, lines := runAndLog(t, tune)
	got, err := Rebuild(lines)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	assertSame(t, want, got)
	if got.SurvivalTicks != 0 {
		t.Fatalf("survival=%d", got.SurvivalTicks)
	}
}

func TestRebuild_Errors(t *testing.T) {
	start, _ := json.Marshal(protocol.RunStartRecord{Type: protocol.TypeRunStart, RunID: "x", DurationTicks: 3})
	tick2, _ := json.Marshal(protocol.TickRecord{Type: protocol.TypeTick, Tick: 2})
	cases := map[string][][]byte{
		"empty":          nil,
		"no start":       {tick2},
		"tick gap":       {start, tick2},
		"unknown record": {[]byte(`{"type":"NOPE"}`)},
		"bad json":       {[]byte(`{`)},
		"missing end":    {start},
	}
	for name, lines := range cases {
		if _, err := Rebuild(lines); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestDiff_ReportsChangedKeys(t *testing.T) {
	a := protocol.Report{RunID: "a", GainPerAgent: map[string]float64{"x": 1}}
	b := a
	b.FinalStock = 3
	b.HarvestEfficiency = protocol.Efficiency(math.Inf(1))
	diff, err := Diff(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if len(diff) != 2 || diff[0] != "final_fish_stock" || diff[1] != "harvest_efficiency" {
		t.Fatalf("diff=%v", diff)
	}
}
