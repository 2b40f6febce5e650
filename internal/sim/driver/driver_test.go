package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"lakecommons.ai/internal/protocol"
	"lakecommons.ai/internal/sim/agents"
	"lakecommons.ai/internal/sim/lake"
)

type recorder struct {
	starts []protocol.RunStartRecord
	ticks  []protocol.TickRecord
	ends   []protocol.RunEndRecord
}

func (r *recorder) WriteRunStart(rec protocol.RunStartRecord) error {
	r.starts = append(r.starts, rec)
	return nil
}

func (r *recorder) WriteTick(rec protocol.TickRecord) error {
	r.ticks = append(r.ticks, rec)
	return nil
}

func (r *recorder) WriteRunEnd(rec protocol.RunEndRecord) error {
	r.ends = append(r.ends, rec)
	return nil
}

type failingLog struct{ recorder }

func (f *failingLog) WriteTick(protocol.TickRecord) error { return errors.New("disk full") }

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func harvestOnly(duration uint64, lc lake.Config) Config {
	return Config{
		RunID:                 "t",
		DurationTicks:         duration,
		Lake:                  lc,
		Phases:                protocol.PhaseSpec{HarvestTicks: 1},
		StockSampleEveryTicks: 1,
		StopOnCollapse:        true,
	}
}

func TestPosition(t *testing.T) {
	ph := protocol.PhaseSpec{PlanningTicks: 1, HarvestTicks: 2, DiscussionTicks: 1}
	want := []struct {
		cycle  int
		phase  string
		offset int
	}{
		{0, protocol.PhasePlanning, 0},
		{0, protocol.PhaseHarvest, 1},
		{0, protocol.PhaseHarvest, 2},
		{0, protocol.PhaseDiscussion, 3},
		{1, protocol.PhasePlanning, 0},
	}
	for i, w := range want {
		c, p, o := Position(ph, uint64(i+1))
		if c != w.cycle || p != w.phase || o != w.offset {
			t.Fatalf("tick %d: got (%d,%s,%d) want %+v", i+1, c, p, o, w)
		}
	}
}

func TestRun_GreedyCollapse(t *testing.T) {
	rec := &recorder{}
	cfg := harvestOnly(5, lake.Config{Capacity: 100, InitialStock: 50, GrowthRate: 0.5, CollapseThresholdFraction: 0.1})
	d, err := New(cfg, []agents.Agent{&agents.Fixed{ID: "a", Amount: 45}}, Options{Events: []EventLogger{rec}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	rep, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	// tick 1: 50 -> 62.5, harvest 45 -> 17.5
	// tick 2: 17.5 -> 24.71875, harvest all -> 0, collapse
	if rep.Outcome != protocol.OutcomeCollapsed || rep.SurvivalTicks != 2 {
		t.Fatalf("outcome=%s survival=%d", rep.Outcome, rep.SurvivalTicks)
	}
	if d.Tick() != 2 {
		t.Fatalf("run should stop on collapse, tick=%d", d.Tick())
	}
	if len(rep.HarvestPerCycle) != 2 || rep.HarvestPerCycle[0].Harvest != 45 || !approx(rep.HarvestPerCycle[1].Harvest, 24.71875) {
		t.Fatalf("harvest per cycle=%+v", rep.HarvestPerCycle)
	}
	wantEff := (45 + 24.71875) / (12.5 + 7.21875)
	if !approx(float64(rep.HarvestEfficiency), wantEff) {
		t.Fatalf("efficiency=%v want %v", float64(rep.HarvestEfficiency), wantEff)
	}
	if rep.OverUsageFraction != 1 {
		t.Fatalf("over usage=%v", rep.OverUsageFraction)
	}
	wantSeries := []protocol.StockPoint{{Tick: 0, Stock: 50}, {Tick: 1, Stock: 17.5}, {Tick: 2, Stock: 0}}
	if len(rep.StockSeries) != len(wantSeries) {
		t.Fatalf("stock series=%+v", rep.StockSeries)
	}
	for i := range wantSeries {
		if !approx(rep.StockSeries[i].Stock, wantSeries[i].Stock) || rep.StockSeries[i].Tick != wantSeries[i].Tick {
			t.Fatalf("stock series[%d]=%+v", i, rep.StockSeries[i])
		}
	}

	if len(rec.starts) != 1 || len(rec.ticks) != 2 || len(rec.ends) != 1 {
		t.Fatalf("records: starts=%d ticks=%d ends=%d", len(rec.starts), len(rec.ticks), len(rec.ends))
	}
	last := rec.ticks[1]
	if !last.Collapsed || last.CollapseReason != string(lake.ReasonStockDepleted) || last.StockSampled {
		t.Fatalf("collapse tick record=%+v", last)
	}
	if !rec.ends[0].Collapsed || rec.ends[0].Interrupted {
		t.Fatalf("run end=%+v", rec.ends[0])
	}
}

func TestRun_SustainableSurvivesAndFlushesPartialCycle(t *testing.T) {
	cfg := Config{
		RunID:                    "s",
		DurationTicks:            7,
		Lake:                     lake.Config{Capacity: 100, InitialStock: 50, GrowthRate: 0.5, CollapseThresholdFraction: 0.1},
		Phases:                   protocol.PhaseSpec{PlanningTicks: 1, HarvestTicks: 1, DiscussionTicks: 1},
		StockSampleEveryTicks:    3,
		StopOnCollapse:           true,
		MessagesPerAgentPerCycle: 2,
	}
	as := []agents.Agent{&agents.Sustainable{ID: "a", Factor: 1}, &agents.Sustainable{ID: "b", Factor: 1}}
	d, err := New(cfg, as, Options{})
	if err != nil {
		t.Fatal(err)
	}
	rep, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Outcome != protocol.OutcomeSurvived || rep.SurvivalTicks != 7 {
		t.Fatalf("outcome=%s survival=%d", rep.Outcome, rep.SurvivalTicks)
	}
	// Two full cycles plus the planning tick of a third.
	if len(rep.HarvestPerCycle) != 3 || rep.HarvestPerCycle[2].Harvest != 0 {
		t.Fatalf("harvest per cycle=%+v", rep.HarvestPerCycle)
	}
	if len(rep.MessagesPerCycle) != 3 || rep.MessagesPerCycle[0].Messages != 2 || rep.MessagesPerCycle[1].Messages != 2 || rep.MessagesPerCycle[2].Messages != 0 {
		t.Fatalf("messages per cycle=%+v", rep.MessagesPerCycle)
	}
	if rep.OverUsageFraction != 0 {
		t.Fatalf("sustainable agents flagged as greedy: %v", rep.OverUsageFraction)
	}
	if rep.Gini != 0 {
		t.Fatalf("gini=%v", rep.Gini)
	}
	// 0 (initial), 3, 6 (samples), 7 (run end)
	if len(rep.StockSeries) != 4 || rep.StockSeries[3].Tick != 7 {
		t.Fatalf("stock series=%+v", rep.StockSeries)
	}
	if d.Board().Len() != 4 {
		t.Fatalf("board len=%d", d.Board().Len())
	}
}

func TestRun_InitialCollapse(t *testing.T) {
	rec := &recorder{}
	cfg := harvestOnly(10, lake.Config{Capacity: 100, InitialStock: 5, GrowthRate: 0.5, CollapseThresholdFraction: 0.1})
	d, _ := New(cfg, []agents.Agent{&agents.Fixed{ID: "a", Amount: 1}}, Options{Events: []EventLogger{rec}})
	rep, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Outcome != protocol.OutcomeCollapsed || rep.SurvivalTicks != 0 {
		t.Fatalf("outcome=%s survival=%d", rep.Outcome, rep.SurvivalTicks)
	}
	if len(rec.ticks) != 0 {
		t.Fatalf("ticks ran after initial collapse: %d", len(rec.ticks))
	}
	if !rec.starts[0].Collapsed || rec.starts[0].CollapseReason != string(lake.ReasonInitialStock) {
		t.Fatalf("run start=%+v", rec.starts[0])
	}

	sch, err := jsonschema.Compile(filepath.Join("..", "..", "..", "schemas", "report.schema.json"))
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}
	b, err := json.Marshal(rep)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var v any
	if err := json.NewDecoder(bytes.NewReader(b)).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := sch.Validate(v); err != nil {
		t.Fatalf("report fails schema: %v\n%s", err, b)
	}
}

func TestRun_ContinuesAfterCollapseWhenConfigured(t *testing.T) {
	cfg := harvestOnly(5, lake.Config{Capacity: 100, InitialStock: 50, GrowthRate: 0.5, CollapseThresholdFraction: 0.1})
	cfg.StopOnCollapse = false
	d, _ := New(cfg, []agents.Agent{&agents.Fixed{ID: "a", Amount: 45}}, Options{})
	rep, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if d.Tick() != 5 {
		t.Fatalf("tick=%d", d.Tick())
	}
	if rep.Outcome != protocol.OutcomeCollapsed || rep.SurvivalTicks != 2 {
		t.Fatalf("outcome=%s survival=%d", rep.Outcome, rep.SurvivalTicks)
	}
	if rep.FinalStock != 0 {
		t.Fatalf("final stock=%v", rep.FinalStock)
	}
	last := rep.StockSeries[len(rep.StockSeries)-1]
	if last.Tick != 5 || last.Stock != 0 {
		t.Fatalf("last point=%+v", last)
	}
}

func TestRun_CancelledStillFinalizes(t *testing.T) {
	rec := &recorder{}
	cfg := harvestOnly(100, lake.Config{Capacity: 100, InitialStock: 100, GrowthRate: 0.5, CollapseThresholdFraction: 0.1})
	d, _ := New(cfg, []agents.Agent{&agents.Fixed{ID: "a", Amount: 1}}, Options{Events: []EventLogger{rec}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
	if !d.Metrics().ReportEmitted() {
		t.Fatalf("report not emitted")
	}
	if len(rec.ends) != 1 || !rec.ends[0].Interrupted {
		t.Fatalf("run end=%+v", rec.ends)
	}
	if err := d.Step(context.Background()); !errors.Is(err, ErrFinished) {
		t.Fatalf("step after finish: %v", err)
	}
}

func TestRun_EventLogFailureDoesNotStopRun(t *testing.T) {
	f := &failingLog{}
	cfg := harvestOnly(3, lake.Config{Capacity: 100, InitialStock: 100, GrowthRate: 0.5, CollapseThresholdFraction: 0.1})
	d, _ := New(cfg, []agents.Agent{&agents.Fixed{ID: "a", Amount: 1}}, Options{Events: []EventLogger{f}})
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if d.Tick() != 3 || len(f.ends) != 1 {
		t.Fatalf("tick=%d ends=%d", d.Tick(), len(f.ends))
	}
}

func TestRun_Paced(t *testing.T) {
	cfg := harvestOnly(3, lake.Config{Capacity: 100, InitialStock: 100, GrowthRate: 0.5, CollapseThresholdFraction: 0.1})
	cfg.TickRateHz = 200
	d, _ := New(cfg, []agents.Agent{&agents.Fixed{ID: "a", Amount: 1}}, Options{})
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if d.Tick() != 3 {
		t.Fatalf("tick=%d", d.Tick())
	}
}

func TestNew_Rejects(t *testing.T) {
	ok := harvestOnly(3, lake.Config{Capacity: 1})
	a := []agents.Agent{&agents.Fixed{ID: "a"}}
	if _, err := New(Config{Phases: ok.Phases}, a, Options{}); err == nil {
		t.Fatalf("zero duration accepted")
	}
	bad := ok
	bad.Phases.HarvestTicks = 0
	if _, err := New(bad, a, Options{}); err == nil {
		t.Fatalf("no harvest phase accepted")
	}
	if _, err := New(ok, nil, Options{}); err == nil {
		t.Fatalf("no agents accepted")
	}
}
