package metrics

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sort"

	"lakecommons.ai/internal/protocol"
	"lakecommons.ai/internal/sim/lake"
)

// ReportSink receives the final report. It is called at most once per run.
type ReportSink interface {
	EmitReport(r protocol.Report) error
}

type SinkFunc func(r protocol.Report) error

func (f SinkFunc) EmitReport(r protocol.Report) error { return f(r) }

type cycleAccum struct {
	harvest      float64
	regeneration float64
	messages     int
}

// Aggregator accumulates run statistics from lake transitions and harvest
// attempts. Like the lake it is owned by a single driver goroutine.
type Aggregator struct {
	log   *log.Logger
	sinks []ReportSink

	runID         string
	durationTicks uint64

	started       bool
	startTick     uint64
	outcome       protocol.Outcome
	survivalTicks uint64

	cumulativeHarvest      float64
	cumulativeRegeneration float64
	harvestPerAgent        map[string]float64

	greedyHarvests int
	totalHarvests  int

	stockSeries      []protocol.StockPoint
	harvestPerCycle  []protocol.CycleHarvest
	messagesPerCycle []protocol.CycleMessages

	cycleIndex int
	cur        cycleAccum

	reportEmitted bool
	report        protocol.Report
}

func New(runID string, durationTicks uint64, logger *log.Logger, sinks ...ReportSink) *Aggregator {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	a := &Aggregator{
		log:             logger,
		runID:           runID,
		durationTicks:   durationTicks,
		outcome:         protocol.OutcomeUnresolved,
		harvestPerAgent: map[string]float64{},
	}
	for _, s := range sinks {
		if s != nil {
			a.sinks = append(a.sinks, s)
		}
	}
	return a
}

func (a *Aggregator) RunStarted(tick uint64, initialStock float64) {
	if a.reportEmitted {
		a.log.Printf("warn: run %s: RunStarted after report was emitted; ignored", a.runID)
		return
	}
	a.started = true
	a.startTick = tick
	a.outcome = protocol.OutcomeUnresolved
	a.stockSeries = append(a.stockSeries, protocol.StockPoint{Tick: tick, Stock: initialStock})
}

func (a *Aggregator) RecordHarvest(agentID string, granted float64) {
	a.cur.harvest += granted
	a.harvestPerAgent[agentID] += granted
}

// RecordHarvestDetail counts one harvest action and whether it exceeded the
// sustainable threshold computed by the caller at the time of the action.
func (a *Aggregator) RecordHarvestDetail(agentID string, granted, sustainableThreshold float64) {
	a.totalHarvests++
	if granted > sustainableThreshold {
		a.greedyHarvests++
	}
}

func (a *Aggregator) RecordRegeneration(amount float64) {
	a.cur.regeneration += amount
}

func (a *Aggregator) RecordStock(tick uint64, stock float64) {
	a.stockSeries = append(a.stockSeries, protocol.StockPoint{Tick: tick, Stock: stock})
}

func (a *Aggregator) RecordMessage() {
	a.cur.messages++
}

func (a *Aggregator) CycleEnded(tick uint64) {
	a.harvestPerCycle = append(a.harvestPerCycle, protocol.CycleHarvest{Cycle: a.cycleIndex, Harvest: a.cur.harvest})
	a.messagesPerCycle = append(a.messagesPerCycle, protocol.CycleMessages{Cycle: a.cycleIndex, Messages: a.cur.messages})
	a.cumulativeHarvest += a.cur.harvest
	a.cumulativeRegeneration += a.cur.regeneration
	a.cur = cycleAccum{}
	a.cycleIndex++
}

// ResourceCollapsed fixes the outcome at the exact collapse tick. Only the
// first call has an effect.
func (a *Aggregator) ResourceCollapsed(tick uint64, finalStock float64) {
	a.mustStarted("ResourceCollapsed")
	if a.outcome != protocol.OutcomeUnresolved {
		return
	}
	a.outcome = protocol.OutcomeCollapsed
	a.survivalTicks = tick - a.startTick
	a.RecordStock(tick, finalStock)
}

// RunEnded resolves an outstanding outcome as survived, finalizes the report
// and hands it to the sinks. Sink failures are returned but the report stays
// final. Later calls return the same report without side effects.
// Efficiency only counts closed cycles, so callers flush an open cycle with
// CycleEnded first.
func (a *Aggregator) RunEnded(tick uint64, snap lake.State) (protocol.Report, error) {
	a.mustStarted("RunEnded")
	if a.reportEmitted {
		a.log.Printf("warn: run %s: report already emitted; RunEnded at tick %d ignored", a.runID, tick)
		return cloneReport(a.report), nil
	}

	if a.outcome == protocol.OutcomeUnresolved {
		a.outcome = protocol.OutcomeSurvived
		a.survivalTicks = a.durationTicks
	}
	if n := len(a.stockSeries); n == 0 || a.stockSeries[n-1].Tick != tick {
		a.RecordStock(tick, snap.Stock)
	}

	a.report = a.buildReport(snap)
	a.reportEmitted = true

	var errs []error
	for _, s := range a.sinks {
		if err := s.EmitReport(cloneReport(a.report)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return cloneReport(a.report), fmt.Errorf("emit report: %w", err)
	}
	return cloneReport(a.report), nil
}

func (a *Aggregator) buildReport(snap lake.State) protocol.Report {
	gains := make(map[string]float64, len(a.harvestPerAgent))
	values := make([]float64, 0, len(a.harvestPerAgent))
	var total float64
	for id, v := range a.harvestPerAgent {
		gains[id] = v
		values = append(values, v)
	}
	// Sum in a fixed order so the total does not depend on map iteration.
	sort.Float64s(values)
	for _, v := range values {
		total += v
	}
	mean := 0.0
	if len(values) > 0 {
		mean = total / float64(len(values))
	}

	return protocol.Report{
		RunID:             a.runID,
		DurationTicks:     a.durationTicks,
		Outcome:           a.outcome,
		SurvivalTicks:     a.survivalTicks,
		FinalStock:        snap.Stock,
		HarvestEfficiency: protocol.Efficiency(Efficiency(a.cumulativeHarvest, a.cumulativeRegeneration)),
		Gini:              Gini(values),
		TotalWealth:       total,
		GainPerAgent:      gains,
		MeanGainPerAgent:  mean,
		OverUsageFraction: OverUsage(a.greedyHarvests, a.totalHarvests),
		StockSeries:       append([]protocol.StockPoint{}, a.stockSeries...),
		HarvestPerCycle:   append([]protocol.CycleHarvest{}, a.harvestPerCycle...),
		MessagesPerCycle:  append([]protocol.CycleMessages{}, a.messagesPerCycle...),
	}
}

func (a *Aggregator) mustStarted(op string) {
	if !a.started {
		panic(fmt.Sprintf("metrics: %s called before RunStarted (run %s)", op, a.runID))
	}
}

func (a *Aggregator) RunID() string { return a.runID }

func (a *Aggregator) Outcome() protocol.Outcome { return a.outcome }

func (a *Aggregator) SurvivalTicks() uint64 { return a.survivalTicks }

func (a *Aggregator) CycleIndex() int { return a.cycleIndex }

func (a *Aggregator) ReportEmitted() bool { return a.reportEmitted }

// Report returns the emitted report, or false before RunEnded.
func (a *Aggregator) Report() (protocol.Report, bool) {
	if !a.reportEmitted {
		return protocol.Report{}, false
	}
	return cloneReport(a.report), true
}

func cloneReport(r protocol.Report) protocol.Report {
	out := r
	if r.GainPerAgent != nil {
		out.GainPerAgent = make(map[string]float64, len(r.GainPerAgent))
		for k, v := range r.GainPerAgent {
			out.GainPerAgent[k] = v
		}
	}
	// Series stay non-nil so they encode as [] rather than null.
	out.StockSeries = append(make([]protocol.StockPoint, 0, len(r.StockSeries)), r.StockSeries...)
	out.HarvestPerCycle = append(make([]protocol.CycleHarvest, 0, len(r.HarvestPerCycle)), r.HarvestPerCycle...)
	out.MessagesPerCycle = append(make([]protocol.CycleMessages, 0, len(r.MessagesPerCycle)), r.MessagesPerCycle...)
	return out
}
