package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"lakecommons.ai/internal/protocol"
	"lakecommons.ai/internal/sim/agents"
	"lakecommons.ai/internal/sim/lake"
	"lakecommons.ai/internal/sim/metrics"
	"lakecommons.ai/internal/sim/townhall"
	"lakecommons.ai/internal/sim/tuning"
)

// EventLogger receives every run record in order. Implementations must not
// block for long; they run on the driver goroutine.
type EventLogger interface {
	WriteRunStart(r protocol.RunStartRecord) error
	WriteTick(r protocol.TickRecord) error
	WriteRunEnd(r protocol.RunEndRecord) error
}

type Config struct {
	RunID         string
	DurationTicks uint64
	TickRateHz    int

	Lake   lake.Config
	Phases protocol.PhaseSpec

	StockSampleEveryTicks int
	StopOnCollapse        bool

	MessagesPerAgentPerCycle int
	HistoryLimit             int
}

func ConfigFromTuning(runID string, t tuning.Tuning) Config {
	return Config{
		RunID:         runID,
		DurationTicks: uint64(t.DurationTicks),
		TickRateHz:    t.TickRateHz,
		Lake: lake.Config{
			Capacity:                  t.Lake.Capacity,
			InitialStock:              t.Lake.InitialStock,
			GrowthRate:                t.Lake.GrowthRate,
			CollapseThresholdFraction: t.Lake.CollapseThresholdFraction,
		},
		Phases: protocol.PhaseSpec{
			PlanningTicks:   t.Phases.PlanningTicks,
			HarvestTicks:    t.Phases.HarvestTicks,
			DiscussionTicks: t.Phases.DiscussionTicks,
		},
		StockSampleEveryTicks:    t.StockSampleEveryTicks,
		StopOnCollapse:           t.StopsOnCollapse(),
		MessagesPerAgentPerCycle: t.Townhall.MessagesPerAgentPerCycle,
		HistoryLimit:             t.Townhall.HistoryLimit,
	}
}

type Options struct {
	Logger  *log.Logger
	Events  []EventLogger
	Reports []metrics.ReportSink
	// Extra lake observers, notified after the metrics wiring.
	LakeObservers []lake.Observer
}

// Driver advances one run. Lake, metrics and board are owned by the goroutine
// calling Init/Step/Finish (or Run).
type Driver struct {
	cfg    Config
	log    *log.Logger
	agents []agents.Agent
	events []EventLogger
	extra  []lake.Observer

	lake    *lake.Lake
	metrics *metrics.Aggregator
	board   *townhall.Board

	tick        uint64
	initialized bool
	finished    bool
	cycleOpen   bool

	// Collapse seen during the current tick.
	collapse *lake.CollapseEvent

	report protocol.Report
}

var ErrFinished = errors.New("run already finished")

func New(cfg Config, as []agents.Agent, opts Options) (*Driver, error) {
	if cfg.DurationTicks == 0 {
		return nil, errors.New("driver: duration must be > 0")
	}
	if cfg.Phases.HarvestTicks < 1 || cfg.Phases.PlanningTicks < 0 || cfg.Phases.DiscussionTicks < 0 {
		return nil, fmt.Errorf("driver: invalid phases %+v", cfg.Phases)
	}
	if len(as) == 0 {
		return nil, errors.New("driver: no agents")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	d := &Driver{
		cfg:    cfg,
		log:    logger,
		agents: as,
		extra:  opts.LakeObservers,
		board:  townhall.New(cfg.MessagesPerAgentPerCycle, cfg.HistoryLimit),
	}
	for _, e := range opts.Events {
		if e != nil {
			d.events = append(d.events, e)
		}
	}
	d.metrics = metrics.New(cfg.RunID, cfg.DurationTicks, logger, opts.Reports...)
	return d, nil
}

// Init creates the lake at tick 0. The aggregator is started first so that an
// initial-stock collapse is captured like any other.
func (d *Driver) Init() {
	if d.initialized {
		return
	}
	d.initialized = true
	d.metrics.RunStarted(0, lake.ClampedInitialStock(d.cfg.Lake))

	wiring := lake.Hooks{
		OnRegenerated: func(_ uint64, amount float64) { d.metrics.RecordRegeneration(amount) },
		OnCollapsed: func(ev lake.CollapseEvent) {
			d.metrics.ResourceCollapsed(ev.Step, 0)
			evCopy := ev
			d.collapse = &evCopy
			d.log.Printf("run %s: lake collapsed at tick %d (%s, stock before %.3f)", d.cfg.RunID, ev.Step, ev.Reason, ev.StockBefore)
		},
	}
	observers := append([]lake.Observer{wiring}, d.extra...)
	d.lake = lake.New(d.cfg.Lake, 0, observers...)

	names := make([]string, 0, len(d.agents))
	for _, a := range d.agents {
		names = append(names, a.Name())
	}
	st := d.lake.State()
	rec := protocol.RunStartRecord{
		Type:                      protocol.TypeRunStart,
		ProtocolVersion:           protocol.Version,
		RunID:                     d.cfg.RunID,
		StartTick:                 0,
		DurationTicks:             d.cfg.DurationTicks,
		Capacity:                  st.Capacity,
		InitialStock:              lake.ClampedInitialStock(d.cfg.Lake),
		GrowthRate:                d.cfg.Lake.GrowthRate,
		CollapseThresholdFraction: d.cfg.Lake.CollapseThresholdFraction,
		Phases:                    d.cfg.Phases,
		Agents:                    names,
	}
	if d.collapse != nil {
		rec.Collapsed = true
		rec.CollapseReason = string(d.collapse.Reason)
		d.collapse = nil
	}
	for _, e := range d.events {
		if err := e.WriteRunStart(rec); err != nil {
			d.log.Printf("warn: run %s: event log run start: %v", d.cfg.RunID, err)
		}
	}
}

// Done reports whether no further ticks should run.
func (d *Driver) Done() bool {
	if d.finished {
		return true
	}
	if !d.initialized {
		return false
	}
	if d.tick >= d.cfg.DurationTicks {
		return true
	}
	return d.cfg.StopOnCollapse && d.lake.Collapsed()
}

// Position maps a tick (>= 1) to its cycle index, phase and offset in the cycle.
func Position(ph protocol.PhaseSpec, tick uint64) (cycle int, phase string, offset int) {
	n := uint64(ph.CycleTicks())
	offset = int((tick - 1) % n)
	cycle = int((tick - 1) / n)
	switch {
	case offset < ph.PlanningTicks:
		phase = protocol.PhasePlanning
	case offset < ph.PlanningTicks+ph.HarvestTicks:
		phase = protocol.PhaseHarvest
	default:
		phase = protocol.PhaseDiscussion
	}
	return cycle, phase, offset
}

// Step runs exactly one tick.
func (d *Driver) Step(ctx context.Context) error {
	if !d.initialized {
		d.Init()
	}
	if d.finished {
		return ErrFinished
	}
	if d.Done() {
		return nil
	}

	d.tick++
	t := d.tick
	cycle, phase, offset := Position(d.cfg.Phases, t)
	rec := protocol.TickRecord{Type: protocol.TypeTick, Tick: t, Cycle: cycle, Phase: phase}
	d.cycleOpen = true

	switch phase {
	case protocol.PhasePlanning:
		if !d.lake.Collapsed() {
			v := d.view(t, cycle, phase, 0)
			for _, a := range d.agents {
				if p, ok := a.(agents.Planner); ok {
					p.Plan(ctx, v)
				}
			}
		}

	case protocol.PhaseHarvest:
		if offset == d.cfg.Phases.PlanningTicks {
			rec.Regenerated = d.lake.Regenerate(t)
		}
		share := d.lake.SustainableYield() / float64(len(d.agents))
		v := d.view(t, cycle, phase, share)
		for _, a := range d.agents {
			want := a.DecideHarvest(ctx, v)
			out := d.lake.Harvest(want, t)
			d.metrics.RecordHarvest(a.Name(), out.Granted)
			d.metrics.RecordHarvestDetail(a.Name(), out.Granted, share)
			rec.Harvests = append(rec.Harvests, protocol.HarvestRecord{
				Agent:       a.Name(),
				Requested:   out.Requested,
				Granted:     out.Granted,
				Sustainable: share,
			})
		}
		d.lake.CheckCollapse(t)

	case protocol.PhaseDiscussion:
		v := d.view(t, cycle, phase, d.lake.SustainableYield()/float64(len(d.agents)))
		for _, a := range d.agents {
			for _, text := range a.Discuss(ctx, v) {
				if d.board.Post(cycle, t, a.Name(), text) {
					d.metrics.RecordMessage()
					rec.Messages = append(rec.Messages, protocol.MessageRecord{Author: a.Name(), Text: text})
				}
			}
		}
	}

	if d.collapse != nil {
		rec.Collapsed = true
		rec.CollapseReason = string(d.collapse.Reason)
		d.collapse = nil
	}

	if n := d.cfg.StockSampleEveryTicks; n > 0 && t%uint64(n) == 0 && !d.lake.Collapsed() {
		d.metrics.RecordStock(t, d.lake.Stock())
		rec.StockSampled = true
	}

	if offset == d.cfg.Phases.CycleTicks()-1 {
		d.metrics.CycleEnded(t)
		d.cycleOpen = false
		rec.CycleEnded = true
	}

	rec.Stock = d.lake.Stock()
	for _, e := range d.events {
		if err := e.WriteTick(rec); err != nil {
			d.log.Printf("warn: run %s: event log tick %d: %v", d.cfg.RunID, t, err)
		}
	}
	return nil
}

func (d *Driver) view(t uint64, cycle int, phase string, share float64) agents.View {
	st := d.lake.State()
	return agents.View{
		Tick:             t,
		Cycle:            cycle,
		Phase:            phase,
		Stock:            st.Stock,
		Capacity:         st.Capacity,
		Collapsed:        st.Collapsed,
		AgentCount:       len(d.agents),
		SustainableShare: share,
		Board:            d.board,
	}
}

// Finish flushes a partial cycle and finalizes the report. Calling it again
// returns the same report.
func (d *Driver) Finish(interrupted bool) (protocol.Report, error) {
	if !d.initialized {
		d.Init()
	}
	if d.finished {
		return d.report, nil
	}
	d.finished = true
	if d.cycleOpen {
		d.metrics.CycleEnded(d.tick)
		d.cycleOpen = false
	}

	st := d.lake.State()
	rep, err := d.metrics.RunEnded(d.tick, st)
	d.report = rep

	end := protocol.RunEndRecord{
		Type:           protocol.TypeRunEnd,
		RunID:          d.cfg.RunID,
		Tick:           d.tick,
		Stock:          st.Stock,
		Capacity:       st.Capacity,
		Collapsed:      st.Collapsed,
		LastUpdateTick: st.LastUpdateStep,
		Interrupted:    interrupted,
	}
	for _, e := range d.events {
		if werr := e.WriteRunEnd(end); werr != nil {
			d.log.Printf("warn: run %s: event log run end: %v", d.cfg.RunID, werr)
		}
	}
	d.log.Printf("run %s: finished tick=%d outcome=%s survival=%d final_stock=%.3f", d.cfg.RunID, d.tick, rep.Outcome, rep.SurvivalTicks, rep.FinalStock)
	return rep, err
}

// Run drives the whole run. On cancellation the report is still finalized
// with the ticks completed so far and ctx.Err() is returned.
func (d *Driver) Run(ctx context.Context) (protocol.Report, error) {
	d.Init()

	var tickC <-chan time.Time
	if d.cfg.TickRateHz > 0 {
		ticker := time.NewTicker(time.Second / time.Duration(d.cfg.TickRateHz))
		defer ticker.Stop()
		tickC = ticker.C
	}

	for !d.Done() {
		if tickC != nil {
			select {
			case <-ctx.Done():
			case <-tickC:
			}
		}
		if err := ctx.Err(); err != nil {
			rep, ferr := d.Finish(true)
			return rep, errors.Join(err, ferr)
		}
		if err := d.Step(ctx); err != nil {
			return d.report, err
		}
	}
	return d.Finish(false)
}

func (d *Driver) Tick() uint64 { return d.tick }

func (d *Driver) Lake() *lake.Lake { return d.lake }

func (d *Driver) Metrics() *metrics.Aggregator { return d.metrics }

func (d *Driver) Board() *townhall.Board { return d.board }

func (d *Driver) Config() Config { return d.cfg }
