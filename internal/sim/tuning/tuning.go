package tuning

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	RunID         string `yaml:"run_id"`
	DurationTicks int    `yaml:"duration_ticks"`
	TickRateHz    int    `yaml:"tick_rate_hz"`
	Seed          int64  `yaml:"seed"`

	Lake   LakeTuning  `yaml:"lake"`
	Phases PhaseTuning `yaml:"phases"`

	StockSampleEveryTicks int   `yaml:"stock_sample_every_ticks"`
	StopOnCollapse        *bool `yaml:"stop_on_collapse"`
	LogSegmentTicks       int   `yaml:"log_segment_ticks"`

	Townhall TownhallTuning `yaml:"townhall"`
	Agents   []AgentTuning  `yaml:"agents"`
}

type LakeTuning struct {
	Capacity                  float64 `yaml:"capacity"`
	InitialStock              float64 `yaml:"initial_stock"`
	GrowthRate                float64 `yaml:"growth_rate"`
	CollapseThresholdFraction float64 `yaml:"collapse_threshold_fraction"`
}

type PhaseTuning struct {
	PlanningTicks   int `yaml:"planning_ticks"`
	HarvestTicks    int `yaml:"harvest_ticks"`
	DiscussionTicks int `yaml:"discussion_ticks"`
}

func (p PhaseTuning) CycleTicks() int {
	return p.PlanningTicks + p.HarvestTicks + p.DiscussionTicks
}

type TownhallTuning struct {
	MessagesPerAgentPerCycle int `yaml:"messages_per_agent_per_cycle"`
	HistoryLimit             int `yaml:"history_limit"`
}

// AgentTuning configures one rule-based harvester. Which numeric fields apply
// depends on Policy.
type AgentTuning struct {
	Name     string  `yaml:"name"`
	Policy   string  `yaml:"policy"`
	Amount   float64 `yaml:"amount"`
	Fraction float64 `yaml:"fraction"`
	Factor   float64 `yaml:"factor"`
	Max      float64 `yaml:"max"`
}

var Policies = []string{"fixed", "greedy", "sustainable", "random"}

func Defaults() Tuning {
	stop := true
	return Tuning{
		ProtocolVersion: "1.0",
		DurationTicks:   120,
		TickRateHz:      0,
		Seed:            1337,
		Lake: LakeTuning{
			Capacity:                  100,
			InitialStock:              100,
			GrowthRate:                0.5,
			CollapseThresholdFraction: 0.10,
		},
		Phases: PhaseTuning{
			PlanningTicks:   1,
			HarvestTicks:    1,
			DiscussionTicks: 1,
		},
		StockSampleEveryTicks: 1,
		StopOnCollapse:        &stop,
		LogSegmentTicks:       1000,
		Townhall: TownhallTuning{
			MessagesPerAgentPerCycle: 2,
			HistoryLimit:             500,
		},
		Agents: []AgentTuning{
			{Name: "alice", Policy: "sustainable", Factor: 1},
			{Name: "bob", Policy: "sustainable", Factor: 1},
			{Name: "carol", Policy: "fixed", Amount: 5},
		},
	}
}

// Load reads path over Defaults, so a file only needs the keys it changes.
// An agents list in the file replaces the default agents entirely.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) StopsOnCollapse() bool {
	return t.StopOnCollapse == nil || *t.StopOnCollapse
}

func (t Tuning) Validate() error {
	var errs []error
	if t.DurationTicks <= 0 {
		errs = append(errs, fmt.Errorf("duration_ticks must be > 0 (got %d)", t.DurationTicks))
	}
	if t.TickRateHz < 0 {
		errs = append(errs, fmt.Errorf("tick_rate_hz must be >= 0 (got %d)", t.TickRateHz))
	}
	if !(t.Lake.Capacity > 0) || math.IsInf(t.Lake.Capacity, 0) {
		errs = append(errs, fmt.Errorf("lake.capacity must be a positive number (got %v)", t.Lake.Capacity))
	}
	if f := t.Lake.CollapseThresholdFraction; !(f > 0 && f < 1) {
		errs = append(errs, fmt.Errorf("lake.collapse_threshold_fraction must be in (0,1) (got %v)", f))
	}
	if !(t.Lake.GrowthRate >= 0) || math.IsInf(t.Lake.GrowthRate, 0) {
		errs = append(errs, fmt.Errorf("lake.growth_rate must be >= 0 (got %v)", t.Lake.GrowthRate))
	}
	if t.Phases.PlanningTicks < 0 || t.Phases.DiscussionTicks < 0 {
		errs = append(errs, errors.New("phases: tick counts must be >= 0"))
	}
	if t.Phases.HarvestTicks < 1 {
		errs = append(errs, fmt.Errorf("phases.harvest_ticks must be >= 1 (got %d)", t.Phases.HarvestTicks))
	}
	if t.StockSampleEveryTicks < 0 || t.LogSegmentTicks < 0 {
		errs = append(errs, errors.New("stock_sample_every_ticks and log_segment_ticks must be >= 0"))
	}
	if t.Townhall.MessagesPerAgentPerCycle < 0 || t.Townhall.HistoryLimit < 0 {
		errs = append(errs, errors.New("townhall limits must be >= 0"))
	}
	if len(t.Agents) == 0 {
		errs = append(errs, errors.New("agents: at least one agent is required"))
	}
	seen := map[string]bool{}
	for i, a := range t.Agents {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("agents[%d]: name is required", i))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate name %q", i, name))
		}
		seen[name] = true
		if !knownPolicy(a.Policy) {
			errs = append(errs, fmt.Errorf("agents[%d] %s: unknown policy %q (want one of %s)", i, name, a.Policy, strings.Join(Policies, ", ")))
		}
	}
	return errors.Join(errs...)
}

func knownPolicy(p string) bool {
	for _, k := range Policies {
		if p == k {
			return true
		}
	}
	return false
}
