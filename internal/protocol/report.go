package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

type Outcome string

const (
	OutcomeUnresolved Outcome = "Unresolved"
	OutcomeSurvived   Outcome = "Survived"
	OutcomeCollapsed  Outcome = "Collapsed"
)

// Report is the persisted end-of-run artifact. Key names are shared with
// existing report consumers and must not change.
type Report struct {
	RunID             string             `json:"run_id"`
	DurationTicks     uint64             `json:"simulation_duration_ticks"`
	Outcome           Outcome            `json:"outcome"`
	SurvivalTicks     uint64             `json:"survival_time_ticks"`
	FinalStock        float64            `json:"final_fish_stock"`
	HarvestEfficiency Efficiency         `json:"harvest_efficiency"`
	Gini              float64            `json:"final_wealth_inequality_gini"`
	TotalWealth       float64            `json:"total_wealth_generated"`
	GainPerAgent      map[string]float64 `json:"total_gain_per_agent"`
	MeanGainPerAgent  float64            `json:"mean_gain_per_agent"`
	OverUsageFraction float64            `json:"over_usage_fraction"`
	StockSeries       []StockPoint       `json:"fish_stock_time_series"`
	HarvestPerCycle   []CycleHarvest     `json:"total_harvest_per_cycle_time_series"`
	MessagesPerCycle  []CycleMessages    `json:"townhall_messages_per_cycle_time_series"`
}

type StockPoint struct {
	Tick  uint64  `json:"tick"`
	Stock float64 `json:"stock"`
}

type CycleHarvest struct {
	Cycle   int     `json:"cycle"`
	Harvest float64 `json:"harvest"`
}

type CycleMessages struct {
	Cycle    int `json:"cycle"`
	Messages int `json:"messages"`
}

// Efficiency is harvest over regeneration. An unbounded value (harvest with no
// regeneration) is encoded as the string "Infinity" since JSON has no
// literal for it.
type Efficiency float64

const infinityToken = "Infinity"

func (e Efficiency) IsInf() bool { return math.IsInf(float64(e), 1) }

func (e Efficiency) String() string {
	if e.IsInf() {
		return infinityToken
	}
	return strconv.FormatFloat(float64(e), 'f', 4, 64)
}

func (e Efficiency) MarshalJSON() ([]byte, error) {
	v := float64(e)
	if math.IsInf(v, 1) {
		return []byte(`"` + infinityToken + `"`), nil
	}
	if math.IsNaN(v) || math.IsInf(v, -1) {
		return nil, fmt.Errorf("harvest efficiency is not representable: %v", v)
	}
	return []byte(strconv.FormatFloat(v, 'g', -1, 64)), nil
}

func (e *Efficiency) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if s != infinityToken {
			return fmt.Errorf("harvest efficiency: unexpected string %q", s)
		}
		*e = Efficiency(math.Inf(1))
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("harvest efficiency: %w", err)
	}
	*e = Efficiency(f)
	return nil
}
