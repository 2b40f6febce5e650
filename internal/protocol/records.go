package protocol

type PhaseSpec struct {
	PlanningTicks   int `json:"planning_ticks"`
	HarvestTicks    int `json:"harvest_ticks"`
	DiscussionTicks int `json:"discussion_ticks"`
}

func (p PhaseSpec) CycleTicks() int {
	return p.PlanningTicks + p.HarvestTicks + p.DiscussionTicks
}

// RUN_START
type RunStartRecord struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	RunID           string `json:"run_id"`
	StartTick       uint64 `json:"start_tick"`
	DurationTicks   uint64 `json:"duration_ticks"`

	Capacity                  float64 `json:"capacity"`
	InitialStock              float64 `json:"initial_stock"`
	GrowthRate                float64 `json:"growth_rate"`
	CollapseThresholdFraction float64 `json:"collapse_threshold_fraction"`

	Phases PhaseSpec `json:"phases"`
	Agents []string  `json:"agents"`

	// The lake can collapse during initialization.
	Collapsed      bool   `json:"collapsed,omitempty"`
	CollapseReason string `json:"collapse_reason,omitempty"`
}

type HarvestRecord struct {
	Agent     string  `json:"agent"`
	Requested float64 `json:"requested"`
	Granted   float64 `json:"granted"`
	// Instantaneous sustainable per-agent share at the start of the round.
	Sustainable float64 `json:"sustainable"`
}

type MessageRecord struct {
	Author string `json:"author"`
	Text   string `json:"text"`
}

// TICK. Fields are listed in the order the driver applies them.
type TickRecord struct {
	Type  string `json:"type"`
	Tick  uint64 `json:"tick"`
	Cycle int    `json:"cycle"`
	Phase string `json:"phase"`

	Regenerated    float64         `json:"regenerated,omitempty"`
	Harvests       []HarvestRecord `json:"harvests,omitempty"`
	Collapsed      bool            `json:"collapsed,omitempty"`
	CollapseReason string          `json:"collapse_reason,omitempty"`
	Messages       []MessageRecord `json:"messages,omitempty"`

	Stock        float64 `json:"stock"`
	StockSampled bool    `json:"stock_sampled,omitempty"`
	CycleEnded   bool    `json:"cycle_ended,omitempty"`
}

// RUN_END
type RunEndRecord struct {
	Type           string  `json:"type"`
	RunID          string  `json:"run_id"`
	Tick           uint64  `json:"tick"`
	Stock          float64 `json:"stock"`
	Capacity       float64 `json:"capacity"`
	Collapsed      bool    `json:"collapsed"`
	LastUpdateTick uint64  `json:"last_update_tick"`
	// Set when the run was cut short by cancellation.
	Interrupted bool `json:"interrupted,omitempty"`
}
