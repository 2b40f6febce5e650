package observerproto

import "lakecommons.ai/internal/protocol"

// Version is the observer protocol version (separate from the event log records).
const Version = "0.1"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeRunStart  = "RUN_START"
	TypeTick      = "TICK"
	TypeRunEnd    = "RUN_END"
	TypeReport    = "REPORT"
)

// Client -> Server. First message on the observer WS connection, and can be re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	// Forward every Nth tick; collapse ticks are always forwarded.
	TicksEvery int `json:"ticks_every,omitempty"`
	// Include harvest and townhall details in TICK messages.
	Details bool `json:"details,omitempty"`
}

// HTTP response for GET /v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string           `json:"protocol_version"`
	RunID           string           `json:"run_id"`
	Tick            uint64           `json:"tick"`
	Running         bool             `json:"running"`
	RunParams       RunParams        `json:"run_params"`
	Report          *protocol.Report `json:"report,omitempty"`
}

type RunParams struct {
	DurationTicks             uint64             `json:"duration_ticks"`
	Capacity                  float64            `json:"capacity"`
	InitialStock              float64            `json:"initial_stock"`
	GrowthRate                float64            `json:"growth_rate"`
	CollapseThresholdFraction float64            `json:"collapse_threshold_fraction"`
	Phases                    protocol.PhaseSpec `json:"phases"`
	Agents                    []string           `json:"agents"`
}

// Server -> Client. Sent once per run, and on subscribe when a run is active.
type RunStartMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	RunID           string    `json:"run_id"`
	RunParams       RunParams `json:"run_params"`
	Collapsed       bool      `json:"collapsed,omitempty"`
}

// Server -> Client. Slow clients only see the latest tick.
type TickMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	Cycle           int    `json:"cycle"`
	Phase           string `json:"phase"`

	Stock       float64 `json:"stock"`
	Capacity    float64 `json:"capacity"`
	Collapsed   bool    `json:"collapsed"`
	Regenerated float64 `json:"regenerated,omitempty"`
	Harvested   float64 `json:"harvested,omitempty"`

	Harvests []protocol.HarvestRecord `json:"harvests,omitempty"`
	Messages []protocol.MessageRecord `json:"messages,omitempty"`
}

type RunEndMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	RunID           string  `json:"run_id"`
	Tick            uint64  `json:"tick"`
	Stock           float64 `json:"stock"`
	Collapsed       bool    `json:"collapsed"`
	Interrupted     bool    `json:"interrupted,omitempty"`
}

type ReportMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	Report          protocol.Report `json:"report"`
}
