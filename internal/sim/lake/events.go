package lake

type CollapseReason string

const (
	// The lake was created at or below its collapse threshold.
	ReasonInitialStock CollapseReason = "initial_stock_at_or_below_threshold"
	// Harvesting drove the stock to or below the threshold.
	ReasonStockDepleted CollapseReason = "stock_at_or_below_threshold"
)

type CollapseEvent struct {
	Step        uint64         `json:"step"`
	Reason      CollapseReason `json:"reason"`
	StockBefore float64        `json:"stock_before"`
}

// Observer receives lake state transitions. Collapsed fires exactly once per lake.
type Observer interface {
	Harvested(step uint64, out HarvestOutcome)
	Regenerated(step uint64, amount float64)
	Collapsed(ev CollapseEvent)
}

// Hooks adapts optional callbacks to Observer.
type Hooks struct {
	OnHarvested   func(step uint64, out HarvestOutcome)
	OnRegenerated func(step uint64, amount float64)
	OnCollapsed   func(ev CollapseEvent)
}

func (h Hooks) Harvested(step uint64, out HarvestOutcome) {
	if h.OnHarvested != nil {
		h.OnHarvested(step, out)
	}
}

func (h Hooks) Regenerated(step uint64, amount float64) {
	if h.OnRegenerated != nil {
		h.OnRegenerated(step, amount)
	}
}

func (h Hooks) Collapsed(ev CollapseEvent) {
	if h.OnCollapsed != nil {
		h.OnCollapsed(ev)
	}
}
