package lake

import "math"

type Config struct {
	Capacity                  float64
	InitialStock              float64
	GrowthRate                float64
	CollapseThresholdFraction float64
}

// State is an immutable snapshot of the lake.
type State struct {
	Stock          float64 `json:"stock"`
	Capacity       float64 `json:"capacity"`
	Collapsed      bool    `json:"collapsed"`
	LastUpdateStep uint64  `json:"last_update_step"`
}

type HarvestOutcome struct {
	Requested  float64 `json:"requested"`
	Granted    float64 `json:"granted"`
	StockAfter float64 `json:"stock_after"`
}

// Lake is the shared fish stock. It is not safe for concurrent use; a single
// driver owns it and advances it one step at a time.
type Lake struct {
	capacity  float64
	stock     float64
	growth    float64
	threshold float64 // fraction of capacity

	collapsed  bool
	lastUpdate uint64

	observers []Observer
}

// New initializes the lake at step. Observers passed here receive the
// collapse event when the initial stock is already at or below the threshold.
func New(cfg Config, step uint64, observers ...Observer) *Lake {
	cfg = cfg.normalized()
	l := &Lake{
		capacity:   cfg.Capacity,
		growth:     cfg.GrowthRate,
		threshold:  cfg.CollapseThresholdFraction,
		lastUpdate: step,
	}
	for _, o := range observers {
		if o != nil {
			l.observers = append(l.observers, o)
		}
	}

	stock := ClampedInitialStock(cfg)
	if stock <= l.threshold*l.capacity {
		l.collapse(step, ReasonInitialStock, stock)
		return l
	}
	l.stock = stock
	return l
}

// ClampedInitialStock returns the stock New would start from, before the
// initial collapse check.
func ClampedInitialStock(cfg Config) float64 {
	cfg = cfg.normalized()
	return clamp(cfg.InitialStock, 0, cfg.Capacity)
}

func (c Config) normalized() Config {
	if !finite(c.Capacity) || c.Capacity < 0 {
		c.Capacity = 0
	}
	if !finite(c.GrowthRate) || c.GrowthRate < 0 {
		c.GrowthRate = 0
	}
	if math.IsNaN(c.CollapseThresholdFraction) {
		c.CollapseThresholdFraction = 0
	}
	c.CollapseThresholdFraction = clamp(c.CollapseThresholdFraction, 0, 1)
	if math.IsNaN(c.InitialStock) {
		c.InitialStock = 0
	}
	return c
}

// Subscribe registers an observer for subsequent events.
func (l *Lake) Subscribe(o Observer) {
	if o == nil {
		return
	}
	l.observers = append(l.observers, o)
}

// Harvest removes up to amount from the stock. It never evaluates collapse;
// the driver calls CheckCollapse once after every agent in the round harvested.
func (l *Lake) Harvest(amount float64, step uint64) HarvestOutcome {
	out := HarvestOutcome{Requested: amount, StockAfter: l.stock}
	if l.collapsed || math.IsNaN(amount) || amount <= 0 {
		return out
	}
	granted := math.Min(amount, l.stock)
	l.stock -= granted
	if l.stock < 0 {
		l.stock = 0
	}
	l.lastUpdate = step

	out.Granted = granted
	out.StockAfter = l.stock
	for _, o := range l.observers {
		o.Harvested(step, out)
	}
	return out
}

// CheckCollapse collapses the lake when the stock is at or below the threshold.
// It reports true only on the transition.
func (l *Lake) CheckCollapse(step uint64) bool {
	if l.collapsed {
		return false
	}
	if l.stock > l.threshold*l.capacity {
		return false
	}
	l.collapse(step, ReasonStockDepleted, l.stock)
	return true
}

// Regenerate applies one round of logistic growth and returns the amount added.
func (l *Lake) Regenerate(step uint64) float64 {
	if l.collapsed || l.stock <= 0 {
		return 0
	}
	before := l.stock
	after := clamp(before+l.logisticGrowth(before), 0, l.capacity)
	if after == before {
		return 0
	}
	l.stock = after
	l.lastUpdate = step

	amount := math.Max(0, after-before)
	for _, o := range l.observers {
		o.Regenerated(step, amount)
	}
	return amount
}

// SustainableYield is the growth the current stock would add on the next
// regeneration.
func (l *Lake) SustainableYield() float64 {
	if l.collapsed || l.stock <= 0 {
		return 0
	}
	return math.Max(0, l.logisticGrowth(l.stock))
}

func (l *Lake) State() State {
	return State{
		Stock:          l.stock,
		Capacity:       l.capacity,
		Collapsed:      l.collapsed,
		LastUpdateStep: l.lastUpdate,
	}
}

func (l *Lake) Collapsed() bool { return l.collapsed }

func (l *Lake) Stock() float64 { return l.stock }

func (l *Lake) Capacity() float64 { return l.capacity }

// ThresholdStock is the absolute stock level at or below which the lake collapses.
func (l *Lake) ThresholdStock() float64 { return l.threshold * l.capacity }

func (l *Lake) logisticGrowth(stock float64) float64 {
	if l.capacity <= 0 {
		return 0
	}
	return l.growth * stock * (1 - stock/l.capacity)
}

func (l *Lake) collapse(step uint64, reason CollapseReason, stockBefore float64) {
	l.collapsed = true
	l.stock = 0
	l.lastUpdate = step
	ev := CollapseEvent{Step: step, Reason: reason, StockBefore: stockBefore}
	for _, o := range l.observers {
		o.Collapsed(ev)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
