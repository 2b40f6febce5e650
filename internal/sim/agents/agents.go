package agents

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"

	"lakecommons.ai/internal/sim/townhall"
	"lakecommons.ai/internal/sim/tuning"
)

// View is what an agent sees when asked to act. Board is shared by every agent
// in the run and must be treated as read-only.
type View struct {
	Tick      uint64
	Cycle     int
	Phase     string
	Stock     float64
	Capacity  float64
	Collapsed bool

	AgentCount int
	// Sustainable per-agent share for the current round.
	SustainableShare float64

	Board *townhall.Board
}

// Agent decides harvest amounts and discussion posts. Decisions may be
// arbitrary (negative, NaN, larger than the stock); the lake treats invalid
// requests as zero-effect.
type Agent interface {
	Name() string
	DecideHarvest(ctx context.Context, v View) float64
	Discuss(ctx context.Context, v View) []string
}

// Planner is implemented by agents that act on planning ticks.
type Planner interface {
	Plan(ctx context.Context, v View)
}

type Fixed struct {
	ID     string
	Amount float64
}

func (a *Fixed) Name() string                                { return a.ID }
func (a *Fixed) DecideHarvest(context.Context, View) float64 { return a.Amount }
func (a *Fixed) Discuss(context.Context, View) []string      { return nil }

// Greedy takes a fixed fraction of whatever is in the lake.
type Greedy struct {
	ID       string
	Fraction float64
}

func (a *Greedy) Name() string { return a.ID }

func (a *Greedy) DecideHarvest(_ context.Context, v View) float64 {
	return a.Fraction * v.Stock
}

func (a *Greedy) Discuss(context.Context, View) []string { return nil }

// Sustainable harvests its share of the regrowth scaled by Factor, and
// proposes a per-agent quota to the townhall. During planning it adopts the
// lowest quota proposed in the previous cycle when that is stricter.
type Sustainable struct {
	ID     string
	Factor float64

	adopted float64 // 0 when no proposal was adopted
}

const quotaPrefix = "quota="

func (a *Sustainable) Name() string { return a.ID }

func (a *Sustainable) Plan(_ context.Context, v View) {
	a.adopted = 0
	if v.Board == nil || v.Cycle == 0 {
		return
	}
	for _, p := range v.Board.Cycle(v.Cycle - 1) {
		q, ok := ParseQuota(p.Text)
		if !ok {
			continue
		}
		if a.adopted == 0 || q < a.adopted {
			a.adopted = q
		}
	}
}

func (a *Sustainable) DecideHarvest(_ context.Context, v View) float64 {
	want := v.SustainableShare * a.Factor
	if a.adopted > 0 && a.adopted < want {
		want = a.adopted
	}
	return want
}

func (a *Sustainable) Discuss(_ context.Context, v View) []string {
	if v.Collapsed || v.AgentCount == 0 {
		return nil
	}
	return []string{FormatQuota(v.SustainableShare)}
}

func FormatQuota(q float64) string {
	return fmt.Sprintf("%s%.3f", quotaPrefix, q)
}

func ParseQuota(text string) (float64, bool) {
	if !strings.HasPrefix(text, quotaPrefix) {
		return 0, false
	}
	var q float64
	if _, err := fmt.Sscanf(strings.TrimPrefix(text, quotaPrefix), "%g", &q); err != nil {
		return 0, false
	}
	if math.IsNaN(q) || q <= 0 {
		return 0, false
	}
	return q, true
}

// Random draws uniformly from [0, Max).
type Random struct {
	ID  string
	Max float64
	rng *rand.Rand
}

func NewRandom(id string, max float64, seed int64) *Random {
	return &Random{ID: id, Max: max, rng: rand.New(rand.NewSource(seed))}
}

func (a *Random) Name() string { return a.ID }

func (a *Random) DecideHarvest(context.Context, View) float64 {
	return a.rng.Float64() * a.Max
}

func (a *Random) Discuss(context.Context, View) []string { return nil }

// Build creates the configured agents in order. Random agents get a seed
// derived from the run seed and their name, so runs are reproducible.
func Build(cfgs []tuning.AgentTuning, seed int64) ([]Agent, error) {
	out := make([]Agent, 0, len(cfgs))
	for _, c := range cfgs {
		name := strings.TrimSpace(c.Name)
		switch c.Policy {
		case "fixed":
			out = append(out, &Fixed{ID: name, Amount: c.Amount})
		case "greedy":
			out = append(out, &Greedy{ID: name, Fraction: c.Fraction})
		case "sustainable":
			f := c.Factor
			if f == 0 {
				f = 1
			}
			out = append(out, &Sustainable{ID: name, Factor: f})
		case "random":
			out = append(out, NewRandom(name, c.Max, seed^nameSeed(name)))
		default:
			return nil, fmt.Errorf("agent %q: unknown policy %q", name, c.Policy)
		}
	}
	return out, nil
}

func nameSeed(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}
