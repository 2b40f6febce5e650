package replay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"lakecommons.ai/internal/protocol"
	"lakecommons.ai/internal/sim/lake"
	"lakecommons.ai/internal/sim/metrics"
)

// Replayer feeds logged run records to a fresh aggregator in the order the
// driver produced them, so the rebuilt report matches the original exactly.
type Replayer struct {
	m         *metrics.Aggregator
	lastTick  uint64
	cycleOpen bool
	ended     bool
	report    protocol.Report
}

func (r *Replayer) RunStart(rec protocol.RunStartRecord) error {
	if r.m != nil {
		return fmt.Errorf("duplicate RUN_START (run %s)", rec.RunID)
	}
	r.m = metrics.New(rec.RunID, rec.DurationTicks, nil)
	r.m.RunStarted(rec.StartTick, rec.InitialStock)
	if rec.Collapsed {
		r.m.ResourceCollapsed(rec.StartTick, 0)
	}
	r.lastTick = rec.StartTick
	return nil
}

func (r *Replayer) Tick(rec protocol.TickRecord) error {
	if r.m == nil {
		return fmt.Errorf("TICK %d before RUN_START", rec.Tick)
	}
	if r.ended {
		return fmt.Errorf("TICK %d after RUN_END", rec.Tick)
	}
	if rec.Tick != r.lastTick+1 {
		return fmt.Errorf("tick gap: want=%d got=%d", r.lastTick+1, rec.Tick)
	}
	r.lastTick = rec.Tick
	r.cycleOpen = true

	if rec.Regenerated > 0 {
		r.m.RecordRegeneration(rec.Regenerated)
	}
	for _, h := range rec.Harvests {
		r.m.RecordHarvest(h.Agent, h.Granted)
		r.m.RecordHarvestDetail(h.Agent, h.Granted, h.Sustainable)
	}
	if rec.Collapsed {
		r.m.ResourceCollapsed(rec.Tick, 0)
	}
	for range rec.Messages {
		r.m.RecordMessage()
	}
	if rec.StockSampled {
		r.m.RecordStock(rec.Tick, rec.Stock)
	}
	if rec.CycleEnded {
		r.m.CycleEnded(rec.Tick)
		r.cycleOpen = false
	}
	return nil
}

func (r *Replayer) RunEnd(rec protocol.RunEndRecord) (protocol.Report, error) {
	if r.m == nil {
		return protocol.Report{}, errors.New("RUN_END before RUN_START")
	}
	if r.ended {
		return r.report, nil
	}
	if r.cycleOpen {
		r.m.CycleEnded(rec.Tick)
		r.cycleOpen = false
	}
	rep, err := r.m.RunEnded(rec.Tick, lake.State{
		Stock:          rec.Stock,
		Capacity:       rec.Capacity,
		Collapsed:      rec.Collapsed,
		LastUpdateStep: rec.LastUpdateTick,
	})
	if err != nil {
		return rep, err
	}
	r.ended = true
	r.report = rep
	return rep, nil
}

// Rebuild decodes JSONL records and returns the report they describe.
func Rebuild(lines [][]byte) (protocol.Report, error) {
	var r Replayer
	for i, line := range lines {
		base, err := protocol.DecodeBase(line)
		if err != nil {
			return protocol.Report{}, fmt.Errorf("record %d: %w", i, err)
		}
		switch base.Type {
		case protocol.TypeRunStart:
			var rec protocol.RunStartRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return protocol.Report{}, fmt.Errorf("record %d: %w", i, err)
			}
			if err := r.RunStart(rec); err != nil {
				return protocol.Report{}, err
			}
		case protocol.TypeTick:
			var rec protocol.TickRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return protocol.Report{}, fmt.Errorf("record %d: %w", i, err)
			}
			if err := r.Tick(rec); err != nil {
				return protocol.Report{}, err
			}
		case protocol.TypeRunEnd:
			var rec protocol.RunEndRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return protocol.Report{}, fmt.Errorf("record %d: %w", i, err)
			}
			return r.RunEnd(rec)
		default:
			return protocol.Report{}, fmt.Errorf("record %d: unknown type %q", i, base.Type)
		}
	}
	return protocol.Report{}, errors.New("log ended without RUN_END")
}

// Diff lists the report fields that differ, by JSON key.
func Diff(a, b protocol.Report) ([]string, error) {
	am, err := asMap(a)
	if err != nil {
		return nil, err
	}
	bm, err := asMap(b)
	if err != nil {
		return nil, err
	}
	var out []string
	for k, av := range am {
		if string(av) != string(bm[k]) {
			out = append(out, k)
		}
	}
	for k := range bm {
		if _, ok := am[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func asMap(r protocol.Report) (map[string]json.RawMessage, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	err = json.Unmarshal(b, &m)
	return m, err
}
