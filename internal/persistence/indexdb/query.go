package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"lakecommons.ai/internal/protocol"
)

type RunRow struct {
	RunID         string   `json:"run_id"`
	StartedAt     string   `json:"started_at"`
	DurationTicks uint64   `json:"duration_ticks"`
	EndedTick     *uint64  `json:"ended_tick,omitempty"`
	Interrupted   bool     `json:"interrupted,omitempty"`
	Outcome       string   `json:"outcome,omitempty"`
	SurvivalTicks *uint64  `json:"survival_ticks,omitempty"`
	FinalStock    *float64 `json:"final_stock,omitempty"`
	// Raw JSON text of harvest_efficiency, e.g. 1.25 or "Infinity".
	Efficiency string   `json:"harvest_efficiency,omitempty"`
	Gini       *float64 `json:"gini,omitempty"`
}

type TickRow struct {
	Tick        uint64  `json:"tick"`
	Cycle       int     `json:"cycle"`
	Phase       string  `json:"phase"`
	Stock       float64 `json:"stock"`
	Regenerated float64 `json:"regenerated"`
	Harvested   float64 `json:"harvested"`
	Messages    int     `json:"messages"`
	Collapsed   bool    `json:"collapsed"`
}

// Reader queries an index written by SQLiteIndex. It opens no writer.
type Reader struct {
	db *sql.DB
}

func OpenReader(path string) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Reader{db: db}, nil
}

func (r *Reader) Close() error { return r.db.Close() }

// DB exposes the handle for ad-hoc queries.
func (r *Reader) DB() *sql.DB { return r.db }

func (r *Reader) ListRuns(ctx context.Context, limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `SELECT run_id, started_at, duration_ticks, ended_tick, interrupted,
		COALESCE(outcome,''), survival_ticks, final_stock, COALESCE(harvest_efficiency,''), gini
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var (
			rr          RunRow
			dur         int64
			ended       sql.NullInt64
			interrupted int
			survival    sql.NullInt64
			final       sql.NullFloat64
			gini        sql.NullFloat64
		)
		if err := rows.Scan(&rr.RunID, &rr.StartedAt, &dur, &ended, &interrupted, &rr.Outcome, &survival, &final, &rr.Efficiency, &gini); err != nil {
			return nil, err
		}
		rr.DurationTicks = uint64(dur)
		rr.Interrupted = interrupted != 0
		if ended.Valid {
			v := uint64(ended.Int64)
			rr.EndedTick = &v
		}
		if survival.Valid {
			v := uint64(survival.Int64)
			rr.SurvivalTicks = &v
		}
		if final.Valid {
			rr.FinalStock = &final.Float64
		}
		if gini.Valid {
			rr.Gini = &gini.Float64
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}

func (r *Reader) Report(ctx context.Context, runID string) (protocol.Report, error) {
	var raw sql.NullString
	var rep protocol.Report
	err := r.db.QueryRowContext(ctx, `SELECT report_json FROM runs WHERE run_id=?`, runID).Scan(&raw)
	if err != nil {
		return rep, err
	}
	if !raw.Valid {
		return rep, fmt.Errorf("run %s has no report", runID)
	}
	err = json.Unmarshal([]byte(raw.String), &rep)
	return rep, err
}

func (r *Reader) StockSeries(ctx context.Context, runID string) ([]protocol.StockPoint, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT tick, stock FROM stock_series WHERE run_id=? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []protocol.StockPoint
	for rows.Next() {
		var tick int64
		var p protocol.StockPoint
		if err := rows.Scan(&tick, &p.Stock); err != nil {
			return nil, err
		}
		p.Tick = uint64(tick)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Reader) AgentGains(ctx context.Context, runID string) (map[string]float64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT agent, gain FROM agent_gains WHERE run_id=?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]float64{}
	for rows.Next() {
		var agent string
		var gain float64
		if err := rows.Scan(&agent, &gain); err != nil {
			return nil, err
		}
		out[agent] = gain
	}
	return out, rows.Err()
}

func (r *Reader) Ticks(ctx context.Context, runID string, fromTick, toTick uint64) ([]TickRow, error) {
	if toTick == 0 {
		toTick = 1<<63 - 1
	}
	rows, err := r.db.QueryContext(ctx, `SELECT tick, cycle, phase, stock, regenerated, harvested, messages, collapsed
		FROM ticks WHERE run_id=? AND tick>=? AND tick<=? ORDER BY tick`, runID, int64(fromTick), int64(toTick))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TickRow
	for rows.Next() {
		var t TickRow
		var tick int64
		var collapsed int
		if err := rows.Scan(&tick, &t.Cycle, &t.Phase, &t.Stock, &t.Regenerated, &t.Harvested, &t.Messages, &collapsed); err != nil {
			return nil, err
		}
		t.Tick = uint64(tick)
		t.Collapsed = collapsed != 0
		out = append(out, t)
	}
	return out, rows.Err()
}
