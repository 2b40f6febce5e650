package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"lakecommons.ai/internal/protocol"
)

// SQLiteIndex is a queryable read model of runs. The JSONL event log stays the
// source of truth; tick rows may be dropped when the writer falls behind.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick  atomic.Uint64
	dropOther atomic.Uint64
}

type reqKind int

const (
	reqRunStart reqKind = iota + 1
	reqTick
	reqRunEnd
	reqReport
)

type req struct {
	kind reqKind

	start  protocol.RunStartRecord
	tick   protocol.TickRecord
	end    protocol.RunEndRecord
	report protocol.Report

	// runID of the most recent RUN_START, attached by the producer.
	runID string
	done  chan error
}

type Stats struct {
	QueueDepth     int
	QueueCapacity  int
	DropTickTotal  uint64
	DropOtherTotal uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			duration_ticks INTEGER NOT NULL,
			capacity REAL NOT NULL,
			initial_stock REAL NOT NULL,
			growth_rate REAL NOT NULL,
			collapse_threshold_fraction REAL NOT NULL,
			agents_json TEXT NOT NULL,
			ended_tick INTEGER,
			interrupted INTEGER NOT NULL DEFAULT 0,
			outcome TEXT,
			survival_ticks INTEGER,
			final_stock REAL,
			harvest_efficiency TEXT,
			gini REAL,
			total_wealth REAL,
			over_usage_fraction REAL,
			report_json TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			run_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			cycle INTEGER NOT NULL,
			phase TEXT NOT NULL,
			stock REAL NOT NULL,
			regenerated REAL NOT NULL,
			harvested REAL NOT NULL,
			messages INTEGER NOT NULL,
			collapsed INTEGER NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (run_id, tick)
		);`,
		`CREATE TABLE IF NOT EXISTS stock_series (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			tick INTEGER NOT NULL,
			stock REAL NOT NULL,
			PRIMARY KEY (run_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS agent_gains (
			run_id TEXT NOT NULL,
			agent TEXT NOT NULL,
			gain REAL NOT NULL,
			PRIMARY KEY (run_id, agent)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_outcome ON runs(outcome);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		DropTickTotal:  s.dropTick.Load(),
		DropOtherTotal: s.dropOther.Load(),
	}
}

func (s *SQLiteIndex) WriteRunStart(rec protocol.RunStartRecord) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqRunStart, start: rec, runID: rec.RunID}:
	default:
		s.dropOther.Add(1)
	}
	return nil
}

// WriteTick never blocks; a full queue drops the row.
func (s *SQLiteIndex) WriteTick(rec protocol.TickRecord) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, tick: rec}:
	default:
		s.dropTick.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) WriteRunEnd(rec protocol.RunEndRecord) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqRunEnd, end: rec, runID: rec.RunID}:
	default:
		s.dropOther.Add(1)
	}
	return nil
}

// EmitReport stores the final report and waits until it is committed.
func (s *SQLiteIndex) EmitReport(r protocol.Report) error {
	if s == nil {
		return nil
	}
	if s.closed.Load() {
		return errors.New("index closed")
	}
	done := make(chan error, 1)
	s.ch <- req{kind: reqReport, report: r, runID: r.RunID, done: done}
	return <-done
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertRun, _ := s.db.Prepare(`INSERT INTO runs(run_id,started_at,duration_ticks,capacity,initial_stock,growth_rate,collapse_threshold_fraction,agents_json)
		VALUES(?,?,?,?,?,?,?,?)
		ON CONFLICT(run_id) DO UPDATE SET started_at=excluded.started_at,duration_ticks=excluded.duration_ticks,capacity=excluded.capacity,
			initial_stock=excluded.initial_stock,growth_rate=excluded.growth_rate,collapse_threshold_fraction=excluded.collapse_threshold_fraction,agents_json=excluded.agents_json`)
	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(run_id,tick,cycle,phase,stock,regenerated,harvested,messages,collapsed,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	updateEnd, _ := s.db.Prepare(`UPDATE runs SET ended_tick=?, interrupted=? WHERE run_id=?`)
	defer func() {
		for _, st := range []*sql.Stmt{insertRun, insertTick, updateEnd} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second

		curRun string
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() error {
		if tx == nil {
			return nil
		}
		err := tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
		return err
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			_ = commit()
		}
	}

	ticker := time.NewTicker(commitMaxWait)
	defer ticker.Stop()

	for {
		var r req
		select {
		case rr, ok := <-s.ch:
			if !ok {
				_ = commit()
				return
			}
			r = rr
		case <-ticker.C:
			flushIfNeeded()
			continue
		}

		if r.kind == reqReport {
			// Reports get their own transaction so the caller sees the commit result.
			if err := commit(); err != nil {
				r.done <- err
				continue
			}
			r.done <- s.upsertReport(ctx, r.report)
			continue
		}

		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqRunStart:
			curRun = r.runID
			agents, _ := json.Marshal(r.start.Agents)
			if insertRun != nil {
				if _, err := tx.Stmt(insertRun).Exec(
					r.start.RunID,
					time.Now().UTC().Format(time.RFC3339Nano),
					int64(r.start.DurationTicks),
					r.start.Capacity,
					r.start.InitialStock,
					r.start.GrowthRate,
					r.start.CollapseThresholdFraction,
					string(agents),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqTick:
			if curRun == "" || insertTick == nil {
				continue
			}
			t := r.tick
			var harvested float64
			for _, h := range t.Harvests {
				harvested += h.Granted
			}
			raw, _ := json.Marshal(t)
			if _, err := tx.Stmt(insertTick).Exec(
				curRun,
				int64(t.Tick),
				t.Cycle,
				t.Phase,
				t.Stock,
				t.Regenerated,
				harvested,
				len(t.Messages),
				boolInt(t.Collapsed),
				string(raw),
			); err != nil {
				rollback()
				continue
			}
			opCount++

		case reqRunEnd:
			if updateEnd != nil {
				if _, err := tx.Stmt(updateEnd).Exec(int64(r.end.Tick), boolInt(r.end.Interrupted), r.end.RunID); err != nil {
					rollback()
					continue
				}
				opCount++
			}
			_ = commit()
		}
		flushIfNeeded()
	}
}

func (s *SQLiteIndex) upsertReport(ctx context.Context, r protocol.Report) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	eff, err := json.Marshal(r.HarvestEfficiency)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT INTO runs(run_id,started_at,duration_ticks,capacity,initial_stock,growth_rate,collapse_threshold_fraction,agents_json)
		VALUES(?,?,?,0,0,0,0,'[]') ON CONFLICT(run_id) DO NOTHING`,
		r.RunID, time.Now().UTC().Format(time.RFC3339Nano), int64(r.DurationTicks)); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE runs SET outcome=?, survival_ticks=?, final_stock=?, harvest_efficiency=?, gini=?, total_wealth=?, over_usage_fraction=?, report_json=? WHERE run_id=?`,
		string(r.Outcome), int64(r.SurvivalTicks), r.FinalStock, string(eff), r.Gini, r.TotalWealth, r.OverUsageFraction, string(raw), r.RunID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM stock_series WHERE run_id=?`, r.RunID); err != nil {
		return err
	}
	for i, p := range r.StockSeries {
		if _, err := tx.Exec(`INSERT INTO stock_series(run_id,seq,tick,stock) VALUES(?,?,?,?)`, r.RunID, i, int64(p.Tick), p.Stock); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`DELETE FROM agent_gains WHERE run_id=?`, r.RunID); err != nil {
		return err
	}
	for agent, gain := range r.GainPerAgent {
		if _, err := tx.Exec(`INSERT INTO agent_gains(run_id,agent,gain) VALUES(?,?,?)`, r.RunID, agent, gain); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
