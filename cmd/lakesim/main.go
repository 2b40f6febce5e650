package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"lakecommons.ai/internal/persistence/indexdb"
	persistlog "lakecommons.ai/internal/persistence/log"
	"lakecommons.ai/internal/persistence/mirror"
	"lakecommons.ai/internal/persistence/report"
	"lakecommons.ai/internal/protocol"
	"lakecommons.ai/internal/sim/agents"
	"lakecommons.ai/internal/sim/driver"
	"lakecommons.ai/internal/sim/metrics"
	"lakecommons.ai/internal/sim/tuning"
	"lakecommons.ai/internal/transport/observer"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address (empty to disable)")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		runID      = flag.String("run", "", "run id (default: tuning run_id, else a random uuid)")
		seed       = flag.Int64("seed", 0, "override the tuning seed (0 keeps it)")
		tickRate   = flag.Int("tick_rate_hz", -1, "override tick_rate_hz (0 runs unpaced)")
		disableDB  = flag.Bool("disable_db", false, "disable run indexing")
		linger     = flag.Duration("linger", 0, "keep serving observers for this long after the run ends")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[lakesim] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}
	if *seed != 0 {
		tune.Seed = *seed
	}
	if *tickRate >= 0 {
		tune.TickRateHz = *tickRate
	}

	id := strings.TrimSpace(*runID)
	if id == "" {
		id = strings.TrimSpace(tune.RunID)
	}
	if id == "" {
		id = uuid.NewString()
	}

	runDir := filepath.Join(*dataDir, "runs", id)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		logger.Fatalf("create run dir: %v", err)
	}

	// Optional read-model index (does not affect the run).
	idx, err := openRuntimeIndex(*dataDir, *disableDB, logger)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
	}

	as, err := agents.Build(tune.Agents, tune.Seed)
	if err != nil {
		logger.Fatalf("agents: %v", err)
	}

	// Off-box copies of closed event segments and the report.
	mir, err := buildMirror(*dataDir, logger)
	if err != nil {
		logger.Fatalf("init mirror: %v", err)
	}

	logOpts := persistlog.LoggerOptions{}
	if mir != nil {
		logOpts.OnClose = mir.Enqueue
	}
	runLog := persistlog.NewRunLoggerWithOptions(runDir, tune.LogSegmentTicks, logOpts)
	defer runLog.Close()
	obsSrv := observer.NewServer(logger)
	status := &runStatus{runID: id}

	events := []driver.EventLogger{runLog, obsSrv, status}
	sinks := []metrics.ReportSink{report.NewFileSink(runDir), obsSrv}
	if mir != nil {
		reportPath := filepath.Join(runDir, report.FileName)
		sinks = append(sinks, metrics.SinkFunc(func(protocol.Report) error {
			mir.Enqueue(reportPath)
			return nil
		}))
	}
	if idx != nil {
		events = append(events, idx)
		sinks = append(sinks, idx)
	}

	d, err := driver.New(driver.ConfigFromTuning(id, tune), as, driver.Options{
		Logger:  logger,
		Events:  events,
		Reports: sinks,
	})
	if err != nil {
		logger.Fatalf("driver: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var srv *http.Server
	if strings.TrimSpace(*addr) != "" {
		srv = &http.Server{
			Addr:              *addr,
			Handler:           newMux(obsSrv, status, idx, mir),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Printf("listening on %s", *addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("ListenAndServe: %v", err)
			}
		}()
	}

	logger.Printf("run %s: start duration=%d agents=%d dir=%s", id, tune.DurationTicks, len(as), runDir)
	rep, err := d.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("run %s: %v", id, err)
	}
	if b, mErr := json.MarshalIndent(rep, "", "  "); mErr == nil {
		fmt.Println(string(b))
	}
	// The log must be closed before the mirror drains: closing it enqueues
	// the last segment.
	_ = runLog.Close()
	mir.Close()

	if srv != nil {
		if *linger > 0 && ctx.Err() == nil {
			logger.Printf("lingering %s for observers", *linger)
			select {
			case <-ctx.Done():
			case <-time.After(*linger):
			}
		}
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		if idx != nil {
			_ = idx.Close()
		}
		os.Exit(1)
	}
}

func newMux(obsSrv *observer.Server, status *runStatus, idx runtimeIndex, mir *mirror.Mirror) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeRunMetrics(rw, status.snapshot())
		fmt.Fprintf(rw, "# HELP lakecommons_observer_sessions Connected observer sessions.\n")
		fmt.Fprintf(rw, "# TYPE lakecommons_observer_sessions gauge\n")
		fmt.Fprintf(rw, "lakecommons_observer_sessions %d\n", obsSrv.Sessions())
		writeIndexMetrics(rw, idx)
		writeMirrorMetrics(rw, mir)
	})
	obsSrv.Register(mux)

	if envBool("LAKE_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

// runStatus mirrors the driver's progress for HTTP handlers, which run on
// other goroutines than the driver.
type runStatus struct {
	mu        sync.Mutex
	runID     string
	tick      uint64
	stock     float64
	capacity  float64
	harvested float64
	messages  int
	collapsed bool
	ended     bool
}

type statusSnapshot struct {
	RunID     string
	Tick      uint64
	Stock     float64
	Capacity  float64
	Harvested float64
	Messages  int
	Collapsed bool
	Ended     bool
}

func (s *runStatus) WriteRunStart(r protocol.RunStartRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick = r.StartTick
	s.stock = r.InitialStock
	s.capacity = r.Capacity
	s.collapsed = r.Collapsed
	if r.Collapsed {
		s.stock = 0
	}
	return nil
}

func (s *runStatus) WriteTick(r protocol.TickRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick = r.Tick
	s.stock = r.Stock
	s.collapsed = s.collapsed || r.Collapsed
	for _, h := range r.Harvests {
		s.harvested += h.Granted
	}
	s.messages += len(r.Messages)
	return nil
}

func (s *runStatus) WriteRunEnd(r protocol.RunEndRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick = r.Tick
	s.stock = r.Stock
	s.collapsed = r.Collapsed
	s.ended = true
	return nil
}

func (s *runStatus) snapshot() statusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return statusSnapshot{
		RunID:     s.runID,
		Tick:      s.tick,
		Stock:     s.stock,
		Capacity:  s.capacity,
		Harvested: s.harvested,
		Messages:  s.messages,
		Collapsed: s.collapsed,
		Ended:     s.ended,
	}
}

func writeRunMetrics(rw io.Writer, st statusSnapshot) {
	// Minimal Prometheus exposition format.
	fmt.Fprintf(rw, "# HELP lakecommons_run_tick Current run tick.\n")
	fmt.Fprintf(rw, "# TYPE lakecommons_run_tick gauge\n")
	fmt.Fprintf(rw, "lakecommons_run_tick{run=%q} %d\n", st.RunID, st.Tick)

	fmt.Fprintf(rw, "# HELP lakecommons_lake_stock Current fish stock.\n")
	fmt.Fprintf(rw, "# TYPE lakecommons_lake_stock gauge\n")
	fmt.Fprintf(rw, "lakecommons_lake_stock{run=%q} %.6f\n", st.RunID, st.Stock)

	fmt.Fprintf(rw, "# HELP lakecommons_lake_capacity Lake carrying capacity.\n")
	fmt.Fprintf(rw, "# TYPE lakecommons_lake_capacity gauge\n")
	fmt.Fprintf(rw, "lakecommons_lake_capacity{run=%q} %.6f\n", st.RunID, st.Capacity)

	fmt.Fprintf(rw, "# HELP lakecommons_lake_collapsed 1 once the lake has collapsed.\n")
	fmt.Fprintf(rw, "# TYPE lakecommons_lake_collapsed gauge\n")
	fmt.Fprintf(rw, "lakecommons_lake_collapsed{run=%q} %d\n", st.RunID, boolInt(st.Collapsed))

	fmt.Fprintf(rw, "# HELP lakecommons_harvest_total Total fish granted to agents.\n")
	fmt.Fprintf(rw, "# TYPE lakecommons_harvest_total counter\n")
	fmt.Fprintf(rw, "lakecommons_harvest_total{run=%q} %.6f\n", st.RunID, st.Harvested)

	fmt.Fprintf(rw, "# HELP lakecommons_townhall_messages_total Accepted townhall posts.\n")
	fmt.Fprintf(rw, "# TYPE lakecommons_townhall_messages_total counter\n")
	fmt.Fprintf(rw, "lakecommons_townhall_messages_total{run=%q} %d\n", st.RunID, st.Messages)

	fmt.Fprintf(rw, "# HELP lakecommons_run_ended 1 once the run has finished.\n")
	fmt.Fprintf(rw, "# TYPE lakecommons_run_ended gauge\n")
	fmt.Fprintf(rw, "lakecommons_run_ended{run=%q} %d\n", st.RunID, boolInt(st.Ended))
}

func writeIndexMetrics(rw io.Writer, idx runtimeIndex) {
	switch v := idx.(type) {
	case *indexdb.SQLiteIndex:
		s := v.Stats()
		fmt.Fprintf(rw, "# HELP lakecommons_index_queue_depth Current index writer queue depth.\n")
		fmt.Fprintf(rw, "# TYPE lakecommons_index_queue_depth gauge\n")
		fmt.Fprintf(rw, "lakecommons_index_queue_depth %d\n", s.QueueDepth)
		fmt.Fprintf(rw, "# HELP lakecommons_index_queue_capacity Index writer queue capacity.\n")
		fmt.Fprintf(rw, "# TYPE lakecommons_index_queue_capacity gauge\n")
		fmt.Fprintf(rw, "lakecommons_index_queue_capacity %d\n", s.QueueCapacity)
		fmt.Fprintf(rw, "# HELP lakecommons_index_dropped_total Records dropped because the queue was full.\n")
		fmt.Fprintf(rw, "# TYPE lakecommons_index_dropped_total counter\n")
		fmt.Fprintf(rw, "lakecommons_index_dropped_total{kind=%q} %d\n", "tick", s.DropTickTotal)
		fmt.Fprintf(rw, "lakecommons_index_dropped_total{kind=%q} %d\n", "other", s.DropOtherTotal)
	case *indexdb.RemoteIndex:
		s := v.Stats()
		fmt.Fprintf(rw, "# HELP lakecommons_remote_index_flush_fail_total Batches dropped after retries.\n")
		fmt.Fprintf(rw, "# TYPE lakecommons_remote_index_flush_fail_total counter\n")
		fmt.Fprintf(rw, "lakecommons_remote_index_flush_fail_total %d\n", s.FlushFailTotal)
		fmt.Fprintf(rw, "# HELP lakecommons_remote_index_dropped_total Events dropped because the queue was full.\n")
		fmt.Fprintf(rw, "# TYPE lakecommons_remote_index_dropped_total counter\n")
		fmt.Fprintf(rw, "lakecommons_remote_index_dropped_total %d\n", s.QueueDroppedTotal)
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
