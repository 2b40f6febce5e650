package indexdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"lakecommons.ai/internal/protocol"
)

// RemoteConfig points at an HTTP ingest endpoint that accepts batches of
// {"events":[{kind,run_id,payload}]}.
type RemoteConfig struct {
	Endpoint      string
	Token         string
	BatchSize     int
	FlushInterval time.Duration
	HTTPTimeout   time.Duration
	Logger        *log.Logger
}

type RemoteIndex struct {
	cfg        RemoteConfig
	httpClient *http.Client

	ch   chan remoteEvent
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	mu    sync.Mutex
	runID string

	flushFail atomic.Uint64
	dropped   atomic.Uint64
}

type remoteEvent struct {
	Kind    string `json:"kind"`
	RunID   string `json:"run_id"`
	Payload any    `json:"payload"`
}

type RemoteStats struct {
	FlushFailTotal    uint64
	QueueDroppedTotal uint64
}

func OpenRemote(cfg RemoteConfig) (*RemoteIndex, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty index ingest endpoint")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}

	d := &RemoteIndex{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		ch: make(chan remoteEvent, 32768),
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop()
	}()

	return d, nil
}

// Close flushes queued events before returning.
func (d *RemoteIndex) Close() error {
	if d == nil {
		return nil
	}
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.ch)
		d.wg.Wait()
	})
	return nil
}

func (d *RemoteIndex) Stats() RemoteStats {
	return RemoteStats{
		FlushFailTotal:    d.flushFail.Load(),
		QueueDroppedTotal: d.dropped.Load(),
	}
}

func (d *RemoteIndex) WriteRunStart(rec protocol.RunStartRecord) error {
	d.mu.Lock()
	d.runID = rec.RunID
	d.mu.Unlock()
	d.enqueue(remoteEvent{Kind: "run_start", RunID: rec.RunID, Payload: rec})
	return nil
}

func (d *RemoteIndex) WriteTick(rec protocol.TickRecord) error {
	d.enqueue(remoteEvent{Kind: "tick", RunID: d.currentRun(), Payload: rec})
	return nil
}

func (d *RemoteIndex) WriteRunEnd(rec protocol.RunEndRecord) error {
	d.enqueue(remoteEvent{Kind: "run_end", RunID: rec.RunID, Payload: rec})
	return nil
}

// EmitReport queues the report; delivery happens on the next flush.
func (d *RemoteIndex) EmitReport(r protocol.Report) error {
	d.enqueue(remoteEvent{Kind: "report", RunID: r.RunID, Payload: r})
	return nil
}

func (d *RemoteIndex) currentRun() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runID
}

func (d *RemoteIndex) enqueue(ev remoteEvent) {
	if d == nil || d.closed.Load() {
		return
	}
	select {
	case d.ch <- ev:
	default:
		d.dropped.Add(1)
		d.printf("remote index queue full; drop kind=%s run=%s", ev.Kind, ev.RunID)
	}
}

func (d *RemoteIndex) loop() {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]remoteEvent, 0, d.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := d.sendBatch(batch); err != nil {
			d.flushFail.Add(1)
			d.printf("remote index flush failed batch=%d err=%v", len(batch), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-d.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= d.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (d *RemoteIndex) sendBatch(events []remoteEvent) error {
	if len(events) == 0 {
		return nil
	}

	body := struct {
		Events []remoteEvent `json:"events"`
	}{Events: events}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequest(http.MethodPost, d.cfg.Endpoint, bytes.NewReader(buf))
		if err != nil {
			return err
		}
		req.Header.Set("content-type", "application/json")
		if d.cfg.Token != "" {
			req.Header.Set("x-lake-index-token", d.cfg.Token)
		}

		resp, err := d.httpClient.Do(req)
		if err == nil {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			err = fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		lastErr = err
		time.Sleep(time.Duration(100*(1<<attempt)) * time.Millisecond)
	}
	return lastErr
}

func (d *RemoteIndex) printf(format string, args ...any) {
	if d != nil && d.cfg.Logger != nil {
		d.cfg.Logger.Printf(format, args...)
	}
}
