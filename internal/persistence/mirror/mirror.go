package mirror

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Uploader stores one local file under an object key.
type Uploader interface {
	PutFile(ctx context.Context, objectKey, localPath string) error
}

type Stats struct {
	QueueDepth          int
	QueueCapacity       int
	EnqueuedTotal       uint64
	QueueSaturatedTotal uint64
	DroppedTotal        uint64
	UploadSuccessTotal  uint64
	UploadFailTotal     uint64
	LastSuccessUnix     int64
	LastErrorUnix       int64
}

type Options struct {
	Prefix        string
	Workers       int
	QueueCapacity int
	// How long Enqueue may wait on a full queue before dropping.
	EnqueueWait time.Duration
	MaxAttempts int
	Backoff     time.Duration
	Logger      *log.Logger
}

// Mirror copies finished run artifacts (closed event segments, report.json)
// from the data directory to object storage. Keys keep the path relative to
// the data directory, under an optional prefix.
type Mirror struct {
	up      Uploader
	dataDir string
	opts    Options

	jobs      chan string
	wg        sync.WaitGroup
	closeOnce sync.Once

	enqueuedTotal       atomic.Uint64
	queueSaturatedTotal atomic.Uint64
	droppedTotal        atomic.Uint64
	uploadSuccessTotal  atomic.Uint64
	uploadFailTotal     atomic.Uint64
	lastSuccessUnix     atomic.Int64
	lastErrorUnix       atomic.Int64
}

func New(up Uploader, dataDir string, opts Options) *Mirror {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 2048
	}
	if opts.EnqueueWait <= 0 {
		opts.EnqueueWait = 25 * time.Millisecond
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	opts.Prefix = strings.Trim(strings.ReplaceAll(opts.Prefix, "\\", "/"), "/")

	m := &Mirror{
		up:      up,
		dataDir: dataDir,
		opts:    opts,
		jobs:    make(chan string, opts.QueueCapacity),
	}
	for i := 0; i < opts.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for localPath := range m.jobs {
				m.uploadOne(localPath)
			}
		}()
	}
	return m
}

// Enqueue schedules localPath for upload. It never blocks the caller for
// longer than EnqueueWait.
func (m *Mirror) Enqueue(localPath string) {
	if m == nil || m.up == nil {
		return
	}
	m.enqueuedTotal.Add(1)

	select {
	case m.jobs <- localPath:
		return
	default:
	}

	m.queueSaturatedTotal.Add(1)
	timer := time.NewTimer(m.opts.EnqueueWait)
	defer timer.Stop()
	select {
	case m.jobs <- localPath:
	case <-timer.C:
		dropped := m.droppedTotal.Add(1)
		m.printf("warn: mirror drop local=%s reason=queue_saturated dropped_total=%d", localPath, dropped)
	}
}

// Close waits for queued uploads. Enqueue must not be called afterwards.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	m.closeOnce.Do(func() {
		close(m.jobs)
		m.wg.Wait()
	})
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:          len(m.jobs),
		QueueCapacity:       cap(m.jobs),
		EnqueuedTotal:       m.enqueuedTotal.Load(),
		QueueSaturatedTotal: m.queueSaturatedTotal.Load(),
		DroppedTotal:        m.droppedTotal.Load(),
		UploadSuccessTotal:  m.uploadSuccessTotal.Load(),
		UploadFailTotal:     m.uploadFailTotal.Load(),
		LastSuccessUnix:     m.lastSuccessUnix.Load(),
		LastErrorUnix:       m.lastErrorUnix.Load(),
	}
}

func (m *Mirror) uploadOne(localPath string) {
	key, err := m.ObjectKey(localPath)
	if err != nil {
		m.uploadFailTotal.Add(1)
		m.printf("warn: mirror skip local=%s err=%v", localPath, err)
		return
	}
	if err := m.uploadWithRetry(key, localPath); err != nil {
		m.uploadFailTotal.Add(1)
		m.lastErrorUnix.Store(time.Now().UTC().Unix())
		m.printf("warn: mirror upload failed key=%s err=%v", key, err)
		return
	}
	m.uploadSuccessTotal.Add(1)
	m.lastSuccessUnix.Store(time.Now().UTC().Unix())
	m.printf("mirror uploaded key=%s", key)
}

func (m *Mirror) uploadWithRetry(key, localPath string) error {
	var lastErr error
	for attempt := 1; attempt <= m.opts.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err := m.up.PutFile(ctx, key, localPath)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < m.opts.MaxAttempts {
			time.Sleep(time.Duration(attempt*attempt) * m.opts.Backoff)
		}
	}
	return lastErr
}

// ObjectKey maps a file under the data directory to its object key.
func (m *Mirror) ObjectKey(localPath string) (string, error) {
	if localPath == "" {
		return "", fmt.Errorf("empty local path")
	}
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}
	absBase, err := filepath.Abs(m.dataDir)
	if err != nil {
		return "", err
	}
	absLocal, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absBase, absLocal)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %s is outside data dir %s", absLocal, absBase)
	}
	if m.opts.Prefix != "" {
		return path.Join(m.opts.Prefix, rel), nil
	}
	return rel, nil
}

func (m *Mirror) printf(format string, args ...any) {
	if m.opts.Logger != nil {
		m.opts.Logger.Printf(format, args...)
	}
}
