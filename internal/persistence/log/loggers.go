package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"lakecommons.ai/internal/protocol"
)

// JSONLZstdWriter appends JSON lines to zstd-compressed segment files named
// <prefix>-<NNNNNN>.jsonl.zst. The caller picks the segment per write.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	onClose func(path string)

	mu     sync.Mutex
	curSeg int
	f      *os.File
	enc    *zstd.Encoder
	w      *bufio.Writer
}

// LoggerOptions tunes segment handling.
type LoggerOptions struct {
	// OnClose is called with the path of every segment after it is closed.
	OnClose func(path string)
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return NewJSONLZstdWriterWithOptions(baseDir, prefix, LoggerOptions{})
}

func NewJSONLZstdWriterWithOptions(baseDir, prefix string, opts LoggerOptions) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		onClose: opts.OnClose,
		curSeg:  -1,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(segment int, v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if segment != w.curSeg || w.w == nil {
		if err := w.rotateLocked(segment); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(segment int) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	// Reopening a segment appends a new zstd frame.
	f, err := os.OpenFile(w.pathForSegment(segment), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curSeg = segment
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
		if w.onClose != nil && err1 == nil {
			w.onClose(w.pathForSegment(w.curSeg))
		}
	}
	w.w = nil
	return err1
}

func (w *JSONLZstdWriter) pathForSegment(segment int) string {
	return filepath.Join(w.baseDir, SegmentName(w.prefix, segment))
}

func SegmentName(prefix string, segment int) string {
	return fmt.Sprintf("%s-%06d.jsonl.zst", prefix, segment)
}

// RunLogger writes RUN_START, TICK and RUN_END records into
// <runDir>/events, starting a new segment every segmentTicks ticks.
type RunLogger struct {
	w            *JSONLZstdWriter
	segmentTicks uint64
	lastSeg      int
}

func NewRunLogger(runDir string, segmentTicks int) *RunLogger {
	return NewRunLoggerWithOptions(runDir, segmentTicks, LoggerOptions{})
}

func NewRunLoggerWithOptions(runDir string, segmentTicks int, opts LoggerOptions) *RunLogger {
	st := uint64(1000)
	if segmentTicks > 0 {
		st = uint64(segmentTicks)
	}
	return &RunLogger{w: NewJSONLZstdWriterWithOptions(EventsDir(runDir), "events", opts), segmentTicks: st}
}

func EventsDir(runDir string) string { return filepath.Join(runDir, "events") }

func (l *RunLogger) segmentFor(tick uint64) int {
	if tick == 0 {
		return 0
	}
	return int((tick - 1) / l.segmentTicks)
}

func (l *RunLogger) WriteRunStart(r protocol.RunStartRecord) error {
	l.lastSeg = l.segmentFor(r.StartTick)
	return l.w.Write(l.lastSeg, r)
}

func (l *RunLogger) WriteTick(r protocol.TickRecord) error {
	l.lastSeg = l.segmentFor(r.Tick)
	return l.w.Write(l.lastSeg, r)
}

// WriteRunEnd appends to the segment of the last tick and closes it.
func (l *RunLogger) WriteRunEnd(r protocol.RunEndRecord) error {
	if err := l.w.Write(l.lastSeg, r); err != nil {
		return err
	}
	return l.w.Close()
}

func (l *RunLogger) Close() error { return l.w.Close() }

// ListSegments returns the event segment files in dir in write order.
func ListSegments(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "events-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

// ReadFile decompresses one segment and returns its lines.
func ReadFile(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	var out [][]byte
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		out = append(out, append([]byte(nil), line...))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return out, nil
}

// ReadRecords reads every segment in dir in order.
func ReadRecords(dir string) ([][]byte, error) {
	files, err := ListSegments(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no events files found in %s", dir)
	}
	var out [][]byte
	for _, p := range files {
		lines, err := ReadFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, lines...)
	}
	return out, nil
}
