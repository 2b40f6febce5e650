package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lakecommons.ai/internal/persistence/indexdb"
	"lakecommons.ai/internal/protocol"
	"lakecommons.ai/internal/transport/observer"
)

func TestRunStatus_TracksRecords(t *testing.T) {
	s := &runStatus{runID: "r1"}
	_ = s.WriteRunStart(protocol.RunStartRecord{RunID: "r1", Capacity: 100, InitialStock: 50})
	_ = s.WriteTick(protocol.TickRecord{Tick: 1, Stock: 40,
		Harvests: []protocol.HarvestRecord{{Agent: "a", Granted: 6}, {Agent: "b", Granted: 4}}})
	_ = s.WriteTick(protocol.TickRecord{Tick: 2, Stock: 40,
		Messages: []protocol.MessageRecord{{Author: "a", Text: "hi"}}})
	_ = s.WriteTick(protocol.TickRecord{Tick: 3, Stock: 0, Collapsed: true})

	st := s.snapshot()
	if st.Tick != 3 || st.Stock != 0 || st.Harvested != 10 || st.Messages != 1 || !st.Collapsed || st.Ended {
		t.Fatalf("status=%+v", st)
	}
	_ = s.WriteRunEnd(protocol.RunEndRecord{RunID: "r1", Tick: 3, Collapsed: true})
	if st := s.snapshot(); !st.Ended {
		t.Fatalf("status=%+v", st)
	}
}

func TestRunStatus_InitialCollapseZeroesStock(t *testing.T) {
	s := &runStatus{runID: "r"}
	_ = s.WriteRunStart(protocol.RunStartRecord{Capacity: 100, InitialStock: 5, Collapsed: true})
	if st := s.snapshot(); st.Stock != 0 || !st.Collapsed {
		t.Fatalf("status=%+v", st)
	}
}

func TestMux_HealthAndMetrics(t *testing.T) {
	status := &runStatus{runID: "r1"}
	_ = status.WriteRunStart(protocol.RunStartRecord{Capacity: 100, InitialStock: 50})
	hs := httptest.NewServer(newMux(observer.NewServer(nil), status, nil, nil))
	defer hs.Close()

	resp, err := http.Get(hs.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status=%d", resp.StatusCode)
	}

	resp, err = http.Get(hs.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	body := string(b)
	for _, want := range []string{
		`lakecommons_lake_stock{run="r1"} 50.000000`,
		`lakecommons_lake_capacity{run="r1"} 100.000000`,
		`lakecommons_lake_collapsed{run="r1"} 0`,
		`lakecommons_observer_sessions 0`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(body, "lakecommons_index_") || strings.Contains(body, "lakecommons_mirror_") {
		t.Fatalf("unexpected backend metrics:\n%s", body)
	}
}

func TestOpenRuntimeIndex_Backends(t *testing.T) {
	dir := t.TempDir()

	if idx, err := openRuntimeIndex(dir, true, nil); err != nil || idx != nil {
		t.Fatalf("disabled: idx=%v err=%v", idx, err)
	}

	t.Setenv("LAKE_INDEX_BACKEND", "none")
	if idx, err := openRuntimeIndex(dir, false, nil); err != nil || idx != nil {
		t.Fatalf("none: idx=%v err=%v", idx, err)
	}

	t.Setenv("LAKE_INDEX_BACKEND", "bogus")
	if _, err := openRuntimeIndex(dir, false, nil); err == nil {
		t.Fatalf("expected error for unknown backend")
	}

	t.Setenv("LAKE_INDEX_BACKEND", "remote")
	t.Setenv("LAKE_INDEX_REMOTE_URL", "")
	if _, err := openRuntimeIndex(dir, false, nil); err == nil {
		t.Fatalf("expected error for remote without url")
	}

	t.Setenv("LAKE_INDEX_BACKEND", "")
	idx, err := openRuntimeIndex(dir, false, nil)
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	defer idx.Close()
	if _, ok := idx.(*indexdb.SQLiteIndex); !ok {
		t.Fatalf("want sqlite index, got %T", idx)
	}

	var sb strings.Builder
	writeIndexMetrics(&sb, idx)
	if !strings.Contains(sb.String(), "lakecommons_index_queue_capacity 65536") {
		t.Fatalf("index metrics:\n%s", sb.String())
	}
	if _, err := os.Stat(filepath.Join(dir, "index", "runs.sqlite")); err != nil {
		t.Fatalf("index file: %v", err)
	}
}

func TestBuildMirror_RequiresCredentials(t *testing.T) {
	t.Setenv("LAKE_MIRROR", "false")
	if m, err := buildMirror(t.TempDir(), nil); err != nil || m != nil {
		t.Fatalf("disabled: m=%v err=%v", m, err)
	}
	t.Setenv("LAKE_MIRROR", "true")
	t.Setenv("LAKE_MIRROR_ENDPOINT", "")
	if _, err := buildMirror(t.TempDir(), nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("LAKE_TEST_INT", "12")
	t.Setenv("LAKE_TEST_BAD", "x")
	if envInt("LAKE_TEST_INT", 3) != 12 || envInt("LAKE_TEST_BAD", 3) != 3 || envInt("LAKE_TEST_UNSET", 3) != 3 {
		t.Fatalf("envInt")
	}
	t.Setenv("LAKE_TEST_BOOL", "true")
	if !envBool("LAKE_TEST_BOOL", false) || envBool("LAKE_TEST_BAD", false) {
		t.Fatalf("envBool")
	}
}
