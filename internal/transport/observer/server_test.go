package observer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"lakecommons.ai/internal/observerproto"
	"lakecommons.ai/internal/protocol"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(nil)
	mux := http.NewServeMux()
	s.Register(mux)
	hs := httptest.NewServer(mux)
	t.Cleanup(hs.Close)
	return s, hs
}

func dial(t *testing.T, hs *httptest.Server, sub observerproto.SubscribeMsg) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/v1/observer/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return conn
}

func waitSessions(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.Sessions() == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("sessions=%d want %d", s.Sessions(), n)
}

func readType(t *testing.T, conn *websocket.Conn) (string, []byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var base struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(b, &base)
	return base.Type, b
}

func subscribe() observerproto.SubscribeMsg {
	return observerproto.SubscribeMsg{Type: observerproto.TypeSubscribe, ProtocolVersion: observerproto.Version, Details: true}
}

func TestObserver_StreamsRun(t *testing.T) {
	s, hs := newTestServer(t)
	_ = s.WriteRunStart(protocol.RunStartRecord{RunID: "r1", DurationTicks: 10, Capacity: 100, Agents: []string{"a"}})

	conn := dial(t, hs, subscribe())
	waitSessions(t, s, 1)

	if typ, _ := readType(t, conn); typ != observerproto.TypeRunStart {
		t.Fatalf("first message=%s", typ)
	}

	_ = s.WriteTick(protocol.TickRecord{Tick: 1, Phase: protocol.PhaseHarvest, Stock: 90,
		Harvests: []protocol.HarvestRecord{{Agent: "a", Requested: 10, Granted: 10}}})
	typ, b := readType(t, conn)
	if typ != observerproto.TypeTick {
		t.Fatalf("want TICK got %s", typ)
	}
	var tick observerproto.TickMsg
	if err := json.Unmarshal(b, &tick); err != nil {
		t.Fatal(err)
	}
	if tick.Tick != 1 || tick.Stock != 90 || tick.Capacity != 100 || tick.Harvested != 10 || len(tick.Harvests) != 1 {
		t.Fatalf("tick=%+v", tick)
	}

	_ = s.WriteRunEnd(protocol.RunEndRecord{RunID: "r1", Tick: 1, Stock: 90})
	_ = s.EmitReport(protocol.Report{RunID: "r1", Outcome: protocol.OutcomeSurvived})
	if typ, _ := readType(t, conn); typ != observerproto.TypeRunEnd {
		t.Fatalf("want RUN_END got %s", typ)
	}
	typ, b = readType(t, conn)
	if typ != observerproto.TypeReport {
		t.Fatalf("want REPORT got %s", typ)
	}
	var rep observerproto.ReportMsg
	_ = json.Unmarshal(b, &rep)
	if rep.Report.Outcome != protocol.OutcomeSurvived {
		t.Fatalf("report=%+v", rep.Report)
	}
}

func TestObserver_LateSubscriberGetsState(t *testing.T) {
	s, hs := newTestServer(t)
	_ = s.WriteRunStart(protocol.RunStartRecord{RunID: "r2", Capacity: 50})
	_ = s.WriteTick(protocol.TickRecord{Tick: 1, Stock: 40})
	_ = s.WriteTick(protocol.TickRecord{Tick: 2, Stock: 30})
	_ = s.WriteRunEnd(protocol.RunEndRecord{RunID: "r2", Tick: 2})
	_ = s.EmitReport(protocol.Report{RunID: "r2"})

	conn := dial(t, hs, subscribe())
	want := []string{observerproto.TypeRunStart, observerproto.TypeRunEnd, observerproto.TypeReport, observerproto.TypeTick}
	for i, w := range want {
		typ, b := readType(t, conn)
		if typ != w {
			t.Fatalf("message %d=%s want %s", i, typ, w)
		}
		if typ == observerproto.TypeTick {
			var tick observerproto.TickMsg
			_ = json.Unmarshal(b, &tick)
			if tick.Tick != 2 {
				t.Fatalf("late subscriber should get the latest tick, got %d", tick.Tick)
			}
		}
	}
}

func TestObserver_RejectsBadSubscribe(t *testing.T) {
	_, hs := newTestServer(t)
	conn := dial(t, hs, observerproto.SubscribeMsg{Type: "HELLO", ProtocolVersion: observerproto.Version})
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err=%v", err)
	}
}

func TestBootstrap(t *testing.T) {
	s, hs := newTestServer(t)
	_ = s.WriteRunStart(protocol.RunStartRecord{RunID: "r3", DurationTicks: 7, Capacity: 100, Phases: protocol.PhaseSpec{HarvestTicks: 1}})
	_ = s.WriteTick(protocol.TickRecord{Tick: 4})

	resp, err := http.Get(hs.URL + "/v1/observer/bootstrap")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var b observerproto.BootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b.RunID != "r3" || b.Tick != 4 || !b.Running || b.RunParams.DurationTicks != 7 || b.Report != nil {
		t.Fatalf("bootstrap=%+v", b)
	}
}

func TestLoopbackOnly(t *testing.T) {
	s := NewServer(nil)
	for _, h := range []http.HandlerFunc{s.BootstrapHandler(), s.WSHandler()} {
		req := httptest.NewRequest(http.MethodGet, "/v1/observer/bootstrap", nil)
		req.RemoteAddr = "10.1.2.3:5555"
		rw := httptest.NewRecorder()
		h(rw, req)
		if rw.Code != http.StatusForbidden {
			t.Fatalf("code=%d", rw.Code)
		}
	}
	if !isLoopbackRemote("[::1]:80") || isLoopbackRemote("bad") {
		t.Fatalf("loopback detection")
	}
}

func TestSendLatest_KeepsNewest(t *testing.T) {
	ch := make(chan []byte, 1)
	sendLatest(ch, []byte("a"))
	sendLatest(ch, []byte("b"))
	if got := string(<-ch); got != "b" {
		t.Fatalf("got %s", got)
	}
}
