package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"lakecommons.ai/internal/observerproto"
	"lakecommons.ai/internal/protocol"
)

// Server streams one run to loopback observers. It is fed by the driver as an
// event logger and report sink and never blocks it.
type Server struct {
	log *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu       sync.Mutex
	runID    string
	params   observerproto.RunParams
	startMsg []byte
	tick     uint64
	capacity float64
	running  bool
	lastTick *tickFrame
	endMsg   []byte
	report   *protocol.Report
	reportB  []byte
	sessions map[string]*session
}

type session struct {
	tickOut chan []byte // latest wins
	dataOut chan []byte

	ticksEvery uint64
	details    bool
}

// One tick, encoded with and without details.
type tickFrame struct {
	tick      uint64
	collapsed bool
	brief     []byte
	full      []byte
}

func NewServer(logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only
		},
		sessions: map[string]*session{},
	}
}

func (s *Server) WriteRunStart(rec protocol.RunStartRecord) error {
	params := observerproto.RunParams{
		DurationTicks:             rec.DurationTicks,
		Capacity:                  rec.Capacity,
		InitialStock:              rec.InitialStock,
		GrowthRate:                rec.GrowthRate,
		CollapseThresholdFraction: rec.CollapseThresholdFraction,
		Phases:                    rec.Phases,
		Agents:                    append([]string(nil), rec.Agents...),
	}
	b, err := json.Marshal(observerproto.RunStartMsg{
		Type:            observerproto.TypeRunStart,
		ProtocolVersion: observerproto.Version,
		RunID:           rec.RunID,
		RunParams:       params,
		Collapsed:       rec.Collapsed,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.runID = rec.RunID
	s.params = params
	s.capacity = rec.Capacity
	s.startMsg = b
	s.tick = rec.StartTick
	s.running = true
	s.lastTick = nil
	s.endMsg = nil
	s.report = nil
	s.reportB = nil
	for _, sess := range s.sessions {
		sendData(sess, b)
	}
	return nil
}

func (s *Server) WriteTick(rec protocol.TickRecord) error {
	s.mu.Lock()
	capacity := s.capacity
	s.mu.Unlock()

	msg := observerproto.TickMsg{
		Type:            observerproto.TypeTick,
		ProtocolVersion: observerproto.Version,
		Tick:            rec.Tick,
		Cycle:           rec.Cycle,
		Phase:           rec.Phase,
		Stock:           rec.Stock,
		Capacity:        capacity,
		Collapsed:       rec.Collapsed,
		Regenerated:     rec.Regenerated,
	}
	for _, h := range rec.Harvests {
		msg.Harvested += h.Granted
	}
	brief, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	msg.Harvests = rec.Harvests
	msg.Messages = rec.Messages
	full, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	f := &tickFrame{tick: rec.Tick, collapsed: rec.Collapsed, brief: brief, full: full}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick = rec.Tick
	s.lastTick = f
	for _, sess := range s.sessions {
		if sess.ticksEvery > 1 && rec.Tick%sess.ticksEvery != 0 && !rec.Collapsed {
			continue
		}
		sendLatest(sess.tickOut, f.bytes(sess.details))
	}
	return nil
}

func (s *Server) WriteRunEnd(rec protocol.RunEndRecord) error {
	b, err := json.Marshal(observerproto.RunEndMsg{
		Type:            observerproto.TypeRunEnd,
		ProtocolVersion: observerproto.Version,
		RunID:           rec.RunID,
		Tick:            rec.Tick,
		Stock:           rec.Stock,
		Collapsed:       rec.Collapsed,
		Interrupted:     rec.Interrupted,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.endMsg = b
	for _, sess := range s.sessions {
		sendData(sess, b)
	}
	return nil
}

func (s *Server) EmitReport(r protocol.Report) error {
	b, err := json.Marshal(observerproto.ReportMsg{
		Type:            observerproto.TypeReport,
		ProtocolVersion: observerproto.Version,
		Report:          r,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.report = &r
	s.reportB = b
	for _, sess := range s.sessions {
		sendData(sess, b)
	}
	return nil
}

func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		s.mu.Lock()
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			RunID:           s.runID,
			Tick:            s.tick,
			Running:         s.running,
			RunParams:       s.params,
			Report:          s.report,
		}
		s.mu.Unlock()

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub observerproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad subscribe"), time.Now().Add(time.Second))
			return
		}
		if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		sess := &session{
			tickOut: make(chan []byte, 1),
			dataOut: make(chan []byte, 64),
		}
		applySubscribe(sess, sub)
		s.join(sid, sess)
		defer s.leave(sid)
		s.log.Printf("observer %s subscribed from %s", sid, r.RemoteAddr)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine. Run records go out before any pending tick.
		writeErr := make(chan error, 1)
		go func() {
			write := func(b []byte) error {
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				return conn.WriteMessage(websocket.TextMessage, b)
			}
			for {
				select {
				case b := <-sess.dataOut:
					if err := write(b); err != nil {
						writeErr <- err
						return
					}
					continue
				default:
				}
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-sess.dataOut:
					if err := write(b); err != nil {
						writeErr <- err
						return
					}
				case b := <-sess.tickOut:
					if err := write(b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var sub observerproto.SubscribeMsg
			if err := json.Unmarshal(msg, &sub); err != nil {
				continue
			}
			if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
				continue
			}
			s.mu.Lock()
			applySubscribe(sess, sub)
			s.mu.Unlock()
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// join registers sess and queues the current run state, under the same lock
// broadcasts take, so a late subscriber sees records in order.
func (s *Server) join(sid string, sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startMsg != nil {
		sendData(sess, s.startMsg)
	}
	if s.lastTick != nil {
		sendLatest(sess.tickOut, s.lastTick.bytes(sess.details))
	}
	if s.endMsg != nil {
		sendData(sess, s.endMsg)
	}
	if s.reportB != nil {
		sendData(sess, s.reportB)
	}
	s.sessions[sid] = sess
}

func (s *Server) leave(sid string) {
	s.mu.Lock()
	delete(s.sessions, sid)
	s.mu.Unlock()
	s.log.Printf("observer %s left", sid)
}

func (f *tickFrame) bytes(details bool) []byte {
	if details {
		return f.full
	}
	return f.brief
}

func applySubscribe(sess *session, sub observerproto.SubscribeMsg) {
	every := sub.TicksEvery
	if every <= 0 {
		every = 1
	}
	if every > 10000 {
		every = 10000
	}
	sess.ticksEvery = uint64(every)
	sess.details = sub.Details
}

func sendData(sess *session, b []byte) {
	select {
	case sess.dataOut <- b:
	default:
		// Client is not reading; it will see the state on its next bootstrap.
	}
}

func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Register mounts the observer endpoints on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/observer/bootstrap", s.BootstrapHandler())
	mux.HandleFunc("/v1/observer/ws", s.WSHandler())
}
