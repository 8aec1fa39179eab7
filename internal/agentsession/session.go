package agentsession

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/devbridge/internal/coreerr"
)

// Config tunes the liveness protocol and writer backpressure of a Session.
// Zero values are replaced with the spec's defaults in New.
type Config struct {
	PingInterval     time.Duration // default 10s
	PingTimeout      time.Duration // default 5s
	FailureThreshold int           // default 3
	WriteTimeout     time.Duration // default 5s
	WriteQueueSize   int           // default 32

	// Now is overridable for deterministic tests.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 5 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.WriteQueueSize <= 0 {
		c.WriteQueueSize = 32
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Handlers are the callbacks a Session invokes as it classifies inbound
// frames (spec §4.E classification step). None of these run while s.mu is
// held, so handlers may safely call back into the session.
type Handlers struct {
	OnBrowserData func(s *Session, tabID int, source, url string, data json.RawMessage)
	OnResponse    func(s *Session, requestID string, data json.RawMessage)
	OnError       func(s *Session, requestID string, errText string)
	OnDevtools    func(s *Session, tabID int, kind string, raw json.RawMessage)
	OnStateChange func(s *Session, from, to State)
}

// wsConn is the subset of *websocket.Conn a Session needs; narrowed for
// testability with fakes.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Session owns exactly one WebSocket connection to the browser agent for its
// entire lifetime (spec §4.E). It is created in StateAccepting, promoted to
// StateActive once Start is called, and moves to StateEvicting/StateClosed
// on any failure or explicit close.
type Session struct {
	id       string
	conn     wsConn
	handlers Handlers
	cfg      Config
	logger   *slog.Logger

	writeCh chan []byte

	mu                  sync.Mutex
	state               State
	lastActivity        time.Time
	lastPong            time.Time
	consecutiveFailures int
	messagesIn          int64
	messagesOut         int64

	closeOnce  sync.Once
	stopCh     chan struct{}
	finishedWG sync.WaitGroup
}

// New constructs a Session around an already-upgraded WebSocket connection.
// Call Start to begin its reader, writer, and liveness goroutines.
func New(id string, conn *websocket.Conn, handlers Handlers, cfg Config, logger *slog.Logger) *Session {
	return newSession(id, conn, handlers, cfg, logger)
}

// newSession is the internal constructor parameterized over the narrowed
// wsConn interface so tests can substitute a fake connection.
func newSession(id string, conn wsConn, handlers Handlers, cfg Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	now := cfg.Now()
	return &Session{
		id:           id,
		conn:         conn,
		handlers:     handlers,
		cfg:          cfg,
		logger:       logger.With("session_id", id),
		writeCh:      make(chan []byte, cfg.WriteQueueSize),
		state:        StateAccepting,
		lastActivity: now,
		lastPong:     now,
		stopCh:       make(chan struct{}),
	}
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the timestamp of the most recently received frame.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Done returns a channel that closes as soon as the session begins
// evicting (spec §4.F step 6(c)): callers blocked on a reply from this
// session can select on it to fail fast with PEER-GONE instead of waiting
// out the full per-action timeout.
func (s *Session) Done() <-chan struct{} {
	return s.stopCh
}

// Counters returns the number of inbound and outbound frames seen so far
// (supplemental diagnostic field, grounded on original_source's
// per-connection message counters).
func (s *Session) Counters() (in, out int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messagesIn, s.messagesOut
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	if from == StateClosed || from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()
	if s.handlers.OnStateChange != nil {
		s.handlers.OnStateChange(s, from, to)
	}
}

// Start transitions the session to active and launches its reader, writer,
// and liveness goroutines. Call once per session.
func (s *Session) Start() {
	s.setState(StateActive)
	s.finishedWG.Add(2)
	go s.readLoop()
	go s.writeLoop()
	go s.livenessLoop()
}

// Send enqueues an arbitrary outbound frame (spec's action-request shape is
// the primary caller via the multiplexer). Returns coreerr PEER-GONE if the
// session is not active, PEER-CONGESTED if the write queue does not drain
// within WriteTimeout.
func (s *Session) Send(frame any) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return s.sendRaw(b)
}

func (s *Session) sendRaw(b []byte) error {
	if s.State() != StateActive {
		return coreerr.PeerGoneErr()
	}
	select {
	case s.writeCh <- b:
		return nil
	case <-time.After(s.cfg.WriteTimeout):
		return coreerr.PeerCongestedErr()
	case <-s.stopCh:
		return coreerr.PeerGoneErr()
	}
}

// Close begins eviction (idempotent), closes the connection, and blocks until
// the reader and writer goroutines have exited.
func (s *Session) Close(reason string) {
	s.evict(reason)
	// Closing the socket first is what unblocks the reader's ReadMessage.
	_ = s.conn.Close()
	s.finishedWG.Wait()
	s.setState(StateClosed)
}

func (s *Session) evict(reason string) {
	s.closeOnce.Do(func() {
		s.logger.Warn("agent session evicting", "reason", reason)
		close(s.stopCh)
	})
	s.setState(StateEvicting)
}

func (s *Session) touchActivity() {
	s.mu.Lock()
	s.lastActivity = s.cfg.Now()
	s.messagesIn++
	s.mu.Unlock()
}

// inboundFrame is the wire shape for every message type the agent can send
// (spec §6.2). Only the fields relevant to a given type are populated.
type inboundFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Source    string          `json:"source,omitempty"`
	TabID     int             `json:"tabId,omitempty"`
	URL       string          `json:"url,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

func (s *Session) readLoop() {
	defer s.finishedWG.Done()
	defer s.evict("reader reached end of stream")
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) {
				s.logger.Debug("agent session read ended", "error", err)
			}
			return
		}
		s.touchActivity()
		s.handleInbound(data)
	}
}

func (s *Session) handleInbound(raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.logger.Warn("agent session dropped unparseable frame", "error", err)
		return
	}

	switch frame.Type {
	case "connection":
		// informational only; lastActivity already updated.
	case "ping":
		_ = s.sendRaw(mustMarshal(map[string]any{
			"type":              "pong",
			"timestamp":         s.cfg.Now().Unix(),
			"originalTimestamp": frame.Timestamp,
		}))
	case "pong":
		if s.State() == StateActive {
			s.mu.Lock()
			s.lastPong = s.cfg.Now()
			s.mu.Unlock()
		}
	case "browser-data":
		if s.handlers.OnBrowserData != nil {
			s.handlers.OnBrowserData(s, frame.TabID, frame.Source, frame.URL, frame.Data)
		}
	case "response":
		if s.handlers.OnResponse != nil {
			s.handlers.OnResponse(s, frame.RequestID, frame.Data)
		}
	case "error":
		if s.handlers.OnError != nil {
			s.handlers.OnError(s, frame.RequestID, frame.Error)
		}
	case "devtools-message", "debugger-event":
		if s.handlers.OnDevtools != nil {
			s.handlers.OnDevtools(s, frame.TabID, frame.Type, frame.Data)
		}
	default:
		s.logger.Debug("agent session ignored unknown frame type", "type", frame.Type)
	}
}

func (s *Session) writeLoop() {
	defer s.finishedWG.Done()
	for {
		select {
		case b, ok := <-s.writeCh:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(s.cfg.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				s.evict("writer error: " + err.Error())
				return
			}
			s.mu.Lock()
			s.messagesOut++
			s.mu.Unlock()
		case <-s.stopCh:
			return
		}
	}
}

// livenessLoop implements the ping/pong protocol of spec §4.E: every
// PingInterval it sends a ping and expects either a pong within PingTimeout
// or the rolling last-pong age to stay under 1.5x PingInterval. Each tick
// that fails either check counts toward FailureThreshold consecutive
// failures before the session is evicted.
func (s *Session) livenessLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.State() != StateActive {
				return
			}
			s.livenessTick()
		}
	}
}

func (s *Session) livenessTick() {
	sentAt := s.cfg.Now()
	err := s.sendRaw(mustMarshal(map[string]any{"type": "ping", "timestamp": sentAt.Unix()}))
	failed := err != nil

	if !failed {
		deadline := sentAt.Add(s.cfg.PingTimeout)
		pollInterval := s.cfg.PingTimeout / 50
		if pollInterval <= 0 {
			pollInterval = time.Millisecond
		}
		for {
			if s.getLastPong().After(sentAt) || !s.cfg.Now().Before(deadline) {
				break
			}
			select {
			case <-s.stopCh:
				return
			case <-time.After(pollInterval):
			}
		}
		if !s.getLastPong().After(sentAt) {
			failed = true
		}
	}

	if s.cfg.Now().Sub(s.getLastPong()) > time.Duration(float64(s.cfg.PingInterval)*1.5) {
		failed = true
	}

	s.mu.Lock()
	if failed {
		s.consecutiveFailures++
	} else {
		s.consecutiveFailures = 0
	}
	n := s.consecutiveFailures
	s.mu.Unlock()

	if n >= s.cfg.FailureThreshold {
		s.evict("liveness failure threshold reached")
	}
}

func (s *Session) getLastPong() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPong
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
