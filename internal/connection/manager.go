package connection

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"depthflow/internal/codec"
	"depthflow/internal/metrics"
	ratemetrics "depthflow/internal/metrics/rate"
	"depthflow/internal/model"
	"depthflow/logger"
)

const writeWait = 10 * time.Second

type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Config holds the per-socket settings. Zero heartbeat values disable pings
// and the liveness watchdog; a zero WriteRate disables outbound throttling.
type Config struct {
	URL               string
	Credentials       model.Credentials
	Backoff           BackoffConfig
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	WriteRate         float64
	HandshakeTimeout  time.Duration
	AuthTimeout       time.Duration
	LocalIP           string
	Clock             clock.Clock
}

// Callbacks are invoked from the manager's goroutines. They must not block
// for long and must not call back into the manager synchronously.
type Callbacks struct {
	OnEvents    func([]model.Event)
	OnReconnect func(topics []string)
	OnFailure   func(error)
}

// Manager owns one websocket and keeps it alive: it dials, authenticates
// private sockets, replays the desired topic set on every new session and
// reconnects with exponential backoff until Close.
type Manager struct {
	key     Key
	cfg     Config
	codec   codec.Codec
	cb      Callbacks
	clock   clock.Clock
	log     *logger.Log
	tracker *ratemetrics.WSTracker

	mu      sync.Mutex
	topics  map[string]struct{}
	pending [][]byte
	live    bool
	running bool
	closed  bool
	status  Status
	cancel  context.CancelFunc
	done    chan struct{}

	kick chan struct{}
}

func NewManager(key Key, cfg Config, c codec.Codec, cb Callbacks) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff.Initial = time.Second
	}
	if cfg.Backoff.Max < cfg.Backoff.Initial {
		cfg.Backoff.Max = 30 * cfg.Backoff.Initial
	}
	if cfg.Backoff.Multiplier < 1 {
		cfg.Backoff.Multiplier = 2
	}
	return &Manager{
		key:     key,
		cfg:     cfg,
		codec:   c,
		cb:      cb,
		clock:   cfg.Clock,
		log:     logger.GetLogger(),
		tracker: ratemetrics.NewWSTracker(cfg.Clock),
		topics:  make(map[string]struct{}),
		status:  Status{Key: key, State: Disconnected},
		done:    make(chan struct{}),
		kick:    make(chan struct{}, 1),
	}
}

func (m *Manager) Key() Key { return m.key }

// Start launches the connection loop. It returns immediately.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.running {
		return ErrAlreadyRunning
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)
	go m.run(ctx)
	return nil
}

// Close stops the manager and waits for its goroutines to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.done
		return
	}
	m.closed = true
	running := m.running
	cancel := m.cancel
	m.mu.Unlock()

	if !running {
		m.setState(Closed, nil)
		close(m.done)
		return
	}
	cancel()
	<-m.done
}

// Done is closed once the manager stopped for good.
func (m *Manager) Done() <-chan struct{} { return m.done }

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.status
	st.Topics = m.sortedTopicsLocked()
	return st
}

func (m *Manager) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedTopicsLocked()
}

// Subscribe adds topics to the desired set. Topics already present are
// ignored. While a session is live the subscribe frames are queued for the
// writer; otherwise they are sent when the next session starts.
func (m *Manager) Subscribe(topics []string) error {
	return m.update(topics, true)
}

func (m *Manager) Unsubscribe(topics []string) error {
	return m.update(topics, false)
}

func (m *Manager) update(topics []string, add bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	var changed []string
	for _, t := range topics {
		_, present := m.topics[t]
		if add == present {
			continue
		}
		changed = append(changed, t)
	}
	if len(changed) == 0 {
		return nil
	}

	if m.live {
		var frames [][]byte
		var err error
		if add {
			frames, err = m.codec.EncodeSubscribe(changed)
		} else {
			frames, err = m.codec.EncodeUnsubscribe(changed)
		}
		if err != nil {
			return err
		}
		m.pending = append(m.pending, frames...)
		select {
		case m.kick <- struct{}{}:
		default:
		}
	}

	for _, t := range changed {
		if add {
			m.topics[t] = struct{}{}
		} else {
			delete(m.topics, t)
		}
	}
	return nil
}

func (m *Manager) sortedTopicsLocked() []string {
	out := make([]string, 0, len(m.topics))
	for t := range m.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) setState(s State, err error) {
	m.mu.Lock()
	m.status.State = s
	m.status.Err = err
	switch s {
	case Connected:
		m.status.Attempts = 0
		m.status.Sessions++
		m.status.LastConnected = m.clock.Now()
	case Backoff:
		m.status.Attempts++
	}
	m.mu.Unlock()
}

func (m *Manager) entry() *logger.Entry {
	return m.log.WithComponent("connection").WithConnection(m.key.String())
}

func (m *Manager) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.Backoff.Initial
	b.MaxInterval = m.cfg.Backoff.Max
	b.Multiplier = m.cfg.Backoff.Multiplier
	b.RandomizationFactor = m.cfg.Backoff.Jitter
	b.MaxElapsedTime = 0
	b.Clock = m.clock
	b.Reset()
	return b
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	defer func() {
		m.mu.Lock()
		failed := m.status.State == Failed
		m.mu.Unlock()
		if !failed {
			m.setState(Closed, nil)
		}
	}()

	b := m.newBackoff()
	for {
		if ctx.Err() != nil {
			return
		}

		established, err := m.session(ctx)
		if ctx.Err() != nil {
			return
		}

		var authErr *AuthError
		if errors.As(err, &authErr) {
			m.setState(Failed, err)
			m.entry().WithError(err).Error("authentication failed, giving up")
			if m.cb.OnFailure != nil {
				m.cb.OnFailure(err)
			}
			return
		}

		if established {
			b.Reset()
		}
		wait := b.NextBackOff()
		m.setState(Backoff, err)
		metrics.IncReconnect(m.key.String())
		m.entry().WithError(err).WithFields(logger.Fields{"retry_in": wait.String()}).Warn("websocket session ended, reconnecting")

		timer := m.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one dial-to-disconnect cycle. established reports whether the
// socket reached Connected.
func (m *Manager) session(ctx context.Context) (established bool, err error) {
	if m.key.Class == Private && m.cfg.Credentials.Empty() {
		return false, &AuthError{Key: m.key, Reason: "no credentials configured"}
	}

	m.setState(Connecting, nil)
	m.tracker.RegisterConnectionAttempt()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: m.cfg.HandshakeTimeout,
	}
	if m.cfg.LocalIP != "" {
		if ip := net.ParseIP(m.cfg.LocalIP); ip != nil {
			dialer.NetDialContext = (&net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}).DialContext
		}
	}
	conn, resp, err := dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			ratemetrics.ReportRateLimitExceeded(m.log, string(m.key.Exchange.Venue()), "", "ws")
		}
		return false, &ConnectionError{Key: m.key, Op: "dial", Err: err}
	}
	defer conn.Close()

	if m.key.Class == Private {
		m.setState(Authenticating, nil)
		if err := m.authenticate(conn); err != nil {
			return false, err
		}
	}

	m.mu.Lock()
	topics := m.sortedTopicsLocked()
	m.pending = nil
	m.live = true
	reconnect := m.status.Sessions > 0
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.live = false
		m.pending = nil
		m.mu.Unlock()
	}()

	var initial [][]byte
	if len(topics) > 0 {
		initial, err = m.codec.EncodeSubscribe(topics)
		if err != nil {
			return false, &ConnectionError{Key: m.key, Op: "encode subscribe", Err: err}
		}
	}

	var lastFrame atomic.Int64
	lastFrame.Store(m.clock.Now().UnixNano())
	conn.SetPongHandler(func(string) error {
		lastFrame.Store(m.clock.Now().UnixNano())
		m.markHeartbeat()
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		lastFrame.Store(m.clock.Now().UnixNano())
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	m.setState(Connected, nil)
	m.entry().WithFields(logger.Fields{"url": m.cfg.URL, "topics": len(topics)}).Info("websocket connected")
	if reconnect && m.cb.OnReconnect != nil {
		m.cb.OnReconnect(topics)
	}

	readDone := make(chan struct{})
	var readErr error
	go func() {
		defer close(readDone)
		readErr = m.readLoop(conn, &lastFrame)
	}()

	err = m.writeLoop(ctx, conn, initial, &lastFrame, readDone)
	if errors.Is(err, errReaderStopped) {
		err = readErr
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	conn.Close()
	<-readDone
	return true, err
}

var errReaderStopped = errors.New("reader stopped")

func (m *Manager) authenticate(conn *websocket.Conn) error {
	frame, err := m.codec.EncodeAuth(m.cfg.Credentials, m.clock.Now())
	if err != nil {
		return &AuthError{Key: m.key, Reason: "cannot build login request", Err: err}
	}
	if err := m.write(conn, frame); err != nil {
		return &ConnectionError{Key: m.key, Op: "auth write", Err: err}
	}

	if err := conn.SetReadDeadline(time.Now().Add(m.cfg.AuthTimeout)); err != nil {
		return &ConnectionError{Key: m.key, Op: "auth deadline", Err: err}
	}
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return &ConnectionError{Key: m.key, Op: "auth read", Err: err}
		}
		events, err := m.codec.Decode(data)
		if err != nil {
			m.entry().WithError(err).Warn("dropping undecodable frame during login")
			continue
		}
		var rest []model.Event
		for _, ev := range events {
			ac, ok := ev.(model.AuthChallenge)
			if !ok {
				rest = append(rest, ev)
				continue
			}
			m.dispatch(rest)
			if !ac.Success {
				return &AuthError{Key: m.key, Reason: ac.Message}
			}
			m.entry().Info("websocket login accepted")
			return nil
		}
		m.dispatch(rest)
	}
}

func (m *Manager) readLoop(conn *websocket.Conn, lastFrame *atomic.Int64) error {
	stream := m.key.String() + ":ws"
	venue := string(m.key.Exchange.Venue())
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return &ConnectionError{Key: m.key, Op: "read", Err: err}
		}
		lastFrame.Store(m.clock.Now().UnixNano())
		logger.RecordStreamMessage(stream, len(data))

		events, err := m.codec.Decode(data)
		if err != nil {
			if errors.Is(err, codec.ErrRejected) {
				ratemetrics.ReportLimitFromMessage(m.log, venue, "", "ws", err.Error())
			} else {
				metrics.EmitDropMetric(m.log, metrics.DropMetricUndecodable, m.key.Exchange.Key(), "", "decode", 1)
			}
			m.entry().WithError(err).Warn("dropping frame")
			continue
		}
		m.dispatch(events)
	}
}

func (m *Manager) dispatch(events []model.Event) {
	if len(events) == 0 {
		return
	}
	out := events[:0:0]
	for _, ev := range events {
		switch ev.(type) {
		case model.Heartbeat:
			m.markHeartbeat()
		case model.AuthChallenge:
		default:
			metrics.IncEvent(m.key.Exchange.Key(), ev.EventKind().String())
			out = append(out, ev)
		}
	}
	if len(out) > 0 && m.cb.OnEvents != nil {
		m.cb.OnEvents(out)
	}
}

func (m *Manager) markHeartbeat() {
	m.mu.Lock()
	m.status.LastHeartbeat = m.clock.Now()
	m.mu.Unlock()
}

func (m *Manager) takePending() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	frames := m.pending
	m.pending = nil
	return frames
}

func (m *Manager) writeLoop(ctx context.Context, conn *websocket.Conn, queue [][]byte, lastFrame *atomic.Int64, readDone <-chan struct{}) error {
	limit := rate.Inf
	burst := 1
	if m.cfg.WriteRate > 0 {
		limit = rate.Limit(m.cfg.WriteRate)
		burst = int(m.cfg.WriteRate)
		if burst < 1 {
			burst = 1
		}
	}
	limiter := rate.NewLimiter(limit, burst)

	var ping <-chan time.Time
	if m.cfg.HeartbeatInterval > 0 {
		t := m.clock.Ticker(m.cfg.HeartbeatInterval)
		defer t.Stop()
		ping = t.C
	}
	var watch <-chan time.Time
	if m.cfg.HeartbeatTimeout > 0 {
		t := m.clock.Ticker(m.cfg.HeartbeatTimeout / 4)
		defer t.Stop()
		watch = t.C
	}

	for {
		for len(queue) > 0 {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			if err := m.write(conn, queue[0]); err != nil {
				return &ConnectionError{Key: m.key, Op: "write", Err: err}
			}
			queue = queue[1:]
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-readDone:
			return errReaderStopped
		case <-m.kick:
			queue = append(queue, m.takePending()...)
		case <-ping:
			if err := m.ping(conn); err != nil {
				return &ConnectionError{Key: m.key, Op: "ping", Err: err}
			}
		case <-watch:
			last := time.Unix(0, lastFrame.Load())
			if m.clock.Now().Sub(last) > m.cfg.HeartbeatTimeout {
				return &ConnectionError{Key: m.key, Op: "heartbeat", Err: ErrHeartbeatTimeout}
			}
		}
	}
}

func (m *Manager) write(conn *websocket.Conn, frame []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	m.tracker.RegisterOutgoing(1)
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (m *Manager) ping(conn *websocket.Conn) error {
	if frame := m.codec.EncodePing(); frame != nil {
		return m.write(conn, frame)
	}
	m.tracker.RegisterOutgoing(1)
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// ReportWeight emits the outbound frame counters for this socket.
func (m *Manager) ReportWeight() {
	m.tracker.Report(m.log, m.key.String())
}
