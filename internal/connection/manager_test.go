package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"depthflow/internal/codec"
	"depthflow/internal/model"
)

// wsServer accepts websocket connections and hands each one to handle.
type wsServer struct {
	*httptest.Server
	conns atomic.Int32
}

func newWSServer(t *testing.T, handle func(n int, c *websocket.Conn)) *wsServer {
	t.Helper()
	s := &wsServer{}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		handle(int(s.conns.Add(1)), c)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func fastBackoff() BackoffConfig {
	return BackoffConfig{Initial: 10 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2}
}

func mustCodec(t *testing.T, ex model.Exchange) codec.Codec {
	t.Helper()
	c, err := codec.New(ex, codec.Options{})
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	return c
}

const aggTradeFrame = `{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","E":1700000000500,"s":"BTCUSDT","a":42,"p":"100.5","q":"0.25","f":1,"l":2,"T":1700000000499,"m":true,"M":true}}`

func TestManagerSubscribesAndDispatches(t *testing.T) {
	frames := make(chan string, 4)
	srv := newWSServer(t, func(_ int, c *websocket.Conn) {
		_, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		frames <- string(msg)
		_ = c.WriteMessage(websocket.TextMessage, []byte(aggTradeFrame))
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})

	events := make(chan model.Event, 4)
	m := NewManager(Key{Exchange: model.BinanceLinear}, Config{URL: srv.wsURL(), Backoff: fastBackoff()},
		mustCodec(t, model.BinanceLinear), Callbacks{OnEvents: func(evs []model.Event) {
			for _, ev := range evs {
				events <- ev
			}
		}})
	if err := m.Subscribe([]string{"btcusdt@aggTrade"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Close()

	select {
	case f := <-frames:
		if !strings.Contains(f, `"SUBSCRIBE"`) || !strings.Contains(f, "btcusdt@aggTrade") {
			t.Fatalf("unexpected subscribe frame: %s", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe frame received")
	}

	select {
	case ev := <-events:
		te, ok := ev.(model.TradeEvent)
		if !ok || te.Trade.ID != "42" {
			t.Fatalf("unexpected event: %#v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event dispatched")
	}

	if err := m.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if st := m.Status(); st.State != Connected || len(st.Topics) != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestManagerReplaysTopicsAfterReconnect(t *testing.T) {
	var mu sync.Mutex
	seen := map[int][]string{}
	srv := newWSServer(t, func(n int, c *websocket.Conn) {
		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			mu.Lock()
			seen[n] = append(seen[n], string(msg))
			mu.Unlock()
			if n == 1 {
				return
			}
		}
	})

	reconnected := make(chan []string, 1)
	m := NewManager(Key{Exchange: model.BinanceLinear}, Config{URL: srv.wsURL(), Backoff: fastBackoff()},
		mustCodec(t, model.BinanceLinear), Callbacks{OnReconnect: func(topics []string) { reconnected <- topics }})
	_ = m.Subscribe([]string{"btcusdt@depth@100ms", "btcusdt@aggTrade"})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Close()

	select {
	case topics := <-reconnected:
		if len(topics) != 2 {
			t.Fatalf("unexpected reconnect topics: %v", topics)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnReconnect not invoked")
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen[2]) > 0
	})
	mu.Lock()
	replay := seen[2][0]
	mu.Unlock()
	if !strings.Contains(replay, "btcusdt@depth@100ms") || !strings.Contains(replay, "btcusdt@aggTrade") {
		t.Fatalf("topics not replayed: %s", replay)
	}
	if st := m.Status(); st.Sessions < 2 {
		t.Fatalf("expected a second session, got %+v", st)
	}
}

func TestManagerSendsIncrementalSubscriptions(t *testing.T) {
	frames := make(chan string, 8)
	srv := newWSServer(t, func(_ int, c *websocket.Conn) {
		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			frames <- string(msg)
		}
	})

	m := NewManager(Key{Exchange: model.BinanceLinear}, Config{URL: srv.wsURL(), Backoff: fastBackoff()},
		mustCodec(t, model.BinanceLinear), Callbacks{})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Close()
	waitFor(t, 2*time.Second, func() bool { return m.Status().State == Connected })

	_ = m.Subscribe([]string{"ethusdt@aggTrade"})
	_ = m.Subscribe([]string{"ethusdt@aggTrade"})
	_ = m.Unsubscribe([]string{"ethusdt@aggTrade"})

	var got []string
	for len(got) < 2 {
		select {
		case f := <-frames:
			got = append(got, f)
		case <-time.After(2 * time.Second):
			t.Fatalf("expected subscribe and unsubscribe frames, got %v", got)
		}
	}
	if !strings.Contains(got[0], `"SUBSCRIBE"`) || !strings.Contains(got[1], `"UNSUBSCRIBE"`) {
		t.Fatalf("unexpected frames: %v", got)
	}
	select {
	case f := <-frames:
		t.Fatalf("duplicate subscription must not be sent: %s", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManagerPrivateWithoutCredentialsFails(t *testing.T) {
	srv := newWSServer(t, func(int, *websocket.Conn) {})

	failures := make(chan error, 1)
	m := NewManager(Key{Exchange: model.BybitLinear, Class: Private}, Config{URL: srv.wsURL(), Backoff: fastBackoff()},
		mustCodec(t, model.BybitLinear), Callbacks{OnFailure: func(err error) { failures <- err }})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case err := <-failures:
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			t.Fatalf("expected AuthError, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnFailure not invoked")
	}
	<-m.Done()
	if st := m.Status(); st.State != Failed {
		t.Fatalf("expected Failed, got %s", st.State)
	}
	if n := srv.conns.Load(); n != 0 {
		t.Fatalf("expected no dial without credentials, got %d", n)
	}
}

func TestManagerRejectedLoginIsNotRetried(t *testing.T) {
	srv := newWSServer(t, func(_ int, c *websocket.Conn) {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"success":false,"ret_msg":"invalid signature","op":"auth"}`))
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})

	failures := make(chan error, 1)
	m := NewManager(Key{Exchange: model.BybitLinear, Class: Private}, Config{
		URL:         srv.wsURL(),
		Backoff:     fastBackoff(),
		Credentials: model.Credentials{APIKey: "key", Secret: "secret"},
	}, mustCodec(t, model.BybitLinear), Callbacks{OnFailure: func(err error) { failures <- err }})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case err := <-failures:
		var authErr *AuthError
		if !errors.As(err, &authErr) || authErr.Reason != "invalid signature" {
			t.Fatalf("unexpected failure: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnFailure not invoked")
	}
	<-m.Done()
	time.Sleep(50 * time.Millisecond)
	if n := srv.conns.Load(); n != 1 {
		t.Fatalf("expected exactly one connection, got %d", n)
	}
}

func TestManagerReconnectsOnHeartbeatTimeout(t *testing.T) {
	srv := newWSServer(t, func(_ int, c *websocket.Conn) {
		// Reads but never answers the application ping.
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})

	m := NewManager(Key{Exchange: model.BybitLinear}, Config{
		URL:               srv.wsURL(),
		Backoff:           fastBackoff(),
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  80 * time.Millisecond,
	}, mustCodec(t, model.BybitLinear), Callbacks{})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Close()

	waitFor(t, 3*time.Second, func() bool { return srv.conns.Load() >= 2 })
}

func TestManagerCloseBeforeStart(t *testing.T) {
	m := NewManager(Key{Exchange: model.OKXSpot}, Config{URL: "ws://127.0.0.1:1"}, mustCodec(t, model.OKXSpot), Callbacks{})
	m.Close()
	<-m.Done()
	if err := m.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := m.Subscribe([]string{"books:BTC-USDT"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if st := m.Status(); st.State != Closed {
		t.Fatalf("expected Closed, got %s", st.State)
	}
}
