package webstream

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/homelink/internal/compression"
	"github.com/danmuck/homelink/internal/protocol/frame"
	"github.com/danmuck/homelink/internal/protocol/wire"
	"github.com/danmuck/homelink/internal/stream"
	"github.com/danmuck/homelink/internal/testutil/testlog"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type relaySink struct {
	t    *testing.T
	msgs chan *wire.WebStreamMsg
}

func newRelaySink(t *testing.T) *relaySink {
	return &relaySink{t: t, msgs: make(chan *wire.WebStreamMsg, 256)}
}

func (r *relaySink) Send(buf []byte) error {
	msg, err := wire.Decode(buf, frame.DefaultLimits())
	if err != nil {
		return err
	}
	r.msgs <- msg.WebStream
	return nil
}

func (r *relaySink) next() *wire.WebStreamMsg {
	r.t.Helper()
	select {
	case m := <-r.msgs:
		return m
	case <-time.After(5 * time.Second):
		r.t.Fatal("no message from stream")
		return nil
	}
}

type countObserver struct {
	mu     sync.Mutex
	opened map[string]int
	closed map[string]int
}

func newCountObserver() *countObserver {
	return &countObserver{opened: map[string]int{}, closed: map[string]int{}}
}

func (o *countObserver) StreamOpened(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened[kind]++
}

func (o *countObserver) StreamClosed(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed[kind]++
}

func (o *countObserver) counts(kind string) (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opened[kind], o.closed[kind]
}

func portOf(t *testing.T, rawURL string) uint32 {
	t.Helper()
	_, port, err := net.SplitHostPort(rawURL[len("http://"):])
	require.NoError(t, err)
	n, err := strconv.Atoi(port)
	require.NoError(t, err)
	return uint32(n)
}

// deadPort returns a loopback port with nothing listening.
func deadPort(t *testing.T) uint32 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint32(l.Addr().(*net.TCPAddr).Port)
	require.NoError(t, l.Close())
	return port
}

type fixture struct {
	proto *Protocol
	sink  *relaySink
	pool  *compression.Pool
	obs   *countObserver
}

func newFixture(t *testing.T, targets Targets, mutate ...func(*Config)) *fixture {
	t.Helper()
	log := testlog.Start(t)
	pool := compression.NewPool(compression.DefaultConfig(), log)
	t.Cleanup(pool.Close)
	cfg := DefaultConfig()
	cfg.Targets = targets
	cfg.DialTimeout = time.Second
	for _, m := range mutate {
		m(&cfg)
	}
	f := &fixture{sink: newRelaySink(t), pool: pool, obs: newCountObserver()}
	f.proto = NewProtocol(cfg, f.sink, pool, log, WithObserver(f.obs))
	t.Cleanup(f.proto.Close)
	return f
}

// body reassembles the response body from data messages up to the final
// done message.
func (f *fixture) body(t *testing.T) ([]byte, *wire.WebStreamMsg) {
	t.Helper()
	rx := f.pool.NewContext()
	defer rx.Release()
	var out bytes.Buffer
	for {
		m := f.sink.next()
		if m.Data != nil {
			chunk, err := rx.Decompress(m.DataCompression, m.Data, int(m.OriginalDataSize), m.IsDataTransmissionDone)
			require.NoError(t, err)
			out.Write(chunk)
		}
		if m.IsDataTransmissionDone {
			return out.Bytes(), m
		}
	}
}

func httpOpen(id uint32, method, path string, data []byte, done bool) *wire.WebStreamMsg {
	return &wire.WebStreamMsg{
		StreamID:               id,
		IsOpenMsg:              true,
		Data:                   data,
		WebSocketDataType:      wire.WebSocketNone,
		IsDataTransmissionDone: done,
		HTTPContext: &wire.HTTPInitialContext{
			Method:   method,
			Path:     path,
			PathType: wire.PathRelative,
			Target:   wire.TargetHomeAssistant,
			Headers:  []wire.Header{{Name: "X-Test", Value: "yes"}},
		},
	}
}

func TestStreamIDZeroIsFatal(t *testing.T) {
	f := newFixture(t, DefaultTargets())
	assert.ErrorIs(t, f.proto.HandleMessage(httpOpen(0, "GET", "/", nil, true)), stream.ErrInvalidStreamID)
	assert.ErrorIs(t, f.proto.HandleMessage(&wire.WebStreamMsg{StreamID: 0, Data: []byte("x")}), stream.ErrInvalidStreamID)
}

func TestUnknownNonOpenIsDropped(t *testing.T) {
	f := newFixture(t, DefaultTargets())
	require.NoError(t, f.proto.HandleMessage(&wire.WebStreamMsg{StreamID: 9, Data: []byte("late")}))
	require.NoError(t, f.proto.HandleMessage(&wire.WebStreamMsg{StreamID: 9, IsCloseMsg: true}))
	assert.Equal(t, uint64(2), f.proto.dropped.Load())
	assert.Equal(t, 1, f.proto.drops.ItemCount())

	require.NoError(t, f.proto.HandleMessage(&wire.WebStreamMsg{StreamID: 10, Data: []byte("late")}))
	assert.Equal(t, 2, f.proto.drops.ItemCount())
	assert.Zero(t, f.proto.Len())
	assert.Empty(t, f.sink.msgs)
}

func TestOpenWithoutContextIsFatal(t *testing.T) {
	f := newFixture(t, DefaultTargets())
	err := f.proto.HandleMessage(&wire.WebStreamMsg{StreamID: 1, IsOpenMsg: true, WebSocketDataType: wire.WebSocketNone})
	assert.ErrorIs(t, err, ErrNoContext)
}

func TestHTTPRequestRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		assert.Equal(t, "/api/echo", r.URL.Path)
		w.Header().Set("X-Reply", "1")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(append([]byte("echo:"), body...))
	}))
	defer srv.Close()

	f := newFixture(t, Targets{Host: "127.0.0.1", HomeAssistantPort: portOf(t, srv.URL)})
	require.NoError(t, f.proto.HandleMessage(httpOpen(1, "POST", "/api/echo", []byte("hello"), true)))

	head := f.sink.next()
	assert.Equal(t, uint32(1), head.StreamID)
	assert.Equal(t, uint32(http.StatusCreated), head.StatusCode)
	assert.Contains(t, head.Headers, wire.Header{Name: "X-Reply", Value: "1"})
	assert.Equal(t, uint64(len("echo:hello")), head.FullStreamDataSize)
	assert.False(t, head.IsCloseMsg)

	body, last := f.body(t)
	assert.Equal(t, "echo:hello", string(body))
	assert.True(t, last.IsCloseMsg)
	assert.Equal(t, wire.CloseNormal, last.CloseReason)

	require.Eventually(t, func() bool { return f.proto.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	opened, closed := f.obs.counts(KindHTTP)
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, closed)
}

func TestHTTPChunkedResponseIsStreamed(t *testing.T) {
	payload := bytes.Repeat([]byte("homelink-"), 2000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		for i := 0; i < len(payload); i += 1000 {
			end := min(i+1000, len(payload))
			_, _ = w.Write(payload[i:end])
			fl.Flush()
		}
	}))
	defer srv.Close()

	f := newFixture(t, Targets{Host: "127.0.0.1", HomeAssistantPort: portOf(t, srv.URL)}, func(c *Config) {
		c.ChunkSize = 4096
	})
	require.NoError(t, f.proto.HandleMessage(httpOpen(3, "GET", "stream", nil, true)))

	head := f.sink.next()
	assert.Equal(t, uint32(http.StatusOK), head.StatusCode)
	body, last := f.body(t)
	assert.Equal(t, payload, body)
	assert.True(t, last.IsCloseMsg)
}

func TestHTTPRequestBodyStreamsFromDataMessages(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- string(body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := newFixture(t, Targets{Host: "127.0.0.1", HomeAssistantPort: portOf(t, srv.URL)})
	require.NoError(t, f.proto.HandleMessage(httpOpen(2, "PUT", "/upload", []byte("a"), false)))
	require.NoError(t, f.proto.HandleMessage(&wire.WebStreamMsg{StreamID: 2, Data: []byte("b"), OriginalDataSize: 1, WebSocketDataType: wire.WebSocketNone}))
	require.NoError(t, f.proto.HandleMessage(&wire.WebStreamMsg{StreamID: 2, Data: []byte("c"), OriginalDataSize: 1, WebSocketDataType: wire.WebSocketNone, IsDataTransmissionDone: true}))

	select {
	case body := <-got:
		assert.Equal(t, "abc", body)
	case <-time.After(5 * time.Second):
		t.Fatal("request not received")
	}
	head := f.sink.next()
	assert.Equal(t, uint32(http.StatusNoContent), head.StatusCode)
	_, last := f.body(t)
	assert.True(t, last.IsCloseMsg)
}

func TestHTTPLocalFailureAnswers502(t *testing.T) {
	f := newFixture(t, Targets{Host: "127.0.0.1", HomeAssistantPort: deadPort(t)})
	require.NoError(t, f.proto.HandleMessage(httpOpen(4, "GET", "/", nil, true)))

	m := f.sink.next()
	assert.Equal(t, uint32(http.StatusBadGateway), m.StatusCode)
	assert.True(t, m.IsCloseMsg)
	assert.Equal(t, wire.CloseLocalError, m.CloseReason)
	require.Eventually(t, func() bool { return f.proto.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func echoServer(t *testing.T, closed chan<- struct{}) *httptest.Server {
	return httptest.NewServer(echoHandler(closed))
}

func echoHandler(closed chan<- struct{}) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				if closed != nil {
					closed <- struct{}{}
				}
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	})
}

// stallingListener accepts TCP connections through the backlog and never
// answers the upgrade.
func stallingListener(t *testing.T) uint32 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return uint32(l.Addr().(*net.TCPAddr).Port)
}

func wsOpen(id uint32, path string) *wire.WebStreamMsg {
	return &wire.WebStreamMsg{
		StreamID:          id,
		IsOpenMsg:         true,
		WebSocketDataType: wire.WebSocketText,
		HTTPContext: &wire.HTTPInitialContext{
			Method:   http.MethodGet,
			Path:     path,
			PathType: wire.PathRelative,
			Target:   wire.TargetHomeAssistant,
			Headers:  []wire.Header{{Name: "Upgrade", Value: "websocket"}, {Name: "X-Test", Value: "yes"}},
		},
	}
}

func TestWebSocketFallsThroughCandidatesAndEchoes(t *testing.T) {
	closed := make(chan struct{}, 1)
	srv := echoServer(t, closed)
	defer srv.Close()

	f := newFixture(t, Targets{Host: "127.0.0.1", HomeAssistantPort: deadPort(t), ProxyPort: portOf(t, srv.URL)})
	require.NoError(t, f.proto.HandleMessage(wsOpen(5, "/api/websocket")))
	// Sent before the local socket is likely open; it must be held, not dropped.
	require.NoError(t, f.proto.HandleMessage(&wire.WebStreamMsg{StreamID: 5, Data: []byte("ping"), OriginalDataSize: 4, WebSocketDataType: wire.WebSocketText}))

	m := f.sink.next()
	assert.Equal(t, wire.WebSocketText, m.WebSocketDataType)
	rx := f.pool.NewContext()
	defer rx.Release()
	data, err := rx.Decompress(m.DataCompression, m.Data, int(m.OriginalDataSize), false)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(data))

	require.NoError(t, f.proto.HandleMessage(&wire.WebStreamMsg{StreamID: 5, IsCloseMsg: true, WebSocketDataType: wire.WebSocketClose}))
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("local socket not closed")
	}
	require.Eventually(t, func() bool { return f.proto.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	_, c := f.obs.counts(KindWebSocket)
	assert.Equal(t, 1, c)
}

func TestWebSocketReachesLANCandidateAfterLoopbackStalls(t *testing.T) {
	haPort := stallingListener(t)
	proxyPort := stallingListener(t)
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.2", strconv.Itoa(int(haPort))))
	if err != nil {
		t.Skipf("second loopback address unavailable: %v", err)
	}
	srv := httptest.NewUnstartedServer(echoHandler(nil))
	srv.Listener = l
	srv.Start()
	defer srv.Close()

	f := newFixture(t, Targets{Host: "127.0.0.1", HomeAssistantPort: haPort, ProxyPort: proxyPort, LANIP: "127.0.0.2"}, func(c *Config) {
		c.DialTimeout = 300 * time.Millisecond
		c.OpenWait = 600 * time.Millisecond
	})
	require.NoError(t, f.proto.HandleMessage(wsOpen(8, "/api/websocket")))

	s, ok := f.proto.reg.Get(8)
	require.True(t, ok)
	ws := s.(*wsStream)
	select {
	case <-ws.opened:
	case <-time.After(5 * time.Second):
		t.Fatal("LAN candidate never opened")
	}
	assert.Empty(t, f.sink.msgs)

	require.NoError(t, f.proto.HandleMessage(&wire.WebStreamMsg{StreamID: 8, Data: []byte("ping"), OriginalDataSize: 4, WebSocketDataType: wire.WebSocketText}))
	m := f.sink.next()
	require.False(t, m.IsCloseMsg)
	rx := f.pool.NewContext()
	defer rx.Release()
	data, err := rx.Decompress(m.DataCompression, m.Data, int(m.OriginalDataSize), false)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(data))
}

func TestWebSocketHeldMessageTimesOut(t *testing.T) {
	f := newFixture(t, Targets{Host: "127.0.0.1", HomeAssistantPort: stallingListener(t)}, func(c *Config) {
		c.DialTimeout = 5 * time.Second
		c.OpenWait = 200 * time.Millisecond
	})
	require.NoError(t, f.proto.HandleMessage(wsOpen(9, "/api/websocket")))
	require.NoError(t, f.proto.HandleMessage(&wire.WebStreamMsg{StreamID: 9, Data: []byte("early"), OriginalDataSize: 5, WebSocketDataType: wire.WebSocketText}))

	m := f.sink.next()
	assert.True(t, m.IsCloseMsg)
	assert.Equal(t, wire.CloseTimeout, m.CloseReason)
	require.Eventually(t, func() bool { return f.proto.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestWebSocketAllCandidatesFailClosesUpstream(t *testing.T) {
	f := newFixture(t, Targets{Host: "127.0.0.1", HomeAssistantPort: deadPort(t), ProxyPort: deadPort(t)})
	require.NoError(t, f.proto.HandleMessage(wsOpen(6, "/api/websocket")))

	m := f.sink.next()
	assert.True(t, m.IsCloseMsg)
	assert.Equal(t, wire.WebSocketClose, m.WebSocketDataType)
	assert.Equal(t, wire.CloseLocalError, m.CloseReason)
	require.Eventually(t, func() bool { return f.proto.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestWebSocketLocalCloseReachesRelay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		_ = conn.Close()
	}))
	defer srv.Close()

	f := newFixture(t, Targets{Host: "127.0.0.1", HomeAssistantPort: portOf(t, srv.URL)})
	require.NoError(t, f.proto.HandleMessage(wsOpen(7, "/api/websocket")))
	m := f.sink.next()
	assert.True(t, m.IsCloseMsg)
	assert.Equal(t, wire.CloseNormal, m.CloseReason)
}

func TestDuplicateOpenIsFatal(t *testing.T) {
	srv := echoServer(t, nil)
	defer srv.Close()
	f := newFixture(t, Targets{Host: "127.0.0.1", HomeAssistantPort: portOf(t, srv.URL)})
	require.NoError(t, f.proto.HandleMessage(wsOpen(8, "/ws")))
	assert.ErrorIs(t, f.proto.HandleMessage(wsOpen(8, "/ws")), ErrDuplicateOpen)
}

func TestCloseEndsEveryStreamOnce(t *testing.T) {
	srv := echoServer(t, nil)
	defer srv.Close()
	f := newFixture(t, Targets{Host: "127.0.0.1", HomeAssistantPort: portOf(t, srv.URL)})

	const n = 20
	for id := uint32(1); id <= n; id++ {
		require.NoError(t, f.proto.HandleMessage(wsOpen(id, "/ws")))
	}
	f.proto.Close()
	f.proto.Close()

	assert.Zero(t, f.proto.Len())
	opened, closed := f.obs.counts(KindWebSocket)
	assert.Equal(t, n, opened)
	assert.Equal(t, n, closed)

	require.NoError(t, f.proto.HandleMessage(wsOpen(n+1, "/ws")), "opens after close are ignored")
	assert.Zero(t, f.proto.Len())
}

func TestWebSocketCandidateOrder(t *testing.T) {
	tg := Targets{Host: "127.0.0.1", HomeAssistantPort: 8123, ProxyPort: 40000, LANIP: "192.168.1.20"}
	got, err := tg.wsCandidates(&wire.HTTPInitialContext{Path: "api/websocket", Target: wire.TargetHomeAssistant, PathType: wire.PathRelative})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"ws://127.0.0.1:8123/api/websocket",
		"ws://127.0.0.1:40000/api/websocket",
		"ws://192.168.1.20:8123/api/websocket",
		"ws://192.168.1.20:40000/api/websocket",
	}, got)

	tg.ProxyPort = 8123
	tg.LANIP = ""
	got, err = tg.wsCandidates(&wire.HTTPInitialContext{Path: "/x", Target: wire.TargetHomeAssistant})
	require.NoError(t, err)
	assert.Equal(t, []string{"ws://127.0.0.1:8123/x"}, got)

	got, err = tg.wsCandidates(&wire.HTTPInitialContext{Path: "https://ui.local:9000/ws", PathType: wire.PathAbsolute})
	require.NoError(t, err)
	assert.Equal(t, []string{"wss://ui.local:9000/ws"}, got)

	_, err = tg.wsCandidates(&wire.HTTPInitialContext{Path: "/", Target: wire.TargetLocalUI})
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestHTTPURLResolution(t *testing.T) {
	tg := Targets{Host: "127.0.0.1", HomeAssistantPort: 8123, LocalUIPort: 8099}
	u, err := tg.httpURL(&wire.HTTPInitialContext{Path: "/api/states", Target: wire.TargetHomeAssistant})
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8123/api/states", u)

	u, err = tg.httpURL(&wire.HTTPInitialContext{Path: "index.html", Target: wire.TargetLocalUI})
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8099/index.html", u)

	u, err = tg.httpURL(&wire.HTTPInitialContext{Path: "ws://10.0.0.5:8123/api", PathType: wire.PathAbsolute})
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:8123/api", u)

	_, err = tg.httpURL(&wire.HTTPInitialContext{Path: "/relative", PathType: wire.PathAbsolute})
	assert.ErrorIs(t, err, ErrBadTarget)
}
