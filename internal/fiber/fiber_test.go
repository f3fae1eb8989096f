package fiber

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/homelink/internal/compression"
	"github.com/danmuck/homelink/internal/connmgr"
	"github.com/danmuck/homelink/internal/protocol/frame"
	"github.com/danmuck/homelink/internal/protocol/wire"
	"github.com/danmuck/homelink/internal/stream"
	"github.com/danmuck/homelink/internal/testutil/testlog"
	"github.com/danmuck/homelink/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// relaySink decodes every frame the client sends.
type relaySink struct {
	t    *testing.T
	msgs chan *wire.SageStreamMessage
}

func newRelaySink(t *testing.T) *relaySink {
	return &relaySink{t: t, msgs: make(chan *wire.SageStreamMessage, 64)}
}

func (r *relaySink) Send(buf []byte) error {
	msg, err := wire.Decode(buf, frame.DefaultLimits())
	if err != nil {
		return err
	}
	r.msgs <- msg.Sage
	return nil
}

func (r *relaySink) next() *wire.SageStreamMessage {
	r.t.Helper()
	select {
	case m := <-r.msgs:
		return m
	case <-time.After(5 * time.Second):
		r.t.Fatal("no frame from client")
		return nil
	}
}

type failingSender struct{}

func (failingSender) Send([]byte) error { return errors.New("link down") }

func newTestClient(t *testing.T, timeout time.Duration) (*Client, *relaySink, *compression.Pool) {
	t.Helper()
	log := testlog.Start(t)
	pool := compression.NewPool(compression.DefaultConfig(), log)
	t.Cleanup(pool.Close)
	c := NewClient(Config{Timeout: timeout, AttachmentCompressMin: 1024}, pool, log)
	sink := newRelaySink(t)
	c.Attach(sink)
	return c, sink, pool
}

type chatResult struct {
	resp Response
	err  error
}

func goChat(c *Client, req Request) <-chan chatResult {
	out := make(chan chatResult, 1)
	go func() {
		resp, err := c.Chat(context.Background(), req)
		out <- chatResult{resp, err}
	}()
	return out
}

func awaitChat(t *testing.T, ch <-chan chatResult) chatResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("call did not return")
		return chatResult{}
	}
}

func TestChatRoundTripWithAttachments(t *testing.T) {
	c, sink, pool := newTestClient(t, 5*time.Second)

	big := bytes.Repeat([]byte("camera-frame "), 400)
	ch := goChat(c, Request{
		Data: []byte(`{"q":"lights?"}`),
		Attachments: []Attachment{
			{Name: "snapshot", Data: big},
			{Name: "note", Data: []byte("tiny")},
		},
	})

	open := sink.next()
	assert.True(t, open.IsOpenMsg)
	assert.True(t, open.IsDataTransmissionDone)
	assert.Equal(t, wire.SageChat, open.Type)
	assert.Equal(t, uint32(1), open.StreamID)
	require.NotNil(t, open.DataContext)
	require.Len(t, open.DataContext.SidePayloads, 2)

	snap := open.DataContext.SidePayloads[0]
	assert.Equal(t, "snapshot", snap.Name)
	assert.NotEqual(t, compression.MethodNone, snap.Compression)
	assert.Equal(t, uint32(len(big)), snap.OriginalSize)
	cc := pool.NewContext()
	defer cc.Release()
	plain, err := cc.Decompress(snap.Compression, snap.Data, int(snap.OriginalSize), true)
	require.NoError(t, err)
	assert.Equal(t, big, plain)

	note := open.DataContext.SidePayloads[1]
	assert.Equal(t, compression.MethodNone, note.Compression)
	assert.Equal(t, []byte("tiny"), note.Data)

	require.NoError(t, c.HandleMessage(&wire.SageStreamMessage{StreamID: open.StreamID, Data: []byte("hel")}))
	require.NoError(t, c.HandleMessage(&wire.SageStreamMessage{StreamID: open.StreamID, Data: []byte("lo"), IsDataTransmissionDone: true}))

	r := awaitChat(t, ch)
	require.NoError(t, r.err)
	assert.Equal(t, uint32(http.StatusOK), r.resp.StatusCode)
	assert.Equal(t, "hello", string(r.resp.Data))
}

func TestChatStatusErrors(t *testing.T) {
	c, sink, _ := newTestClient(t, 5*time.Second)

	ch := goChat(c, Request{Data: []byte("x")})
	open := sink.next()
	require.NoError(t, c.HandleMessage(&wire.SageStreamMessage{StreamID: open.StreamID, StatusCode: 401, ErrorMessage: "whatever"}))
	assert.ErrorIs(t, awaitChat(t, ch).err, ErrAccountNotLinked)

	ch = goChat(c, Request{Data: []byte("x")})
	open = sink.next()
	require.NoError(t, c.HandleMessage(&wire.SageStreamMessage{StreamID: open.StreamID, StatusCode: 500, ErrorMessage: "model down"}))
	var serr *StatusError
	require.ErrorAs(t, awaitChat(t, ch).err, &serr)
	assert.Equal(t, uint32(500), serr.Code)
	assert.Equal(t, "model down", serr.Message)

	ch = goChat(c, Request{Data: []byte("x")})
	open = sink.next()
	require.NoError(t, c.HandleMessage(&wire.SageStreamMessage{StreamID: open.StreamID, IsAbortMsg: true, StatusCode: 401}))
	assert.ErrorIs(t, awaitChat(t, ch).err, ErrAccountNotLinked)

	ch = goChat(c, Request{Data: []byte("x")})
	open = sink.next()
	require.NoError(t, c.HandleMessage(&wire.SageStreamMessage{StreamID: open.StreamID, IsAbortMsg: true, StatusCode: 503, ErrorMessage: "busy"}))
	serr = nil
	require.ErrorAs(t, awaitChat(t, ch).err, &serr)
	assert.Equal(t, uint32(503), serr.Code)
}

func TestChatTimeoutWithoutReply(t *testing.T) {
	c, sink, _ := newTestClient(t, 100*time.Millisecond)

	r := awaitChat(t, goChat(c, Request{Data: []byte("x")}))
	assert.ErrorIs(t, r.err, ErrNoResponse)

	open := sink.next()
	abort := sink.next()
	assert.True(t, abort.IsAbortMsg)
	assert.Equal(t, open.StreamID, abort.StreamID)
	assert.Equal(t, wire.SageChat, abort.Type)
}

func TestChatTimeoutAfterPartialReply(t *testing.T) {
	c, sink, _ := newTestClient(t, 300*time.Millisecond)

	ch := goChat(c, Request{Data: []byte("x")})
	open := sink.next()
	require.NoError(t, c.HandleMessage(&wire.SageStreamMessage{StreamID: open.StreamID, Data: []byte("partial")}))
	assert.ErrorIs(t, awaitChat(t, ch).err, ErrTimeout)
}

func TestServerAbort(t *testing.T) {
	c, sink, _ := newTestClient(t, 5*time.Second)

	ch := goChat(c, Request{Data: []byte("x")})
	open := sink.next()
	require.NoError(t, c.HandleMessage(&wire.SageStreamMessage{StreamID: open.StreamID, IsAbortMsg: true}))
	assert.ErrorIs(t, awaitChat(t, ch).err, ErrAborted)

	// late frames for the finished id are dropped
	assert.NoError(t, c.HandleMessage(&wire.SageStreamMessage{StreamID: open.StreamID, Data: []byte("late")}))
}

func TestListenUploadFlow(t *testing.T) {
	c, sink, _ := newTestClient(t, 5*time.Second)
	ctx := context.Background()

	_, err := c.Listen(ctx, ListenChunk{Data: []byte("pcm")})
	assert.ErrorIs(t, err, ErrNoUpload)

	audio := &wire.DataContext{DataType: wire.DataTypeAudioPCM, SampleRate: 16000, Channels: 1, BytesPerSample: 2}
	_, err = c.Listen(ctx, ListenChunk{Start: true, Data: []byte("a0"), Context: audio})
	require.NoError(t, err)
	open := sink.next()
	assert.True(t, open.IsOpenMsg)
	assert.False(t, open.IsDataTransmissionDone)
	assert.Equal(t, wire.SageListen, open.Type)
	require.NotNil(t, open.DataContext)
	assert.Equal(t, uint32(16000), open.DataContext.SampleRate)

	_, err = c.Listen(ctx, ListenChunk{Start: true})
	assert.ErrorIs(t, err, ErrUploadInProgress)

	_, err = c.Listen(ctx, ListenChunk{Data: []byte("a1")})
	require.NoError(t, err)
	mid := sink.next()
	assert.Equal(t, open.StreamID, mid.StreamID)
	assert.False(t, mid.IsOpenMsg)
	assert.Equal(t, []byte("a1"), mid.Data)

	done := make(chan chatResult, 1)
	go func() {
		resp, err := c.Listen(ctx, ListenChunk{Data: []byte("a2"), Done: true})
		done <- chatResult{resp, err}
	}()
	last := sink.next()
	assert.True(t, last.IsDataTransmissionDone)
	require.NoError(t, c.HandleMessage(&wire.SageStreamMessage{StreamID: open.StreamID, Data: []byte("turn on the lights"), IsDataTransmissionDone: true}))

	r := awaitChat(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, "turn on the lights", string(r.resp.Data))

	_, err = c.Listen(ctx, ListenChunk{Data: []byte("after")})
	assert.ErrorIs(t, err, ErrNoUpload)
}

func TestListenReportsServerFailure(t *testing.T) {
	c, sink, _ := newTestClient(t, 5*time.Second)
	ctx := context.Background()

	_, err := c.Listen(ctx, ListenChunk{Start: true, Data: []byte("a0")})
	require.NoError(t, err)
	open := sink.next()
	require.NoError(t, c.HandleMessage(&wire.SageStreamMessage{StreamID: open.StreamID, IsAbortMsg: true}))

	_, err = c.Listen(ctx, ListenChunk{Data: []byte("a1")})
	assert.ErrorIs(t, err, ErrAborted)

	_, err = c.Listen(ctx, ListenChunk{Start: true})
	require.NoError(t, err)
	second := sink.next()
	require.NoError(t, c.HandleMessage(&wire.SageStreamMessage{StreamID: second.StreamID, IsAbortMsg: true, StatusCode: 401}))

	_, err = c.Listen(ctx, ListenChunk{Data: []byte("a2")})
	assert.ErrorIs(t, err, ErrAccountNotLinked)
}

func TestResetListenAllowsNewUpload(t *testing.T) {
	c, sink, _ := newTestClient(t, 5*time.Second)
	ctx := context.Background()

	_, err := c.Listen(ctx, ListenChunk{Start: true})
	require.NoError(t, err)
	first := sink.next()

	c.ResetListen()
	abort := sink.next()
	assert.True(t, abort.IsAbortMsg)
	assert.Equal(t, first.StreamID, abort.StreamID)

	_, err = c.Listen(ctx, ListenChunk{Start: true})
	require.NoError(t, err)
	second := sink.next()
	assert.True(t, second.IsOpenMsg)
	assert.NotEqual(t, first.StreamID, second.StreamID)
}

func TestSpeakDeliversChunksInOrder(t *testing.T) {
	c, sink, _ := newTestClient(t, 5*time.Second)

	var mu sync.Mutex
	var got []string
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Speak(context.Background(), Request{Data: []byte("say hi")}, func(chunk []byte) error {
			mu.Lock()
			got = append(got, string(chunk))
			mu.Unlock()
			return nil
		})
	}()

	open := sink.next()
	assert.Equal(t, wire.SageSpeak, open.Type)
	for _, part := range []string{"a", "b"} {
		require.NoError(t, c.HandleMessage(&wire.SageStreamMessage{StreamID: open.StreamID, Data: []byte(part)}))
	}
	require.NoError(t, c.HandleMessage(&wire.SageStreamMessage{StreamID: open.StreamID, Data: []byte("c"), IsDataTransmissionDone: true}))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("speak did not return")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestSpeakCallbackErrorAborts(t *testing.T) {
	c, sink, _ := newTestClient(t, 5*time.Second)
	stop := errors.New("speaker unplugged")

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Speak(context.Background(), Request{}, func([]byte) error { return stop })
	}()
	open := sink.next()
	require.NoError(t, c.HandleMessage(&wire.SageStreamMessage{StreamID: open.StreamID, Data: []byte("a")}))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, stop)
	case <-time.After(5 * time.Second):
		t.Fatal("speak did not return")
	}
	abort := sink.next()
	assert.True(t, abort.IsAbortMsg)
	assert.Equal(t, open.StreamID, abort.StreamID)
}

func TestSpeakServerAbort(t *testing.T) {
	c, sink, _ := newTestClient(t, 5*time.Second)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Speak(context.Background(), Request{}, func([]byte) error { return nil })
	}()
	open := sink.next()
	require.NoError(t, c.HandleMessage(&wire.SageStreamMessage{StreamID: open.StreamID, IsAbortMsg: true}))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrAborted)
	case <-time.After(5 * time.Second):
		t.Fatal("speak did not return")
	}
}

func TestResetReleasesWaitersAndRestartsIDs(t *testing.T) {
	c, sink, _ := newTestClient(t, time.Minute)

	ch := goChat(c, Request{Data: []byte("x")})
	open := sink.next()
	assert.Equal(t, uint32(1), open.StreamID)

	c.Reset()
	assert.ErrorIs(t, awaitChat(t, ch).err, ErrConnectionReset)
	assert.False(t, c.Connected())

	_, err := c.Chat(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNotConnected)

	next := newRelaySink(t)
	c.Attach(next)
	ch = goChat(c, Request{Data: []byte("y")})
	reopen := next.next()
	assert.Equal(t, uint32(1), reopen.StreamID)
	require.NoError(t, c.HandleMessage(&wire.SageStreamMessage{StreamID: 1, IsDataTransmissionDone: true}))
	assert.NoError(t, awaitChat(t, ch).err)
}

func TestLateAbortAfterResetStaysOffNewConnection(t *testing.T) {
	c, sink, _ := newTestClient(t, 5*time.Second)

	entered := make(chan struct{})
	release := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Speak(context.Background(), Request{}, func([]byte) error {
			close(entered)
			<-release
			return errors.New("speaker unplugged")
		})
	}()
	open := sink.next()
	require.NoError(t, c.HandleMessage(&wire.SageStreamMessage{StreamID: open.StreamID, Data: []byte("a")}))
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("chunk not delivered")
	}

	c.Reset()
	next := newRelaySink(t)
	c.Attach(next)
	ch := goChat(c, Request{Data: []byte("y")})
	reopen := next.next()
	require.Equal(t, open.StreamID, reopen.StreamID)

	close(release)
	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("speak did not return")
	}
	select {
	case m := <-next.msgs:
		t.Fatalf("old call wrote to the new connection: %+v", m)
	default:
	}

	require.NoError(t, c.HandleMessage(&wire.SageStreamMessage{StreamID: reopen.StreamID, Data: []byte("ok"), IsDataTransmissionDone: true}))
	r := awaitChat(t, ch)
	require.NoError(t, r.err)
	assert.Equal(t, "ok", string(r.resp.Data))
}

func TestOpenSendFailure(t *testing.T) {
	log := testlog.Start(t)
	pool := compression.NewPool(compression.DefaultConfig(), log)
	t.Cleanup(pool.Close)
	c := NewClient(DefaultConfig(), pool, log)

	_, err := c.Chat(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNotConnected)

	c.Attach(failingSender{})
	_, err = c.Chat(context.Background(), Request{})
	assert.EqualError(t, err, "link down")
	assert.Zero(t, c.reg.Len())
}

func TestHandleMessageRejectsZeroID(t *testing.T) {
	c, _, _ := newTestClient(t, time.Second)
	assert.ErrorIs(t, c.HandleMessage(&wire.SageStreamMessage{StreamID: 0}), stream.ErrInvalidStreamID)
	assert.NoError(t, c.HandleMessage(&wire.SageStreamMessage{StreamID: 99, Data: []byte("stray")}))
}

type staticCreds struct {
	pluginID, apiKey string
	ok               bool
}

func (s staticCreds) FiberAuth() (string, string, bool) { return s.pluginID, s.apiKey, s.ok }

func TestHandlerHeader(t *testing.T) {
	log := testlog.Start(t)
	c := NewClient(DefaultConfig(), nil, log)

	h := NewHandler(c, staticCreds{}, frame.Limits{}, log)
	assert.Nil(t, h.Header())

	h = NewHandler(c, staticCreds{pluginID: "plugin-1", apiKey: "key-1", ok: true}, frame.Limits{}, log)
	hdr := h.Header()
	assert.Equal(t, "plugin-1", hdr.Get(HeaderPluginID))
	assert.Equal(t, "key-1", hdr.Get(HeaderAPIKey))
}

type disconnects struct {
	errs chan error
}

func (d *disconnects) OnConnect(string)                 {}
func (d *disconnects) OnBackoff(string, time.Duration)  {}
func (d *disconnects) OnDisconnect(_ string, err error) { d.errs <- err }

func pipeDialer(t *testing.T, headers chan<- http.Header, relay func(raw transport.MessageConn)) connmgr.DialerFunc {
	log := testlog.Start(t)
	return func(ctx context.Context, url string, header http.Header) (connmgr.Link, error) {
		select {
		case headers <- header:
		default:
		}
		a, b := transport.NewPipe()
		go relay(b)
		return transport.NewConn(url, a, transport.DefaultConfig(), log), nil
	}
}

func TestHandlerServesChatOverManager(t *testing.T) {
	log := testlog.Start(t)
	pool := compression.NewPool(compression.DefaultConfig(), log)
	t.Cleanup(pool.Close)
	client := NewClient(Config{Timeout: 5 * time.Second}, pool, log)
	handler := NewHandler(client, staticCreds{pluginID: "plugin-1", apiKey: "key-1", ok: true}, frame.DefaultLimits(), log)

	relay := func(raw transport.MessageConn) {
		for {
			buf, err := raw.ReadMessage()
			if err != nil {
				return
			}
			msg, err := wire.Decode(buf, frame.DefaultLimits())
			if err != nil || msg.Sage == nil || !msg.Sage.IsOpenMsg {
				continue
			}
			out, _ := wire.EncodeSage(wire.SageStreamMessage{
				StreamID:               msg.Sage.StreamID,
				Data:                   append([]byte("re: "), msg.Sage.Data...),
				Type:                   msg.Sage.Type,
				IsDataTransmissionDone: true,
				StatusCode:             200,
			})
			_ = raw.WriteMessage(out)
		}
	}

	headers := make(chan http.Header, 1)
	mcfg := connmgr.DefaultConfig()
	mcfg.Name = "fiber"
	mcfg.Primary = false
	mcfg.Backoff = connmgr.FiberBackoff()
	mcfg.URL = "wss://relay.example/fiber"
	m, err := connmgr.New(mcfg, pipeDialer(t, headers, relay), handler, log)
	require.NoError(t, err)
	go func() { _ = m.Run(context.Background()) }()
	defer m.Close()

	select {
	case hdr := <-headers:
		assert.Equal(t, "plugin-1", hdr.Get(HeaderPluginID))
		assert.Equal(t, "key-1", hdr.Get(HeaderAPIKey))
	case <-time.After(5 * time.Second):
		t.Fatal("no dial")
	}
	require.Eventually(t, client.Connected, 5*time.Second, 10*time.Millisecond)

	resp, err := client.Chat(context.Background(), Request{Data: []byte("hi")})
	require.NoError(t, err)
	assert.Equal(t, "re: hi", string(resp.Data))
}

func TestHandlerRejectsForeignKinds(t *testing.T) {
	log := testlog.Start(t)
	client := NewClient(DefaultConfig(), nil, log)
	handler := NewHandler(client, staticCreds{pluginID: "p", apiKey: "k", ok: true}, frame.DefaultLimits(), log)

	relay := func(raw transport.MessageConn) {
		out, _ := wire.EncodeSummon(wire.Summon{ServerConnectURL: "wss://other.example"})
		_ = raw.WriteMessage(out)
		for {
			if _, err := raw.ReadMessage(); err != nil {
				return
			}
		}
	}

	obs := &disconnects{errs: make(chan error, 4)}
	mcfg := connmgr.DefaultConfig()
	mcfg.Name = "fiber"
	mcfg.URL = "wss://relay.example/fiber"
	m, err := connmgr.New(mcfg, pipeDialer(t, make(chan http.Header, 1), relay), handler, log, connmgr.WithObserver(obs))
	require.NoError(t, err)
	go func() { _ = m.Run(context.Background()) }()
	defer m.Close()

	select {
	case err := <-obs.errs:
		assert.ErrorIs(t, err, ErrUnexpectedMessage)
	case <-time.After(5 * time.Second):
		t.Fatal("no disconnect")
	}
	assert.False(t, client.Connected())
}
