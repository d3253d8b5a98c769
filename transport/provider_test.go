package transport

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplexus/callbridge"
	"github.com/agentplexus/callbridge/agent"
	"github.com/agentplexus/callbridge/functions"
	"github.com/agentplexus/callbridge/internal/metrics"
	"github.com/agentplexus/callbridge/registry"
)

var _ AgentSession = (*agent.Session)(nil)

type fakeSession struct {
	readyErr error

	mu       sync.Mutex
	sink     agent.AudioSink
	relayed  [][]byte
	greeted  atomic.Int32
	cleanups atomic.Int32
	discards atomic.Int32

	active    atomic.Bool
	ready     atomic.Bool
	connected chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeSession(readyErr error) *fakeSession {
	f := &fakeSession{
		readyErr:  readyErr,
		connected: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	f.active.Store(true)
	return f
}

func (f *fakeSession) Bind(sink agent.AudioSink) {
	f.mu.Lock()
	f.sink = sink
	f.mu.Unlock()
}

func (f *fakeSession) Connect(ctx context.Context) error {
	f.connected <- struct{}{}
	return nil
}

func (f *fakeSession) WaitReady(ctx context.Context, timeout time.Duration) error {
	if f.readyErr != nil {
		return f.readyErr
	}
	f.ready.Store(true)
	return nil
}

func (f *fakeSession) Activate() error { return nil }

func (f *fakeSession) SendGreeting(ctx context.Context) error {
	f.greeted.Add(1)
	return nil
}

func (f *fakeSession) RelayToAgent(frame []byte) error {
	f.mu.Lock()
	f.relayed = append(f.relayed, frame)
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) IsRelaying() bool { return f.active.Load() && f.ready.Load() }

func (f *fakeSession) MarkInactive() { f.active.Store(false) }

func (f *fakeSession) Cleanup() {
	f.closeOnce.Do(func() {
		f.cleanups.Add(1)
		close(f.done)
	})
}

func (f *fakeSession) Discard() {
	f.closeOnce.Do(func() {
		f.discards.Add(1)
		close(f.done)
	})
}

func (f *fakeSession) Done() <-chan struct{} { return f.done }

func (f *fakeSession) relayedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.relayed)
}

func (f *fakeSession) boundSink() agent.AudioSink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sink
}

type harness struct {
	provider *Provider
	registry *registry.Registry
	session  *fakeSession
	created  atomic.Int32
	server   *httptest.Server
}

func newHarness(t *testing.T, readyErr error) *harness {
	t.Helper()

	h := &harness{
		registry: registry.New(nil),
		session:  newFakeSession(readyErr),
	}
	factory := func(callID string, sctx callbridge.SessionContext) (AgentSession, error) {
		h.created.Add(1)
		return h.session, nil
	}

	p, err := New(h.registry, factory, WithConfig(Config{
		ReadyTimeout:  time.Second,
		GreetingDelay: 10 * time.Millisecond,
		WriteTimeout:  200 * time.Millisecond,
	}))
	require.NoError(t, err)
	h.provider = p

	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = p.HandleWebSocket(w, r)
	}))
	t.Cleanup(func() {
		_ = p.Close()
		h.server.Close()
	})
	return h
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, msg mediaMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func startEvent(callSID string) mediaMessage {
	return mediaMessage{
		Event: "start",
		Start: &startMessage{
			StreamSID:   "MZ123",
			CallSID:     callSID,
			MediaFormat: mediaFormat{Encoding: "audio/x-mulaw", SampleRate: 8000, Channels: 1},
		},
	}
}

func mediaEvent(n int) mediaMessage {
	return mediaMessage{
		Event: "media",
		Media: &mediaPayload{Payload: base64.StdEncoding.EncodeToString(make([]byte, n))},
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, func(string, callbridge.SessionContext) (AgentSession, error) { return nil, nil })
	assert.Error(t, err)

	_, err = New(registry.New(nil), nil)
	assert.Error(t, err)
}

func TestStream_UnregisteredCallAborts(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t)

	sendEvent(t, conn, mediaMessage{Event: "connected"})
	sendEvent(t, conn, startEvent("CA-unknown"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "stream should be closed")
	assert.Equal(t, int32(0), h.created.Load())
}

func TestStream_RelaysAfterReady(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.registry.Register("CA1", callbridge.SessionContext{IncidentType: "fire"}))
	conn := h.dial(t)

	sendEvent(t, conn, startEvent("CA1"))

	select {
	case <-h.session.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("session was not connected")
	}
	require.Eventually(t, func() bool { return h.session.greeted.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, attached := h.registry.Session("CA1")
	assert.True(t, attached)
	assert.Equal(t, 1, h.provider.StreamCount())

	sendEvent(t, conn, mediaEvent(160))
	require.Eventually(t, func() bool { return h.session.relayedCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	h.session.mu.Lock()
	frame := h.session.relayed[0]
	h.session.mu.Unlock()
	// 160 μ-law samples at 8kHz upsample to roughly 960 linear16 samples.
	assert.InDelta(t, 960*2, len(frame), 12)
	assert.Zero(t, len(frame)%2)
}

func TestStream_MediaIgnoredUntilReady(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.registry.Register("CA1", callbridge.SessionContext{}))

	h.session.active.Store(false)
	conn := h.dial(t)
	sendEvent(t, conn, startEvent("CA1"))
	require.Eventually(t, func() bool { return h.session.ready.Load() }, 2*time.Second, 5*time.Millisecond)

	sendEvent(t, conn, mediaEvent(160))
	sendEvent(t, conn, mediaMessage{Event: "mark", Mark: &markMessage{Name: "sync"}})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, h.session.relayedCount())
}

func TestStream_StopCleansUp(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.registry.Register("CA1", callbridge.SessionContext{}))
	conn := h.dial(t)

	sendEvent(t, conn, startEvent("CA1"))
	require.Eventually(t, func() bool { return h.session.IsRelaying() }, 2*time.Second, 5*time.Millisecond)

	sendEvent(t, conn, mediaMessage{Event: "stop", Stop: &stopMessage{CallSID: "CA1"}})

	select {
	case <-h.session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session was not cleaned up")
	}
	assert.False(t, h.session.active.Load())
	assert.Equal(t, int32(1), h.session.cleanups.Load())
	require.Eventually(t, func() bool { return h.provider.StreamCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestStream_ReadyFailureAborts(t *testing.T) {
	h := newHarness(t, callbridge.ErrHandshakeTimeout)
	require.NoError(t, h.registry.Register("CA1", callbridge.SessionContext{}))
	conn := h.dial(t)

	sendEvent(t, conn, startEvent("CA1"))

	select {
	case <-h.session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session was not cleaned up")
	}
	assert.Equal(t, int32(0), h.session.greeted.Load())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestStream_SessionEndClosesStream(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.registry.Register("CA1", callbridge.SessionContext{}))
	conn := h.dial(t)

	sendEvent(t, conn, startEvent("CA1"))
	require.Eventually(t, func() bool { return h.session.IsRelaying() }, 2*time.Second, 5*time.Millisecond)

	h.session.Cleanup()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestConnection_SendAudio(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.registry.Register("CA1", callbridge.SessionContext{}))
	conn := h.dial(t)

	sendEvent(t, conn, startEvent("CA1"))
	require.Eventually(t, func() bool { return h.session.IsRelaying() }, 2*time.Second, 5*time.Millisecond)

	sink := h.session.boundSink()
	require.NotNil(t, sink)
	require.NoError(t, sink.SendAudio([]byte{0xff, 0x7f, 0x00}))

	var out outboundMedia
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&out))
	assert.Equal(t, "media", out.Event)
	assert.Equal(t, "MZ123", out.StreamSID)
	require.NotNil(t, out.Media)
	decoded, err := base64.StdEncoding.DecodeString(out.Media.Payload)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0x7f, 0x00}, decoded)

	require.NoError(t, sink.(agent.Clearer).Clear())
	require.NoError(t, conn.ReadJSON(&out))
	assert.Equal(t, "clear", out.Event)

	h.session.MarkInactive()
	require.NoError(t, sink.SendAudio([]byte{1}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "no audio once the session is inactive")
}

func TestAudioWriter_DropsOldest(t *testing.T) {
	w := newAudioWriter()
	for i := 0; i < cap(w.ch)+5; i++ {
		_, err := w.Write([]byte{byte(i)})
		require.NoError(t, err)
	}
	first := <-w.ch
	assert.Equal(t, byte(5), first[0])

	w.drain()
	assert.Empty(t, w.ch)

	require.NoError(t, w.Close())
	_, err := w.Write([]byte{1})
	assert.Error(t, err)
}

func TestStream_AttachFailureDiscardsSession(t *testing.T) {
	reg := registry.New(nil)
	require.NoError(t, reg.Register("CA1", callbridge.SessionContext{}))
	other := newFakeSession(nil)
	built := newFakeSession(nil)

	// Another stream wins the call between the lookup and the attach.
	factory := func(callID string, _ callbridge.SessionContext) (AgentSession, error) {
		if err := reg.Attach(callID, other); err != nil {
			return nil, err
		}
		return built, nil
	}
	p, err := New(reg, factory)
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = p.HandleWebSocket(w, r)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	sendEvent(t, conn, startEvent("CA1"))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "stream should be aborted")

	assert.Equal(t, int32(1), built.discards.Load())
	assert.Equal(t, int32(0), built.cleanups.Load())
	_, ok := reg.Context("CA1")
	assert.True(t, ok)
	attached, ok := reg.Session("CA1")
	require.True(t, ok)
	assert.Same(t, other, attached)
	assert.Equal(t, 0, p.StreamCount())
}

func TestConnection_WriteTimesOutOnStalledPeer(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.registry.Register("CA1", callbridge.SessionContext{}))
	conn := h.dial(t)

	sendEvent(t, conn, startEvent("CA1"))
	require.Eventually(t, func() bool { return h.provider.StreamCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	h.provider.mu.RLock()
	c := h.provider.connections["MZ123"]
	h.provider.mu.RUnlock()
	require.NotNil(t, c)

	// The client never reads, so the socket buffers fill and writes stall.
	name := strings.Repeat("m", 64<<10)
	errc := make(chan error, 1)
	go func() {
		for {
			if err := c.SendMark(name); err != nil {
				errc <- err
				return
			}
		}
	}()

	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("write to a stalled stream never returned")
	}
}

// newStreamingAgent serves a voice agent that applies the settings and then
// streams 20ms linear16 frames until the connection drops.
func newStreamingAgent(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		if err := conn.WriteJSON(map[string]string{"type": agent.MsgSettingsApplied}); err != nil {
			return
		}

		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-gone:
				return
			case <-tick.C:
				if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 640)); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// metricValue returns the counter or gauge value of the series of name whose
// labels include labels.
func metricValue(t *testing.T, g prometheus.Gatherer, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue series
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

func TestStream_StopTearsDownAgentSession(t *testing.T) {
	promReg := prometheus.NewRegistry()
	collector := metrics.NewCollector("test", promReg, nil)
	reg := registry.New(nil)
	require.NoError(t, reg.Register("CA1", callbridge.SessionContext{TicketID: "42"}))
	router, err := functions.NewRouter(nil)
	require.NoError(t, err)

	cfg := agent.DefaultConfig()
	cfg.URL = newStreamingAgent(t)
	cfg.APIKey = "test-key"
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.KeepAliveInterval = 20 * time.Millisecond
	cfg.GreetingDelay = 10 * time.Millisecond

	var session atomic.Pointer[agent.Session]
	factory := func(callID string, sctx callbridge.SessionContext) (AgentSession, error) {
		s, err := agent.NewSession(callID, sctx, cfg, router,
			agent.WithRegistry(reg), agent.WithMetrics(collector))
		if err != nil {
			return nil, err
		}
		session.Store(s)
		return s, nil
	}
	p, err := New(reg, factory, WithMetrics(collector), WithConfig(Config{
		ReadyTimeout:  2 * time.Second,
		GreetingDelay: 10 * time.Millisecond,
	}))
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = p.HandleWebSocket(w, r)
	}))
	t.Cleanup(func() {
		_ = p.Close()
		srv.Close()
	})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var media atomic.Int32
	go func() {
		for {
			var out outboundMedia
			if err := conn.ReadJSON(&out); err != nil {
				return
			}
			if out.Event == "media" {
				media.Add(1)
			}
		}
	}()

	sendEvent(t, conn, startEvent("CA1"))
	require.Eventually(t, func() bool {
		s := session.Load()
		return s != nil && s.IsRelaying() && s.Heartbeating()
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return media.Load() > 0 }, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		sendEvent(t, conn, mediaEvent(160))
	}
	sendEvent(t, conn, mediaMessage{Event: "stop", StreamSID: "MZ123"})

	s := session.Load()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("agent session not torn down after stop")
	}

	assert.Equal(t, agent.StateClosed, s.State())
	assert.False(t, s.Heartbeating())
	_, ok := reg.Context("CA1")
	assert.False(t, ok, "registry entry should be gone")
	assert.Eventually(t, func() bool { return p.StreamCount() == 0 }, time.Second, 5*time.Millisecond)

	transitions := "test_session_state_transitions_total"
	assert.Equal(t, 1.0, metricValue(t, promReg, transitions, map[string]string{"from": "active", "to": "closing"}))
	assert.Equal(t, 1.0, metricValue(t, promReg, transitions, map[string]string{"from": "closing", "to": "closed"}))
	assert.Equal(t, 0.0, metricValue(t, promReg, "test_sessions_active", nil))
}
