package bridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/porticus/internal/api"
	"github.com/nerrad567/porticus/internal/audit"
	"github.com/nerrad567/porticus/internal/infrastructure/config"
	"github.com/nerrad567/porticus/internal/infrastructure/logging"
	"github.com/nerrad567/porticus/internal/mirror"
)

// ---------------------------------------------------------------------------
// Simulated serial port
// ---------------------------------------------------------------------------

type readResult struct {
	data []byte
	err  error
}

// simPort is a serial.Port fed by the test. Read blocks until the test
// supplies data or an error, or the port is closed.
type simPort struct {
	reads  chan readResult
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written bytes.Buffer
}

func newSimPort() *simPort {
	return &simPort{
		reads:  make(chan readResult, 16),
		closed: make(chan struct{}),
	}
}

func (p *simPort) Read(b []byte) (int, error) {
	select {
	case r := <-p.reads:
		return copy(b, r.data), r.err
	case <-p.closed:
		return 0, io.ErrClosedPipe
	}
}

func (p *simPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *simPort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *simPort) feed(data []byte) { p.reads <- readResult{data: data} }
func (p *simPort) fail(err error)   { p.reads <- readResult{err: err} }

func (p *simPort) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written.Bytes()...)
}

func (p *simPort) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Serial.Port = "/dev/ttySIM0"
	cfg.WebSocket.Host = "127.0.0.1"
	cfg.WebSocket.Port = 0
	return cfg
}

type running struct {
	bridge *Bridge
	port   *simPort
	cancel context.CancelFunc
	errCh  chan error
}

// start runs a bridge over a simulated port and waits for the listener.
func start(t *testing.T, cfg *config.Config) *running {
	t.Helper()

	port := newSimPort()
	b, err := New(Options{Config: cfg, Logger: logging.Discard(), Version: "test", Port: port})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- b.Run(ctx) }()

	require.Eventually(t, func() bool { return b.Addr() != nil }, 2*time.Second, 5*time.Millisecond)

	r := &running{bridge: b, port: port, cancel: cancel, errCh: errCh}
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Error("bridge did not stop")
		}
		b.Close()
	})
	return r
}

func (r *running) url(path string) string {
	return "http://" + r.bridge.Addr().String() + path
}

func (r *running) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+r.bridge.Addr().String()+"/", nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readBytes collects binary messages until n bytes have arrived.
func readBytes(t *testing.T, conn *websocket.Conn, n int) []byte {
	t.Helper()
	var got []byte
	for len(got) < n {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		mt, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, mt)
		got = append(got, data...)
	}
	return got
}

// expectSilence asserts that nothing arrives within d. The connection
// is unusable for reads afterwards.
func expectSilence(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected message %q", data)
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "want timeout, got %v", err)
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url) //nolint:noctx // test helper
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, jsoniter.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

// ---------------------------------------------------------------------------
// Fan-out
// ---------------------------------------------------------------------------

func TestBridge_FanOutInOrder(t *testing.T) {
	r := start(t, testConfig())

	c1 := r.dial(t)
	c2 := r.dial(t)

	r.port.feed([]byte{0x41, 0x42})

	assert.Equal(t, []byte{0x41, 0x42}, readBytes(t, c1, 2))
	assert.Equal(t, []byte{0x41, 0x42}, readBytes(t, c2, 2))
}

func TestBridge_NoReplayForLateClient(t *testing.T) {
	r := start(t, testConfig())

	early := r.dial(t)
	r.port.feed([]byte("AB"))
	require.Equal(t, []byte("AB"), readBytes(t, early, 2))

	late := r.dial(t)
	r.port.feed([]byte("C"))

	assert.Equal(t, []byte("C"), readBytes(t, late, 1))
	assert.Equal(t, []byte("C"), readBytes(t, early, 1))
}

func TestBridge_ByteGranularity(t *testing.T) {
	cfg := testConfig()
	cfg.Broadcast.Granularity = config.GranularityByte
	r := start(t, cfg)

	c := r.dial(t)
	r.port.feed([]byte("xyz"))

	for _, want := range []string{"x", "y", "z"} {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := c.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}
}

// ---------------------------------------------------------------------------
// Client to device
// ---------------------------------------------------------------------------

func TestBridge_ClientWritesReachDevice(t *testing.T) {
	r := start(t, testConfig())
	c := r.dial(t)

	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("AT\r")))

	require.Eventually(t, func() bool {
		return bytes.Equal(r.port.Written(), []byte("\x01\x02\x03AT\r"))
	}, 2*time.Second, 5*time.Millisecond)
}

// ---------------------------------------------------------------------------
// Reader failure
// ---------------------------------------------------------------------------

func TestBridge_ReaderFailureKeepsClients(t *testing.T) {
	r := start(t, testConfig())
	c := r.dial(t)

	r.port.fail(errors.New("device unplugged"))
	<-r.bridge.Reader().Done()

	// The bridge keeps running.
	select {
	case err := <-r.errCh:
		t.Fatalf("Run returned after reader failure: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	var health api.HealthStatus
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, r.url("/api/v1/health"), &health))
	assert.Equal(t, "degraded", health.Status)

	// Writes still reach the device.
	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, []byte("ok")))
	require.Eventually(t, func() bool {
		return bytes.Equal(r.port.Written(), []byte("ok"))
	}, 2*time.Second, 5*time.Millisecond)

	// Nothing more is relayed, and the client is not disconnected.
	expectSilence(t, c, 150*time.Millisecond)
}

func TestBridge_ExitOnReaderFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Bridge.ExitOnReaderFailure = true
	r := start(t, cfg)

	r.port.fail(errors.New("device unplugged"))

	select {
	case err := <-r.errCh:
		require.ErrorIs(t, err, ErrReaderFailed)
		r.errCh <- err // let the cleanup drain it
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after reader failure")
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestBridge_ShutdownClosesEverything(t *testing.T) {
	r := start(t, testConfig())
	c := r.dial(t)

	r.cancel()

	select {
	case err := <-r.errCh:
		require.NoError(t, err)
		r.errCh <- err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.True(t, r.port.isClosed(), "device closed")

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := c.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
}

func TestBridge_ListenConflict(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig()
	cfg.WebSocket.Port = ln.Addr().(*net.TCPAddr).Port

	b, err := New(Options{Config: cfg, Logger: logging.Discard(), Port: newSimPort()})
	require.NoError(t, err)
	defer b.Close()

	// A mirror that never gets to run must still give its hub slot back.
	b.mirror = mirror.New(mirror.Options{Subscription: b.hub.Subscribe()})
	require.Equal(t, 1, b.hub.SubscriberCount())

	err = b.Run(context.Background())
	assert.ErrorIs(t, err, api.ErrListen)
	assert.Equal(t, 0, b.hub.SubscriberCount())
}

func TestBridge_RunTwice(t *testing.T) {
	r := start(t, testConfig())
	assert.ErrorIs(t, r.bridge.Run(context.Background()), ErrAlreadyRunning)
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestNew_SerialOpenFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Serial.Port = filepath.Join(t.TempDir(), "no-such-tty")

	_, err := New(Options{Config: cfg, Logger: logging.Discard()})
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// Session log
// ---------------------------------------------------------------------------

func TestBridge_RecordsSessions(t *testing.T) {
	cfg := testConfig()
	cfg.Database.Enabled = true
	cfg.Database.Path = filepath.Join(t.TempDir(), "porticus.db")
	r := start(t, cfg)

	c := r.dial(t)
	require.NoError(t, c.WriteMessage(websocket.BinaryMessage, []byte("hello")))
	require.Eventually(t, func() bool { return len(r.port.Written()) == 5 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	var page audit.ListResult
	require.Eventually(t, func() bool {
		page = audit.ListResult{}
		status := getJSON(t, r.url("/api/v1/sessions/history?reason=client_closed"), &page)
		return status == http.StatusOK && page.Total == 1
	}, 3*time.Second, 20*time.Millisecond)

	require.Len(t, page.Sessions, 1)
	assert.Equal(t, uint64(5), page.Sessions[0].BytesIn)
	assert.Equal(t, "client_closed", page.Sessions[0].Reason)
}

func TestBridge_MetricsEndpoint(t *testing.T) {
	r := start(t, testConfig())
	c := r.dial(t)

	r.port.feed([]byte("1234"))
	readBytes(t, c, 4)

	var metrics api.SystemMetrics
	require.Equal(t, http.StatusOK, getJSON(t, r.url("/api/v1/metrics"), &metrics))
	require.NotNil(t, metrics.Reader)
	assert.Equal(t, uint64(4), metrics.Reader.BytesRead)
	assert.Equal(t, 1, metrics.Sessions.Active)
	assert.Equal(t, "test", metrics.Version)
	assert.Equal(t, 16, metrics.Broadcast.Capacity)
}
