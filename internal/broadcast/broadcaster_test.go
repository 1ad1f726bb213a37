package broadcast

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/traylinx/vdmtel/internal/metrics"
	"github.com/traylinx/vdmtel/internal/ring"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Port = 0
	opts.FPS = 100
	opts.ShutdownTimeout = 500 * time.Millisecond
	return opts
}

func startBroadcaster(t *testing.T, buf *ring.Buffer, opts Options) (*Broadcaster, string) {
	t.Helper()
	b := New(buf, opts, metrics.New(100), nil)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })
	require.True(t, b.Active())
	return b, "ws://" + b.Addr() + b.opts.Path
}

func dial(t *testing.T, url string) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Underlying().Close() })
	return c
}

func readFrame(t *testing.T, c *Conn) ring.Frame {
	t.Helper()
	require.NoError(t, c.Underlying().SetReadDeadline(time.Now().Add(5*time.Second)))
	f, err := c.ReadFrame()
	require.NoError(t, err)
	return f
}

func TestEncodeFrame_StampsSeq(t *testing.T) {
	msg := encodeFrame(ring.Frame{Tick: 7, Seq: 3, Header: map[string]any{"topic": "maps/frame", "tick": 7}, Payload: []byte{1}})
	assert.Equal(t, uint64(3), msg.seq)
	assert.Equal(t, int64(3), gjson.GetBytes(msg.header, "seq").Int())
	assert.Equal(t, "maps/frame", gjson.GetBytes(msg.header, "topic").String())

	own := encodeFrame(ring.Frame{Seq: 9, Header: map[string]any{"seq": "producer"}})
	assert.Equal(t, "producer", gjson.GetBytes(own.header, "seq").String())

	empty := encodeFrame(ring.Frame{Seq: 1})
	assert.JSONEq(t, `{"seq":1}`, string(empty.header))
}

type unencodable struct{}

func (unencodable) MarshalJSON() ([]byte, error) { return nil, errors.New("unencodable") }

func TestEncodeFrame_FallbackHeader(t *testing.T) {
	msg := encodeFrame(ring.Frame{Tick: 42, Seq: 5, Header: map[string]any{"bad": unencodable{}}})
	assert.JSONEq(t, `{"topic":"maps/frame","tick":42,"seq":5}`, string(msg.header))
}

func TestClientMailbox_KeepsNewest(t *testing.T) {
	c := &client{mailbox: make(chan *outbound, 1)}
	c.post(&outbound{seq: 1})
	c.post(&outbound{seq: 3})
	c.post(&outbound{seq: 2})
	require.Len(t, c.mailbox, 1)
	assert.Equal(t, uint64(3), (<-c.mailbox).seq)
}

func TestBroadcaster_PrimesNewClient(t *testing.T) {
	buf := ring.New(3)
	buf.Push(1, map[string]any{"topic": "maps/frame", "tick": 1}, []byte{0xAA, 0xBB})
	_, url := startBroadcaster(t, buf, testOptions())

	c := dial(t, url)
	f := readFrame(t, c)
	assert.Equal(t, uint64(1), f.Seq)
	assert.Equal(t, int64(1), f.Tick)
	assert.Equal(t, []byte{0xAA, 0xBB}, f.Payload)
	assert.Equal(t, "maps/frame", f.Header["topic"])
}

func TestBroadcaster_SequenceIsStrictlyIncreasing(t *testing.T) {
	buf := ring.New(3)
	_, url := startBroadcaster(t, buf, testOptions())
	c := dial(t, url)

	const frames = 300
	go func() {
		for i := 1; i <= frames; i++ {
			buf.Push(int64(i), map[string]any{"tick": i}, []byte{byte(i)})
			time.Sleep(200 * time.Microsecond)
		}
	}()

	var last uint64
	received := 0
	for last < frames {
		f := readFrame(t, c)
		require.Greater(t, f.Seq, last, "sequence went backwards")
		assert.Equal(t, int64(f.Seq), f.Tick)
		last = f.Seq
		received++
	}
	assert.LessOrEqual(t, received, frames)
}

func TestBroadcaster_RejectsOverload(t *testing.T) {
	opts := testOptions()
	opts.MaxConnections = 1
	b, url := startBroadcaster(t, ring.New(3), opts)

	dial(t, url)
	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	extra := dial(t, url)
	require.NoError(t, extra.Underlying().SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := extra.Underlying().ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "expected close error, got %v", err)
	assert.Equal(t, websocket.CloseTryAgainLater, ce.Code)
	assert.Equal(t, CloseReasonOverload, ce.Text)
	assert.Equal(t, 1, b.ClientCount())
	assert.Equal(t, int64(1), b.metrics.Snapshot().OverloadRejects)
}

func TestBroadcaster_OriginAllowList(t *testing.T) {
	opts := testOptions()
	opts.AllowOrigins = ParseOrigins(" http://ok.example , http://also.example/")
	b, url := startBroadcaster(t, ring.New(3), opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Dial(ctx, url, "http://evil.example")
	require.Error(t, err)
	assert.True(t, errors.Is(err, websocket.ErrBadHandshake))

	_, err = Dial(ctx, url, "")
	require.Error(t, err)

	ok, err := Dial(ctx, url, "http://OK.example")
	require.NoError(t, err)
	defer ok.Close()
	also, err := Dial(ctx, url, "http://also.example")
	require.NoError(t, err)
	defer also.Close()

	assert.Equal(t, int64(2), b.metrics.Snapshot().OriginRejects)
}

func TestBroadcaster_StopClosesClients(t *testing.T) {
	b, url := startBroadcaster(t, ring.New(3), testOptions())
	c := dial(t, url)
	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	// Reading lets the client answer the close handshake.
	closed := make(chan error, 1)
	go func() {
		_, _, err := c.Underlying().ReadMessage()
		closed <- err
	}()

	require.NoError(t, b.Stop(context.Background()))
	assert.Equal(t, 0, b.ClientCount())
	assert.False(t, b.Active())

	select {
	case err := <-closed:
		assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("client was not closed")
	}

	assert.ErrorIs(t, b.Start(context.Background()), ErrStopped)
}

func TestBroadcaster_StopForceClosesUnresponsiveClients(t *testing.T) {
	opts := testOptions()
	opts.ShutdownTimeout = 100 * time.Millisecond
	b, url := startBroadcaster(t, ring.New(3), opts)

	// This client never reads, so it never answers the close frame.
	dial(t, url)
	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, b.Stop(context.Background()))
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, 0, b.ClientCount())
}

func TestBroadcaster_BindFailureFallsBackToNop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	opts := testOptions()
	opts.Port = ln.Addr().(*net.TCPAddr).Port
	b := New(ring.New(3), opts, nil, nil)

	require.NoError(t, b.Start(context.Background()))
	assert.False(t, b.Active())
	assert.Equal(t, "", b.Addr())
	require.NoError(t, b.Stop(context.Background()))
}

func TestBroadcaster_AddrDuringStart(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	opts := testOptions()
	opts.Port = ln.Addr().(*net.TCPAddr).Port
	b := New(ring.New(3), opts, nil, nil)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = b.Addr()
				_ = b.Status()
			}
		}
	}()

	require.NoError(t, b.Start(context.Background()))
	close(stop)
	wg.Wait()
	assert.Equal(t, "", b.Addr(), "fallback transport has no address")
	require.NoError(t, b.Stop(context.Background()))
}

func TestBroadcaster_DisabledIsNoop(t *testing.T) {
	opts := testOptions()
	opts.Enabled = false
	b := New(ring.New(3), opts, nil, nil)

	require.NoError(t, b.Start(context.Background()))
	assert.False(t, b.Active())
	require.NoError(t, b.Stop(context.Background()))
	require.NoError(t, b.Stop(context.Background()))
}

func TestBroadcaster_StatusAndHealth(t *testing.T) {
	buf := ring.New(2)
	for i := 1; i <= 3; i++ {
		buf.Push(int64(i), nil, []byte(strconv.Itoa(i)))
	}
	m := metrics.New(10)
	m.RecordFramePushed()
	b := New(buf, testOptions(), m, nil)

	w := httptest.NewRecorder()
	b.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var status Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, RingStatus{Size: 2, Capacity: 2, Dropped: 1, LatestSeq: 3}, status.Ring)
	assert.Equal(t, 0, status.Clients)
	assert.False(t, status.Active)
	assert.Equal(t, "/ws", status.Path)
	require.NotNil(t, status.Metrics)
	assert.Equal(t, int64(1), status.Metrics.FramesPushed)

	w = httptest.NewRecorder()
	b.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
}

func TestOptions_Normalized(t *testing.T) {
	o := Options{Path: "frames", MaxConnections: -1, AllowOrigins: []string{"", " HTTP://A.example/ "}}.normalized()
	assert.Equal(t, "/frames", o.Path)
	assert.Equal(t, 1, o.MaxConnections)
	assert.Equal(t, DefaultHost, o.Host)
	assert.Equal(t, []string{"http://a.example"}, o.AllowOrigins)
	assert.Equal(t, idlePoll, o.interval())

	o.FPS = 20
	assert.Equal(t, 50*time.Millisecond, o.interval())
}
