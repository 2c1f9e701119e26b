package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garden-co/cojson/internal/ir"
	"github.com/garden-co/cojson/internal/wire"
)

func sampleLoad() wire.LoadMessage {
	return wire.LoadMessage{ID: "co_zExample", Header: true, Sessions: ir.SessionCounts{"a_session_z1": 3}}
}

func TestPipeDeliversInOrder(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe()
	defer a.Close()

	for i := range 3 {
		require.NoError(t, a.Send(ctx, wire.LoadMessage{ID: ir.RawCoID("co_z" + string(rune('a'+i))), Sessions: ir.SessionCounts{}}))
	}
	for i := range 3 {
		msg, err := b.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, ir.RawCoID("co_z"+string(rune('a'+i))), wire.CoID(msg))
	}

	require.NoError(t, b.Send(ctx, sampleLoad()))
	msg, err := a.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, sampleLoad(), msg)
}

func TestPipeWithCBOR(t *testing.T) {
	codec, err := wire.NewCBORCodec()
	require.NoError(t, err)
	a, b := Pipe(WithCodec(codec), WithBuffer(1))
	defer a.Close()

	require.NoError(t, a.Send(context.Background(), sampleLoad()))
	msg, err := b.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sampleLoad(), msg)
}

func TestPipeCloseAndCancel(t *testing.T) {
	a, b := Pipe(WithBuffer(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Receive(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// Buffer full: Send blocks until cancelled.
	require.NoError(t, a.Send(context.Background(), sampleLoad()))
	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	require.ErrorIs(t, a.Send(short, sampleLoad()), context.DeadlineExceeded)

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	_, err = b.Receive(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, a.Send(context.Background(), sampleLoad()), ErrClosed)
}

func wsServer(t *testing.T, cfg WebSocketConfig, conns chan<- *WebSocketConn) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r, cfg)
		if err != nil {
			return
		}
		conns <- c
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketRoundTrip(t *testing.T) {
	for _, name := range []string{"json", "cbor"} {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			codec, err := wire.CodecByName(name)
			require.NoError(t, err)
			cfg := WebSocketConfig{Codec: codec}

			conns := make(chan *WebSocketConn, 1)
			url := wsServer(t, cfg, conns)
			client, err := Dial(ctx, url, cfg)
			require.NoError(t, err)
			defer client.Close()
			server := <-conns
			defer server.Close()

			require.NoError(t, client.Send(ctx, sampleLoad()))
			msg, err := server.Receive(ctx)
			require.NoError(t, err)
			assert.Equal(t, sampleLoad(), msg)

			reply := wire.KnownMessage{ID: "co_zExample", Sessions: ir.SessionCounts{}, IsCorrection: true}
			require.NoError(t, server.Send(ctx, reply))
			msg, err = client.Receive(ctx)
			require.NoError(t, err)
			assert.Equal(t, reply, msg)
		})
	}
}

func TestWebSocketSilentPeerTimesOut(t *testing.T) {
	conns := make(chan *WebSocketConn, 1)
	url := wsServer(t, WebSocketConfig{PingInterval: 20 * time.Millisecond, PongWait: 100 * time.Millisecond}, conns)

	// A raw client that never reads never answers pings.
	raw, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer raw.Close()

	server := <-conns
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		_, err := server.Receive(context.Background())
		done <- err
	}()
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("silent peer was not detected")
	}
}

func TestWebSocketReceiveHonorsContext(t *testing.T) {
	conns := make(chan *WebSocketConn, 1)
	url := wsServer(t, WebSocketConfig{}, conns)
	client, err := Dial(context.Background(), url, WebSocketConfig{})
	require.NoError(t, err)
	defer client.Close()
	server := <-conns
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = server.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPipeDropsBufferedFramesOnClose(t *testing.T) {
	a, b := Pipe()
	for range 10 {
		require.NoError(t, a.Send(context.Background(), sampleLoad()))
	}
	require.NoError(t, a.Close())

	for range 10 {
		_, err := b.Receive(context.Background())
		require.ErrorIs(t, err, ErrClosed)
	}
}
