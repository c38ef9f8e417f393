package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskcall/voxgate/internal/config"
	"github.com/duskcall/voxgate/internal/frame"
	"github.com/duskcall/voxgate/internal/journal"
	"github.com/duskcall/voxgate/internal/upstream"
)

func testOpConfig(upstreamURL string) *config.Config {
	return &config.Config{
		UpstreamBaseURL:    upstreamURL,
		UpstreamAppID:      "app",
		UpstreamAccessKey:  "key",
		UpstreamResourceID: "resource",
		UpstreamAppKey:     "appkey",
		DefaultBotName:     "bot",
		DefaultSpeaker:     "speaker",
		RecvTimeout:        60,
		InputMod:           "audio",
		InputSampleRate:    16000,
		OutputSampleRate:   24000,
		OutputAudioFormat:  "pcm",
	}
}

// fakeUpstream accepts a connection and completes the connect handshake
// immediately, echoing nothing further unless told to.
func fakeUpstream(t *testing.T) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			f := decodeClientFrameForRegistryTest(data)
			if f == nil {
				continue
			}

			switch {
			case f.HasEvent && f.Event == upstream.EventStartConnection:
				writeUpstreamFrame(t, conn, upstream.EventConnectionStarted, "")
			case f.HasEvent && f.Event == upstream.EventStartSession:
				writeUpstreamFrame(t, conn, upstream.EventSessionStarted, "sess")
			}
		}
	}))
}

func decodeClientFrameForRegistryTest(data []byte) *frame.Frame {
	if len(data) < 4 {
		return nil
	}

	f := &frame.Frame{
		MessageType: data[1] >> 4,
		Flags:       data[1] & 0x0F,
	}

	rest := data[4:]

	if f.Flags&frame.FlagEvent != 0 {
		if len(rest) < 4 {
			return f
		}

		f.Event = int32(uint32(rest[0])<<24 | uint32(rest[1])<<16 | uint32(rest[2])<<8 | uint32(rest[3]))
		f.HasEvent = true
	}

	return f
}

func writeUpstreamFrame(t *testing.T, conn *websocket.Conn, event int32, sessionID string) {
	t.Helper()

	f := frame.Frame{
		MessageType:  frame.TypeServerFullResponse,
		Flags:        frame.FlagEvent,
		Serializer:   frame.SerializationJSON,
		Event:        event,
		HasEvent:     true,
		SessionID:    sessionID,
		HasSessionID: sessionID != "",
		Fields:       map[string]any{},
	}

	encoded, err := frame.Encode(f)
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, encoded))
}

func upstreamWSURL(server *httptest.Server) string {
	return "ws" + server.URL[len("http"):]
}

func newTestRegistry(t *testing.T, upstreamURL string) *Registry {
	t.Helper()

	dir := t.TempDir()
	j := journal.New(dir, true)
	return New(testOpConfig(upstreamURL), j)
}

func TestGetOrCreateReturnsSameRecord(t *testing.T) {
	upstreamServer := fakeUpstream(t)
	defer upstreamServer.Close()

	reg := newTestRegistry(t, upstreamWSURL(upstreamServer))

	s1 := reg.getOrCreate("session-a", Config{})
	s2 := reg.getOrCreate("session-a", Config{})

	assert.Same(t, s1, s2)
	assert.Equal(t, 1, reg.Count())
}

func TestRemoveIsIdempotent(t *testing.T) {
	upstreamServer := fakeUpstream(t)
	defer upstreamServer.Close()

	reg := newTestRegistry(t, upstreamWSURL(upstreamServer))
	reg.getOrCreate("session-b", Config{})

	reg.remove("session-b")
	reg.remove("session-b")

	assert.Equal(t, 0, reg.Count())
}

// Attaching a browser socket yields server.ready with a non-empty sessionId
// and the configured output format.
func TestAttachEmitsServerReady(t *testing.T) {
	upstreamServer := fakeUpstream(t)
	defer upstreamServer.Close()

	reg := newTestRegistry(t, upstreamWSURL(upstreamServer))

	browserServer := newBrowserWSServer(t, reg, "session-c")
	defer browserServer.Close()

	conn := dialBrowser(t, browserServer)
	defer conn.Close()

	var msg serverReadyMsg
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, msgServerReady, msg.Type)
	assert.Equal(t, "session-c", msg.SessionID)
	assert.Equal(t, "pcm", msg.OutputAudioFormat)
}

// Attaching a second browser socket for the same id closes the first with
// code 4001.
func TestSecondAttachClosesFirstWithReplacedCode(t *testing.T) {
	upstreamServer := fakeUpstream(t)
	defer upstreamServer.Close()

	reg := newTestRegistry(t, upstreamWSURL(upstreamServer))

	browserServer := newBrowserWSServer(t, reg, "session-d")
	defer browserServer.Close()

	conn1 := dialBrowser(t, browserServer)
	defer conn1.Close()

	var ready1 serverReadyMsg
	require.NoError(t, conn1.ReadJSON(&ready1))

	conn2 := dialBrowser(t, browserServer)
	defer conn2.Close()

	var ready2 serverReadyMsg
	require.NoError(t, conn2.ReadJSON(&ready2))

	conn1.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn1.ReadMessage()
	require.Error(t, err)

	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, closeCodeReplaced, closeErr.Code)
}

// The socket displaced by a newer attach still runs its read pump to
// completion after being closed with code 4001; that pump's onClose must
// not tear down the session now owned by the replacement socket.
func TestReplacedSocketClosingDoesNotTearDownSession(t *testing.T) {
	upstreamServer := fakeUpstream(t)
	defer upstreamServer.Close()

	reg := newTestRegistry(t, upstreamWSURL(upstreamServer))

	browserServer := newBrowserWSServer(t, reg, "session-e")
	defer browserServer.Close()

	conn1 := dialBrowser(t, browserServer)
	defer conn1.Close()

	var ready1 serverReadyMsg
	require.NoError(t, conn1.ReadJSON(&ready1))

	conn2 := dialBrowser(t, browserServer)
	defer conn2.Close()

	var ready2 serverReadyMsg
	require.NoError(t, conn2.ReadJSON(&ready2))

	conn1.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn1.ReadMessage()
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return reg.Count() == 1
	}, 2*time.Second, 10*time.Millisecond, "session removed after displaced socket closed")

	s, ok := reg.Get("session-e")
	require.True(t, ok)
	assert.NotEqual(t, StateClosed, s.State())

	require.NoError(t, s.Interrupt())

	var event serverEventMsg
	require.NoError(t, conn2.ReadJSON(&event))
	assert.Equal(t, msgServerEvent, event.Type)
	assert.EqualValues(t, 450, event.Event)

	payload, ok := event.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "interrupt_api", payload["source"])
}

// An unreachable upstream fails Connect immediately; the browser must still
// see server.error{upstream_connect_failed} before the 1011 close, even
// though writePump never starts on this path.
func TestAttachDeliversServerErrorOnUpstreamConnectFailure(t *testing.T) {
	reg := newTestRegistry(t, "ws://127.0.0.1:1")

	browserServer := newBrowserWSServer(t, reg, "session-f")
	defer browserServer.Close()

	conn := dialBrowser(t, browserServer)
	defer conn.Close()

	var errMsg serverErrorMsg
	require.NoError(t, conn.ReadJSON(&errMsg))
	assert.Equal(t, msgServerError, errMsg.Type)
	assert.Equal(t, "upstream_connect_failed", errMsg.Error)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)

	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)
}

func newBrowserWSServer(t *testing.T, reg *Registry, sessionID string) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := reg.Attach(ctx, sessionID, conn, Config{}); err != nil {
			conn.Close()
		}
	}))
}

func dialBrowser(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + server.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	return conn
}
