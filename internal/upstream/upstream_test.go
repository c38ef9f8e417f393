package upstream

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
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func testConfig(url string) *config.Config {
	return &config.Config{
		UpstreamBaseURL:    url,
		UpstreamAppID:      "app",
		UpstreamAccessKey:  "key",
		UpstreamResourceID: "resource",
		UpstreamAppKey:     "appkey",
	}
}

func testParams() SessionParams {
	return SessionParams{
		Speaker:           "default",
		BotName:           "bot",
		RecvTimeoutSec:    60,
		InputMod:          "audio",
		OutputSampleRate:  24000,
		OutputAudioFormat: "pcm",
	}
}

// fakeUpstreamServer accepts connections, records every frame it decodes,
// and, when respondToHandshake is set, replies event 50 to start-connection
// and event 150 to start-session.
func fakeUpstreamServer(t *testing.T, respondToHandshake bool) (*httptest.Server, chan *frame.Frame) {
	t.Helper()

	received := make(chan *frame.Frame, 32)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			if messageType != websocket.BinaryMessage {
				continue
			}

			f := decodeClientFrameForTest(data)

			received <- f

			if !respondToHandshake {
				continue
			}

			if f == nil {
				continue
			}

			switch {
			case f.HasEvent && f.Event == EventStartConnection:
				writeServerFrame(t, conn, EventConnectionStarted, "")
			case f.HasEvent && f.Event == EventStartSession:
				writeServerFrame(t, conn, EventSessionStarted, "sess")
			}
		}
	})

	server := httptest.NewServer(handler)
	return server, received
}

// decodeClientFrameForTest mirrors Encode's wire order (header, optional
// event, optional session id, payload length, payload) since frame.Decode
// only understands server-bound message layouts.
func decodeClientFrameForTest(data []byte) *frame.Frame {
	if len(data) < 4 {
		return nil
	}

	f := &frame.Frame{
		MessageType: data[1] >> 4,
		Flags:       data[1] & 0x0F,
		Serializer:  data[2] >> 4,
		Compressor:  data[2] & 0x0F,
	}

	rest := data[4:]

	if f.Flags&frame.FlagEvent != 0 {
		if len(rest) < 4 {
			return f
		}

		f.Event = int32(uint32(rest[0])<<24 | uint32(rest[1])<<16 | uint32(rest[2])<<8 | uint32(rest[3]))
		f.HasEvent = true
		rest = rest[4:]
	}

	if len(rest) < 4 {
		return f
	}

	idLen := int32(uint32(rest[0])<<24 | uint32(rest[1])<<16 | uint32(rest[2])<<8 | uint32(rest[3]))
	rest = rest[4:]

	if idLen > 0 && len(rest) >= int(idLen) {
		f.SessionID = string(rest[:idLen])
		f.HasSessionID = true
		rest = rest[idLen:]
	}

	return f
}

func writeServerFrame(t *testing.T, conn *websocket.Conn, event int32, sessionID string) {
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

func wsURL(server *httptest.Server) string {
	return "ws" + server.URL[len("http"):]
}

func TestConnectCompletesHandshake(t *testing.T) {
	server, _ := fakeUpstreamServer(t, true)
	defer server.Close()

	client := New(testConfig(wsURL(server)), "session-1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := client.Connect(ctx, testParams())
	require.NoError(t, err)
	assert.True(t, client.IsStarted())

	client.Close()
}

func TestConnectTimesOutWithoutHandshakeResponse(t *testing.T) {
	server, _ := fakeUpstreamServer(t, false)
	defer server.Close()

	client := New(testConfig(wsURL(server)), "session-2")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := client.Connect(ctx, testParams())
	require.Error(t, err)
	assert.False(t, client.IsStarted())
}

func TestSendAudioChunkNoopOnEmpty(t *testing.T) {
	server, received := fakeUpstreamServer(t, true)
	defer server.Close()

	client := New(testConfig(wsURL(server)), "session-3")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, client.Connect(ctx, testParams()))
	defer client.Close()

	// drain the two handshake frames already seen by the fake server
	<-received
	<-received

	err := client.SendAudioChunk(ctx, testParams(), nil)
	require.NoError(t, err)

	select {
	case <-received:
		t.Fatal("expected no frame for empty audio chunk")
	case <-time.After(100 * time.Millisecond):
	}
}

// SendAudioCommit is the low-level "client-audio-only-request" tail marker
// (320 zero bytes, tail flag, no event) — a distinct primitive from the
// relay's own trailing-silence handling, which instead calls SendAudioChunk
// twelve times with 3200-byte buffers (see internal/session).
func TestSendAudioCommitSendsTailFlaggedFrame(t *testing.T) {
	server, received := fakeUpstreamServer(t, true)
	defer server.Close()

	client := New(testConfig(wsURL(server)), "session-5")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, client.Connect(ctx, testParams()))
	defer client.Close()

	<-received // start-connection
	<-received // start-session

	require.NoError(t, client.SendAudioCommit(ctx, testParams()))

	select {
	case f := <-received:
		require.NotNil(t, f)
		assert.Equal(t, frame.TypeClientAudioOnly, f.MessageType)
		assert.NotZero(t, f.Flags&frame.FlagNegativeSequence)
		assert.False(t, f.HasEvent)
	case <-time.After(time.Second):
		t.Fatal("expected a tail-flagged frame")
	}
}

// A goroutine draining Events concurrently (as the relay's signal pump
// does for the life of a session) must not steal the session-started event
// RestartSession is waiting for.
func TestRestartSessionHandshakeDoesNotRaceEventDrain(t *testing.T) {
	server, _ := fakeUpstreamServer(t, true)
	defer server.Close()

	client := New(testConfig(wsURL(server)), "session-6")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, client.Connect(ctx, testParams()))
	defer client.Close()

	go func() {
		for range client.Events {
		}
	}()

	restartCtx, restartCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer restartCancel()

	require.NoError(t, client.RestartSession(restartCtx, testParams()))
}

func TestSendAudioChunkForwardsBytes(t *testing.T) {
	server, received := fakeUpstreamServer(t, true)
	defer server.Close()

	client := New(testConfig(wsURL(server)), "session-4")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, client.Connect(ctx, testParams()))
	defer client.Close()

	<-received // start-connection
	<-received // start-session

	require.NoError(t, client.SendAudioChunk(ctx, testParams(), []byte("pcmdata")))

	select {
	case f := <-received:
		require.NotNil(t, f)
		assert.Equal(t, frame.TypeClientAudioOnly, f.MessageType)
	case <-time.After(time.Second):
		t.Fatal("expected an audio frame")
	}
}
