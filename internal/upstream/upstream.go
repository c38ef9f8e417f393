// Package upstream owns the single WebSocket connection a session holds to
// the realtime dialogue service: the connect handshake, the audio/text send
// operations, and the read loop that turns wire bytes into frame.Frame
// values for the relay to consume. A Dial and a read pump routing messages to
// waiters, built for a binary framing protocol rather than JSON
// request/response; no ping pump runs on this connection.
package upstream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duskcall/voxgate/internal/config"
	"github.com/duskcall/voxgate/internal/frame"
	"github.com/duskcall/voxgate/internal/idgen"
	"github.com/duskcall/voxgate/internal/logger"
)

// event codes referenced by the connect handshake and session operations
const (
	EventStartConnection   = 1
	EventConnectionStarted = 50
	EventStartSession      = 100
	EventSessionStarted    = 150
	EventAudio             = 200
	EventFinishSession     = 102
	EventFinishConnection  = 2
	EventHello             = 300
	EventChatText          = 501
)

const handshakeTimeout = 8 * time.Second

const commitTailFrameBytes = 320

// Signal is emitted on the Client's Events channel: exactly one of Frame,
// Close, or Err is set, matching the "message / close / error" observable
// signals a Session listens for.
type Signal struct {
	Frame *frame.Frame
	Close *CloseInfo
	Err   error
}

// CloseInfo carries the code and reason of an upstream socket close.
type CloseInfo struct {
	Code   int
	Reason string
}

// SessionParams are the per-session values that shape the start-session
// handshake body. The caller fills Speaker, BotName, RecvTimeoutSec and
// InputMod from operator defaults when they are left zero-valued, before
// Connect is invoked; the other per-session fields are passed as given.
type SessionParams struct {
	Speaker           string
	BotName           string
	SystemRole        string
	SpeakingStyle     string
	LocationCity      string
	RecvTimeoutSec    int
	InputMod          string
	InputSampleRate   int
	OutputSampleRate  int
	OutputAudioFormat string
}

// eventWaiter is a one-shot registration satisfied by readLoop, the sole
// reader of the socket, so a handshake wait never races the signal pump for
// the same value on Events.
type eventWaiter struct {
	event  int32
	result chan error
}

// Client owns one WebSocket connection to the upstream dialogue service for
// exactly one session id.
type Client struct {
	cfg       *config.Config
	sessionID string

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool
	waiter  *eventWaiter

	Events chan Signal

	closeOnce sync.Once
}

// New creates a Client bound to a session id; it does not connect.
func New(cfg *config.Config, sessionID string) *Client {
	return &Client{
		cfg:       cfg,
		sessionID: sessionID,
		Events:    make(chan Signal, 64),
	}
}

// Connect performs steps 1-5 of the connect protocol: open the socket, then
// exchange start-connection/connection-started, then start-session/session-started.
func (c *Client) Connect(ctx context.Context, params SessionParams) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("upstream: already connected")
	}
	c.mu.Unlock()

	connectID, err := idgen.HexID(16)
	if err != nil {
		return fmt.Errorf("upstream: mint connect id: %w", err)
	}

	header := http.Header{}
	header.Set("X-Api-App-ID", c.cfg.UpstreamAppID)
	header.Set("X-Api-Access-Key", c.cfg.UpstreamAccessKey)
	header.Set("X-Api-Resource-Id", c.cfg.UpstreamResourceID)
	header.Set("X-Api-App-Key", c.cfg.UpstreamAppKey)
	header.Set("X-Api-Connect-Id", connectID)

	dialer := websocket.Dialer{
		EnableCompression: false, // per-message deflate disabled
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.UpstreamBaseURL, header)
	if err != nil {
		return fmt.Errorf("upstream: dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop()

	if err := c.writeFrame(frame.Frame{
		MessageType: frame.TypeClientFullRequest,
		Flags:       frame.FlagEvent,
		Serializer:  frame.SerializationJSON,
		Event:       EventStartConnection,
		HasEvent:    true,
		Fields:      map[string]any{},
	}); err != nil {
		c.teardown()
		return fmt.Errorf("upstream: send start-connection: %w", err)
	}

	if err := c.waitForEvent(ctx, EventConnectionStarted, handshakeTimeout); err != nil {
		c.teardown()
		return fmt.Errorf("upstream: connection-started handshake: %w", err)
	}

	if err := c.startSession(ctx, params); err != nil {
		c.teardown()
		return err
	}

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	return nil
}

func (c *Client) startSession(ctx context.Context, params SessionParams) error {
	body := startSessionBody(params)

	if err := c.writeFrame(frame.Frame{
		MessageType:  frame.TypeClientFullRequest,
		Flags:        frame.FlagEvent,
		Serializer:   frame.SerializationJSON,
		Event:        EventStartSession,
		HasEvent:     true,
		SessionID:    c.sessionID,
		HasSessionID: true,
		Fields:       body,
	}); err != nil {
		return fmt.Errorf("upstream: send start-session: %w", err)
	}

	if err := c.waitForEvent(ctx, EventSessionStarted, handshakeTimeout); err != nil {
		return fmt.Errorf("upstream: session-started handshake: %w", err)
	}

	return nil
}

func startSessionBody(p SessionParams) map[string]any {
	dialogExtra := map[string]any{
		"strict_audit": false,
		"recv_timeout": p.RecvTimeoutSec,
		"input_mod":    p.InputMod,
	}

	dialog := map[string]any{
		"bot_name":       p.BotName,
		"system_role":    p.SystemRole,
		"speaking_style": p.SpeakingStyle,
		"extra":          dialogExtra,
	}

	if p.LocationCity != "" {
		dialog["location"] = map[string]any{"city": p.LocationCity}
	}

	return map[string]any{
		"asr": map[string]any{
			"extra": map[string]any{"end_smooth_window_ms": 1500},
		},
		"tts": map[string]any{
			"speaker": p.Speaker,
			"audio_config": map[string]any{
				"channel":     1,
				"format":      p.OutputAudioFormat,
				"sample_rate": p.OutputSampleRate,
			},
		},
		"dialog": dialog,
	}
}

// waitForEvent blocks until readLoop delivers the given event code to a
// registered waiter, the context is canceled, or timeout elapses. Frames for
// other events are forwarded to Events as usual, so a signal pump already
// draining Events (as during an interrupt's RestartSession) never competes
// with the handshake for the same value.
func (c *Client) waitForEvent(ctx context.Context, event int32, timeout time.Duration) error {
	w := &eventWaiter{event: event, result: make(chan error, 1)}

	c.mu.Lock()
	c.waiter = w
	c.mu.Unlock()

	defer c.clearWaiter(w)

	select {
	case err := <-w.result:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("timed out waiting for event %d", event)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) clearWaiter(w *eventWaiter) {
	c.mu.Lock()
	if c.waiter == w {
		c.waiter = nil
	}
	c.mu.Unlock()
}

// satisfyWaiter delivers err (nil on a matching frame event) to the pending
// waiter, if any, and reports whether one was consumed. A non-nil err
// satisfies any pending waiter regardless of which event it wanted, since
// the connection is no longer usable either way.
func (c *Client) satisfyWaiter(event int32, err error) bool {
	c.mu.Lock()
	w := c.waiter
	if w == nil || (err == nil && w.event != event) {
		c.mu.Unlock()
		return false
	}
	c.waiter = nil
	c.mu.Unlock()

	w.result <- err
	return true
}

// sendAudioChunk forwards raw PCM16-LE bytes as event 200, gzip-compressed,
// no serialization. Empty input is a no-op.
func (c *Client) sendAudioChunk(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	return c.writeFrame(frame.Frame{
		MessageType:  frame.TypeClientAudioOnly,
		Flags:        frame.FlagEvent,
		Serializer:   frame.SerializationNone,
		Compressor:   frame.CompressionGzip,
		Event:        EventAudio,
		HasEvent:     true,
		SessionID:    c.sessionID,
		HasSessionID: true,
		Raw:          chunk,
	})
}

// SendAudioChunk is the exported form of sendAudioChunk, reconnecting once
// per the send-before-open policy.
func (c *Client) SendAudioChunk(ctx context.Context, params SessionParams, chunk []byte) error {
	return c.sendWithReconnect(ctx, params, func() error { return c.sendAudioChunk(chunk) })
}

// SendAudioCommit marks end-of-input-audio by sending a single 320-byte
// zero-filled tail frame with the "tail" flag bit set. The gateway relay
// does not call this: its client.audio.commit handling sends twelve
// 3200-byte zero chunks through SendAudioChunk instead (see internal/session).
func (c *Client) SendAudioCommit(ctx context.Context, params SessionParams) error {
	return c.sendWithReconnect(ctx, params, func() error {
		return c.writeFrame(frame.Frame{
			MessageType:  frame.TypeClientAudioOnly,
			Flags:        frame.FlagNegativeSequence,
			Serializer:   frame.SerializationNone,
			SessionID:    c.sessionID,
			HasSessionID: true,
			Raw:          make([]byte, commitTailFrameBytes),
		})
	})
}

// SendChatText forwards a text turn as event 501.
func (c *Client) SendChatText(ctx context.Context, params SessionParams, content string) error {
	return c.sendWithReconnect(ctx, params, func() error {
		return c.writeFrame(frame.Frame{
			MessageType:  frame.TypeClientFullRequest,
			Flags:        frame.FlagEvent,
			Serializer:   frame.SerializationJSON,
			Event:        EventChatText,
			HasEvent:     true,
			SessionID:    c.sessionID,
			HasSessionID: true,
			Fields:       map[string]any{"content": content},
		})
	})
}

// SendHello forwards an opening greeting as event 300.
func (c *Client) SendHello(ctx context.Context, params SessionParams, content string) error {
	return c.sendWithReconnect(ctx, params, func() error {
		return c.writeFrame(frame.Frame{
			MessageType:  frame.TypeClientFullRequest,
			Flags:        frame.FlagEvent,
			Serializer:   frame.SerializationJSON,
			Event:        EventHello,
			HasEvent:     true,
			SessionID:    c.sessionID,
			HasSessionID: true,
			Fields:       map[string]any{"content": content},
		})
	})
}

// RestartSession sends finish-session then repeats the start-session
// handshake, used for interruption.
func (c *Client) RestartSession(ctx context.Context, params SessionParams) error {
	if err := c.writeFrame(frame.Frame{
		MessageType:  frame.TypeClientFullRequest,
		Flags:        frame.FlagEvent,
		Serializer:   frame.SerializationJSON,
		Event:        EventFinishSession,
		HasEvent:     true,
		SessionID:    c.sessionID,
		HasSessionID: true,
		Fields:       map[string]any{},
	}); err != nil {
		return fmt.Errorf("upstream: send finish-session: %w", err)
	}

	return c.startSession(ctx, params)
}

// Close is best-effort and idempotent: finish-session, finish-connection,
// then the socket itself.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		_ = c.writeFrame(frame.Frame{
			MessageType:  frame.TypeClientFullRequest,
			Flags:        frame.FlagEvent,
			Serializer:   frame.SerializationJSON,
			Event:        EventFinishSession,
			HasEvent:     true,
			SessionID:    c.sessionID,
			HasSessionID: true,
			Fields:       map[string]any{},
		})

		_ = c.writeFrame(frame.Frame{
			MessageType: frame.TypeClientFullRequest,
			Flags:       frame.FlagEvent,
			Serializer:  frame.SerializationJSON,
			Event:       EventFinishConnection,
			HasEvent:    true,
			Fields:      map[string]any{},
		})

		c.teardown()
	})
}

func (c *Client) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.started = false

	if c.conn != nil {
		c.conn.Close() //nolint:errcheck,gosec // best-effort cleanup
		c.conn = nil
	}
}

// IsStarted reports whether the session-start handshake has completed.
func (c *Client) IsStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.started
}

func (c *Client) writeFrame(f frame.Frame) error {
	encoded, err := frame.Encode(f)
	if err != nil {
		return fmt.Errorf("upstream: encode frame: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("upstream: not connected")
	}

	conn.SetWriteDeadline(time.Now().Add(10 * time.Second)) //nolint:errcheck,gosec // websocket timing

	return conn.WriteMessage(websocket.BinaryMessage, encoded)
}

// sendWithReconnect implements the "send-before-open" policy: a send while
// disconnected transparently reconnects once before propagating the error.
func (c *Client) sendWithReconnect(ctx context.Context, params SessionParams, send func() error) error {
	c.mu.Lock()
	connected := c.conn != nil
	c.mu.Unlock()

	if !connected {
		if err := c.Connect(ctx, params); err != nil {
			return fmt.Errorf("upstream: reconnect before send: %w", err)
		}
	}

	return send()
}

func (c *Client) readLoop() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return
	}

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("upstream websocket error", "session_id", c.sessionID, "error", err)
			}

			code, reason := closeInfoFromError(err)
			c.satisfyWaiter(0, fmt.Errorf("upstream closed during handshake (code %d)", code))
			c.Events <- Signal{Close: &CloseInfo{Code: code, Reason: reason}}
			return
		}

		if messageType != websocket.BinaryMessage {
			continue
		}

		f, ok := frame.Decode(data)
		if !ok {
			continue
		}

		if f.HasEvent && c.satisfyWaiter(f.Event, nil) {
			continue
		}

		c.Events <- Signal{Frame: f}
	}
}

func closeInfoFromError(err error) (int, string) {
	if closeErr, ok := err.(*websocket.CloseError); ok {
		return closeErr.Code, closeErr.Text
	}

	return websocket.CloseAbnormalClosure, err.Error()
}
