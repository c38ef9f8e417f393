// Package session implements the gateway's realtime session subsystem: the
// process-wide session registry and the per-session bidirectional relay
// between one browser socket and one upstream client.
//
// Each session is a 1:1 pairing between exactly one browser socket and one
// upstream client, mediated by a single actor goroutine that serializes
// every state transition through one mailbox channel rather than holding a
// lock across I/O.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/duskcall/voxgate/internal/config"
	"github.com/duskcall/voxgate/internal/frame"
	"github.com/duskcall/voxgate/internal/journal"
	"github.com/duskcall/voxgate/internal/logger"
	"github.com/duskcall/voxgate/internal/upstream"
)

// State is one point in the session's connection lifecycle.
type State int

const (
	StateNew State = iota
	StateUpstreamConnecting
	StateReady
	StateInterrupting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateUpstreamConnecting:
		return "upstream_connecting"
	case StateReady:
		return "ready"
	case StateInterrupting:
		return "interrupting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// commitTailFrameCount and commitTailFrameSize implement the twelve
// 3200-byte trailing-silence frames sent on client.audio.commit. A
// replaceable tunable, not derived from any protocol negotiation.
var (
	commitTailFrameCount = 12
	commitTailFrameSize  = 3200
)

// closeCodeReplaced is sent to a browser socket displaced by a newer
// attachment for the same session id.
const closeCodeReplaced = 4001

// Config is the operator-overridable per-session configuration accepted by
// POST /session and merged with operator defaults before the upstream
// handshake.
type Config struct {
	BotName        string `json:"botName,omitempty"`
	Speaker        string `json:"speaker,omitempty"`
	SystemRole     string `json:"systemRole,omitempty"`
	SpeakingStyle  string `json:"speakingStyle,omitempty"`
	LocationCity   string `json:"locationCity,omitempty"`
	RecvTimeoutSec int    `json:"recvTimeoutSec,omitempty"`
	InputMod       string `json:"inputMod,omitempty"`
}

func (c Config) toUpstreamParams(op *config.Config) upstream.SessionParams {
	p := upstream.SessionParams{
		Speaker:           c.Speaker,
		BotName:           c.BotName,
		SystemRole:        c.SystemRole,
		SpeakingStyle:     c.SpeakingStyle,
		LocationCity:      c.LocationCity,
		RecvTimeoutSec:    c.RecvTimeoutSec,
		InputMod:          c.InputMod,
		InputSampleRate:   op.InputSampleRate,
		OutputSampleRate:  op.OutputSampleRate,
		OutputAudioFormat: op.OutputAudioFormat,
	}

	if p.Speaker == "" {
		p.Speaker = op.DefaultSpeaker
	}

	if p.BotName == "" {
		p.BotName = op.DefaultBotName
	}

	if p.RecvTimeoutSec == 0 {
		p.RecvTimeoutSec = op.RecvTimeout
	}

	if p.InputMod == "" {
		p.InputMod = op.InputMod
	}

	return p
}

// mailbox messages consumed one at a time by Session.run, serializing every
// state transition without holding a lock across I/O.
type mailboxBrowserFrame struct{ data []byte }
type mailboxBrowserClosed struct{ socket *browserSocket }
type mailboxUpstreamSignal struct{ signal upstream.Signal }
type mailboxAttach struct {
	socket *browserSocket
	result chan error
}
type mailboxInterrupt struct{ result chan error }
type mailboxStop struct{}

// Session is one voice conversation: one id, at most one browser socket, at
// most one upstream client, one journal.
type Session struct {
	ID string

	registry *Registry
	opCfg    *config.Config
	journal  *journal.Journal
	sessCfg  Config

	mailbox chan any

	mu       sync.Mutex
	state    State
	upstream *upstream.Client
	browser  *browserSocket

	audioLimiter *rate.Limiter

	stopped   chan struct{}
	closeOnce sync.Once
}

func newSession(id string, registry *Registry, opCfg *config.Config, j *journal.Journal, cfg Config) *Session {
	return &Session{
		ID:           id,
		registry:     registry,
		opCfg:        opCfg,
		journal:      j,
		sessCfg:      cfg,
		mailbox:      make(chan any, 128),
		state:        StateNew,
		audioLimiter: rate.NewLimiter(rate.Limit(50), 100), // ~50 chunks/sec sustained, bursty up to 100
		stopped:      make(chan struct{}),
	}
}

// State returns the session's current state under lock.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// run is the dedicated per-session actor loop: it owns the record and
// consumes the mailbox until a stop is processed.
func (s *Session) run() {
	for msg := range s.mailbox {
		switch m := msg.(type) {
		case mailboxAttach:
			err := s.handleAttach(m.socket)
			m.result <- err
			if err != nil {
				return
			}
		case mailboxBrowserFrame:
			s.handleBrowserFrame(m.data)
		case mailboxBrowserClosed:
			if s.isCurrentBrowser(m.socket) {
				s.handleClose("browser closed", websocket.CloseNormalClosure)
				return
			}
		case mailboxUpstreamSignal:
			s.handleUpstreamSignal(m.signal)
		case mailboxInterrupt:
			m.result <- s.handleInterrupt("api", "interrupt_api")
		case mailboxStop:
			s.handleClose("client requested stop", websocket.CloseNormalClosure)
			return
		}

		// a client.stop frame or an upstream close also runs handleClose
		select {
		case <-s.stopped:
			return
		default:
		}
	}
}

// Attach binds a browser socket to the session, replacing and closing any
// previous socket with code 4001, bringing the upstream up if needed, then
// emitting server.ready. Errors from upstream connect are reported as
// server.error + close(1011) and the record is removed.
func (s *Session) Attach(ctx context.Context, conn *websocket.Conn) error {
	socket := newBrowserSocket(conn)

	result := make(chan error, 1)

	select {
	case s.mailbox <- mailboxAttach{socket: socket, result: result}:
	case <-s.stopped:
		return fmt.Errorf("session: closed")
	}

	err := <-result
	if err != nil {
		return err
	}

	go socket.writePump()
	go socket.readPump(
		func(data []byte) { s.deliverBrowserFrame(data) },
		func() { s.deliverBrowserClosed(socket) },
	)

	return nil
}

func (s *Session) deliverBrowserFrame(data []byte) {
	select {
	case s.mailbox <- mailboxBrowserFrame{data: data}:
	case <-s.stopped:
	}
}

func (s *Session) deliverBrowserClosed(socket *browserSocket) {
	select {
	case s.mailbox <- mailboxBrowserClosed{socket: socket}:
	case <-s.stopped:
	}
}

// isCurrentBrowser reports whether socket is still the session's active
// browser socket. A socket displaced by a newer attach and then closed by
// closeWithCode must not tear down the session its replacement now owns.
func (s *Session) isCurrentBrowser(socket *browserSocket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.browser == socket
}

func (s *Session) handleAttach(socket *browserSocket) error {
	s.mu.Lock()
	previous := s.browser
	s.browser = socket
	s.mu.Unlock()

	if previous != nil {
		previous.closeWithCode(closeCodeReplaced, "replaced by new connection")
	}

	s.setState(StateUpstreamConnecting)

	s.mu.Lock()
	up := s.upstream
	s.mu.Unlock()

	if up == nil {
		up = upstream.New(s.opCfg, s.ID)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := up.Connect(ctx, s.sessCfg.toUpstreamParams(s.opCfg)); err != nil {
			logger.ErrorErr(err, "upstream connect failed", "session_id", s.ID)

			// writePump hasn't started yet on this path (Attach starts it only
			// after handleAttach returns nil), so sendJSON's buffered send
			// would never be drained; write the error frame directly instead.
			errMsg := serverErrorMsg{Type: msgServerError, Error: "upstream_connect_failed", Message: err.Error()}
			if writeErr := socket.writeJSONSync(errMsg); writeErr != nil {
				logger.ErrorErr(writeErr, "failed to deliver upstream_connect_failed to browser", "session_id", s.ID)
			}

			s.appendJournal("upstream_connect_failed", map[string]any{"error": err.Error()})
			s.handleClose("upstream connect failed", websocket.CloseInternalServerErr)
			return err
		}

		s.mu.Lock()
		s.upstream = up
		s.mu.Unlock()

		s.appendJournal("upstream_connected", nil)

		go s.pumpUpstreamSignals(up)
	}

	s.setState(StateReady)
	socket.sendJSON(serverReadyMsg{
		Type:              msgServerReady,
		SessionID:         s.ID,
		OutputAudioFormat: s.opCfg.OutputAudioFormat,
	})

	return nil
}

func (s *Session) pumpUpstreamSignals(up *upstream.Client) {
	for sig := range up.Events {
		select {
		case s.mailbox <- mailboxUpstreamSignal{signal: sig}:
		case <-s.stopped:
			return
		}
	}
}

func (s *Session) handleBrowserFrame(data []byte) {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.sendBrowserError("invalid_json", "malformed JSON message")
		return
	}

	switch env.Type {
	case msgClientStart:
		s.handleClientStart(data)
	case msgClientAudioAppend:
		s.handleClientAudioAppend(data)
	case msgClientAudioCommit:
		s.handleClientAudioCommit()
	case msgClientChatText:
		s.handleClientChatText(data)
	case msgClientInterrupt:
		_ = s.handleInterrupt("client", "client_interrupt")
	case msgClientStop:
		s.handleClose("client requested stop", websocket.CloseNormalClosure)
	default:
		s.sendBrowserError("invalid_message", "unknown message type: "+env.Type)
	}
}

func (s *Session) handleClientStart(data []byte) {
	var msg clientStartMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendBrowserError("invalid_json", "malformed client.start")
		return
	}

	s.appendJournal("client_started", nil)

	if msg.Hello != "" {
		up := s.upstreamClient()
		if up != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := up.SendHello(ctx, s.sessCfg.toUpstreamParams(s.opCfg), msg.Hello); err != nil {
				logger.ErrorErr(err, "send hello failed", "session_id", s.ID)
			}
		}
	}
}

func (s *Session) handleClientAudioAppend(data []byte) {
	var msg clientAudioAppendMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendBrowserError("invalid_json", "malformed client.audio.append")
		return
	}

	decoded, err := base64.StdEncoding.DecodeString(msg.Audio)
	if err != nil {
		s.sendBrowserError("invalid_message", "audio field is not valid base64")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// paces ingestion without dropping audio; only this session's actor
	// blocks, so other sessions are unaffected
	if err := s.audioLimiter.Wait(ctx); err != nil {
		logger.ErrorErr(err, "audio rate limiter wait failed", "session_id", s.ID)
		return
	}

	s.appendJournal("input_audio_chunk", map[string]any{"bytes": len(decoded)})

	up := s.upstreamClient()
	if up == nil {
		return
	}

	if err := up.SendAudioChunk(ctx, s.sessCfg.toUpstreamParams(s.opCfg), decoded); err != nil {
		logger.ErrorErr(err, "send audio chunk failed", "session_id", s.ID)
	}
}

// handleClientAudioCommit sends the trailing-silence tail: twelve
// 3200-byte zero audio chunks, in order, so the upstream ASR has enough
// silence to conclude the utterance ended.
func (s *Session) handleClientAudioCommit() {
	up := s.upstreamClient()
	if up == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	params := s.sessCfg.toUpstreamParams(s.opCfg)
	tail := make([]byte, commitTailFrameSize)

	for i := 0; i < commitTailFrameCount; i++ {
		if err := up.SendAudioChunk(ctx, params, tail); err != nil {
			logger.ErrorErr(err, "send audio commit tail frame failed", "session_id", s.ID, "frame", i)
			break
		}
	}

	s.appendJournal("input_audio_committed", nil)
}

func (s *Session) handleClientChatText(data []byte) {
	var msg clientChatTextMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendBrowserError("invalid_json", "malformed client.chat.text")
		return
	}

	s.appendJournal("input_text", map[string]any{"content": msg.Content})

	up := s.upstreamClient()
	if up == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := up.SendChatText(ctx, s.sessCfg.toUpstreamParams(s.opCfg), msg.Content); err != nil {
		logger.ErrorErr(err, "send chat text failed", "session_id", s.ID)
	}
}

// handleInterrupt implements the ready -> interrupting -> ready transition:
// preempt immediately by restarting the upstream session, without waiting
// for outstanding audio to flush. journalSource is the bare origin tag
// ("client", "api") recorded on the session_interrupted journal entry;
// eventSource is the value carried by the browser-facing server.event{450}
// payload, which for a client-initiated interrupt differs from the journal
// tag ("client_interrupt" vs "client").
func (s *Session) handleInterrupt(journalSource, eventSource string) error {
	up := s.upstreamClient()
	if up == nil {
		return fmt.Errorf("session: no upstream connection")
	}

	s.setState(StateInterrupting)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := up.RestartSession(ctx, s.sessCfg.toUpstreamParams(s.opCfg)); err != nil {
		logger.ErrorErr(err, "restart session failed", "session_id", s.ID)
		return err
	}

	s.setState(StateReady)
	s.appendJournal("session_interrupted", map[string]any{"source": journalSource})

	s.sendBrowserJSON(serverEventMsg{
		Type:  msgServerEvent,
		Event: 450,
		Payload: map[string]any{
			"source": eventSource,
		},
	})

	return nil
}

func (s *Session) handleUpstreamSignal(sig upstream.Signal) {
	switch {
	case sig.Frame != nil:
		s.handleUpstreamFrame(sig.Frame)
	case sig.Close != nil:
		s.sendBrowserJSON(serverClosedMsg{Type: msgServerClosed, Code: sig.Close.Code, Reason: sig.Close.Reason})
		s.handleClose("upstream closed", websocket.CloseNormalClosure)
	case sig.Err != nil:
		logger.ErrorErr(sig.Err, "upstream signal error", "session_id", s.ID)
	}
}

func (s *Session) handleUpstreamFrame(f *frame.Frame) {
	switch f.MessageType {
	case frame.TypeServerAck:
		if len(f.Raw) > 0 {
			s.appendJournal("assistant_audio_chunk", map[string]any{"bytes": len(f.Raw), "event": f.Event})
			s.sendBrowserJSON(serverTTSAudioMsg{
				Type:  msgServerTTSAudio,
				Audio: base64.StdEncoding.EncodeToString(f.Raw),
				Event: f.Event,
			})
			return
		}

		s.emitGenericEvent(f)
	case frame.TypeServerError:
		message := mapUpstreamError(f)
		s.appendJournal("error", map[string]any{"code": f.ErrorCode, "payload": f.Fields})
		s.sendBrowserJSON(serverErrorMsg{
			Type:    msgServerError,
			Error:   "upstream_server_error",
			Code:    f.ErrorCode,
			Message: message,
			Payload: f.Fields,
		})
	default:
		s.emitGenericEvent(f)
	}
}

func (s *Session) emitGenericEvent(f *frame.Frame) {
	s.sendBrowserJSON(serverEventMsg{Type: msgServerEvent, Event: f.Event, Payload: f.Fields})

	if f.Fields != nil {
		if text, ok := extractText(f.Fields); ok {
			s.sendBrowserJSON(serverTextMsg{Type: msgServerText, Role: inferRole(f), Text: text})
		}
	}
}

func (s *Session) sendBrowserError(code, message string) {
	s.sendBrowserJSON(serverErrorMsg{Type: msgServerError, Error: code, Message: message})
}

func (s *Session) sendBrowserJSON(v any) {
	s.mu.Lock()
	socket := s.browser
	s.mu.Unlock()

	if socket != nil {
		socket.sendJSON(v)
	}
}

func (s *Session) upstreamClient() *upstream.Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.upstream
}

// handleClose is the orderly close path: idempotent, closes the browser
// socket, tears down upstream, removes the record.
func (s *Session) handleClose(reason string, browserCloseCode int) {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)

		s.mu.Lock()
		socket := s.browser
		up := s.upstream
		s.mu.Unlock()

		if socket != nil {
			socket.closeWithCode(browserCloseCode, reason)
		}

		if up != nil {
			up.Close()
		}

		s.appendJournal("session_closed", map[string]any{"reason": reason})
		s.registry.remove(s.ID)
		close(s.stopped)
	})
}

// Stop enqueues an orderly close, matching a client.stop message routed
// through an external caller (the registry's stale-mint reaper).
func (s *Session) Stop() {
	select {
	case s.mailbox <- mailboxStop{}:
	case <-s.stopped:
	}
}

// Interrupt enqueues an interrupt command and waits for it to complete,
// used by the POST /interrupt HTTP handler.
func (s *Session) Interrupt() error {
	result := make(chan error, 1)

	select {
	case s.mailbox <- mailboxInterrupt{result: result}:
	case <-s.stopped:
		return fmt.Errorf("session: closed")
	}

	select {
	case err := <-result:
		return err
	case <-s.stopped:
		return fmt.Errorf("session: closed")
	}
}

func (s *Session) appendJournal(eventType string, payload any) {
	if err := s.journal.Append(s.ID, eventType, payload); err != nil {
		logger.ErrorErr(err, "journal append failed", "session_id", s.ID, "event_type", eventType)
	}
}
