package session

import (
	"strconv"
	"strings"

	"github.com/duskcall/voxgate/internal/frame"
)

// browser -> gateway message discriminators
const (
	msgClientStart       = "client.start"
	msgClientAudioAppend = "client.audio.append"
	msgClientAudioCommit = "client.audio.commit"
	msgClientChatText    = "client.chat.text"
	msgClientInterrupt   = "client.interrupt"
	msgClientStop        = "client.stop"
)

// gateway -> browser message discriminators
const (
	msgServerReady    = "server.ready"
	msgServerTTSAudio = "server.tts.audio"
	msgServerError    = "server.error"
	msgServerEvent    = "server.event"
	msgServerText     = "server.text"
	msgServerClosed   = "server.closed"
)

// clientEnvelope is the minimal shape needed to dispatch a browser message;
// the type-specific fields are decoded again once the discriminator is known.
type clientEnvelope struct {
	Type string `json:"type"`
}

type clientStartMsg struct {
	Hello string `json:"hello,omitempty"`
}

type clientAudioAppendMsg struct {
	Audio string `json:"audio"`
}

type clientChatTextMsg struct {
	Content string `json:"content"`
}

type serverReadyMsg struct {
	Type              string `json:"type"`
	SessionID         string `json:"sessionId"`
	OutputAudioFormat string `json:"outputAudioFormat"`
}

type serverTTSAudioMsg struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
	Event int32  `json:"event"`
}

type serverErrorMsg struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Code    uint32 `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

type serverEventMsg struct {
	Type    string `json:"type"`
	Event   int32  `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

type serverTextMsg struct {
	Type string `json:"type"`
	Role string `json:"role"`
	Text string `json:"text"`
}

type serverClosedMsg struct {
	Type   string `json:"type"`
	Code   int    `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// textFields is the set of payload keys checked, in order, for a non-empty
// string when an arbitrary upstream frame is scanned for displayable text.
var textFields = []string{"content", "text", "sentence", "result", "display_text", "answer", "output_text"}

// assistantEventCodes are event codes that always infer role "assistant".
var assistantEventCodes = map[int32]bool{550: true, 559: true, 350: true, 351: true, 352: true, 359: true}

// userEventCodes are event codes that always infer role "user".
var userEventCodes = map[int32]bool{451: true, 459: true}

// inferRole picks a speaker for a generic event: enumerated codes take
// priority, then other codes >= 450 default to "system", then payload shape
// is inspected, defaulting to "assistant".
func inferRole(f *frame.Frame) string {
	if f.HasEvent {
		if assistantEventCodes[f.Event] {
			return "assistant"
		}

		if userEventCodes[f.Event] {
			return "user"
		}

		if f.Event >= 450 {
			return "system"
		}
	}

	if f.Fields != nil {
		if _, ok := f.Fields["tts_type"]; ok {
			return "assistant"
		}

		if from, ok := f.Fields["from"].(string); ok && from == "user" {
			return "user"
		}

		if role, ok := f.Fields["role"].(string); ok && role == "system" {
			return "system"
		}
	}

	return "assistant"
}

// extractText scans payload fields in priority order for the first
// non-empty string among the known displayable-text keys.
func extractText(fields map[string]any) (string, bool) {
	for _, key := range textFields {
		if raw, ok := fields[key]; ok {
			if text, ok := raw.(string); ok {
				trimmed := strings.TrimSpace(text)
				if trimmed != "" {
					return trimmed, true
				}
			}
		}
	}

	return "", false
}

// mapUpstreamError translates an upstream error-response frame into a
// user-facing message.
func mapUpstreamError(f *frame.Frame) string {
	raw := errorMessageFromFields(f.Fields)

	switch {
	case strings.Contains(raw, "session number limit exceeded"):
		return "the assistant is at capacity right now, please try again shortly"
	case strings.Contains(raw, "DialogAudioIdleTimeoutError") || strings.Contains(raw, "AudioASRIdleTimeoutError"):
		return "no audio was received in time, press and talk again"
	default:
		if f.HasErrorCode {
			return "an upstream error occurred (code " + strconv.Itoa(int(f.ErrorCode)) + ")"
		}

		return "an upstream error occurred"
	}
}

func errorMessageFromFields(fields map[string]any) string {
	if fields == nil {
		return ""
	}

	if msg, ok := fields["message"].(string); ok {
		return msg
	}

	if errStr, ok := fields["error"].(string); ok {
		return errStr
	}

	return ""
}
