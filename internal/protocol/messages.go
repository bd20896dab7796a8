// Package protocol defines the websocket wire messages exchanged with the
// browser client. Both directions are closed unions: every client message
// implements ClientMessage and every server message implements ServerMessage.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Audio contract shared by client uploads and agent playback.
const (
	AudioFormatPCM16 = "pcm16"
	SampleRate       = 24000
	Channels         = 1
)

const (
	CodeBadRequest      = "bad_request"
	CodeUnsupported     = "unsupported"
	CodeInvalidAudio    = "invalid_audio_format"
	CodeAudioDecode     = "audio_decode_error"
	CodeUpstreamStart   = "upstream_start_failed"
	CodeUpstream        = "upstream_error"
	CodeInternal        = "internal_error"
	CodeIdleTimeout     = "session_idle_timeout"
	CodeSuperseded      = "session_superseded"
	CodeSessionBusy     = "session_busy"
	CodeSessionEnded    = "session_ended"
	CodeInsufficientBal = "insufficient_credits"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: CodeBadRequest, Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: CodeUnsupported, Message: message, Param: param}
}

// Vocabulary names the flavor-specific client message types. Empty fields are
// not accepted.
type Vocabulary struct {
	EndSession        string
	TranscriptRequest string
	InfoRequest       string
}

// ClientMessage is implemented by every decoded inbound frame.
type ClientMessage interface {
	clientMessage()
}

// AudioData is a base64 audio envelope. Missing fields take the values the
// browser client historically omitted: sample_rate 24000 and channels 1.
// A missing format is never valid.
type AudioData struct {
	Type       string `json:"type"`
	Audio      string `json:"audio"`
	Format     string `json:"format"`
	SampleRate *int   `json:"sample_rate,omitempty"`
	Channels   *int   `json:"channels,omitempty"`
}

// AudioFrame is a binary frame of raw PCM16 24kHz mono.
type AudioFrame struct {
	PCM []byte
}

type StartRecording struct{}
type StopRecording struct{}
type Interrupt struct{}
type ClearSession struct{}

// EndSession asks for the termination sequence (end_roleplay, end_interview).
type EndSession struct{ Type string }

// TranscriptRequest asks for the full rendered transcript.
type TranscriptRequest struct{ Type string }

// InfoRequest asks for session metadata.
type InfoRequest struct{ Type string }

// Invalid carries a frame that failed to decode so that it can be reported
// in order with the rest of the inbound stream.
type Invalid struct{ Err *DecodeError }

func (AudioData) clientMessage()         {}
func (AudioFrame) clientMessage()        {}
func (StartRecording) clientMessage()    {}
func (StopRecording) clientMessage()     {}
func (Interrupt) clientMessage()         {}
func (ClearSession) clientMessage()      {}
func (EndSession) clientMessage()        {}
func (TranscriptRequest) clientMessage() {}
func (InfoRequest) clientMessage()       {}
func (Invalid) clientMessage()           {}

func (m AudioData) sampleRate() int {
	if m.SampleRate == nil {
		return SampleRate
	}
	return *m.SampleRate
}

func (m AudioData) channels() int {
	if m.Channels == nil {
		return Channels
	}
	return *m.Channels
}

func (m AudioData) format() string {
	if strings.TrimSpace(m.Format) == "" {
		return "unknown"
	}
	return m.Format
}

// Decode validates the envelope and returns the raw PCM bytes. An empty
// audio field yields nil bytes and no error.
func (m AudioData) Decode() ([]byte, error) {
	if m.Audio == "" {
		return nil, nil
	}
	if m.format() != AudioFormatPCM16 || m.sampleRate() != SampleRate || m.channels() != Channels {
		return nil, &DecodeError{
			Code: CodeInvalidAudio,
			Message: fmt.Sprintf("Invalid audio format. Expected PCM16, 24kHz, mono. Got: %s, %dHz, %dch",
				m.format(), m.sampleRate(), m.channels()),
		}
	}
	pcm, err := base64.StdEncoding.DecodeString(m.Audio)
	if err != nil {
		return nil, &DecodeError{Code: CodeAudioDecode, Message: "Audio decode error: " + err.Error(), Param: "audio"}
	}
	return pcm, nil
}

// ParseClientMessage decodes one text frame. Errors are always *DecodeError.
func ParseClientMessage(raw []byte, vocab Vocabulary) (ClientMessage, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(env.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "audio_data":
		var msg AudioData
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, badRequest("invalid audio_data frame", "")
		}
		return msg, nil
	case "start_recording":
		return StartRecording{}, nil
	case "stop_recording":
		return StopRecording{}, nil
	case "interrupt":
		return Interrupt{}, nil
	case "clear_session":
		return ClearSession{}, nil
	}

	switch {
	case vocab.EndSession != "" && typ == vocab.EndSession:
		return EndSession{Type: typ}, nil
	case vocab.TranscriptRequest != "" && typ == vocab.TranscriptRequest:
		return TranscriptRequest{Type: typ}, nil
	case vocab.InfoRequest != "" && typ == vocab.InfoRequest:
		return InfoRequest{Type: typ}, nil
	}
	return nil, unsupported("unsupported message type", typ)
}
