package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/prepai/internal/reliability"
	"github.com/ent0n29/prepai/internal/transcript"
	"github.com/gorilla/websocket"
)

type OpenAIConfig struct {
	APIKey             string
	URL                string
	Model              string
	TranscriptionModel string
	HandshakeTimeout   time.Duration
}

// OpenAIProvider speaks the OpenAI Realtime websocket protocol.
type OpenAIProvider struct {
	cfg    OpenAIConfig
	dialer *websocket.Dialer
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = "wss://api.openai.com/v1/realtime"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gpt-4o-realtime-preview"
	}
	if strings.TrimSpace(cfg.TranscriptionModel) == "" {
		cfg.TranscriptionModel = "whisper-1"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	return &OpenAIProvider{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Connect(ctx context.Context, settings Settings) (Session, error) {
	u, err := url.Parse(p.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	if q.Get("model") == "" {
		q.Set("model", p.cfg.Model)
	}
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+p.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := p.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		dialErr := &DialError{Provider: p.Name(), Err: err}
		if resp != nil {
			dialErr.StatusCode = resp.StatusCode
		}
		return nil, dialErr
	}

	s := &openaiSession{
		conn:     conn,
		settings: settings,
		events:   make(chan Event, 256),
		done:     make(chan struct{}),
		history:  newHistoryBook(),
	}
	if err := s.writeJSON(map[string]any{"type": "session.update", "session": p.sessionConfig(settings)}); err != nil {
		_ = conn.Close()
		return nil, &DialError{Provider: p.Name(), Err: fmt.Errorf("send session.update: %w", err)}
	}
	go s.readLoop()
	return s, nil
}

func (p *OpenAIProvider) sessionConfig(s Settings) map[string]any {
	detection := s.TurnDetection
	if detection != TurnDetectionServer {
		detection = TurnDetectionSemantic
	}
	cfg := map[string]any{
		"instructions":        s.Instructions,
		"modalities":          []string{"audio", "text"},
		"input_audio_format":  "pcm16",
		"output_audio_format": "pcm16",
		"turn_detection": map[string]any{
			"type":               detection,
			"interrupt_response": true,
			"create_response":    true,
		},
	}
	if v := strings.TrimSpace(s.Voice); v != "" {
		cfg["voice"] = v
	}
	if s.Transcription {
		cfg["input_audio_transcription"] = map[string]any{"model": p.cfg.TranscriptionModel}
	}
	if len(s.Tools) > 0 {
		tools := make([]map[string]any, 0, len(s.Tools))
		for _, t := range s.Tools {
			tools = append(tools, map[string]any{
				"type":        "function",
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.JSONSchema(),
			})
		}
		cfg["tools"] = tools
		cfg["tool_choice"] = "auto"
	}
	return cfg
}

type openaiSession struct {
	conn     *websocket.Conn
	settings Settings

	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan Event
	done      chan struct{}

	// Owned by readLoop.
	history      *historyBook
	toolsPending bool
}

func (s *openaiSession) Events() <-chan Event { return s.events }

func (s *openaiSession) SendAudio(_ context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return s.writeJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

// Interrupt cancels the in-flight response and truncates the playing item to
// what the listener heard.
func (s *openaiSession) Interrupt(_ context.Context) error {
	if err := s.writeJSON(map[string]any{"type": "response.cancel"}); err != nil {
		return err
	}
	return s.truncatePlaying()
}

func (s *openaiSession) truncatePlaying() error {
	tracker := s.settings.Playback
	itemID, contentIndex, ok := tracker.Current()
	if !ok {
		return nil
	}
	tracker.ClearCurrent()
	return s.writeJSON(map[string]any{
		"type":          "conversation.item.truncate",
		"item_id":       itemID,
		"content_index": contentIndex,
		"audio_end_ms":  tracker.PlayedMS(itemID, contentIndex),
	})
}

func (s *openaiSession) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.done)
		retErr = s.conn.Close()
	})
	return retErr
}

func (s *openaiSession) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *openaiSession) writeJSON(payload map[string]any) error {
	if s.closed() {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(payload); err != nil {
		return fmt.Errorf("write %v: %w", payload["type"], err)
	}
	return nil
}

func (s *openaiSession) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *openaiSession) readLoop() {
	defer close(s.events)
	defer s.Close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.emit(Error{Code: "upstream_closed", Message: err.Error()})
			}
			return
		}
		if !s.handle(data) {
			return
		}
	}
}

type openaiContent struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	Transcript string `json:"transcript"`
}

type openaiItem struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Role      string          `json:"role"`
	Status    string          `json:"status"`
	Content   []openaiContent `json:"content"`
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments string          `json:"arguments"`
}

type openaiServerEvent struct {
	Type         string      `json:"type"`
	ItemID       string      `json:"item_id"`
	ContentIndex int         `json:"content_index"`
	Delta        string      `json:"delta"`
	Transcript   string      `json:"transcript"`
	Item         *openaiItem `json:"item"`
	Error        *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// handle maps one upstream frame; it reports false once the session is done.
func (s *openaiSession) handle(data []byte) bool {
	var ev openaiServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return s.emit(Raw{Type: "unparseable", Payload: data})
	}

	switch ev.Type {
	case "response.created":
		return s.emit(AgentStart{AgentName: s.settings.AgentName})
	case "response.done":
		if s.toolsPending {
			s.toolsPending = false
			if err := s.writeJSON(map[string]any{"type": "response.create"}); err != nil {
				return s.emit(Error{Code: "tool_response_failed", Message: err.Error()})
			}
		}
		return s.emit(AgentEnd{AgentName: s.settings.AgentName})
	case "response.audio.delta", "response.output_audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			return s.emit(Error{Code: "invalid_audio_delta", Message: err.Error()})
		}
		return s.emit(Audio{ItemID: ev.ItemID, ContentIndex: ev.ContentIndex, Data: pcm})
	case "response.audio.done", "response.output_audio.done":
		s.settings.Playback.Finish(ev.ItemID)
		return s.emit(AudioEnd{ItemID: ev.ItemID})
	case "response.audio_transcript.delta", "response.output_audio_transcript.delta":
		s.history.appendTranscript(ev.ItemID, transcript.RoleAgent, ev.Delta)
		return true
	case "conversation.item.input_audio_transcription.delta":
		s.history.appendTranscript(ev.ItemID, transcript.RoleUser, ev.Delta)
		return true
	case "conversation.item.input_audio_transcription.completed":
		s.history.setTranscript(ev.ItemID, transcript.RoleUser, ev.Transcript, transcript.StatusCompleted)
		return s.emit(HistoryUpdated{Items: s.history.snapshot()})
	case "conversation.item.input_audio_transcription.failed":
		s.history.setStatus(ev.ItemID, transcript.StatusIncomplete)
		return s.emit(HistoryUpdated{Items: s.history.snapshot()})
	case "conversation.item.created", "conversation.item.added":
		if ev.Item == nil || ev.Item.Type != "message" {
			return s.emit(Raw{Type: ev.Type, Payload: data})
		}
		if it, ok := s.toItem(*ev.Item); ok {
			s.history.upsert(it)
			return s.emit(HistoryUpdated{Items: s.history.snapshot()})
		}
		return true
	case "response.output_item.done":
		if ev.Item == nil {
			return true
		}
		switch ev.Item.Type {
		case "function_call":
			return s.runFunctionCall(*ev.Item)
		case "message":
			it, ok := s.toItem(*ev.Item)
			if !ok {
				return true
			}
			s.history.upsert(it)
			return s.emit(HistoryUpdated{Items: s.history.snapshot()})
		}
		return true
	case "input_audio_buffer.speech_started":
		if _, _, playing := s.settings.Playback.Current(); !playing {
			return true
		}
		if err := s.truncatePlaying(); err != nil && !errors.Is(err, ErrClosed) {
			return s.emit(Error{Code: "truncate_failed", Message: err.Error()})
		}
		return s.emit(AudioInterrupted{})
	case "error":
		if ev.Error == nil {
			return s.emit(Error{Code: "upstream_error", Message: "unknown upstream error"})
		}
		code := ev.Error.Code
		if code == "" {
			code = ev.Error.Type
		}
		if code == "response_cancel_not_active" {
			return s.emit(Raw{Type: ev.Type, Payload: data})
		}
		return s.emit(Error{Code: code, Message: ev.Error.Message, Retryable: reliability.IsRetryableUpstreamError(code)})
	default:
		return s.emit(Raw{Type: ev.Type, Payload: data})
	}
}

func (s *openaiSession) toItem(in openaiItem) (transcript.Item, bool) {
	var role transcript.Role
	switch in.Role {
	case "user":
		role = transcript.RoleUser
	case "assistant":
		role = transcript.RoleAgent
	default:
		return transcript.Item{}, false
	}
	status := transcript.ItemStatus(in.Status)
	if status == "" {
		status = transcript.StatusInProgress
	}
	content := make([]transcript.Content, 0, len(in.Content))
	hasAudio := false
	for _, c := range in.Content {
		if c.Type == "input_audio" {
			hasAudio = true
		}
		content = append(content, transcript.Content{Type: c.Type, Text: c.Text, Transcript: c.Transcript})
	}
	// Spoken user input stays open until its transcription arrives.
	if role == transcript.RoleUser && hasAudio && s.settings.Transcription && s.history.text(in.ID) == "" {
		status = transcript.StatusInProgress
	}
	return transcript.Item{ID: in.ID, Role: role, Status: status, Content: content}, true
}

func (s *openaiSession) runFunctionCall(item openaiItem) bool {
	if !s.emit(ToolStart{ToolName: item.Name}) {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	output := callTool(ctx, s.settings.Tools, item.Name, json.RawMessage(item.Arguments))
	cancel()

	err := s.writeJSON(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": item.CallID,
			"output":  output,
		},
	})
	if err != nil {
		return s.emit(Error{Code: "tool_response_failed", Message: err.Error()})
	}
	s.toolsPending = true
	return s.emit(ToolEnd{ToolName: item.Name, Output: output})
}
