package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/ent0n29/prepai/internal/transcript"
	"google.golang.org/genai"
)

type GeminiConfig struct {
	APIKey string
	Model  string
}

// GeminiProvider opens Gemini Live sessions through the genai SDK.
type GeminiProvider struct {
	cfg GeminiConfig

	mu     sync.Mutex
	client *genai.Client
}

func NewGeminiProvider(cfg GeminiConfig) *GeminiProvider {
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gemini-2.0-flash-live-001"
	}
	return &GeminiProvider{cfg: cfg}
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) genaiClient(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  p.cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	p.client = client
	return client, nil
}

// geminiVoice maps a persona voice onto a prebuilt Gemini voice; anything
// outside the catalog falls back to the default.
func geminiVoice(name string) string {
	if v, ok := LookupVoice(GeminiVoices, name); ok {
		return v
	}
	return DefaultGeminiVoice
}

func (p *GeminiProvider) connectConfig(s Settings) *genai.LiveConnectConfig {
	cfg := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{genai.NewPartFromText(s.Instructions)},
		},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: geminiVoice(s.Voice)},
			},
		},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if s.Transcription {
		cfg.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if len(s.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(s.Tools))
		for _, t := range s.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  geminiSchema(t.Params),
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}

func geminiSchema(params []Param) *genai.Schema {
	schema := &genai.Schema{
		Type:       genai.TypeObject,
		Properties: make(map[string]*genai.Schema, len(params)),
	}
	for _, p := range params {
		typ := genai.TypeString
		switch p.Type {
		case "number":
			typ = genai.TypeNumber
		case "integer":
			typ = genai.TypeInteger
		case "boolean":
			typ = genai.TypeBoolean
		}
		schema.Properties[p.Name] = &genai.Schema{Type: typ, Description: p.Description}
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}
	return schema
}

func (p *GeminiProvider) Connect(ctx context.Context, settings Settings) (Session, error) {
	client, err := p.genaiClient(ctx)
	if err != nil {
		return nil, &DialError{Provider: p.Name(), Err: err}
	}
	live, err := client.Live.Connect(ctx, p.cfg.Model, p.connectConfig(settings))
	if err != nil {
		return nil, &DialError{Provider: p.Name(), Err: err}
	}
	s := &geminiSession{
		live:     live,
		settings: settings,
		events:   make(chan Event, 256),
		done:     make(chan struct{}),
		history:  newHistoryBook(),
	}
	go s.readLoop()
	return s, nil
}

type geminiSession struct {
	live     *genai.Session
	settings Settings

	sendMu    sync.Mutex
	closeOnce sync.Once
	events    chan Event
	done      chan struct{}

	// Owned by readLoop. Gemini has no item ids, so turns are numbered.
	history   *historyBook
	turn      int
	inTurn    bool
	userOpen  bool
	agentItem string
	userItem  string
}

func (s *geminiSession) Events() <-chan Event { return s.events }

func (s *geminiSession) SendAudio(_ context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	if s.closed() {
		return ErrClosed
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.live.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{MIMEType: "audio/pcm;rate=24000", Data: pcm},
	})
}

// Interrupt drops local playback tracking. Gemini Live cancels generation
// itself when its voice activity detection hears the user.
func (s *geminiSession) Interrupt(_ context.Context) error {
	if s.closed() {
		return ErrClosed
	}
	s.settings.Playback.ClearCurrent()
	return nil
}

func (s *geminiSession) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.done)
		retErr = s.live.Close()
	})
	return retErr
}

func (s *geminiSession) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *geminiSession) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *geminiSession) readLoop() {
	defer close(s.events)
	defer s.Close()
	for {
		msg, err := s.live.Receive()
		if err != nil {
			if !s.closed() {
				s.emit(Error{Code: "upstream_closed", Message: err.Error()})
			}
			return
		}
		if !s.handle(msg) {
			return
		}
	}
}

func (s *geminiSession) handle(msg *genai.LiveServerMessage) bool {
	if msg == nil {
		return true
	}
	if msg.SetupComplete != nil {
		if !s.emit(Raw{Type: "setup_complete"}) {
			return false
		}
	}
	if msg.GoAway != nil {
		if !s.emit(Error{Code: "session_expired", Message: "upstream is closing the session", Retryable: true}) {
			return false
		}
	}
	if msg.ToolCall != nil {
		if !s.handleToolCall(msg.ToolCall) {
			return false
		}
	}
	if msg.ServerContent != nil {
		return s.handleContent(msg.ServerContent)
	}
	return true
}

func (s *geminiSession) startTurn() bool {
	if s.inTurn {
		return true
	}
	s.inTurn = true
	s.turn++
	s.agentItem = fmt.Sprintf("gemini-agent-%d", s.turn)
	changed := s.closeUserItem()
	if !s.emit(AgentStart{AgentName: s.settings.AgentName}) {
		return false
	}
	if changed {
		return s.emit(HistoryUpdated{Items: s.history.snapshot()})
	}
	return true
}

func (s *geminiSession) closeUserItem() bool {
	if !s.userOpen {
		return false
	}
	s.userOpen = false
	return s.history.setStatus(s.userItem, transcript.StatusCompleted)
}

func (s *geminiSession) handleContent(c *genai.LiveServerContent) bool {
	if c.InputTranscription != nil && c.InputTranscription.Text != "" {
		if !s.userOpen {
			s.userOpen = true
			s.userItem = fmt.Sprintf("gemini-user-%d", s.turn+1)
		}
		s.history.appendTranscript(s.userItem, transcript.RoleUser, c.InputTranscription.Text)
		if c.InputTranscription.Finished {
			s.closeUserItem()
			if !s.emit(HistoryUpdated{Items: s.history.snapshot()}) {
				return false
			}
		}
	}

	if c.ModelTurn != nil {
		if !s.startTurn() {
			return false
		}
		for _, part := range c.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			if !strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
				continue
			}
			if !s.emit(Audio{ItemID: s.agentItem, ContentIndex: 0, Data: part.InlineData.Data}) {
				return false
			}
		}
	}

	if c.OutputTranscription != nil && c.OutputTranscription.Text != "" {
		if !s.startTurn() {
			return false
		}
		s.history.appendTranscript(s.agentItem, transcript.RoleAgent, c.OutputTranscription.Text)
	}

	if c.Interrupted && s.inTurn {
		s.settings.Playback.ClearCurrent()
		if !s.emit(AudioInterrupted{}) {
			return false
		}
		return s.endTurn(transcript.StatusIncomplete)
	}
	if c.TurnComplete && s.inTurn {
		if !s.emit(AudioEnd{ItemID: s.agentItem}) {
			return false
		}
		return s.endTurn(transcript.StatusCompleted)
	}
	return true
}

func (s *geminiSession) endTurn(status transcript.ItemStatus) bool {
	s.inTurn = false
	s.history.setStatus(s.agentItem, status)
	if !s.emit(HistoryUpdated{Items: s.history.snapshot()}) {
		return false
	}
	return s.emit(AgentEnd{AgentName: s.settings.AgentName})
}

func (s *geminiSession) handleToolCall(call *genai.LiveServerToolCall) bool {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	responses := make([]*genai.FunctionResponse, 0, len(call.FunctionCalls))
	for _, fc := range call.FunctionCalls {
		if fc == nil {
			continue
		}
		if !s.emit(ToolStart{ToolName: fc.Name}) {
			return false
		}
		args, _ := json.Marshal(fc.Args)
		output := callTool(ctx, s.settings.Tools, fc.Name, args)
		responses = append(responses, &genai.FunctionResponse{
			ID:       fc.ID,
			Name:     fc.Name,
			Response: map[string]any{"output": output},
		})
		if !s.emit(ToolEnd{ToolName: fc.Name, Output: output}) {
			return false
		}
	}
	if len(responses) == 0 {
		return true
	}
	s.sendMu.Lock()
	err := s.live.SendToolResponse(genai.LiveToolResponseInput{FunctionResponses: responses})
	s.sendMu.Unlock()
	if err != nil {
		return s.emit(Error{Code: "tool_response_failed", Message: err.Error()})
	}
	return true
}
