package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ent0n29/prepai/internal/ledger"
	"github.com/ent0n29/prepai/internal/observability"
	"github.com/ent0n29/prepai/internal/persona"
	"github.com/ent0n29/prepai/internal/protocol"
	"github.com/ent0n29/prepai/internal/realtime"
	"github.com/ent0n29/prepai/internal/reliability"
	"github.com/ent0n29/prepai/internal/session"
)

const (
	criticalSendTimeout = 600 * time.Millisecond
	streamSendTimeout   = 120 * time.Millisecond
	connectBackoffBase  = 250 * time.Millisecond
	connectBackoffCap   = 2 * time.Second
	rawLogPreviewBytes  = 200
)

type Config struct {
	MeteringInterval   time.Duration
	LatestEntries      int
	TurnDetection      string
	Transcription      bool
	DefaultVoice       string
	ConnectTimeout     time.Duration
	ConnectAttempts    int
	PersistenceTimeout time.Duration
	RedactPII          bool
}

func (c Config) withDefaults() Config {
	if c.MeteringInterval <= 0 {
		c.MeteringInterval = 10 * time.Second
	}
	if c.LatestEntries <= 0 {
		c.LatestEntries = 5
	}
	if strings.TrimSpace(c.TurnDetection) == "" {
		c.TurnDetection = realtime.TurnDetectionSemantic
	}
	if strings.TrimSpace(c.DefaultVoice) == "" {
		c.DefaultVoice = realtime.DefaultOpenAIVoice
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 1
	}
	if c.PersistenceTimeout <= 0 {
		c.PersistenceTimeout = 5 * time.Second
	}
	return c
}

// Connection is the context the gateway resolved before handing a transport
// connection to the Orchestrator.
type Connection struct {
	// SessionID is empty for flavors without a stored record.
	SessionID string
	UserID    string
	Persona   persona.Config
	Flavor    Flavor
}

// Orchestrator runs realtime sessions. One Orchestrator serves every
// connection; per-connection state lives in RunConnection.
type Orchestrator struct {
	provider realtime.Provider
	tools    *realtime.Registry
	ledger   ledger.Ledger
	store    session.Store
	sessions *session.Manager
	metrics  *observability.Metrics
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

func NewOrchestrator(
	provider realtime.Provider,
	tools *realtime.Registry,
	credits ledger.Ledger,
	store session.Store,
	sessions *session.Manager,
	metrics *observability.Metrics,
	logger *slog.Logger,
	cfg Config,
) *Orchestrator {
	if tools == nil {
		tools = realtime.DefaultRegistry(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if sessions == nil {
		sessions = session.NewManager(0)
	}
	return &Orchestrator{
		provider: provider,
		tools:    tools,
		ledger:   credits,
		store:    store,
		sessions: sessions,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RunConnection owns one client connection until it ends. inbound is closed
// by the gateway when the transport closes; outbound is written only by this
// call and may be closed by the caller once it returns.
func (o *Orchestrator) RunConnection(ctx context.Context, c Connection, inbound <-chan protocol.ClientMessage, outbound chan<- protocol.ServerMessage) error {
	if c.Flavor == nil {
		return errors.New("connection flavor is required")
	}
	r := newRun(o, c, outbound)
	return r.loop(ctx, inbound)
}

func (o *Orchestrator) settingsFor(c Connection, r *run) realtime.Settings {
	voice := strings.TrimSpace(c.Persona.Voice)
	if voice == "" {
		voice = o.cfg.DefaultVoice
	}
	return realtime.Settings{
		AgentName:     c.Persona.Name,
		Instructions:  c.Flavor.Instructions(c.Persona),
		Voice:         voice,
		TurnDetection: o.cfg.TurnDetection,
		Transcription: o.cfg.Transcription,
		Tools:         o.tools.Select(c.Persona.Tools),
		Playback:      r.tracker,
	}
}

// connect opens the upstream stream, retrying retryable handshake failures.
func (o *Orchestrator) connect(ctx context.Context, settings realtime.Settings) (realtime.Session, error) {
	started := time.Now()
	var sess realtime.Session
	err := reliability.Retry(ctx, o.cfg.ConnectAttempts, connectBackoffBase, connectBackoffCap, retryableDial,
		func(ctx context.Context) error {
			dialCtx, cancel := context.WithTimeout(ctx, o.cfg.ConnectTimeout)
			defer cancel()
			s, err := o.provider.Connect(dialCtx, settings)
			if err != nil {
				o.metrics.ProviderError(o.provider.Name(), "connect_failed")
				return err
			}
			sess = s
			return nil
		})
	if err != nil {
		return nil, err
	}
	o.metrics.ObserveUpstreamConnect(time.Since(started))
	return sess, nil
}

func retryableDial(err error) bool {
	var dialErr *realtime.DialError
	if !errors.As(err, &dialErr) {
		return false
	}
	if dialErr.StatusCode == 0 {
		return true
	}
	return reliability.IsRetryableHTTPStatus(dialErr.StatusCode)
}

// send delivers one message in order. Control and terminal messages wait
// longer for a slow client than streaming audio does.
func (o *Orchestrator) send(outbound chan<- protocol.ServerMessage, msg protocol.ServerMessage) bool {
	msgType := msg.ServerType()
	timeout := streamSendTimeout
	if critical(msg) {
		timeout = criticalSendTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case outbound <- msg:
		o.metrics.Outbound(msgType, "delivered")
		return true
	case <-timer.C:
		o.metrics.Outbound(msgType, "timeout")
		o.metrics.SessionEvent("outbound_drop")
		return false
	}
}

func critical(msg protocol.ServerMessage) bool {
	switch msg.(type) {
	case protocol.Audio, protocol.TranscriptUpdate:
		return false
	default:
		return true
	}
}

func (o *Orchestrator) errorText(err error) string {
	var decodeErr *protocol.DecodeError
	if errors.As(err, &decodeErr) {
		return decodeErr.Message
	}
	return err.Error()
}

func preview(b []byte) string {
	if len(b) > rawLogPreviewBytes {
		b = b[:rawLogPreviewBytes]
	}
	return string(b)
}

func formatStartError(err error) string {
	return fmt.Sprintf("Failed to start voice agent: %v", err)
}
