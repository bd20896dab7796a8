package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/prepai/internal/playback"
	"github.com/ent0n29/prepai/internal/policy"
	"github.com/ent0n29/prepai/internal/protocol"
	"github.com/ent0n29/prepai/internal/realtime"
	"github.com/ent0n29/prepai/internal/session"
	"github.com/ent0n29/prepai/internal/transcript"
)

type startResult struct {
	sess realtime.Session
	err  error
}

// meterResult is reported by the metering task to the connection loop.
type meterResult struct {
	err          error
	insufficient bool
	balance      int64
}

// run is the state of one connection. Everything except charged and ended is
// touched only by the loop goroutine.
type run struct {
	o        *Orchestrator
	c        Connection
	outbound chan<- protocol.ServerMessage
	logger   *slog.Logger

	assembler *transcript.Assembler
	tracker   *playback.Tracker
	lease     *session.Lease
	startedAt time.Time
	cost      int64

	charged atomic.Int64
	ended   atomic.Bool

	upstream realtime.Session
	events   <-chan realtime.Event

	tasksCtx    context.Context
	cancelTasks context.CancelFunc
	wg          sync.WaitGroup
	startCh     chan startResult
	meterCh     chan meterResult
}

func newRun(o *Orchestrator, c Connection, outbound chan<- protocol.ServerMessage) *run {
	startedAt := o.now()
	return &run{
		o:        o,
		c:        c,
		outbound: outbound,
		logger: o.logger.With(
			slog.String("session_id", c.SessionID),
			slog.String("user_id", c.UserID),
			slog.String("persona_id", c.Persona.ID),
			slog.String("flavor", c.Flavor.Name()),
		),
		assembler: transcript.NewAssembler(c.Flavor.Header(c.Persona, startedAt)),
		tracker:   playback.NewTracker(playback.DefaultSampleRate),
		startedAt: startedAt,
		cost:      c.Persona.CreditsPerInterval,
		startCh:   make(chan startResult, 1),
		meterCh:   make(chan meterResult, 1),
	}
}

func (r *run) loop(ctx context.Context, inbound <-chan protocol.ClientMessage) error {
	o := r.o
	lease, err := o.sessions.Register(r.c.SessionID, r.c.UserID, r.c.Persona.ID, r.c.Flavor.Name())
	switch {
	case errors.Is(err, session.ErrSessionBusy):
		r.logger.Info("session already has a live connection")
		o.metrics.SessionEvent("session_busy")
		r.send(protocol.NewError(protocol.CodeSessionBusy, "Session is already open in another window"))
		return nil
	case err != nil:
		r.send(protocol.NewError(protocol.CodeInternal, "Server is shutting down"))
		return err
	}
	r.lease = lease
	defer r.lease.Release()

	o.metrics.SessionStarted()
	r.logger.Info("realtime session connecting")

	r.tasksCtx, r.cancelTasks = context.WithCancel(context.Background())
	defer r.cancelTasks()

	if r.cost > 0 {
		balance, err := o.ledger.Balance(ctx, r.c.UserID)
		if err != nil {
			r.logger.Error("balance check failed", "error", err)
			r.send(protocol.NewError(protocol.CodeInternal, "Unable to verify credit balance"))
			r.endWithoutRecord("error")
			return fmt.Errorf("check balance: %w", err)
		}
		if balance < r.cost {
			r.logger.Info("insufficient credits at start", "balance", balance, "required", r.cost)
			r.send(r.insufficient(balance))
			r.endWithoutRecord("insufficient_credits")
			return nil
		}
	}

	if t := r.c.Flavor.Messages().Start; t != "" {
		r.send(protocol.SessionStart{
			Type:     t,
			BotName:  r.c.Persona.Name,
			Scenario: r.c.Persona.Description,
			Message:  fmt.Sprintf("%s is joining the session", r.c.Persona.Name),
		})
	}

	settings := o.settingsFor(r.c, r)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		sess, err := o.connect(r.tasksCtx, settings)
		r.startCh <- startResult{sess: sess, err: err}
	}()

	for {
		select {
		case <-ctx.Done():
			r.finish(session.StatusDisconnected, false)
			return nil

		case <-r.lease.Done():
			return r.onLeaseEnded()

		case msg, ok := <-inbound:
			if !ok {
				r.finish(session.StatusDisconnected, false)
				return nil
			}
			r.lease.Touch()
			if done := r.safeHandleClient(msg); done {
				return nil
			}

		case res := <-r.startCh:
			if res.err != nil {
				r.logger.Error("upstream start failed", "error", res.err)
				o.metrics.SessionEvent("upstream_start_failed")
				r.send(protocol.NewError(protocol.CodeUpstreamStart, formatStartError(res.err)))
				r.endWithoutRecord("start_failed")
				return res.err
			}
			r.onStarted(res.sess)

		case ev, ok := <-r.events:
			if !ok {
				r.events = nil
				if r.ended.Load() {
					return nil
				}
				r.logger.Warn("upstream stream terminated")
				o.metrics.SessionEvent("upstream_closed")
				r.send(protocol.NewError(protocol.CodeUpstream, "Session error: upstream stream closed"))
				r.finish(session.StatusDisconnected, false)
				return nil
			}
			r.safeHandleEvent(ev)

		case res := <-r.meterCh:
			if res.insufficient {
				r.logger.Info("credits exhausted", "balance", res.balance, "charged", r.charged.Load())
				r.send(r.insufficient(res.balance))
				r.finish(session.StatusCompleted, true)
				return nil
			}
			r.send(protocol.NewError(protocol.CodeInternal, "Credit deduction failed: "+res.err.Error()))
		}
	}
}

func (r *run) onStarted(sess realtime.Session) {
	r.upstream = sess
	r.events = sess.Events()
	r.logger.Info("realtime session ready", "provider", r.o.provider.Name())
	r.o.metrics.SessionEvent("upstream_ready")
	r.send(protocol.Status{Type: protocol.TypeSessionReady, Message: "Voice agent connected and ready"})
	if r.cost > 0 {
		r.wg.Add(1)
		go r.meter()
	}
}

func (r *run) onLeaseEnded() error {
	err := r.lease.Err()
	switch {
	case errors.Is(err, session.ErrIdleTimeout):
		r.send(protocol.NewError(protocol.CodeIdleTimeout, "Session ended after a period of inactivity"))
		r.finish(session.StatusCompleted, true)
	case errors.Is(err, session.ErrSuperseded):
		r.send(protocol.NewError(protocol.CodeSuperseded, "Session was opened in another window"))
		r.finish(session.StatusDisconnected, false)
	default:
		r.finish(session.StatusDisconnected, false)
	}
	return nil
}

// meter charges one interval per tick until the session ends or the balance
// runs out.
func (r *run) meter() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.o.cfg.MeteringInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.tasksCtx.Done():
			return
		case <-ticker.C:
		}
		if r.ended.Load() {
			return
		}
		ok, err := r.o.ledger.TryDeduct(r.tasksCtx, r.c.UserID, r.cost)
		if err != nil {
			if r.tasksCtx.Err() != nil {
				return
			}
			r.logger.Error("credit deduction failed", "error", err)
			r.o.metrics.DeductionError()
			r.report(meterResult{err: err})
			continue
		}
		r.o.metrics.Deduction(ok, r.cost)
		if ok {
			r.charged.Add(r.cost)
			continue
		}
		balance, err := r.o.ledger.Balance(r.tasksCtx, r.c.UserID)
		if err != nil {
			r.logger.Warn("balance lookup failed", "error", err)
		}
		r.report(meterResult{insufficient: true, balance: balance})
		return
	}
}

func (r *run) report(res meterResult) {
	select {
	case r.meterCh <- res:
	case <-r.tasksCtx.Done():
	}
}

func (r *run) insufficient(balance int64) protocol.InsufficientCredits {
	return protocol.InsufficientCredits{
		Type:     protocol.TypeInsufficientCredit,
		Message:  "Insufficient credits to continue this session",
		Balance:  balance,
		Required: r.cost,
	}
}

// safeHandleClient reports whether the connection loop should return.
func (r *run) safeHandleClient(msg protocol.ClientMessage) (done bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic handling client message", "panic", rec, "stack", string(debug.Stack()))
			r.send(protocol.NewError(protocol.CodeInternal, fmt.Sprintf("Error processing message: %v", rec)))
			done = false
		}
	}()
	done, err := r.handleClient(msg)
	if err != nil {
		r.send(protocol.NewError(protocol.CodeInternal, fmt.Sprintf("Error processing message: %v", err)))
	}
	return done
}

func (r *run) handleClient(msg protocol.ClientMessage) (bool, error) {
	switch m := msg.(type) {
	case protocol.AudioData:
		r.o.metrics.Inbound("audio_data")
		pcm, err := m.Decode()
		if err != nil {
			var decodeErr *protocol.DecodeError
			code := protocol.CodeAudioDecode
			if errors.As(err, &decodeErr) {
				code = decodeErr.Code
			}
			r.send(protocol.NewError(code, r.o.errorText(err)))
			return false, nil
		}
		r.forwardAudio(pcm)
	case protocol.AudioFrame:
		r.o.metrics.Inbound("audio_frame")
		r.forwardAudio(m.PCM)
	case protocol.StartRecording:
		r.o.metrics.Inbound("start_recording")
		r.send(protocol.Status{Type: protocol.TypeRecordingStarted, Message: "Voice agent is ready. You can start speaking."})
	case protocol.StopRecording:
		r.o.metrics.Inbound("stop_recording")
		r.send(protocol.Status{Type: protocol.TypeRecordingStopped, Message: "Recording stopped"})
	case protocol.Interrupt:
		r.o.metrics.Inbound("interrupt")
		if r.upstream != nil && !r.ended.Load() {
			if err := r.upstream.Interrupt(r.tasksCtx); err != nil && !errors.Is(err, realtime.ErrClosed) {
				r.logger.Warn("upstream interrupt failed", "error", err)
			}
		}
		r.tracker.ClearCurrent()
		r.send(protocol.Status{Type: protocol.TypeInterrupting, Message: "Interrupting current response..."})
	case protocol.ClearSession:
		r.o.metrics.Inbound("clear_session")
		r.tracker.ClearCurrent()
		r.send(protocol.Status{Type: protocol.TypeSessionCleared, Message: "Session state cleared"})
	case protocol.EndSession:
		r.o.metrics.Inbound(m.Type)
		r.logger.Info("session ended by client")
		r.finish(session.StatusCompleted, true)
		return true, nil
	case protocol.TranscriptRequest:
		r.o.metrics.Inbound(m.Type)
		if t := r.c.Flavor.Messages().CurrentTranscript; t != "" {
			r.send(protocol.CurrentTranscript{Type: t, Transcript: r.assembler.Render(), Length: r.assembler.Len()})
		}
	case protocol.InfoRequest:
		r.o.metrics.Inbound(m.Type)
		if t := r.c.Flavor.Messages().Info; t != "" {
			r.send(r.info(t))
		}
	case protocol.Invalid:
		r.o.metrics.Inbound("invalid")
		if m.Err == nil {
			return false, nil
		}
		if m.Err.Code == protocol.CodeUnsupported {
			r.logger.Debug("ignoring unsupported message", "type", m.Err.Param)
			return false, nil
		}
		r.send(protocol.NewError(m.Err.Code, m.Err.Message))
	default:
		return false, fmt.Errorf("unhandled message %T", msg)
	}
	return false, nil
}

// forwardAudio drops audio silently unless the upstream stream is live.
func (r *run) forwardAudio(pcm []byte) {
	if len(pcm) == 0 || r.upstream == nil || r.ended.Load() {
		return
	}
	if err := r.upstream.SendAudio(r.tasksCtx, pcm); err != nil {
		if errors.Is(err, realtime.ErrClosed) {
			return
		}
		r.logger.Warn("forward audio failed", "error", err)
		r.send(protocol.NewError(protocol.CodeUpstream, "Session error: "+err.Error()))
	}
}

func (r *run) info(msgType string) protocol.SessionInfo {
	status := session.StatusInProgress
	if r.ended.Load() {
		status = session.StatusCompleted
	}
	voice := r.c.Persona.Voice
	if voice == "" {
		voice = r.o.cfg.DefaultVoice
	}
	return protocol.SessionInfo{
		Type:           msgType,
		SessionID:      r.c.SessionID,
		BotName:        r.c.Persona.Name,
		Scenario:       r.c.Persona.Description,
		Voice:          voice,
		StartedAt:      r.startedAt,
		ElapsedSeconds: r.elapsedSeconds(),
		CreditsUsed:    r.charged.Load(),
		Status:         string(status),
	}
}

func (r *run) safeHandleEvent(ev realtime.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic handling upstream event", "panic", rec, "stack", string(debug.Stack()))
			r.send(protocol.NewError(protocol.CodeInternal, fmt.Sprintf("Error processing event: %v", rec)))
		}
	}()
	r.handleEvent(ev)
}

func (r *run) handleEvent(ev realtime.Event) {
	switch e := ev.(type) {
	case realtime.AgentStart:
		r.send(protocol.AgentEvent{Type: protocol.TypeAgentStart, AgentName: e.AgentName})
	case realtime.AgentEnd:
		r.send(protocol.AgentEvent{Type: protocol.TypeAgentEnd, AgentName: e.AgentName})
	case realtime.ToolStart:
		r.send(protocol.ToolEvent{Type: protocol.TypeToolStart, ToolName: e.ToolName})
	case realtime.ToolEnd:
		r.send(protocol.ToolEvent{Type: protocol.TypeToolEnd, ToolName: e.ToolName, Output: e.Output})
	case realtime.Audio:
		delivered := r.send(protocol.Audio{
			Type:         protocol.TypeAudio,
			Audio:        base64.StdEncoding.EncodeToString(e.Data),
			ItemID:       e.ItemID,
			ContentIndex: e.ContentIndex,
			SampleRate:   protocol.SampleRate,
			Channels:     protocol.Channels,
		})
		if delivered {
			if err := r.tracker.OnPlayedBytes(e.ItemID, e.ContentIndex, len(e.Data)); err != nil {
				r.logger.Warn("playback tracking failed", "error", err, "item_id", e.ItemID)
			}
		}
	case realtime.AudioEnd:
		// Chunks delivered after the provider saw the end re-marked the item.
		r.tracker.Finish(e.ItemID)
		r.send(protocol.Status{Type: protocol.TypeAudioEnd})
	case realtime.AudioInterrupted:
		r.tracker.ClearCurrent()
		r.send(protocol.Status{Type: protocol.TypeAudioInterrupted})
	case realtime.Error:
		r.o.metrics.ProviderError(r.o.provider.Name(), e.Code)
		r.logger.Warn("upstream error", "code", e.Code, "message", e.Message, "retryable", e.Retryable)
		msg := protocol.NewError(protocol.CodeUpstream, "Session error: "+e.Message)
		msg.Retryable = e.Retryable
		r.send(msg)
	case realtime.HistoryUpdated:
		r.assembler.Ingest(e.Items)
		if t := r.c.Flavor.Messages().TranscriptUpdate; t != "" {
			r.send(protocol.TranscriptUpdate{
				Type:             t,
				BotName:          r.c.Persona.Name,
				TranscriptLength: r.assembler.Len(),
				LatestEntries:    toLines(r.assembler.Latest(r.o.cfg.LatestEntries)),
			})
		}
	case realtime.Raw:
		r.logger.Debug("upstream event", "type", e.Type, "payload", preview(e.Payload))
	default:
		r.logger.Debug("unhandled upstream event", "event", fmt.Sprintf("%T", ev))
	}
}

func toLines(entries []transcript.Entry) []protocol.TranscriptLine {
	lines := make([]protocol.TranscriptLine, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, protocol.TranscriptLine{
			ItemID:    e.ItemID,
			Role:      string(e.Role),
			Speaker:   e.Speaker,
			Text:      e.Text,
			Timestamp: e.At,
		})
	}
	return lines
}

func (r *run) elapsedSeconds() int64 {
	d := r.o.now().Sub(r.startedAt)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

// stopTasks cancels background work, waits for it and drops the upstream.
func (r *run) stopTasks() {
	r.cancelTasks()
	r.wg.Wait()
	select {
	case res := <-r.startCh:
		if res.sess != nil {
			_ = res.sess.Close()
		}
	default:
	}
	if r.upstream != nil {
		if err := r.upstream.Close(); err != nil {
			r.logger.Warn("closing upstream failed", "error", err)
		}
		r.upstream = nil
	}
	r.events = nil
}

// endWithoutRecord tears down a session that never became active.
func (r *run) endWithoutRecord(reason string) {
	if !r.ended.CompareAndSwap(false, true) {
		return
	}
	r.stopTasks()
	r.o.metrics.SessionEnded(reason, r.o.now().Sub(r.startedAt))
}

// finish runs the termination sequence once; later calls are no-ops.
// Explicit ends tell the client the session is complete.
func (r *run) finish(status session.Status, explicit bool) {
	if !r.ended.CompareAndSwap(false, true) {
		return
	}
	r.stopTasks()

	duration := r.o.now().Sub(r.startedAt)
	if duration < 0 {
		duration = 0
	}
	credits := r.charged.Load()
	r.persist(status, duration, credits)
	r.o.metrics.SessionEnded(string(status), duration)
	r.logger.Info("realtime session ended",
		"status", status,
		"duration_seconds", int64(duration/time.Second),
		"credits_charged", credits,
		"entries", r.assembler.Len(),
	)

	if !explicit {
		return
	}
	if t := r.c.Flavor.Messages().Complete; t != "" {
		r.send(protocol.SessionComplete{
			Type:        t,
			SessionID:   r.c.SessionID,
			Duration:    int64(duration / time.Second),
			CreditsUsed: credits,
			Status:      string(status),
			Message:     "Session completed",
		})
	}
}

// persist is best-effort: failures are logged and teardown continues.
func (r *run) persist(status session.Status, duration time.Duration, credits int64) {
	if !r.c.Flavor.Persisted() || r.c.SessionID == "" || r.o.store == nil {
		return
	}
	if status == session.StatusDisconnected && r.assembler.Len() == 0 {
		return
	}
	text := r.assembler.Render()
	if r.o.cfg.RedactPII {
		text, _ = policy.RedactTranscript(text)
	}
	completedAt := r.o.now()
	ctx, cancel := context.WithTimeout(context.Background(), r.o.cfg.PersistenceTimeout)
	defer cancel()
	err := r.o.store.Finalize(ctx, r.c.SessionID, session.Finalization{
		Status:          status,
		Transcript:      text,
		DurationSeconds: int64(duration / time.Second),
		CreditsCharged:  credits,
		CompletedAt:     completedAt,
	})
	switch {
	case err == nil:
	case errors.Is(err, session.ErrAlreadyFinal):
		r.logger.Info("session record already final")
	default:
		r.logger.Error("persist session failed", "error", err)
		r.o.metrics.SessionEvent("persist_failed")
	}
}

func (r *run) send(msg protocol.ServerMessage) bool {
	return r.o.send(r.outbound, msg)
}
