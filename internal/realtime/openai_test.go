package realtime

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/prepai/internal/playback"
	"github.com/gorilla/websocket"
)

type fakeUpstream struct {
	srv      *httptest.Server
	received chan map[string]any
}

// newFakeUpstream serves one realtime connection, recording every client
// frame and writing the scripted server frames after session.update.
func newFakeUpstream(t *testing.T, script func(conn *websocket.Conn)) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{received: make(chan map[string]any, 64)}
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var first map[string]any
		if err := conn.ReadJSON(&first); err != nil {
			return
		}
		f.received <- first
		go func() {
			for {
				var msg map[string]any
				if err := conn.ReadJSON(&msg); err != nil {
					return
				}
				f.received <- msg
			}
		}()
		if script != nil {
			script(conn)
		}
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		f.srv.Close()
	})
	return f
}

func (f *fakeUpstream) provider(apiKey string) *OpenAIProvider {
	return NewOpenAIProvider(OpenAIConfig{
		APIKey:           apiKey,
		URL:              "ws" + strings.TrimPrefix(f.srv.URL, "http"),
		Model:            "test-model",
		HandshakeTimeout: time.Second,
	})
}

func (f *fakeUpstream) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case msg := <-f.received:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for client frame")
		return nil
	}
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatalf("events channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return nil
	}
}

// nextNonRaw skips diagnostics.
func nextNonRaw(t *testing.T, events <-chan Event) Event {
	t.Helper()
	for {
		ev := nextEvent(t, events)
		if _, raw := ev.(Raw); !raw {
			return ev
		}
	}
}

func TestOpenAISessionUpdateCarriesSettings(t *testing.T) {
	up := newFakeUpstream(t, nil)
	sess, err := up.provider("sk-test").Connect(context.Background(), Settings{
		AgentName:     "Dana",
		Instructions:  "be brief",
		Voice:         "verse",
		Transcription: true,
		Tools:         []Tool{WeatherTool()},
	})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer sess.Close()

	update := up.next(t)
	if update["type"] != "session.update" {
		t.Fatalf("first frame type = %v, want session.update", update["type"])
	}
	session := update["session"].(map[string]any)
	if session["instructions"] != "be brief" || session["voice"] != "verse" {
		t.Fatalf("unexpected session config: %+v", session)
	}
	td := session["turn_detection"].(map[string]any)
	if td["type"] != "semantic_vad" || td["interrupt_response"] != true || td["create_response"] != true {
		t.Fatalf("turn_detection = %+v", td)
	}
	if _, ok := session["input_audio_transcription"]; !ok {
		t.Fatalf("input_audio_transcription missing")
	}
	tools := session["tools"].([]any)
	if len(tools) != 1 || tools[0].(map[string]any)["name"] != "get_weather" {
		t.Fatalf("tools = %+v", tools)
	}

	if err := sess.SendAudio(context.Background(), []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}
	appendMsg := up.next(t)
	if appendMsg["type"] != "input_audio_buffer.append" || appendMsg["audio"] != base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4}) {
		t.Fatalf("append frame = %+v", appendMsg)
	}
}

func TestOpenAIEventMapping(t *testing.T) {
	audio := base64.StdEncoding.EncodeToString([]byte{9, 9})
	up := newFakeUpstream(t, func(conn *websocket.Conn) {
		frames := []string{
			`{"type":"session.created"}`,
			`{"type":"response.created"}`,
			`{"type":"conversation.item.created","item":{"id":"a1","type":"message","role":"assistant","status":"in_progress","content":[]}}`,
			`{"type":"response.audio.delta","item_id":"a1","content_index":0,"delta":"` + audio + `"}`,
			`{"type":"response.audio_transcript.delta","item_id":"a1","delta":"Hello"}`,
			`{"type":"response.audio.done","item_id":"a1"}`,
			`{"type":"response.output_item.done","item":{"id":"a1","type":"message","role":"assistant","status":"completed","content":[{"type":"audio","transcript":"Hello there"}]}}`,
			`{"type":"response.done"}`,
			`{"type":"error","error":{"type":"invalid_request_error","code":"bad_thing","message":"nope"}}`,
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
	})
	sess, err := up.provider("sk-test").Connect(context.Background(), Settings{AgentName: "Dana"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer sess.Close()

	if ev, ok := nextNonRaw(t, sess.Events()).(AgentStart); !ok || ev.AgentName != "Dana" {
		t.Fatalf("event = %#v, want AgentStart{Dana}", ev)
	}
	if _, ok := nextNonRaw(t, sess.Events()).(HistoryUpdated); !ok {
		t.Fatalf("want HistoryUpdated for created item")
	}
	got := nextNonRaw(t, sess.Events())
	chunk, ok := got.(Audio)
	if !ok || chunk.ItemID != "a1" || string(chunk.Data) != string([]byte{9, 9}) {
		t.Fatalf("event = %#v, want Audio for a1", got)
	}
	if ev, ok := nextNonRaw(t, sess.Events()).(AudioEnd); !ok || ev.ItemID != "a1" {
		t.Fatalf("event = %#v, want AudioEnd", ev)
	}
	got = nextNonRaw(t, sess.Events())
	hist, ok := got.(HistoryUpdated)
	if !ok || len(hist.Items) != 1 {
		t.Fatalf("event = %#v, want HistoryUpdated with one item", got)
	}
	if hist.Items[0].Text() != "Hello there" || hist.Items[0].Status != "completed" {
		t.Fatalf("item = %+v, want completed Hello there", hist.Items[0])
	}
	if _, ok := nextNonRaw(t, sess.Events()).(AgentEnd); !ok {
		t.Fatalf("want AgentEnd")
	}
	got = nextNonRaw(t, sess.Events())
	if ev, ok := got.(Error); !ok || ev.Code != "bad_thing" || ev.Message != "nope" || ev.Retryable {
		t.Fatalf("event = %#v, want Error bad_thing", got)
	}
}

func TestOpenAIInterruptTruncatesAtPlayedPosition(t *testing.T) {
	up := newFakeUpstream(t, nil)
	tracker := playback.NewTracker(playback.DefaultSampleRate)
	// 250ms of pcm16 at 24kHz.
	if err := tracker.OnPlayedBytes("a7", 0, 12000); err != nil {
		t.Fatalf("OnPlayedBytes() error = %v", err)
	}
	sess, err := up.provider("sk-test").Connect(context.Background(), Settings{Playback: tracker})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer sess.Close()
	up.next(t) // session.update

	if err := sess.Interrupt(context.Background()); err != nil {
		t.Fatalf("Interrupt() error = %v", err)
	}
	if msg := up.next(t); msg["type"] != "response.cancel" {
		t.Fatalf("frame = %+v, want response.cancel", msg)
	}
	msg := up.next(t)
	if msg["type"] != "conversation.item.truncate" || msg["item_id"] != "a7" {
		t.Fatalf("frame = %+v, want truncate of a7", msg)
	}
	if msg["audio_end_ms"].(float64) != 250 {
		t.Fatalf("audio_end_ms = %v, want 250", msg["audio_end_ms"])
	}
	if _, _, ok := tracker.Current(); ok {
		t.Fatalf("tracker current should be cleared after truncate")
	}
}

func TestOpenAISpeechAfterCompletedAudioIsNotAnInterruption(t *testing.T) {
	up := newFakeUpstream(t, func(conn *websocket.Conn) {
		frames := []string{
			`{"type":"response.audio.done","item_id":"a7"}`,
			`{"type":"response.done"}`,
			`{"type":"input_audio_buffer.speech_started"}`,
			`{"type":"error","error":{"code":"marker","message":"end of script"}}`,
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
	})
	tracker := playback.NewTracker(playback.DefaultSampleRate)
	if err := tracker.OnPlayedBytes("a7", 0, 12000); err != nil {
		t.Fatalf("OnPlayedBytes() error = %v", err)
	}
	sess, err := up.provider("sk-test").Connect(context.Background(), Settings{Playback: tracker})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer sess.Close()
	up.next(t) // session.update

	if ev, ok := nextNonRaw(t, sess.Events()).(AudioEnd); !ok || ev.ItemID != "a7" {
		t.Fatalf("event = %#v, want AudioEnd for a7", ev)
	}
	if _, ok := nextNonRaw(t, sess.Events()).(AgentEnd); !ok {
		t.Fatalf("want AgentEnd")
	}
	got := nextNonRaw(t, sess.Events())
	if ev, ok := got.(Error); !ok || ev.Code != "marker" {
		t.Fatalf("event = %#v, want the scripted error and no AudioInterrupted", got)
	}
	select {
	case msg := <-up.received:
		t.Fatalf("unexpected client frame %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
	if got := tracker.PlayedMS("a7", 0); got != 250 {
		t.Fatalf("PlayedMS() = %d, want 250", got)
	}
}

func TestOpenAIRunsToolCalls(t *testing.T) {
	up := newFakeUpstream(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(
			`{"type":"response.output_item.done","item":{"id":"fc1","type":"function_call","call_id":"call_1","name":"get_weather","arguments":"{\"city\":\"Rome\"}"}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.done"}`))
	})
	sess, err := up.provider("sk-test").Connect(context.Background(), Settings{Tools: []Tool{WeatherTool()}})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer sess.Close()
	up.next(t) // session.update

	if ev, ok := nextNonRaw(t, sess.Events()).(ToolStart); !ok || ev.ToolName != "get_weather" {
		t.Fatalf("event = %#v, want ToolStart", ev)
	}
	got := nextNonRaw(t, sess.Events())
	if ev, ok := got.(ToolEnd); !ok || ev.Output != "The weather in Rome is sunny." {
		t.Fatalf("event = %#v, want ToolEnd with weather", got)
	}

	output := up.next(t)
	item := output["item"].(map[string]any)
	if output["type"] != "conversation.item.create" || item["call_id"] != "call_1" || item["output"] != "The weather in Rome is sunny." {
		t.Fatalf("frame = %+v, want function_call_output", output)
	}
	if msg := up.next(t); msg["type"] != "response.create" {
		t.Fatalf("frame = %+v, want response.create", msg)
	}
}

func TestOpenAIDialErrorCarriesStatus(t *testing.T) {
	up := newFakeUpstream(t, nil)
	_, err := up.provider("wrong-key").Connect(context.Background(), Settings{})
	var dialErr *DialError
	if !errors.As(err, &dialErr) {
		t.Fatalf("Connect() error = %v, want *DialError", err)
	}
	if dialErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("StatusCode = %d, want %d", dialErr.StatusCode, http.StatusUnauthorized)
	}
}

func TestOpenAICloseEndsEvents(t *testing.T) {
	up := newFakeUpstream(t, nil)
	sess, err := up.provider("sk-test").Connect(context.Background(), Settings{})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	_ = sess.Close()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sess.Events():
			if !ok {
				if err := sess.SendAudio(context.Background(), []byte{1}); !errors.Is(err, ErrClosed) {
					t.Fatalf("SendAudio() after close error = %v, want %v", err, ErrClosed)
				}
				return
			}
		case <-deadline:
			t.Fatalf("events channel not closed after Close()")
		}
	}
}
