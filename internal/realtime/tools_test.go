package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/prepai/internal/transcript"
)

func TestRegistrySelect(t *testing.T) {
	r := DefaultRegistry(nil)
	got := r.Select([]string{"current_time", "nope", " get_weather "})
	if len(got) != 2 || got[0].Name != "current_time" || got[1].Name != "get_weather" {
		t.Fatalf("Select() = %+v", got)
	}
	if names := r.Names(); len(names) != 2 || names[0] != "get_weather" {
		t.Fatalf("Names() = %v", names)
	}
}

func TestCallTool(t *testing.T) {
	fixed := time.Date(2025, 3, 4, 9, 30, 0, 0, time.UTC)
	tools := DefaultRegistry(func() time.Time { return fixed }).Select([]string{"get_weather", "current_time"})

	if out := callTool(context.Background(), tools, "get_weather", json.RawMessage(`{"city":"Lisbon"}`)); out != "The weather in Lisbon is sunny." {
		t.Fatalf("get_weather = %q", out)
	}
	if out := callTool(context.Background(), tools, "current_time", nil); out != "Tuesday, 4 March 2025 09:30 UTC" {
		t.Fatalf("current_time = %q", out)
	}
	if out := callTool(context.Background(), tools, "get_weather", json.RawMessage(`{}`)); !strings.HasPrefix(out, "error:") {
		t.Fatalf("get_weather without city = %q, want error output", out)
	}
	if out := callTool(context.Background(), tools, "launch_rockets", nil); !strings.Contains(out, "unknown tool") {
		t.Fatalf("unknown tool = %q", out)
	}
}

func TestToolJSONSchema(t *testing.T) {
	schema := WeatherTool().JSONSchema()
	if schema["type"] != "object" {
		t.Fatalf("type = %v, want object", schema["type"])
	}
	required := schema["required"].([]string)
	if len(required) != 1 || required[0] != "city" {
		t.Fatalf("required = %v, want [city]", required)
	}
}

func TestHistoryBookAccumulatesAndReplaces(t *testing.T) {
	h := newHistoryBook()
	h.appendTranscript("a1", transcript.RoleAgent, "Hel")
	h.appendTranscript("a1", transcript.RoleAgent, "lo")
	h.upsert(transcript.Item{ID: "u1", Role: transcript.RoleUser, Status: transcript.StatusCompleted})
	h.upsert(transcript.Item{ID: "a1", Status: transcript.StatusCompleted})

	snap := h.snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot len = %d, want 2", len(snap))
	}
	if snap[0].ID != "a1" || snap[0].Text() != "Hello" || snap[0].Status != transcript.StatusCompleted || snap[0].Role != transcript.RoleAgent {
		t.Fatalf("a1 = %+v", snap[0])
	}
	snap[0].Content[0].Transcript = "mutated"
	if h.text("a1") != "Hello" {
		t.Fatalf("snapshot aliases history content")
	}
}

func TestMockProviderAnswersEveryEighthChunk(t *testing.T) {
	sess, err := NewMockProvider().Connect(context.Background(), Settings{AgentName: "Mock"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	for i := 0; i < mockChunksPerTurn; i++ {
		if err := sess.SendAudio(context.Background(), []byte{0, 0}); err != nil {
			t.Fatalf("SendAudio() error = %v", err)
		}
	}
	if _, ok := nextEvent(t, sess.Events()).(AgentStart); !ok {
		t.Fatalf("want AgentStart")
	}
	if _, ok := nextEvent(t, sess.Events()).(Audio); !ok {
		t.Fatalf("want Audio")
	}
	_ = sess.Close()
	_ = sess.Close()
	if err := sess.SendAudio(context.Background(), []byte{1}); err != ErrClosed {
		t.Fatalf("SendAudio() after close = %v, want %v", err, ErrClosed)
	}
}
