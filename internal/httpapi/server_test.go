package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/prepai/internal/auth"
	"github.com/ent0n29/prepai/internal/config"
	"github.com/ent0n29/prepai/internal/ledger"
	"github.com/ent0n29/prepai/internal/observability"
	"github.com/ent0n29/prepai/internal/persona"
	"github.com/ent0n29/prepai/internal/realtime"
	"github.com/ent0n29/prepai/internal/session"
	"github.com/ent0n29/prepai/internal/voice"
)

type testEnv struct {
	ts      *httptest.Server
	credits *ledger.InMemory
	records *session.InMemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		AuthMode:                 "header",
		AuthHeader:               "X-User-ID",
		DefaultVoice:             "alloy",
	}
	personas := persona.NewInMemoryStore(
		persona.Config{ID: "negotiator", Kind: persona.KindRoleplay, Name: "Dana", Description: "Salary negotiation",
			SystemPrompt: "Push back on every offer.", CreditsPerInterval: 5, Active: true, Public: true},
		persona.Config{ID: "private-bot", OwnerID: "someone-else", Kind: persona.KindInterview, Name: "Priv",
			SystemPrompt: "Interview.", Active: true},
	)
	credits := ledger.NewInMemory()
	records := session.NewInMemoryStore()
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	metrics := observability.NewMetrics("test_httpapi", prometheus.NewRegistry())
	orch := voice.NewOrchestrator(realtime.NewMockProvider(), nil, credits, records, sessions, metrics, nil,
		voice.Config{MeteringInterval: time.Hour})

	srv := New(cfg, Deps{
		Auth:         auth.HeaderAuthenticator{Header: cfg.AuthHeader},
		Personas:     personas,
		Records:      records,
		Credits:      credits,
		Sessions:     sessions,
		Orchestrator: orch,
		Metrics:      metrics,
		ProviderName: "mock",
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, credits: credits, records: records}
}

func (e *testEnv) do(t *testing.T, method, path, userID string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func (e *testEnv) createSession(t *testing.T, userID, botID string) session.CreateResponse {
	t.Helper()
	res := e.do(t, http.MethodPost, "/v1/sessions", userID, session.CreateRequest{BotID: botID})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created session.CreateResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return created
}

func (e *testEnv) dial(t *testing.T, path, userID string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if userID != "" {
		header.Set("X-User-ID", userID)
	}
	return websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.ts.URL, "http")+path, header)
}

func readUntil(t *testing.T, conn *websocket.Conn, msgType string) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %q: read error = %v", msgType, err)
		}
		if msg["type"] == msgType {
			return msg
		}
	}
}

func TestCreateSessionRequiresAuthAndCredits(t *testing.T) {
	env := newTestEnv(t)

	if res := env.do(t, http.MethodPost, "/v1/sessions", "", session.CreateRequest{BotID: "negotiator"}); res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
	if res := env.do(t, http.MethodPost, "/v1/sessions", "u-1", session.CreateRequest{}); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing bot_id status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	if res := env.do(t, http.MethodPost, "/v1/sessions", "u-1", session.CreateRequest{BotID: "private-bot"}); res.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign private bot status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}

	res := env.do(t, http.MethodPost, "/v1/sessions", "u-1", session.CreateRequest{BotID: "negotiator"})
	if res.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("no credits status = %d, want %d", res.StatusCode, http.StatusPaymentRequired)
	}
	var body errorResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if body.Code != "insufficient_credits" {
		t.Fatalf("code = %q, want insufficient_credits", body.Code)
	}

	if _, err := env.credits.Grant(context.Background(), "u-1", 50); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	created := env.createSession(t, "u-1", "negotiator")
	if created.Flavor != "roleplay" || created.WSPath != "/ws/roleplay/"+created.SessionID || created.Status != session.StatusInProgress {
		t.Fatalf("created = %+v", created)
	}

	if res := env.do(t, http.MethodGet, "/v1/sessions/"+created.SessionID, "u-2", nil); res.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign get status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
	if res := env.do(t, http.MethodGet, "/v1/sessions/"+created.SessionID, "u-1", nil); res.StatusCode != http.StatusOK {
		t.Fatalf("owner get status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	res = env.do(t, http.MethodGet, "/v1/credits", "u-1", nil)
	var credits map[string]any
	if err := json.NewDecoder(res.Body).Decode(&credits); err != nil {
		t.Fatalf("decode credits: %v", err)
	}
	if credits["balance"] != float64(50) {
		t.Fatalf("balance = %v, want 50", credits["balance"])
	}
}

func TestRoleplayWebsocketLifecycle(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.credits.Grant(context.Background(), "u-1", 50); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	created := env.createSession(t, "u-1", "negotiator")

	conn, _, err := env.dial(t, created.WSPath, "u-1")
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	start := readUntil(t, conn, "roleplay_start")
	if start["bot_name"] != "Dana" {
		t.Fatalf("roleplay_start = %+v", start)
	}
	readUntil(t, conn, "session_ready")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{not json`)); err != nil {
		t.Fatalf("write error = %v", err)
	}
	bad := readUntil(t, conn, "error")
	if bad["code"] != "bad_request" {
		t.Fatalf("error event = %+v", bad)
	}

	pcm := make([]byte, 960)
	for i := 0; i < 8; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
			t.Fatalf("write audio error = %v", err)
		}
	}
	readUntil(t, conn, "agent_start")
	audio := readUntil(t, conn, "audio")
	if audio["sample_rate"] != float64(24000) || audio["channels"] != float64(1) {
		t.Fatalf("audio = %+v", audio)
	}
	update := readUntil(t, conn, "roleplay_transcript_update")
	if update["transcript_length"] != float64(2) {
		t.Fatalf("transcript update = %+v", update)
	}

	if err := conn.WriteJSON(map[string]string{"type": "end_roleplay"}); err != nil {
		t.Fatalf("write end error = %v", err)
	}
	complete := readUntil(t, conn, "roleplay_complete")
	if complete["status"] != "completed" {
		t.Fatalf("roleplay_complete = %+v", complete)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("connection still open after roleplay_complete")
	}

	rec, err := env.records.Get(context.Background(), created.SessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Status != session.StatusCompleted || !strings.Contains(rec.Transcript, "I heard you.") {
		t.Fatalf("record = %+v", rec)
	}

	// A finished session cannot be reopened.
	_, res, err := env.dial(t, created.WSPath, "u-1")
	if err == nil || res == nil || res.StatusCode != http.StatusConflict {
		t.Fatalf("redial err = %v, want handshake refused with 409", err)
	}
}

func TestWebsocketRefusesSecondConnectionToLiveSession(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.credits.Grant(context.Background(), "u-1", 50); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	created := env.createSession(t, "u-1", "negotiator")

	conn, _, err := env.dial(t, created.WSPath, "u-1")
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()
	readUntil(t, conn, "session_ready")

	_, res, err := env.dial(t, created.WSPath, "u-1")
	if err == nil || res == nil || res.StatusCode != http.StatusConflict {
		t.Fatalf("second dial err = %v, want handshake refused with 409", err)
	}

	if err := conn.WriteJSON(map[string]string{"type": "end_roleplay"}); err != nil {
		t.Fatalf("write end error = %v", err)
	}
	if complete := readUntil(t, conn, "roleplay_complete"); complete["status"] != "completed" {
		t.Fatalf("roleplay_complete = %+v", complete)
	}
}

func TestWebsocketRefusesForeignOrMismatchedSessions(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.credits.Grant(context.Background(), "u-1", 50); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	created := env.createSession(t, "u-1", "negotiator")

	cases := []struct {
		name   string
		path   string
		userID string
		status int
	}{
		{name: "unauthenticated", path: created.WSPath, status: http.StatusUnauthorized},
		{name: "other user", path: created.WSPath, userID: "u-2", status: http.StatusNotFound},
		{name: "wrong flavor", path: "/ws/interview/" + created.SessionID, userID: "u-1", status: http.StatusNotFound},
		{name: "unknown session", path: "/ws/roleplay/nope", userID: "u-1", status: http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, res, err := env.dial(t, tc.path, tc.userID)
			if err == nil {
				t.Fatalf("dial succeeded, want refusal")
			}
			if res == nil || res.StatusCode != tc.status {
				t.Fatalf("handshake response = %v, want status %d", res, tc.status)
			}
		})
	}
}

func TestVoiceAgentWebsocket(t *testing.T) {
	env := newTestEnv(t)
	conn, _, err := env.dial(t, "/ws/voice-agent", "u-9")
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	ready := readUntil(t, conn, "session_ready")
	if ready["message"] != "Voice agent connected and ready" {
		t.Fatalf("session_ready = %+v", ready)
	}
	if err := conn.WriteJSON(map[string]string{"type": "start_recording"}); err != nil {
		t.Fatalf("write error = %v", err)
	}
	ack := readUntil(t, conn, "recording_started")
	if ack["message"] != "Voice agent is ready. You can start speaking." {
		t.Fatalf("recording_started = %+v", ack)
	}
	if err := conn.WriteJSON(map[string]string{"type": "audio_data", "audio": "AAAA", "format": "wav"}); err != nil {
		t.Fatalf("write error = %v", err)
	}
	invalid := readUntil(t, conn, "error")
	if invalid["code"] != "invalid_audio_format" {
		t.Fatalf("error event = %+v", invalid)
	}
}

func TestStatusAndVoices(t *testing.T) {
	env := newTestEnv(t)

	res := env.do(t, http.MethodGet, "/v1/status", "", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var status statusResponse
	if err := json.NewDecoder(res.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.RealtimeProvider != "mock" || status.StoreMode != "in-memory" || len(status.Checks) == 0 {
		t.Fatalf("status = %+v", status)
	}

	res = env.do(t, http.MethodGet, "/v1/voices", "", nil)
	var voices listVoicesResponse
	if err := json.NewDecoder(res.Body).Decode(&voices); err != nil {
		t.Fatalf("decode voices: %v", err)
	}
	if voices.DefaultVoiceID != "alloy" || len(voices.Voices) != len(realtime.OpenAIVoices) {
		t.Fatalf("voices = %+v", voices)
	}
	if voices.Voices[0].Labels["tone"] == "" {
		t.Fatalf("voice labels = %+v", voices.Voices[0])
	}

	if res := env.do(t, http.MethodGet, "/readyz", "", nil); res.StatusCode != http.StatusOK {
		t.Fatalf("readyz status = %d, want %d", res.StatusCode, http.StatusOK)
	}
}
