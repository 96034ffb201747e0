package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/duderayuh/EMSInsights-sub001/internal/audio"
	"github.com/duderayuh/EMSInsights-sub001/internal/config"
	"github.com/duderayuh/EMSInsights-sub001/internal/conversation"
	"github.com/duderayuh/EMSInsights-sub001/internal/incident"
	"github.com/duderayuh/EMSInsights-sub001/internal/pipeline"
	"github.com/duderayuh/EMSInsights-sub001/internal/signal"
)

func newTestAPI(t *testing.T) (*pipeline.Coordinator, http.Handler) {
	t.Helper()

	assembler, err := conversation.NewAssembler(conversation.Config{
		InactivityTimeout: 10 * time.Minute,
		MaxWindow:         10 * time.Minute,
	}, zerolog.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	detector, err := signal.NewDetector(signal.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	correlator, err := incident.NewCorrelator(incident.Config{
		LookBack:        time.Hour,
		AverageSpeedMPH: 40,
		HandlingMinutes: 2,
		CompletionDelay: 10 * time.Minute,
	}, nil, zerolog.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	coord, err := pipeline.New(assembler, detector, correlator, pipeline.Options{}, zerolog.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Transcription.APIKey = "secret"
	srv := NewHTTPServer(HTTPServerConfig{Port: 0}, HTTPDeps{Config: cfg, Pipeline: coord}, zerolog.Nop(), nil)
	return coord, srv.Routes()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndConfig(t *testing.T) {
	_, h := newTestAPI(t)

	if rec := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health: expected 200, got %d", rec.Code)
	}

	rec := do(t, h, http.MethodGet, "/config", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("config: expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret") {
		t.Error("config leaked the API key")
	}

	if rec := do(t, h, http.MethodGet, "/stats", ""); rec.Code != http.StatusOK {
		t.Errorf("stats: expected 200, got %d", rec.Code)
	}
}

func TestDispatchEndpoint(t *testing.T) {
	_, h := newTestAPI(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"created", `{"text":"Medic 12 chest pain","timestamp":"2026-03-14T10:00:00Z"}`, http.StatusCreated},
		{"no unit", `{"text":"caller reports smoke"}`, http.StatusAccepted},
		{"empty text", `{"text":""}`, http.StatusBadRequest},
		{"bad timestamp", `{"text":"Medic 3","timestamp":"10am"}`, http.StatusBadRequest},
		{"bad json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, h, http.MethodPost, "/api/v1/dispatch", tt.body); rec.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}

	rec := do(t, h, http.MethodGet, "/api/v1/incidents?status=DISPATCHED", "")
	var body struct {
		Total int `json:"total"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Total != 1 {
		t.Errorf("expected 1 dispatched incident, got %d", body.Total)
	}
}

func TestIncidentEndpoints(t *testing.T) {
	_, h := newTestAPI(t)
	do(t, h, http.MethodPost, "/api/v1/dispatch", `{"text":"Medic 12 chest pain","timestamp":"2026-03-14T10:00:00Z"}`)

	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{"get", http.MethodGet, "/api/v1/incidents/1", http.StatusOK},
		{"missing", http.MethodGet, "/api/v1/incidents/42", http.StatusNotFound},
		{"bad id", http.MethodGet, "/api/v1/incidents/abc", http.StatusBadRequest},
		{"at facility unlinked", http.MethodPost, "/api/v1/incidents/1/at-facility", http.StatusConflict},
		{"complete", http.MethodPost, "/api/v1/incidents/1/complete", http.StatusOK},
		{"complete again", http.MethodPost, "/api/v1/incidents/1/complete", http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, h, tt.method, tt.path, ""); rec.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestTranscriptAndConversationEndpoints(t *testing.T) {
	coord, h := newTestAPI(t)
	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	rec := do(t, h, http.MethodPost, "/api/v1/transcripts", `{"segmentId":"seg-1","text":"requesting orders","confidence":0.8}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for parked transcript, got %d", rec.Code)
	}

	coord.HandleSegment(context.Background(), &audio.Segment{ID: "seg-1", ChannelKey: "hospital-1", StartTime: start, EndTime: start.Add(5 * time.Second), Sequence: 1})
	coord.HandleSegment(context.Background(), &audio.Segment{ID: "seg-2", ChannelKey: "hospital-1", StartTime: start.Add(10 * time.Second), EndTime: start.Add(15 * time.Second), Sequence: 2})

	rec = do(t, h, http.MethodPost, "/api/v1/transcripts", `[{"segmentId":"seg-2","text":"this is Dr. Alvarez","confidence":0.9},{"segmentId":"seg-2","confidence":2}]`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for batch, got %d: %s", rec.Code, rec.Body.String())
	}
	var batch pipeline.BatchResult
	if err := json.NewDecoder(rec.Body).Decode(&batch); err != nil {
		t.Fatal(err)
	}
	if batch.Applied != 1 || batch.Failed != 1 {
		t.Errorf("unexpected batch result %+v", batch)
	}

	if rec := do(t, h, http.MethodPost, "/api/v1/transcripts", `{"segmentId":"","text":"x"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid transcript, got %d", rec.Code)
	}

	convs := coord.Conversations()
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs))
	}
	rec = do(t, h, http.MethodGet, "/api/v1/conversations/"+convs[0].ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got struct {
		Conversation conversation.Conversation `json:"conversation"`
		Signal       *signal.Result            `json:"signal"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Signal == nil || !got.Signal.IsRequested || got.Signal.PhysicianName != "Alvarez" {
		t.Errorf("unexpected signal %+v", got.Signal)
	}

	if rec := do(t, h, http.MethodGet, "/api/v1/conversations/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/conversations/"+convs[0].ID+"/complete", ""); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/conversations?status=OPEN", ""); !strings.Contains(rec.Body.String(), `"total":0`) {
		t.Errorf("expected no open conversations, got %s", rec.Body.String())
	}
}

func TestTranscriptBatchKeepsGoodItemsBesideMalformedOnes(t *testing.T) {
	coord, h := newTestAPI(t)
	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	coord.HandleSegment(context.Background(), &audio.Segment{ID: "seg-x", ChannelKey: "dispatch", StartTime: start, EndTime: start.Add(5 * time.Second), Sequence: 1})

	rec := do(t, h, http.MethodPost, "/api/v1/transcripts",
		`[{"segmentId":"seg-x","text":"Medic 4 en route","confidence":0.9},{"segmentId":"b","confidence":"high"},42]`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for partially valid batch, got %d: %s", rec.Code, rec.Body.String())
	}
	var batch pipeline.BatchResult
	if err := json.NewDecoder(rec.Body).Decode(&batch); err != nil {
		t.Fatal(err)
	}
	if batch.Applied != 1 || batch.Failed != 2 {
		t.Errorf("unexpected batch result %+v", batch)
	}
	if len(batch.Errors) != 2 || batch.Errors[0].Index != 1 || batch.Errors[0].SegmentID != "b" || batch.Errors[1].Index != 2 {
		t.Errorf("unexpected item errors %+v", batch.Errors)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/transcripts", `[{"segmentId":"c","confidence":"high"}]`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 when every item is malformed, got %d", rec.Code)
	}
}
