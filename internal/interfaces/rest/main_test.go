package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pot-code/lesson-gate/internal/catalog"
	infra "github.com/pot-code/lesson-gate/internal/infrastructure"
	"github.com/pot-code/lesson-gate/internal/infrastructure/auth"
	"github.com/pot-code/lesson-gate/internal/infrastructure/driver"
	"github.com/pot-code/lesson-gate/internal/interfaces/rest/handler"
	"github.com/pot-code/lesson-gate/internal/interfaces/rest/middleware"
	"github.com/pot-code/lesson-gate/internal/progress"
	"github.com/pot-code/lesson-gate/internal/progression"
	"go.uber.org/zap"
)

const restCatalog = `
courses:
  - id: course
    title: Course
    lessons:
      - id: a
      - id: b
        prerequisites: [a]
      - id: c
        quiz: {id: qc, passing_score: 60}
      - id: e
      - id: d
        prerequisites: [a, b]
`

type testServer struct {
	app   *echo.Echo
	kv    *driver.MemoryKV
	token string
}

func newTestServer(t *testing.T, env string) *testServer {
	t.Helper()
	repo, err := catalog.ParseCatalog([]byte(restCatalog))
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}
	uc := catalog.NewCatalogUseCase(repo)
	kv, err := driver.NewMemoryKV()
	if err != nil {
		t.Fatalf("NewMemoryKV: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	registry := progression.NewRegistry(uc, progress.NewProgressKV(kv, uc), progression.Options{})
	t.Cleanup(func() { registry.Close(context.Background()) })

	cfg := new(infra.AppConfig)
	cfg.Env = env
	cfg.RequestTimeout = 5 * time.Second
	cfg.Security.JWTMethod = "HS256"
	cfg.Security.JWTSecret = "test-secret"
	cfg.Security.TokenName = "lg_token"
	cfg.Security.TokenTimeout = time.Hour
	cfg.Security.IDLength = 21

	token, err := auth.NewJWTUtil("HS256", "test-secret", "lg_token", time.Hour).IssueToken("learner-1", "learner@example.com", "Learner")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	app := NewApp(&Dependencies{KV: kv, Registry: registry, Config: cfg, Logger: zap.NewNop()})
	return &testServer{app: app, kv: kv, token: token}
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.AddCookie(&http.Cookie{Name: "lg_token", Value: ts.token})
	rec := httptest.NewRecorder()
	ts.app.ServeHTTP(rec, req)
	return rec
}

func decodeSnapshot(t *testing.T, rec *httptest.ResponseRecorder) *progression.Snapshot {
	t.Helper()
	snapshot := new(progression.Snapshot)
	if err := json.Unmarshal(rec.Body.Bytes(), snapshot); err != nil {
		t.Fatalf("decode snapshot: %v, body %s", err, rec.Body.String())
	}
	return snapshot
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, infra.EnvProduction)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/courses/course/lessons", nil)
	rec := httptest.NewRecorder()
	ts.app.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	ts.kv.SetEX(context.Background(), middleware.RevokedTokenPrefix+ts.token, "1", time.Minute)
	if rec := ts.do(http.MethodGet, "/api/v1/courses/course/lessons", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("revoked token status = %d, want 401", rec.Code)
	}
}

func TestLessonFlow(t *testing.T) {
	ts := newTestServer(t, infra.EnvProduction)

	rec := ts.do(http.MethodGet, "/api/v1/courses/course/lessons", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d: %s", rec.Code, rec.Body.String())
	}
	snapshot := decodeSnapshot(t, rec)
	if len(snapshot.Lessons) != 5 || !snapshot.Lessons[1].Locked || snapshot.CurrentLesson != "a" {
		t.Fatalf("initial snapshot = %+v", snapshot)
	}

	rec = ts.do(http.MethodPost, "/api/v1/courses/course/navigate", `{"index": 4}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("navigate to locked status = %d, want 409", rec.Code)
	}

	rec = ts.do(http.MethodPost, "/api/v1/courses/course/lessons/a/complete", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("complete status = %d: %s", rec.Code, rec.Body.String())
	}
	snapshot = decodeSnapshot(t, rec)
	if snapshot.Lessons[1].Locked || !snapshot.CanAdvance {
		t.Fatalf("b should unlock after a: %+v", snapshot.Lessons[1])
	}

	rec = ts.do(http.MethodPost, "/api/v1/courses/course/navigate", `{"index": 1}`)
	if rec.Code != http.StatusOK || decodeSnapshot(t, rec).CurrentLesson != "b" {
		t.Fatalf("navigate status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(http.MethodGet, "/api/v1/courses/course/progress", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"completed_lessons":["a"]`) {
		t.Fatalf("progress = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestQuizOutcome(t *testing.T) {
	ts := newTestServer(t, infra.EnvProduction)
	ts.do(http.MethodPost, "/api/v1/courses/course/navigate", `{"index": 2}`)

	if rec := ts.do(http.MethodPost, "/api/v1/courses/course/lessons/c/quiz", `{"passed": true}`); rec.Code != http.StatusConflict {
		t.Fatalf("quiz before video status = %d, want 409", rec.Code)
	}
	ts.do(http.MethodPost, "/api/v1/courses/course/lessons/c/complete", "")

	if rec := ts.do(http.MethodPost, "/api/v1/courses/course/lessons/c/quiz", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty outcome status = %d, want 400", rec.Code)
	}
	if rec := ts.do(http.MethodPost, "/api/v1/courses/course/lessons/a/quiz", `{"passed": true}`); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("quiz on lesson without quiz status = %d, want 422", rec.Code)
	}

	rec := ts.do(http.MethodPost, "/api/v1/courses/course/lessons/c/quiz", `{"quiz_id": "qc", "score": 40}`)
	if rec.Code != http.StatusOK || decodeSnapshot(t, rec).CanAdvance {
		t.Fatalf("failed quiz = %d: %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(http.MethodPost, "/api/v1/courses/course/lessons/c/quiz", `{"quiz_id": "qc", "score": 60}`)
	if rec.Code != http.StatusOK || !decodeSnapshot(t, rec).CanAdvance {
		t.Fatalf("passed quiz = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPlaybackAlwaysAccepted(t *testing.T) {
	ts := newTestServer(t, infra.EnvProduction)

	if rec := ts.do(http.MethodPut, "/api/v1/courses/course/lessons/a/playback", `{"last_position": 12, "progress_percentage": 20, "playback_rate": 1}`); rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	// locked lesson, still accepted and ignored
	if rec := ts.do(http.MethodPut, "/api/v1/courses/course/lessons/d/playback", `{"last_position": 1}`); rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if rec := ts.do(http.MethodPut, "/api/v1/courses/course/lessons/a/playback", `{"progress_percentage": 150}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid percentage status = %d, want 400", rec.Code)
	}
}

func TestUnknownCourseRedirects(t *testing.T) {
	ts := newTestServer(t, infra.EnvProduction)

	rec := ts.do(http.MethodGet, "/api/v1/courses/missing/lessons", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	body := new(handler.RESTRedirectError)
	if err := json.Unmarshal(rec.Body.Bytes(), body); err != nil || body.Redirect != handler.BrowseRedirect {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestResetDevelopmentOnly(t *testing.T) {
	prod := newTestServer(t, infra.EnvProduction)
	if rec := prod.do(http.MethodDelete, "/api/v1/courses/course/progress", ""); rec.Code == http.StatusNoContent {
		t.Fatalf("reset must not be available in production")
	}

	dev := newTestServer(t, infra.EnvDevelopment)
	dev.do(http.MethodPost, "/api/v1/courses/course/lessons/a/complete", "")
	if rec := dev.do(http.MethodDelete, "/api/v1/courses/course/progress", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("reset status = %d, want 204", rec.Code)
	}
	snapshot := decodeSnapshot(t, dev.do(http.MethodGet, "/api/v1/courses/course/lessons", ""))
	if snapshot.Lessons[0].Completed {
		t.Fatalf("progress survived reset")
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, infra.EnvProduction)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	ts.app.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestSessionSocket(t *testing.T) {
	ts := newTestServer(t, infra.EnvProduction)
	srv := httptest.NewServer(ts.app)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws/courses/course"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer " + ts.token}})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	msg := new(handler.ServerMessage)
	if err := conn.ReadJSON(msg); err != nil || msg.Type != handler.MessageSnapshot {
		t.Fatalf("first message = %+v, %v", msg, err)
	}

	conn.WriteJSON(&handler.ClientMessage{Type: handler.MessageTimeUpdate, LessonID: "a", Percent: 90, Position: 54})
	msg = new(handler.ServerMessage)
	if err := conn.ReadJSON(msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if msg.Type != handler.MessageEvent || msg.Event.Type != progression.EventLessonCompleted {
		t.Fatalf("crossing the threshold should complete the lesson, got %+v", msg)
	}

	conn.WriteJSON(&handler.ClientMessage{Type: handler.MessageNavigate, Index: 4})
	msg = new(handler.ServerMessage)
	if err := conn.ReadJSON(msg); err != nil || msg.Type != handler.MessageRejected {
		t.Fatalf("navigate to locked lesson = %+v, %v", msg, err)
	}

	conn.WriteJSON(&handler.ClientMessage{Type: handler.MessageNext})
	msg = new(handler.ServerMessage)
	if err := conn.ReadJSON(msg); err != nil || msg.Event == nil || msg.Event.Type != progression.EventNavigated {
		t.Fatalf("next = %+v, %v", msg, err)
	}
	if msg.Event.Snapshot.CurrentLesson != "b" {
		t.Fatalf("current = %s, want b", msg.Event.Snapshot.CurrentLesson)
	}
}

func TestSessionSocketRejectsInvalidPlayback(t *testing.T) {
	ts := newTestServer(t, infra.EnvProduction)
	srv := httptest.NewServer(ts.app)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws/courses/course"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer " + ts.token}})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	msg := new(handler.ServerMessage)
	if err := conn.ReadJSON(msg); err != nil || msg.Type != handler.MessageSnapshot {
		t.Fatalf("first message = %+v, %v", msg, err)
	}

	conn.WriteJSON(&handler.ClientMessage{Type: handler.MessageTimeUpdate, LessonID: "a", Percent: 1000, Position: 54})
	msg = new(handler.ServerMessage)
	if err := conn.ReadJSON(msg); err != nil || msg.Type != handler.MessageRejected {
		t.Fatalf("out of range percentage = %+v, %v", msg, err)
	}

	rec := ts.do(http.MethodGet, "/api/v1/courses/course/lessons", "")
	if snapshot := decodeSnapshot(t, rec); snapshot.Lessons[0].Completed {
		t.Fatalf("invalid time update completed lesson a")
	}
}
