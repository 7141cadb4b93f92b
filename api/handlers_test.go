package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/amelbenhazem/task-ws-api/domain"
	"github.com/amelbenhazem/task-ws-api/storage"
)

var testSecret = []byte("handler-secret")

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recordingPublisher) Publish(_ context.Context, ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingPublisher) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

type failingStore struct{ *storage.Memory }

func (failingStore) List(context.Context) ([]domain.Task, error) {
	return nil, errors.New("table unavailable: secret connection detail")
}

type testAPI struct {
	e     *echo.Echo
	store *storage.Memory
	pub   *recordingPublisher
}

func newTestAPI(t *testing.T, opts ...Option) *testAPI {
	t.Helper()
	store := storage.NewMemory()
	pub := &recordingPublisher{}
	svc := domain.NewTaskService(store, store, pub)
	logger, _ := test.NewNullLogger()
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler
	e.Use(RequestDecompression())
	Register(e, svc, NewSharedSecretAuth(testSecret, "", ""), logger, opts...)
	return &testAPI{e: e, store: store, pub: pub}
}

func tokenFor(t *testing.T, id, name string) string {
	t.Helper()
	tok, err := SignToken(testSecret, id, name, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func (a *testAPI) do(t *testing.T, method, path, body, token string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func decodeTask(t *testing.T, rec *httptest.ResponseRecorder) domain.Task {
	t.Helper()
	var task domain.Task
	if err := sonic.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("invalid json %q: %v", rec.Body.String(), err)
	}
	return task
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestCreateUpdateDeleteScenario(t *testing.T) {
	a := newTestAPI(t)
	alice := tokenFor(t, "alice", "Alice")
	bob := tokenFor(t, "bob", "Bob")

	rec := a.do(t, http.MethodPost, "/api/tasks", `{"title":"Write report","status":"in_progress"}`, alice)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	task := decodeTask(t, rec)
	if task.ID == "" || task.CreatedBy.ID != "alice" || task.CreatedBy.Username != "Alice" {
		t.Fatalf("unexpected task %+v", task)
	}
	if rec.Header().Get("ETag") != `"1"` {
		t.Fatalf("unexpected etag %q", rec.Header().Get("ETag"))
	}

	rec = a.do(t, http.MethodPut, "/api/tasks/"+task.ID, `{"status":"done"}`, bob)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Error != "forbidden" {
		t.Fatalf("unexpected error body %+v", resp)
	}
	stored, _ := a.store.Get(context.Background(), task.ID)
	if stored.Status != domain.StatusInProgress {
		t.Fatalf("forbidden update changed the task: %+v", stored)
	}

	rec = a.do(t, http.MethodGet, "/api/tasks/stats", "", bob)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Fatalf("unexpected stats %d %s", rec.Code, rec.Body.String())
	}

	rec = a.do(t, http.MethodDelete, "/api/tasks/"+task.ID, "", alice)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var del deleteResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &del); err != nil || del.ID != task.ID || del.Message != "task deleted" {
		t.Fatalf("unexpected delete response %s", rec.Body.String())
	}

	rec = a.do(t, http.MethodDelete, "/api/tasks/"+task.ID, "", alice)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete got %d", rec.Code)
	}

	events := a.pub.Events()
	if len(events) != 2 || events[0].Type != domain.TaskCreated || events[1].Type != domain.TaskDeleted {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	a := newTestAPI(t)
	routes := []struct{ method, path string }{
		{http.MethodGet, "/api/tasks"},
		{http.MethodPost, "/api/tasks"},
		{http.MethodGet, "/api/tasks/stats"},
		{http.MethodGet, "/api/tasks/x"},
		{http.MethodPut, "/api/tasks/x"},
		{http.MethodDelete, "/api/tasks/x"},
	}
	for _, r := range routes {
		rec := a.do(t, r.method, r.path, `{}`, "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401 got %d", r.method, r.path, rec.Code)
		}
		if resp := decodeError(t, rec); resp.Error != "authentication" {
			t.Fatalf("%s %s: unexpected body %+v", r.method, r.path, resp)
		}
	}
	rec := a.do(t, http.MethodGet, "/api/tasks", "", "not-a-jwt")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for malformed token, got %d", rec.Code)
	}
}

func TestCreateValidation(t *testing.T) {
	a := newTestAPI(t)
	alice := tokenFor(t, "alice", "")
	tests := []struct {
		name string
		body string
	}{
		{name: "empty title", body: `{"title":"  "}`},
		{name: "bad status", body: `{"title":"x","status":"archived"}`},
		{name: "bad date", body: `{"title":"x","dueDate":"tomorrow"}`},
		{name: "unknown field", body: `{"title":"x","priority":1}`},
		{name: "not json", body: `title=x`},
		{name: "too large", body: `{"title":"` + strings.Repeat("a", maxBodySize) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(t, http.MethodPost, "/api/tasks", tt.body, alice)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400 got %d: %s", rec.Code, rec.Body.String())
			}
			if resp := decodeError(t, rec); resp.Error != "validation" || resp.Message == "" {
				t.Fatalf("unexpected body %+v", resp)
			}
		})
	}
	if len(a.pub.Events()) != 0 {
		t.Fatal("rejected creates must not emit events")
	}
}

func TestUpdateRejectsImmutableFieldsAndEmptyPatch(t *testing.T) {
	a := newTestAPI(t)
	alice := tokenFor(t, "alice", "")
	task := decodeTask(t, a.do(t, http.MethodPost, "/api/tasks", `{"title":"x"}`, alice))

	for _, body := range []string{`{"id":"other"}`, `{"createdBy":{"id":"bob"}}`, `{}`} {
		rec := a.do(t, http.MethodPut, "/api/tasks/"+task.ID, body, alice)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400 got %d", body, rec.Code)
		}
	}
}

func TestUpdateWithIfMatch(t *testing.T) {
	a := newTestAPI(t)
	alice := tokenFor(t, "alice", "")
	task := decodeTask(t, a.do(t, http.MethodPost, "/api/tasks", `{"title":"x"}`, alice))

	rec := a.do(t, http.MethodPut, "/api/tasks/"+task.ID, `{"title":"y"}`, alice, headerIfMatch, `"1"`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if updated := decodeTask(t, rec); updated.Version != 2 || updated.Title != "y" {
		t.Fatalf("unexpected update %+v", updated)
	}

	rec = a.do(t, http.MethodPut, "/api/tasks/"+task.ID, `{"title":"z"}`, alice, headerIfMatch, `"1"`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for stale version got %d", rec.Code)
	}
	rec = a.do(t, http.MethodPut, "/api/tasks/"+task.ID, `{"title":"z"}`, alice, headerIfMatch, "abc")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed If-Match got %d", rec.Code)
	}
}

func TestGetTask(t *testing.T) {
	a := newTestAPI(t)
	alice := tokenFor(t, "alice", "Alice")
	created := decodeTask(t, a.do(t, http.MethodPost, "/api/tasks", `{"title":"x","assignedTo":"bob"}`, alice))

	rec := a.do(t, http.MethodGet, "/api/tasks/"+created.ID, "", tokenFor(t, "bob", "Bob"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	got := decodeTask(t, rec)
	if got.AssignedTo == nil || got.AssignedTo.Username != "Bob" {
		t.Fatalf("assignee not resolved: %+v", got.AssignedTo)
	}
	if rec := a.do(t, http.MethodGet, "/api/tasks/missing", "", alice); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
}

func TestListTasksReturnsArray(t *testing.T) {
	a := newTestAPI(t)
	alice := tokenFor(t, "alice", "")
	for _, title := range []string{"a", "b"} {
		a.do(t, http.MethodPost, "/api/tasks", `{"title":"`+title+`"}`, alice)
	}
	rec := a.do(t, http.MethodGet, "/api/tasks", "", alice)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks got %d", len(tasks))
	}
}

func TestServerErrorsUseGenericMessage(t *testing.T) {
	store := failingStore{storage.NewMemory()}
	svc := domain.NewTaskService(store, store, nil)
	logger, hook := test.NewNullLogger()
	e := echo.New()
	Register(e, svc, NewSharedSecretAuth(testSecret, "", ""), logger)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+tokenFor(t, "alice", ""))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 got %d", rec.Code)
	}
	resp := decodeError(t, rec)
	if resp.Error != "server" || resp.Message != genericServerMessage {
		t.Fatalf("unexpected body %+v", resp)
	}
	if strings.Contains(rec.Body.String(), "secret connection detail") {
		t.Fatal("internal error detail leaked to the client")
	}
	var logged bool
	for _, entry := range hook.AllEntries() {
		if entry.Message == "task request failed" {
			logged = true
		}
	}
	if !logged {
		t.Fatal("expected failure to be logged")
	}
}

func TestCreateIdempotencyKey(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { client.Close() })

	a := newTestAPI(t, WithDeduper(NewRedisDeduper(client, time.Minute)))
	alice := tokenFor(t, "alice", "")

	rec := a.do(t, http.MethodPost, "/api/tasks", `{"title":"once"}`, alice, headerIdempotencyKey, "k1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", rec.Code)
	}
	rec = a.do(t, http.MethodPost, "/api/tasks", `{"title":"once"}`, alice, headerIdempotencyKey, "k1")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for repeated key got %d", rec.Code)
	}
	// Another user may reuse the same key.
	rec = a.do(t, http.MethodPost, "/api/tasks", `{"title":"once"}`, tokenFor(t, "bob", ""), headerIdempotencyKey, "k1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for other user got %d", rec.Code)
	}

	// A failed create releases its key so the caller can retry.
	rec = a.do(t, http.MethodPost, "/api/tasks", `{"title":""}`, alice, headerIdempotencyKey, "k2")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	rec = a.do(t, http.MethodPost, "/api/tasks", `{"title":"retry"}`, alice, headerIdempotencyKey, "k2")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected retry to succeed got %d", rec.Code)
	}

	if n := len(a.pub.Events()); n != 3 {
		t.Fatalf("expected 3 taskCreated events, got %d", n)
	}
}

func TestGzipRequestBody(t *testing.T) {
	a := newTestAPI(t)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte(`{"title":"zipped"}`))
	zw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/tasks", &buf)
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+tokenFor(t, "alice", ""))
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	if task := decodeTask(t, rec); task.Title != "zipped" {
		t.Fatalf("unexpected title %q", task.Title)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader("plain"))
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	rec = httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid gzip got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Error != "validation" || body.Message != "invalid gzip body" {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestUnknownRouteUsesErrorBody(t *testing.T) {
	a := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/api/nowhere", nil)
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Error != "not_found" {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestErrorBodyHidesServerDetails(t *testing.T) {
	status, body := errorBody(errors.New("disk on fire"))
	if status != http.StatusInternalServerError || body.Message != "internal server error" {
		t.Fatalf("unexpected %d %+v", status, body)
	}
	status, body = errorBody(echo.NewHTTPError(http.StatusRequestEntityTooLarge, "too big"))
	if status != http.StatusRequestEntityTooLarge || body.Error != "validation" || body.Message != "too big" {
		t.Fatalf("unexpected %d %+v", status, body)
	}
}

type fixedSessions int

func (f fixedSessions) Count() int { return int(f) }

func TestHealthzReportsSessions(t *testing.T) {
	a := newTestAPI(t, WithSessions(fixedSessions(3)))
	rec := a.do(t, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"sessions":3`) {
		t.Fatalf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}
}
