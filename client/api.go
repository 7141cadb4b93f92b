package client

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/amelbenhazem/task-ws-api/domain"
)

// DefaultTimeout bounds every API request.
const DefaultTimeout = 10 * time.Second

// API is a typed client for the task endpoints.
type API struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

// APIOption customizes an API client.
type APIOption func(*API)

// WithHTTPClient replaces the underlying HTTP client. Its Timeout is kept.
func WithHTTPClient(c *http.Client) APIOption { return func(a *API) { a.http = c } }

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) APIOption {
	return func(a *API) {
		c := *a.http
		c.Timeout = d
		a.http = &c
	}
}

// NewAPI creates a client for the server at baseURL, e.g.
// "http://localhost:8080".
func NewAPI(baseURL string, opts ...APIOption) *API {
	a := &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// BaseURL returns the server address.
func (a *API) BaseURL() string { return a.baseURL }

// SetToken sets the bearer token sent with every request.
func (a *API) SetToken(token string) {
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
}

// Token returns the current bearer token.
func (a *API) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

// List returns every task visible to the caller.
func (a *API) List(ctx context.Context) ([]domain.Task, error) {
	var tasks []domain.Task
	if err := a.do(ctx, http.MethodGet, "/api/tasks", nil, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Stats returns the server side aggregate.
func (a *API) Stats(ctx context.Context) (domain.TaskStats, error) {
	var stats domain.TaskStats
	err := a.do(ctx, http.MethodGet, "/api/tasks/stats", nil, nil, &stats)
	return stats, err
}

// Get returns one task.
func (a *API) Get(ctx context.Context, id string) (domain.Task, error) {
	var task domain.Task
	err := a.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, nil, &task)
	return task, err
}

// Create creates a task. Every call carries a fresh idempotency key.
func (a *API) Create(ctx context.Context, in domain.CreateInput) (domain.Task, error) {
	var task domain.Task
	hdr := http.Header{"Idempotency-Key": []string{uuid.NewString()}}
	err := a.do(ctx, http.MethodPost, "/api/tasks", in, hdr, &task)
	return task, err
}

// Update patches a task. A positive version makes the write conditional.
func (a *API) Update(ctx context.Context, id string, patch domain.Patch, version int64) (domain.Task, error) {
	var hdr http.Header
	if version > 0 {
		hdr = http.Header{"If-Match": []string{strconv.Quote(strconv.FormatInt(version, 10))}}
	}
	var task domain.Task
	err := a.do(ctx, http.MethodPut, "/api/tasks/"+url.PathEscape(id), patch, hdr, &task)
	return task, err
}

// Delete removes a task.
func (a *API) Delete(ctx context.Context, id string) error {
	return a.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(id), nil, nil, nil)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (a *API) do(ctx context.Context, method, path string, body any, hdr http.Header, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := sonic.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, rd)
	if err != nil {
		return err
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if tok := a.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return &Error{Kind: KindNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: KindNetwork, Status: resp.StatusCode, Message: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{Kind: kindForStatus(resp.StatusCode), Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var eb errorBody
		if sonic.Unmarshal(data, &eb) == nil && eb.Error != "" {
			apiErr.Kind = domain.Kind(eb.Error)
			if eb.Message != "" {
				apiErr.Message = eb.Message
			}
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return &Error{Kind: domain.KindServer, Status: resp.StatusCode, Message: "malformed response: " + err.Error()}
	}
	return nil
}
