package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/consolepilot/pkg/batch"
	"github.com/entrhq/consolepilot/pkg/browser"
	"github.com/entrhq/consolepilot/pkg/logging"
	"github.com/entrhq/consolepilot/pkg/roster"
)

type fakeSession struct{ status browser.Status }

func (s *fakeSession) Status() browser.Status { return s.status }

type fakeRunner struct {
	keys []string
	res  *batch.Result
	err  error
}

func (r *fakeRunner) Run(ctx context.Context, keys []string) (*batch.Result, error) {
	r.keys = keys
	return r.res, r.err
}

type fakeRelogger struct{ err error }

func (r *fakeRelogger) Relogin(ctx context.Context) error { return r.err }

type fixture struct {
	session  *fakeSession
	runner   *fakeRunner
	relogger *fakeRelogger
	server   http.Handler
}

func newFixture(apiKey string) *fixture {
	f := &fixture{
		session:  &fakeSession{status: browser.Status{Initialized: true, Connected: true, Ceiling: 3}},
		runner:   &fakeRunner{res: &batch.Result{ID: "b-1", Outcomes: []batch.Outcome{}, NotFound: []string{}}},
		relogger: &fakeRelogger{},
	}
	f.server = NewRouter(Deps{
		Session:  f.session,
		Runner:   f.runner,
		Relogger: f.relogger,
		Roster: roster.New([]roster.Entry{
			{Key: "1", Class: "7A"},
			{Key: "2", Class: "7B"},
			{Key: "3", Class: "7A"},
		}),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("metrics")) }),
		APIKey:  apiKey,
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestTurnOffAcceptsStringAndArray(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{"comma string", `{"ids": "1001, 1002"}`, []string{"1001", "1002"}},
		{"array", `{"ids": ["1001", "1003"]}`, []string{"1001", "1003"}},
		{"legacy field", `{"idS": "1004,1005"}`, []string{"1004", "1005"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture("")
			f.runner.res.Summary = batch.Summary{Total: 2, Successful: 2, Batches: 1}

			rec := f.do(t, http.MethodPost, "/api/turn_off", tt.body)

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.want, f.runner.keys)
			body := decode(t, rec)
			assert.Equal(t, true, body["success"])
			assert.Equal(t, "b-1", body["id"])
			assert.Equal(t, float64(2), body["summary"].(map[string]any)["successful"])
		})
	}
}

func TestTurnOffValidation(t *testing.T) {
	f := newFixture("")

	rec := f.do(t, http.MethodPost, "/api/turn_off", `{"ids": " , "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "ids is required", decode(t, rec)["error"])

	rec = f.do(t, http.MethodPost, "/api/turn_off", `{"ids": 42}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/turn_off", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, f.runner.keys)
}

func TestTurnOffNotInitialized(t *testing.T) {
	f := newFixture("")
	f.runner.err = browser.ErrNotInitialized

	rec := f.do(t, http.MethodPost, "/api/turn_off", `{"ids": "1"}`)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["success"])
	assert.NotEmpty(t, body["error"])
}

func TestRelogin(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"success", nil, http.StatusOK},
		{"in flight", browser.ErrReauthInProgress, http.StatusConflict},
		{"not initialized", browser.ErrNotInitialized, http.StatusServiceUnavailable},
		{"failure", errors.New("login failed"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture("")
			f.relogger.err = tt.err
			rec := f.do(t, http.MethodPost, "/api/relogin", "")
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestStatusAndHealth(t *testing.T) {
	f := newFixture("")

	rec := f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), decode(t, rec)["ceiling"])

	rec = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])

	f.session.status.Connected = false
	rec = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode(t, rec)["status"])
}

func TestClasses(t *testing.T) {
	f := newFixture("")

	rec := f.do(t, http.MethodGet, "/api/classes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `["7A","7B"]`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/classes/7A/keys", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"keys":["1","3"]}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/classes/9Z/keys", "")
	assert.JSONEq(t, `{"keys":[]}`, rec.Body.String())
}

func TestBearerAuth(t *testing.T) {
	f := newFixture("s3cret")

	rec := f.do(t, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/status", "", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/status", "", "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)

	// health and metrics stay open
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", "").Code)
	rec = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, "metrics", rec.Body.String())
}

func TestRequestIDAndRecovery(t *testing.T) {
	f := newFixture("")
	rec := f.do(t, http.MethodGet, "/health", "", "X-Request-ID", "abc123")
	assert.Equal(t, "abc123", rec.Header().Get("X-Request-ID"))

	rec = f.do(t, http.MethodGet, "/health", "")
	assert.Len(t, rec.Header().Get("X-Request-ID"), 8)

	panicking := Recovery(logging.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec = httptest.NewRecorder()
	panicking.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", decode(t, rec)["error"])
}
