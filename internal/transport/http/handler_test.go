package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/payledger/internal/apperr"
	"github.com/richardliu001/payledger/internal/config"
	"github.com/richardliu001/payledger/internal/metrics"
	"github.com/richardliu001/payledger/internal/model"
	"github.com/richardliu001/payledger/internal/repo"
	"github.com/richardliu001/payledger/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() { gin.SetMode(gin.TestMode) }

type stubEvents struct {
	got service.Event
	res service.Result
	err error
}

func (s *stubEvents) Handle(_ context.Context, evt service.Event) (service.Result, error) {
	s.got = evt
	return s.res, s.err
}

type stubSubmissions struct {
	got     repo.SubmissionInput
	deduped bool
	err     error
}

func (s *stubSubmissions) Create(_ context.Context, in repo.SubmissionInput) (*model.Submission, bool, error) {
	s.got = in
	if s.err != nil {
		return nil, false, s.err
	}
	return &model.Submission{ID: "sub_1", Site: in.Site, FormSlug: in.FormSlug, Status: "new"}, s.deduped, nil
}

type stubJournal map[string]*model.EventRecord

func (s stubJournal) GetEvent(_ context.Context, id string) (*model.EventRecord, error) {
	if e, ok := s[id]; ok {
		return e, nil
	}
	return nil, repo.ErrNotFound
}

func newTestRouter(d Deps) *gin.Engine {
	if d.Events == nil {
		d.Events = &stubEvents{}
	}
	if d.Submissions == nil {
		d.Submissions = &stubSubmissions{}
	}
	if d.Journal == nil {
		d.Journal = stubJournal{}
	}
	return NewRouter(d, metrics.New(), config.RateLimitConfig{}, zap.NewNop().Sugar())
}

func do(r http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

const webhookBody = `{"id":"evt_1","type":"payment_intent.succeeded","livemode":false,"created":1767268800,
"data":{"object":{"id":"pi_1","amount":4000,"currency":"gbp"}}}`

func TestWebhook_Processed(t *testing.T) {
	events := &stubEvents{res: service.Result{Handled: true, ResourceID: "pay_1"}}
	r := newTestRouter(Deps{Events: events})

	rec := do(r, http.MethodPost, "/webhooks/stripe", webhookBody, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"handled":true,"deduped":false,"resource_id":"pay_1"}`, rec.Body.String())
	assert.Equal(t, "evt_1", events.got.ID)
	assert.JSONEq(t, `{"id":"pi_1","amount":4000,"currency":"gbp"}`, string(events.got.Data.Object))
}

func TestWebhook_Replay(t *testing.T) {
	r := newTestRouter(Deps{Events: &stubEvents{res: service.Result{Deduped: true}}})
	rec := do(r, http.MethodPost, "/webhooks/stripe", webhookBody, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"handled":false,"deduped":true}`, rec.Body.String())
}

func TestWebhook_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"in flight", apperr.AlreadyProcessing("processor.handle", "evt_1"), http.StatusConflict},
		{"validation", apperr.Validation("event.decode", "amount is required"), http.StatusBadRequest},
		{"store", apperr.Store("journal.claim", errors.New("connection reset")), http.StatusServiceUnavailable},
		{"timeout", apperr.Store("journal.claim", context.DeadlineExceeded), http.StatusServiceUnavailable},
		{"conflict", apperr.IdentifierConflict("ledger.record", "ids disagree"), http.StatusInternalServerError},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRouter(Deps{Events: &stubEvents{res: service.Result{Deduped: true}, err: tc.err}})
			rec := do(r, http.MethodPost, "/webhooks/stripe", webhookBody, nil)
			assert.Equal(t, tc.status, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestWebhook_InFlightAsksForRedelivery(t *testing.T) {
	r := newTestRouter(Deps{Events: &stubEvents{
		res: service.Result{Deduped: true},
		err: apperr.AlreadyProcessing("processor.handle", "evt_1"),
	}})
	rec := do(r, http.MethodPost, "/webhooks/stripe", webhookBody, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["handled"])
}

func TestWebhook_BadBody(t *testing.T) {
	events := &stubEvents{}
	r := newTestRouter(Deps{Events: events})
	rec := do(r, http.MethodPost, "/webhooks/stripe", `{"id":`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, events.got.ID)
}

func TestSubmission_CreatedThenDeduped(t *testing.T) {
	subs := &stubSubmissions{}
	r := newTestRouter(Deps{Submissions: subs})

	rec := do(r, http.MethodPost, "/v1/sites/acme/forms/enquiry/submissions",
		`{"name":"Jo","email":"jo@example.com"}`, map[string]string{"Idempotency-Key": "k-1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "acme", subs.got.Site)
	assert.Equal(t, "enquiry", subs.got.FormSlug)
	assert.Equal(t, "k-1", subs.got.SubmissionKey)

	subs.deduped = true
	rec = do(r, http.MethodPost, "/v1/sites/acme/forms/enquiry/submissions",
		`{"submission_key":"body-key"}`, map[string]string{"Idempotency-Key": "k-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "body-key", subs.got.SubmissionKey)
	assert.Contains(t, rec.Body.String(), `"deduped":true`)
}

func TestSubmission_Validation(t *testing.T) {
	subs := &stubSubmissions{err: apperr.Validation("submissions.create", "field Email failed email")}
	r := newTestRouter(Deps{Submissions: subs})
	rec := do(r, http.MethodPost, "/v1/sites/acme/forms/enquiry/submissions", `{"email":"nope"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"kind":"validation"`)
}

func TestGetEvent(t *testing.T) {
	msg := "event.decode: amount is required"
	journal := stubJournal{"evt_9": {
		EventID: "evt_9", Type: "payment_intent.succeeded", Status: model.EventFailed,
		Attempts: 2, LastError: &msg, UpdatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}}
	r := newTestRouter(Deps{Journal: journal})

	rec := do(r, http.MethodGet, "/v1/events/evt_9", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body eventResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, model.EventFailed, body.Status)
	assert.Equal(t, 2, body.Attempts)
	require.NotNil(t, body.LastError)
	assert.Equal(t, msg, *body.LastError)

	rec = do(r, http.MethodGet, "/v1/events/evt_missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	r := newTestRouter(Deps{})
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/metrics", "", nil).Code)

	down := newTestRouter(Deps{Health: func(context.Context) error { return errors.New("db down") }})
	assert.Equal(t, http.StatusServiceUnavailable, do(down, http.MethodGet, "/healthz", "", nil).Code)
}

func TestRateLimit(t *testing.T) {
	r := gin.New()
	r.Use(RateLimitMiddleware(1, 1))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	assert.Equal(t, http.StatusNoContent, do(r, http.MethodGet, "/x", "", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(r, http.MethodGet, "/x", "", nil).Code)
}
