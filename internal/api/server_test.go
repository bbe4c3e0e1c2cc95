package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"secure-analysis-gateway/internal/audit"
	"secure-analysis-gateway/internal/auth"
	"secure-analysis-gateway/internal/credentials"
	"secure-analysis-gateway/internal/jobs"
	"secure-analysis-gateway/internal/models"
	"secure-analysis-gateway/internal/queue"
	"secure-analysis-gateway/internal/ratelimit"
	"secure-analysis-gateway/internal/sandbox"
	"secure-analysis-gateway/internal/storage"
	"secure-analysis-gateway/internal/store"
	"secure-analysis-gateway/internal/worker"
)

const (
	testKey   = "0123456789abcdef0123456789abcdef"
	maxUpload = 4096
)

type echoExec struct{}

func (echoExec) Run(_ context.Context, inv sandbox.Invocation) (sandbox.Output, error) {
	if inv.Mode == models.ModeMetadata {
		return sandbox.Output{}, &sandbox.Failure{Kind: models.ErrorToolFailed, Message: "tool exited with status 2"}
	}
	return sandbox.Output{Artifact: []byte("mode=" + string(inv.Mode) + "\n"), Duration: time.Millisecond}, nil
}

type testEnv struct {
	handler http.Handler
	pool    *worker.Pool
	sink    *audit.MemorySink
}

func newTestEnv(t *testing.T, rules ratelimit.Rules) *testEnv {
	t.Helper()
	var ids []models.Identity
	for _, u := range []struct {
		name   string
		scopes []models.Scope
	}{
		{"alice", []models.Scope{models.ScopeRead, models.ScopeWrite}},
		{"bob", []models.Scope{models.ScopeRead, models.ScopeWrite}},
		{"reader", []models.Scope{models.ScopeRead}},
		{"root", []models.Scope{models.ScopeAdmin}},
	} {
		hash, err := credentials.HashPassword("pw-"+u.name, bcrypt.MinCost)
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
		ids = append(ids, models.Identity{Username: u.name, PasswordHash: hash, Scopes: u.scopes})
	}
	creds, err := credentials.New(ids)
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}

	sink := audit.NewMemorySink()
	log := audit.New(sink, nil, zerolog.Nop())
	tokens, err := auth.NewService(creds, log, zerolog.Nop(), []byte(testKey), time.Hour)
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	blobs, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("blobs: %v", err)
	}
	st := store.NewMemory()
	q := queue.NewMemoryQueue(time.Minute)
	js := jobs.NewService(st, blobs, q, log, zerolog.Nop(), maxUpload)
	pool, err := worker.NewPool(worker.PoolConfig{Concurrency: 1, TempRoot: filepath.Join(t.TempDir(), "work")},
		st, q, blobs, echoExec{}, log, zerolog.Nop())
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if rules == nil {
		rules = ratelimit.Rules{
			ratelimit.BucketLogin:     {Limit: 100, Window: time.Minute},
			ratelimit.BucketJobSubmit: {Limit: 100, Window: time.Minute},
		}
	}
	srv := New(tokens, js, log, ratelimit.NewMemoryLimiter(rules), zerolog.Nop(), maxUpload)
	return &testEnv{handler: srv.Router(), pool: pool, sink: sink}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(t *testing.T, user string) string {
	t.Helper()
	rec := e.do(tokenRequest(user, "pw-"+user))
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", user, rec.Code, rec.Body.String())
	}
	var tok auth.IssuedToken
	if err := json.Unmarshal(rec.Body.Bytes(), &tok); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	if tok.TokenType != "bearer" || tok.AccessToken == "" {
		t.Fatalf("unexpected token response %+v", tok)
	}
	return tok.AccessToken
}

func tokenRequest(user, password string) *http.Request {
	form := url.Values{"username": {user}, "password": {password}}
	req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

type submission struct {
	file    []byte
	mode    string
	consent string
}

func submitRequest(t *testing.T, path, token string, s submission) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if s.file != nil {
		fw, err := mw.CreateFormFile("file", "doc.pdf")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		_, _ = fw.Write(s.file)
	}
	_ = mw.WriteField("mode", s.mode)
	_ = mw.WriteField("consent_acknowledged", s.consent)
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func authed(method, path, token string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Error.Code
}

var samplePDF = []byte("%PDF-1.7\nhello\n%%EOF\n")

func TestEndToEndSubmitAndFetchResult(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t, "alice")

	rec := env.do(submitRequest(t, "/jobs", token, submission{file: samplePDF, mode: "word-frequency", consent: "true"}))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit: status %d body %s", rec.Code, rec.Body.String())
	}
	var job models.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.Status != models.StatusQueued || job.Owner != "alice" {
		t.Fatalf("unexpected job %+v", job)
	}

	rec = env.do(authed(http.MethodGet, "/jobs/"+job.ID+"/result", token))
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "NotReady" {
		t.Fatalf("expected NotReady before execution, got %d %s", rec.Code, rec.Body.String())
	}

	if worked, err := env.pool.ProcessNext(context.Background()); err != nil || !worked {
		t.Fatalf("process: worked=%v err=%v", worked, err)
	}

	rec = env.do(authed(http.MethodGet, "/api/v1/jobs/"+job.ID, token))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d %s", rec.Code, rec.Body.String())
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}

	rec = env.do(authed(http.MethodGet, "/jobs/"+job.ID+"/result", token))
	if rec.Code != http.StatusOK || rec.Body.String() != "mode=word-frequency\n" {
		t.Fatalf("result: %d %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("expected nosniff header")
	}
}

func TestFailedJobResult(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t, "alice")
	rec := env.do(submitRequest(t, "/jobs", token, submission{file: samplePDF, mode: "metadata", consent: "yes"}))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body.String())
	}
	var job models.Job
	_ = json.Unmarshal(rec.Body.Bytes(), &job)
	if _, err := env.pool.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	rec = env.do(authed(http.MethodGet, "/jobs/"+job.ID+"/result", token))
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "JobFailed" {
		t.Fatalf("expected JobFailed, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestTokenErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(tokenRequest("alice", "wrong"))
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != "InvalidCredentials" {
		t.Fatalf("expected InvalidCredentials, got %d %s", rec.Code, rec.Body.String())
	}
	rec = env.do(tokenRequest("nobody", "pw"))
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != "InvalidCredentials" {
		t.Fatalf("unknown user should look like a bad password, got %d %s", rec.Code, rec.Body.String())
	}

	rec = env.do(httptest.NewRequest(http.MethodGet, "/jobs/x", nil))
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != "MissingToken" {
		t.Fatalf("expected MissingToken, got %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("WWW-Authenticate") != "Bearer" {
		t.Fatalf("expected WWW-Authenticate challenge")
	}
	rec = env.do(authed(http.MethodGet, "/jobs/x", "not-a-token"))
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != "Malformed" {
		t.Fatalf("expected Malformed, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	token := env.login(t, "alice")

	cases := []struct {
		name   string
		sub    submission
		status int
		code   string
	}{
		{"bad mode", submission{file: samplePDF, mode: "ocr", consent: "true"}, http.StatusBadRequest, "InvalidMode"},
		{"no consent", submission{file: samplePDF, mode: "full", consent: "false"}, http.StatusBadRequest, "ConsentRequired"},
		{"mode checked before consent", submission{file: samplePDF, mode: "", consent: ""}, http.StatusBadRequest, "InvalidMode"},
		{"missing file", submission{mode: "full", consent: "on"}, http.StatusBadRequest, "BadRequest"},
		{"not a pdf", submission{file: []byte("PK\x03\x04zip"), mode: "full", consent: "1"}, http.StatusBadRequest, "UnsupportedMediaType"},
		{"too large", submission{file: append([]byte("%PDF-"), make([]byte, maxUpload)...), mode: "full", consent: "true"}, http.StatusBadRequest, "PayloadTooLarge"},
	}
	for _, tc := range cases {
		rec := env.do(submitRequest(t, "/jobs", token, tc.sub))
		if rec.Code != tc.status || errorCode(t, rec) != tc.code {
			t.Fatalf("%s: expected %d %s, got %d %s", tc.name, tc.status, tc.code, rec.Code, rec.Body.String())
		}
	}
}

func TestScopesAndOwnership(t *testing.T) {
	env := newTestEnv(t, nil)
	alice := env.login(t, "alice")
	bob := env.login(t, "bob")
	reader := env.login(t, "reader")
	root := env.login(t, "root")

	rec := env.do(submitRequest(t, "/jobs", reader, submission{file: samplePDF, mode: "full", consent: "true"}))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("read-only caller submitted: %d", rec.Code)
	}

	rec = env.do(submitRequest(t, "/jobs", alice, submission{file: samplePDF, mode: "full", consent: "true"}))
	var job models.Job
	_ = json.Unmarshal(rec.Body.Bytes(), &job)

	rec = env.do(authed(http.MethodGet, "/jobs/"+job.ID, bob))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("other owner should be refused, got %d", rec.Code)
	}
	rec = env.do(authed(http.MethodGet, "/jobs/"+job.ID, root))
	if rec.Code != http.StatusOK {
		t.Fatalf("admin should see any job, got %d %s", rec.Code, rec.Body.String())
	}

	rec = env.do(authed(http.MethodGet, "/audit/logs", alice))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin read audit log: %d", rec.Code)
	}
	denials, _ := env.sink.Query(context.Background(), models.AuditFilter{
		Actor: "alice", Action: models.ActionScopeCheck, Outcome: models.OutcomeDenied,
	})
	if len(denials) != 1 {
		t.Fatalf("scope denial was not audited")
	}
}

func TestAuditEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	root := env.login(t, "root")
	_ = env.do(tokenRequest("alice", "nope"))

	rec := env.do(authed(http.MethodGet, "/audit/logs?action=token.issue&outcome=denied", root))
	if rec.Code != http.StatusOK {
		t.Fatalf("audit logs: %d %s", rec.Code, rec.Body.String())
	}
	var resp auditLogsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Entries) != 1 || resp.Entries[0].Actor != "alice" {
		t.Fatalf("unexpected entries %+v", resp.Entries)
	}

	rec = env.do(authed(http.MethodGet, "/audit/logs?since=yesterday", root))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected bad since to be rejected, got %d", rec.Code)
	}

	rec = env.do(authed(http.MethodGet, "/audit/verify", root))
	var report audit.VerifyReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusOK || !report.OK || report.Checked == 0 {
		t.Fatalf("unexpected verify report %d %+v", rec.Code, report)
	}
}

func TestLoginRateLimit(t *testing.T) {
	env := newTestEnv(t, ratelimit.Rules{
		ratelimit.BucketLogin:     {Limit: 2, Window: time.Minute},
		ratelimit.BucketJobSubmit: {Limit: 2, Window: time.Minute},
	})
	for i := 0; i < 2; i++ {
		if rec := env.do(tokenRequest("alice", "bad")); rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: %d", i+1, rec.Code)
		}
	}
	rec := env.do(tokenRequest("alice", "pw-alice"))
	if rec.Code != http.StatusTooManyRequests || errorCode(t, rec) != "RateLimited" {
		t.Fatalf("expected RateLimited, got %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
	denials, _ := env.sink.Query(context.Background(), models.AuditFilter{
		Action: models.ActionRateLimited, Outcome: models.OutcomeDenied, Target: string(ratelimit.BucketLogin),
	})
	if len(denials) != 1 || denials[0].Actor != "anonymous" {
		t.Fatalf("expected one audited login denial, got %+v", denials)
	}
}

func TestSubmitRateLimit(t *testing.T) {
	env := newTestEnv(t, ratelimit.Rules{
		ratelimit.BucketLogin:     {Limit: 5, Window: time.Minute},
		ratelimit.BucketJobSubmit: {Limit: 2, Window: time.Minute},
	})
	token := env.login(t, "alice")
	for i := 0; i < 2; i++ {
		rec := env.do(submitRequest(t, "/jobs", token, submission{file: samplePDF, mode: "full", consent: "true"}))
		if rec.Code != http.StatusAccepted {
			t.Fatalf("submission %d: %d %s", i+1, rec.Code, rec.Body.String())
		}
	}
	rec := env.do(submitRequest(t, "/jobs", token, submission{file: samplePDF, mode: "full", consent: "true"}))
	if rec.Code != http.StatusTooManyRequests || errorCode(t, rec) != "RateLimited" {
		t.Fatalf("expected RateLimited, got %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}

	// Another subject keeps its own budget.
	if rec := env.do(submitRequest(t, "/jobs", env.login(t, "bob"), submission{file: samplePDF, mode: "full", consent: "true"})); rec.Code != http.StatusAccepted {
		t.Fatalf("bob should not share alice's budget: %d", rec.Code)
	}

	denials, _ := env.sink.Query(context.Background(), models.AuditFilter{
		Actor: "alice", Action: models.ActionRateLimited, Outcome: models.OutcomeDenied,
	})
	if len(denials) != 1 || denials[0].Target != string(ratelimit.BucketJobSubmit) {
		t.Fatalf("expected one audited job-submit denial, got %+v", denials)
	}
	submissions, _ := env.sink.Query(context.Background(), models.AuditFilter{
		Actor: "alice", Action: models.ActionSubmission, Outcome: models.OutcomeSuccess,
	})
	if len(submissions) != 2 {
		t.Fatalf("rate-limited request must not create a job, got %d submissions", len(submissions))
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
}

func TestMetricsNotServedOnGateway(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, path := range []string{"/metrics", "/api/v1/metrics"} {
		rec := env.do(httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404 on the public router, got %d", path, rec.Code)
		}
		if strings.Contains(rec.Body.String(), "analysis_") {
			t.Fatalf("%s: metrics leaked on the public router", path)
		}
	}
}

func TestParseConsent(t *testing.T) {
	for v, want := range map[string]bool{"true": true, "1": true, "yes": true, "ON": true, "false": false, "": false, "maybe": false} {
		if got := parseConsent(v); got != want {
			t.Fatalf("parseConsent(%q) = %v", v, got)
		}
	}
}
