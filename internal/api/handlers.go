package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"secure-analysis-gateway/internal/apperr"
	"secure-analysis-gateway/internal/jobs"
	"secure-analysis-gateway/internal/models"
	"secure-analysis-gateway/internal/ratelimit"
)

const (
	// maxLoginForm bounds the body of a token request.
	maxLoginForm = 16 * 1024
	// multipartMemory is how much of an upload is held in memory before
	// spilling to a temp file.
	multipartMemory = 1 << 20
)

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.allow(w, r, ratelimit.BucketLogin, ip, "anonymous") {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxLoginForm)
	if err := r.ParseForm(); err != nil {
		writeError(w, apperr.BadRequest("invalid form body"))
		return
	}
	// Missing fields fall through to Issue so the attempt is audited.
	tok, err := s.tokens.Issue(r.Context(), r.PostForm.Get("username"), r.PostForm.Get("password"), ip)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, tok)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if !s.allow(w, r, ratelimit.BucketJobSubmit, p.Subject, p.Subject) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+formOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, apperr.ErrPayloadTooLarge)
			return
		}
		writeError(w, apperr.BadRequest("expected multipart/form-data body"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	upload := jobs.Upload{Size: -1}
	file, header, err := r.FormFile("file")
	if err == nil {
		defer file.Close()
		upload = jobs.Upload{Body: file, Size: header.Size}
	} else if !errors.Is(err, http.ErrMissingFile) {
		writeError(w, apperr.BadRequest("invalid file field"))
		return
	}

	job, err := s.jobs.Submit(r.Context(), p.Subject, upload, r.FormValue("mode"), parseConsent(r.FormValue("consent_acknowledged")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// parseConsent accepts the usual HTML form spellings of true.
func parseConsent(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "on":
		return true
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Status(r.Context(), chi.URLParam(r, "id"), principalFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	data, err := s.jobs.Result(r.Context(), chi.URLParam(r, "id"), principalFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("write result")
	}
}

type auditLogsResponse struct {
	Entries []models.AuditEntry `json:"entries"`
	Count   int                 `json:"count"`
}

func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	f, err := parseAuditFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.audit.Query(r.Context(), f, principalFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auditLogsResponse{Entries: entries, Count: len(entries)})
}

func parseAuditFilter(r *http.Request) (models.AuditFilter, error) {
	q := r.URL.Query()
	f := models.AuditFilter{
		Actor:   q.Get("actor"),
		Action:  q.Get("action"),
		Target:  q.Get("target"),
		Outcome: models.Outcome(q.Get("outcome")),
	}
	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		return f, apperr.BadRequest("since must be RFC 3339")
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		return f, apperr.BadRequest("until must be RFC 3339")
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			return f, apperr.BadRequest("limit must be a non-negative integer")
		}
	}
	if v := q.Get("after_seq"); v != "" {
		if f.AfterSeq, err = strconv.ParseInt(v, 10, 64); err != nil || f.AfterSeq < 0 {
			return f, apperr.BadRequest("after_seq must be a non-negative integer")
		}
	}
	return f, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	report, err := s.audit.Verify(r.Context(), principalFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
