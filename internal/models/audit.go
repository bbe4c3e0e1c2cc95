package models

import "time"

// Outcome is the result recorded for an audited action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// ActorSystem is the actor recorded for executor transitions.
const ActorSystem = "system"

// Audit actions.
const (
	ActionTokenIssue  = "token.issue"
	ActionTokenVerify = "token.verify"
	ActionRateLimited = "rate_limited"
	ActionScopeCheck  = "scope_check"
	ActionSubmission  = "submission"
	ActionRunning     = "running"
	ActionCompleted   = "completed"
	ActionFailed      = "failed"
	ActionStatus      = "status"
	ActionResult      = "result"
	ActionAuditQuery  = "audit.query"
	ActionAuditVerify = "audit.verify"
	ActionSinkFailure = "audit.sink_failure"
)

// AuditEntry is one append-only, hash-chained audit record.
type AuditEntry struct {
	Seq        int64     `json:"seq"`
	Timestamp  time.Time `json:"timestamp"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	Target     string    `json:"target"`
	Outcome    Outcome   `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	PrevHash   string    `json:"prev_hash"`
	Hash       string    `json:"hash"`
}

// AuditFilter narrows an audit query. Zero values match everything.
type AuditFilter struct {
	Actor   string
	Action  string
	Target  string
	Outcome Outcome
	Since   time.Time
	Until   time.Time

	// AfterSeq skips entries at or before this sequence number.
	AfterSeq int64
	Limit    int
}

// Matches reports whether e satisfies every set filter field.
func (f AuditFilter) Matches(e AuditEntry) bool {
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Target != "" && e.Target != f.Target {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}
