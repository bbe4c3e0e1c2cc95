package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"secure-analysis-gateway/internal/models"
)

// ComputeHash returns the chain hash of e over every field except Hash.
// Timestamps are hashed at microsecond precision so entries round-trip
// through Postgres timestamptz unchanged.
func ComputeHash(e models.AuditEntry) string {
	view := struct {
		Seq        int64  `json:"seq"`
		Timestamp  int64  `json:"ts_us"`
		Actor      string `json:"actor"`
		Action     string `json:"action"`
		Target     string `json:"target"`
		Outcome    string `json:"outcome"`
		Detail     string `json:"detail"`
		RemoteAddr string `json:"remote_addr"`
		PrevHash   string `json:"prev_hash"`
	}{
		Seq:        e.Seq,
		Timestamp:  e.Timestamp.UnixMicro(),
		Actor:      e.Actor,
		Action:     e.Action,
		Target:     e.Target,
		Outcome:    string(e.Outcome),
		Detail:     e.Detail,
		RemoteAddr: e.RemoteAddr,
		PrevHash:   e.PrevHash,
	}
	b, _ := json.Marshal(view)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Link fills Seq, PrevHash and Hash of e so it follows prev. A zero prev
// starts the chain.
func Link(prev models.AuditEntry, e models.AuditEntry) models.AuditEntry {
	e.Seq = prev.Seq + 1
	e.PrevHash = prev.Hash
	e.Hash = ComputeHash(e)
	return e
}

// ChainVerifier checks entries one at a time in append order.
type ChainVerifier struct {
	prev    models.AuditEntry
	checked int64
}

// Check validates e against the previous entry seen.
func (v *ChainVerifier) Check(e models.AuditEntry) error {
	if e.Seq != v.prev.Seq+1 {
		return fmt.Errorf("sequence gap at %d: expected %d", e.Seq, v.prev.Seq+1)
	}
	if e.PrevHash != v.prev.Hash {
		return fmt.Errorf("prev hash mismatch at %d", e.Seq)
	}
	if ComputeHash(e) != e.Hash {
		return fmt.Errorf("hash mismatch at %d", e.Seq)
	}
	v.prev = e
	v.checked++
	return nil
}

// Checked returns how many entries passed.
func (v *ChainVerifier) Checked() int64 {
	return v.checked
}
