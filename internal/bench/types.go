// Package bench defines core types shared across subsystems: the declared
// record schema, payload parsing, and the fetch outcome taxonomy.
package bench

import "errors"

// Outcome classifies the result of one record fetch.
type Outcome string

// Outcome values reported by the record fetcher.
const (
	OutcomeSuccess   Outcome = "success"
	OutcomeNotFound  Outcome = "not_found"
	OutcomeAuth      Outcome = "auth_error"
	OutcomeTransient Outcome = "transient_error"
)

// Sentinel errors used to classify remote fetch failures.
var (
	// ErrNotFound marks a confirmed-absent record (HTTP 404). Terminal.
	ErrNotFound = errors.New("record not found")
	// ErrAuth marks a revoked or expired session (HTTP 401/403).
	ErrAuth = errors.New("session rejected")
	// ErrTransient marks a retryable network, parse, or storage failure.
	ErrTransient = errors.New("transient failure")
)

// Row is one benchmark record keyed by its remote integer ID. Values is
// ordered parallel to the declared schema fields; nil means SQL NULL.
type Row struct {
	ID     int64
	Values []*string
}

// NewRow returns a Row with every declared field null.
func NewRow(id int64, schema Schema) Row {
	return Row{ID: id, Values: make([]*string, len(schema.Fields))}
}

// AllNull reports whether every declared field of the row is null.
func (r Row) AllNull() bool {
	for _, v := range r.Values {
		if v != nil {
			return false
		}
	}
	return true
}
