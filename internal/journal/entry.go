package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/entcache/internal/ir"
)

// Status values of an entry.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Entry is one issued adapter request and its outcome.
type Entry struct {
	// Seq is assigned on append.
	Seq int64 `json:"seq"`

	RequestID   string         `json:"request_id"`
	RequestType ir.RequestType `json:"request_type"`
	Type        string         `json:"type"`
	IDs         []string       `json:"ids,omitempty"`
	Owner       string         `json:"owner,omitempty"`
	Field       string         `json:"field,omitempty"`
	Link        string         `json:"link,omitempty"`
	Generation  int64          `json:"generation"`

	Status    string       `json:"status"`
	ErrorCode ir.ErrorCode `json:"error_code,omitempty"`
	Error     string       `json:"error,omitempty"`

	// Fingerprint is the normalized document's content hash.
	Fingerprint string `json:"fingerprint,omitempty"`
	Resources   int    `json:"resources"`
}

// EntryFor builds the entry of an operation. The outcome fields are filled
// from doc on success or err on failure.
func EntryFor(op ir.Operation, doc *ir.Document, err error) Entry {
	e := Entry{
		RequestID:   op.RequestID,
		RequestType: op.RequestType,
		Type:        op.Type,
		IDs:         op.IDs,
		Field:       op.Field,
		Link:        op.Link,
		Generation:  op.Generation,
		Status:      StatusOK,
	}
	if op.ID != "" && len(op.IDs) == 0 {
		e.IDs = []string{op.ID}
	}
	if op.Owner.Valid() {
		e.Owner = op.Owner.Key()
	}
	if err != nil {
		e.Status = StatusError
		e.ErrorCode = ir.CodeOf(err)
		e.Error = err.Error()
		return e
	}
	if doc != nil {
		e.Fingerprint = doc.Fingerprint()
		e.Resources = len(doc.Primary()) + len(doc.Included())
	}
	return e
}

// Append writes an entry. An entry whose request id is already journaled
// is ignored.
func (j *Journal) Append(ctx context.Context, e Entry) error {
	if e.IDs == nil {
		e.IDs = []string{}
	}
	idsJSON, err := ir.MarshalCanonical(toAnySlice(e.IDs))
	if err != nil {
		return fmt.Errorf("append request: %w", err)
	}

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO requests
		(request_id, request_type, model_type, ids, owner, field, link, generation,
		 status, error_code, error, fingerprint, resources)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO NOTHING
	`,
		e.RequestID,
		string(e.RequestType),
		e.Type,
		string(idsJSON),
		e.Owner,
		e.Field,
		e.Link,
		e.Generation,
		e.Status,
		string(e.ErrorCode),
		e.Error,
		e.Fingerprint,
		e.Resources,
	)
	if err != nil {
		return fmt.Errorf("append request: %w", err)
	}
	return nil
}

// List returns every entry in append order. Returns an empty slice when
// the journal is empty.
func (j *Journal) List(ctx context.Context) ([]Entry, error) {
	return j.query(ctx, `ORDER BY seq ASC`)
}

// ForRelationship returns the entries issued for owner.field in append
// order.
func (j *Journal) ForRelationship(ctx context.Context, owner ir.Identity, field string) ([]Entry, error) {
	return j.query(ctx, `WHERE owner = ? AND field = ? ORDER BY seq ASC`, owner.Key(), field)
}

// Get returns the entry for a request id.
func (j *Journal) Get(ctx context.Context, requestID string) (Entry, bool, error) {
	entries, err := j.query(ctx, `WHERE request_id = ?`, requestID)
	if err != nil {
		return Entry{}, false, err
	}
	if len(entries) == 0 {
		return Entry{}, false, nil
	}
	return entries[0], true, nil
}

// Count returns the number of entries.
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count requests: %w", err)
	}
	return n, nil
}

func (j *Journal) query(ctx context.Context, where string, args ...any) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT seq, request_id, request_type, model_type, ids, owner, field, link,
		       generation, status, error_code, error, fingerprint, resources
		FROM requests `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return entries, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e           Entry
		requestType string
		idsJSON     string
		errorCode   string
	)
	err := rows.Scan(
		&e.Seq, &e.RequestID, &requestType, &e.Type, &idsJSON, &e.Owner, &e.Field, &e.Link,
		&e.Generation, &e.Status, &errorCode, &e.Error, &e.Fingerprint, &e.Resources,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("scan request: %w", err)
	}
	e.RequestType = ir.RequestType(requestType)
	e.ErrorCode = ir.ErrorCode(errorCode)

	if err := json.Unmarshal([]byte(idsJSON), &e.IDs); err != nil {
		return Entry{}, fmt.Errorf("unmarshal ids: %w", err)
	}
	if len(e.IDs) == 0 {
		e.IDs = nil
	}
	return e, nil
}

func toAnySlice(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
