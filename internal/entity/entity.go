// Package entity exposes the business records (accounts, contacts, leads, deals, activities)
// to the sync engine through one Repository per Kind.
package entity

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the closed set of business object types the sync engine handles.
type Kind string

const (
	Account  Kind = "account"
	Contact  Kind = "contact"
	Lead     Kind = "lead"
	Deal     Kind = "deal"
	Activity Kind = "activity"
)

// Kinds lists every Kind in a stable order.
var Kinds = []Kind{Account, Contact, Lead, Deal, Activity}

// ParseKind validates an entity type name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// Table is the SQL table backing the kind.
func (k Kind) Table() string {
	if k == Activity {
		return "activities"
	}
	return string(k) + "s"
}

var (
	ErrNotFound = errors.New("record not found")
	// ErrStale is returned by Put when the stored updated_at no longer matches the expected one.
	ErrStale = errors.New("record modified concurrently")
)

// Payload is the field map of a record.
type Payload map[string]any

// Record is one business object as the sync engine sees it.
type Record struct {
	Kind       Kind      `json:"entity_type"`
	ID         string    `json:"record_id"`
	CompanyID  string    `json:"company_id"`
	AssignedTo string    `json:"assigned_to,omitempty"`
	Payload    Payload   `json:"payload"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Scope restricts repository access to one company and, when UserID is set, to records
// assigned to that user or unassigned.
type Scope struct {
	CompanyID string
	UserID    string
}

// Visible reports whether r falls inside the scope.
func (s Scope) Visible(r Record) bool {
	if r.CompanyID != s.CompanyID {
		return false
	}
	return s.UserID == "" || r.AssignedTo == "" || r.AssignedTo == s.UserID
}

// Cursor is a keyset position in (updated_at, id) order.
type Cursor struct {
	UpdatedAt time.Time
	ID        string
}

// Encode renders the cursor as an opaque token.
func (c Cursor) Encode() string {
	raw := strconv.FormatInt(c.UpdatedAt.UnixNano(), 10) + ":" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by Cursor.Encode. An empty token yields nil.
func DecodeCursor(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	ts, id, ok := strings.Cut(string(raw), ":")
	if !ok {
		return nil, fmt.Errorf("invalid cursor")
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	return &Cursor{UpdatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// Query selects a page of records ordered by (updated_at, id).
type Query struct {
	// Since excludes records with updated_at <= Since. Zero means no lower bound.
	Since time.Time
	After *Cursor
	Limit int
}

type Page struct {
	Records []Record
	// Next is nil when the page is the last one.
	Next *Cursor
}

// Repository is read/write access to one Kind.
type Repository interface {
	Kind() Kind
	List(ctx context.Context, scope Scope, q Query) (Page, error)
	// Get returns ErrNotFound when the record does not exist or is outside the scope.
	Get(ctx context.Context, scope Scope, id string) (Record, error)
	// Put writes r if the stored updated_at equals expected; a zero expected means the record
	// must not exist yet. A mismatch returns ErrStale.
	Put(ctx context.Context, scope Scope, r Record, expected time.Time) error
}

// Registry maps each Kind to its repository.
type Registry map[Kind]Repository

func (r Registry) For(k Kind) (Repository, error) {
	repo, ok := r[k]
	if !ok {
		return nil, fmt.Errorf("no repository registered for %q", k)
	}
	return repo, nil
}

// NormalizeTime truncates to the microsecond precision every backend can store.
func NormalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Microsecond)
}
