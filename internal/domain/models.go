package domain

import (
	"net/http"
	"time"
)

// RecordKind identifies which record variant a canonical URL maps to.
type RecordKind string

const (
	// KindRepository is a record scraped from a repository-hosting domain
	KindRepository RecordKind = "repository"
	// KindPage is a record scraped from any other web page
	KindPage RecordKind = "page"
)

// Record is the common contract of the two record variants.
// Key returns the canonical URL, the unique identity across all backends.
type Record interface {
	Kind() RecordKind
	Key() string
	Equal(other Record) bool
}

// RepositoryRecord holds normalized metadata for a source-code repository.
type RepositoryRecord struct {
	CanonicalURL    string     `json:"canonical_url"`
	Name            string     `json:"name"`
	FullName        string     `json:"full_name"`
	Description     string     `json:"description"`
	Stars           int        `json:"stars"`
	Forks           int        `json:"forks"`
	PrimaryLanguage string     `json:"primary_language"`
	LastUpdated     *time.Time `json:"last_updated"`
	Contributors    int        `json:"contributors_count"`
	License         string     `json:"license"`
	Topics          []string   `json:"topics"`
	IsFork          bool       `json:"is_fork"`
	OpenIssues      int        `json:"open_issues"`
	Readme          string     `json:"readme"`
}

// Kind returns KindRepository
func (r *RepositoryRecord) Kind() RecordKind { return KindRepository }

// Key returns the canonical URL
func (r *RepositoryRecord) Key() string { return r.CanonicalURL }

// Equal reports whether every tracked field matches
func (r *RepositoryRecord) Equal(other Record) bool {
	o, ok := other.(*RepositoryRecord)
	if !ok {
		return false
	}
	if r.CanonicalURL != o.CanonicalURL ||
		r.Name != o.Name ||
		r.FullName != o.FullName ||
		r.Description != o.Description ||
		r.Stars != o.Stars ||
		r.Forks != o.Forks ||
		r.PrimaryLanguage != o.PrimaryLanguage ||
		r.Contributors != o.Contributors ||
		r.License != o.License ||
		r.IsFork != o.IsFork ||
		r.OpenIssues != o.OpenIssues ||
		r.Readme != o.Readme {
		return false
	}
	if !timePtrEqual(r.LastUpdated, o.LastUpdated) {
		return false
	}
	return stringSliceEqual(r.Topics, o.Topics)
}

// PageRecord holds normalized metadata for a generic web page.
type PageRecord struct {
	CanonicalURL   string   `json:"canonical_url"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Keywords       []string `json:"keywords"`
	FaviconURL     string   `json:"favicon_url"`
	StatusCode     int      `json:"status_code"`
	ResponseTimeMS int64    `json:"response_time_ms"`
	Links          []string `json:"links"`
}

// Kind returns KindPage
func (p *PageRecord) Kind() RecordKind { return KindPage }

// Key returns the canonical URL
func (p *PageRecord) Key() string { return p.CanonicalURL }

// Equal reports whether every tracked field matches
func (p *PageRecord) Equal(other Record) bool {
	o, ok := other.(*PageRecord)
	if !ok {
		return false
	}
	if p.CanonicalURL != o.CanonicalURL ||
		p.Title != o.Title ||
		p.Description != o.Description ||
		p.FaviconURL != o.FaviconURL ||
		p.StatusCode != o.StatusCode ||
		p.ResponseTimeMS != o.ResponseTimeMS {
		return false
	}
	return stringSliceEqual(p.Keywords, o.Keywords) && stringSliceEqual(p.Links, o.Links)
}

// Response represents a fetched HTTP document
type Response struct {
	StatusCode  int
	Body        []byte
	Headers     http.Header
	ContentType string
	URL         string
	FromCache   bool
	Elapsed     time.Duration
}

// Outcome classifies the result of processing one input URL against one
// backend (or the item as a whole).
type Outcome string

const (
	OutcomeCreated          Outcome = "created"
	OutcomeUpdated          Outcome = "updated"
	OutcomeSkippedExisting  Outcome = "skipped_existing"
	OutcomeSkippedDuplicate Outcome = "skipped_duplicate"
	OutcomeCancelled        Outcome = "cancelled"
	// OutcomePartialSync marks an item whose write landed in some
	// targets but failed in others; never collapsed into plain success
	OutcomePartialSync Outcome = "partial_sync_failure"
	OutcomeFailed      Outcome = "failed"
)

// ItemState tracks an item's position in the processing pipeline.
type ItemState string

const (
	StatePending    ItemState = "pending"
	StateFetching   ItemState = "fetching"
	StateExtracting ItemState = "extracting"
	StateUpserting  ItemState = "upserting"
	StateDone       ItemState = "done"
)

// BackendID identifies a registered record store.
type BackendID string

const (
	// BackendLocal is the spreadsheet file on disk
	BackendLocal BackendID = "local"
	// BackendRemote is the collaborative sheet service
	BackendRemote BackendID = "remote"
)

// BackendResult is the per-backend outcome of a single upsert call.
type BackendResult struct {
	Backend BackendID `json:"backend"`
	Outcome Outcome   `json:"outcome"`
	Err     error     `json:"-"`
}

// DeleteOutcome classifies a per-backend delete attempt.
type DeleteOutcome string

const (
	DeleteDeleted  DeleteOutcome = "deleted"
	DeleteNotFound DeleteOutcome = "not_found"
	DeleteFailed   DeleteOutcome = "failed"
)

// DeleteResult is the per-backend outcome of a delete-by-url call.
type DeleteResult struct {
	Backend BackendID     `json:"backend"`
	Outcome DeleteOutcome `json:"outcome"`
	Err     error         `json:"-"`
}

// ItemReport is the structured outcome produced for every input URL of a
// batch. Backends holds one entry per targeted backend; PartialSync is set
// when those entries diverge between success and failure.
type ItemReport struct {
	URL          string          `json:"url"`
	CanonicalURL string          `json:"canonical_url,omitempty"`
	Kind         RecordKind      `json:"kind,omitempty"`
	State        ItemState       `json:"state"`
	Outcome      Outcome         `json:"outcome"`
	Backends     []BackendResult `json:"backends,omitempty"`
	PartialSync  bool            `json:"partial_sync,omitempty"`
	Err          error           `json:"-"`
	Reason       string          `json:"reason,omitempty"`
	Duration     time.Duration   `json:"duration"`
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
