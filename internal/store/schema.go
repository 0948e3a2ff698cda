package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/quantmind-br/reposheet-go/internal/domain"
)

// Both backends persist one row per record with this fixed column set;
// canonical_url is the unique row key.

// RepositoryColumns is the header row of the repository table
var RepositoryColumns = []string{
	"canonical_url", "name", "full_name", "description", "stars", "forks",
	"primary_language", "last_updated", "contributors_count", "license",
	"topics", "is_fork", "open_issues", "readme",
}

// PageColumns is the header row of the page table
var PageColumns = []string{
	"canonical_url", "title", "description", "keywords", "favicon_url",
	"status_code", "response_time_ms", "links",
}

const timeLayout = "2006-01-02 15:04:05"

const (
	listSeparator = ", "
	linkSeparator = "\n"
)

// SheetName returns the sheet holding a record kind's table
func SheetName(kind domain.RecordKind) string {
	if kind == domain.KindRepository {
		return "repositories"
	}
	return "pages"
}

// Columns returns the header row for a record kind
func Columns(kind domain.RecordKind) []string {
	if kind == domain.KindRepository {
		return RepositoryColumns
	}
	return PageColumns
}

// RecordToRow serializes a record into its row cells, ordered like the
// kind's column set
func RecordToRow(rec domain.Record) []string {
	switch r := rec.(type) {
	case *domain.RepositoryRecord:
		lastUpdated := ""
		if r.LastUpdated != nil {
			lastUpdated = r.LastUpdated.UTC().Format(timeLayout)
		}
		return []string{
			r.CanonicalURL,
			r.Name,
			r.FullName,
			r.Description,
			strconv.Itoa(r.Stars),
			strconv.Itoa(r.Forks),
			r.PrimaryLanguage,
			lastUpdated,
			strconv.Itoa(r.Contributors),
			r.License,
			strings.Join(r.Topics, listSeparator),
			strconv.FormatBool(r.IsFork),
			strconv.Itoa(r.OpenIssues),
			r.Readme,
		}
	case *domain.PageRecord:
		return []string{
			r.CanonicalURL,
			r.Title,
			r.Description,
			strings.Join(r.Keywords, listSeparator),
			r.FaviconURL,
			strconv.Itoa(r.StatusCode),
			strconv.FormatInt(r.ResponseTimeMS, 10),
			strings.Join(r.Links, linkSeparator),
		}
	}
	return nil
}

// RowToRecord parses row cells back into a record. Rows shorter than the
// column set are tolerated; missing cells stay zero-valued.
func RowToRecord(kind domain.RecordKind, row []string) (domain.Record, error) {
	cell := func(i int) string {
		if i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	if cell(0) == "" {
		return nil, fmt.Errorf("row has no canonical_url")
	}

	switch kind {
	case domain.KindRepository:
		rec := &domain.RepositoryRecord{
			CanonicalURL:    cell(0),
			Name:            cell(1),
			FullName:        cell(2),
			Description:     cell(3),
			Stars:           parseIntCell(cell(4)),
			Forks:           parseIntCell(cell(5)),
			PrimaryLanguage: cell(6),
			Contributors:    parseIntCell(cell(8)),
			License:         cell(9),
			Topics:          splitListCell(cell(10), listSeparator),
			IsFork:          cell(11) == "true",
			OpenIssues:      parseIntCell(cell(12)),
			Readme:          cell(13),
		}
		if raw := cell(7); raw != "" {
			if t, err := time.Parse(timeLayout, raw); err == nil {
				t = t.UTC()
				rec.LastUpdated = &t
			}
		}
		return rec, nil
	case domain.KindPage:
		return &domain.PageRecord{
			CanonicalURL:   cell(0),
			Title:          cell(1),
			Description:    cell(2),
			Keywords:       splitListCell(cell(3), listSeparator),
			FaviconURL:     cell(4),
			StatusCode:     parseIntCell(cell(5)),
			ResponseTimeMS: int64(parseIntCell(cell(6))),
			Links:          splitListCell(cell(7), linkSeparator),
		}, nil
	}
	return nil, fmt.Errorf("unknown record kind %q", kind)
}

func parseIntCell(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func splitListCell(s, sep string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
