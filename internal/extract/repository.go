package extract

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/quantmind-br/reposheet-go/internal/domain"
	"github.com/quantmind-br/reposheet-go/internal/utils"
)

// Spreadsheet cells cap out near 32k characters; readme excerpts are
// truncated below that before they reach either backend.
const maxReadmeChars = 30000

// repoAPIResponse mirrors the hosting API's repository payload
type repoAPIResponse struct {
	Name            string `json:"name"`
	FullName        string `json:"full_name"`
	Description     string `json:"description"`
	StargazersCount int    `json:"stargazers_count"`
	ForksCount      int    `json:"forks_count"`
	Language        string `json:"language"`
	UpdatedAt       string `json:"updated_at"`
	License         *struct {
		Name   string `json:"name"`
		SPDXID string `json:"spdx_id"`
	} `json:"license"`
	Topics     []string `json:"topics"`
	Fork       bool     `json:"fork"`
	OpenIssues int      `json:"open_issues_count"`
	// Error envelope
	Message string `json:"message"`
}

// Repository maps a fetched repository document onto a RepositoryRecord.
// API JSON is preferred when the document carries it; rendered HTML is
// the best-effort fallback.
func Repository(resp *domain.Response, canonicalURL string) (*domain.RepositoryRecord, error) {
	owner, name, err := utils.ParseRepoPath(canonicalURL)
	if err != nil {
		return nil, domain.NewExtractionError(canonicalURL, "repository URL has no owner/name", err)
	}

	rec := &domain.RepositoryRecord{
		CanonicalURL: canonicalURL,
		Name:         name,
		FullName:     owner + "/" + name,
	}

	switch DetectShape(resp) {
	case ShapeAPI:
		if err := fillFromAPI(rec, resp, canonicalURL); err != nil {
			return nil, err
		}
	case ShapeHTML:
		if err := fillFromHTML(rec, resp, canonicalURL); err != nil {
			return nil, err
		}
	}

	if len(rec.Readme) > maxReadmeChars {
		rec.Readme = rec.Readme[:maxReadmeChars] + "\n... (truncated)"
	}
	return rec, nil
}

func fillFromAPI(rec *domain.RepositoryRecord, resp *domain.Response, canonicalURL string) error {
	var api repoAPIResponse
	if err := json.Unmarshal(resp.Body, &api); err != nil {
		return domain.NewExtractionError(canonicalURL, "malformed API response", err)
	}
	if api.Message != "" && api.FullName == "" {
		return domain.NewExtractionError(canonicalURL, "API error envelope: "+api.Message, nil)
	}
	if api.FullName == "" {
		return domain.NewExtractionError(canonicalURL, "API response missing repository fields", nil)
	}

	rec.Name = api.Name
	rec.FullName = api.FullName
	rec.Description = api.Description
	rec.Stars = api.StargazersCount
	rec.Forks = api.ForksCount
	rec.PrimaryLanguage = api.Language
	rec.Topics = api.Topics
	rec.IsFork = api.Fork
	rec.OpenIssues = api.OpenIssues
	if api.License != nil {
		rec.License = api.License.Name
	}
	if api.UpdatedAt != "" {
		if t, err := time.Parse(time.RFC3339, api.UpdatedAt); err == nil {
			rec.LastUpdated = &t
		}
	}
	return nil
}

func fillFromHTML(rec *domain.RepositoryRecord, resp *domain.Response, canonicalURL string) error {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return domain.NewExtractionError(canonicalURL, "unparseable HTML", err)
	}

	// A repository page always carries the stargazers link; its absence
	// means we fetched something else (login wall, 404 page, ...)
	stars := doc.Find(`a[href$="/stargazers"]`).First()
	if stars.Length() == 0 {
		return domain.NewExtractionError(canonicalURL, "document does not look like a repository page", nil)
	}
	rec.Stars = ParseCount(strings.TrimSpace(stars.Text()))

	if forks := doc.Find(`a[href$="/forks"], a[href$="/network/members"]`).First(); forks.Length() > 0 {
		rec.Forks = ParseCount(strings.TrimSpace(forks.Text()))
	}
	if desc := doc.Find(`p[class*="f4"]`).First(); desc.Length() > 0 {
		rec.Description = strings.TrimSpace(desc.Text())
	} else if og, ok := doc.Find(`meta[property="og:description"]`).Attr("content"); ok {
		rec.Description = strings.TrimSpace(og)
	}
	if lang := doc.Find(`span[itemprop="programmingLanguage"]`).First(); lang.Length() > 0 {
		rec.PrimaryLanguage = strings.TrimSpace(lang.Text())
	}
	if updated, ok := doc.Find("relative-time").First().Attr("datetime"); ok {
		if t, err := time.Parse(time.RFC3339, updated); err == nil {
			rec.LastUpdated = &t
		}
	}
	if lic := doc.Find(`a[href$="/LICENSE"], a[data-analytics-event*="LICENSE"]`).First(); lic.Length() > 0 {
		rec.License = strings.TrimSpace(lic.Text())
	}
	if issues := doc.Find(`a[href$="/issues"] span.Counter`).First(); issues.Length() > 0 {
		rec.OpenIssues = ParseCount(strings.TrimSpace(issues.Text()))
	}
	if contribs := doc.Find(`a[href$="/graphs/contributors"] span.Counter`).First(); contribs.Length() > 0 {
		rec.Contributors = ParseCount(strings.TrimSpace(contribs.Text()))
	}

	doc.Find(`a[data-octo-click="topic_click"], a.topic-tag`).Each(func(_ int, s *goquery.Selection) {
		if topic := strings.TrimSpace(s.Text()); topic != "" {
			rec.Topics = append(rec.Topics, topic)
		}
	})

	if readme := doc.Find("#readme article").First(); readme.Length() > 0 {
		rec.Readme = strings.TrimSpace(readme.Text())
	}

	// Forked repositories announce their parent above the title
	if forkOf := doc.Find(`span.text-small a[href*="/"]`).FilterFunction(func(_ int, s *goquery.Selection) bool {
		parent := s.Parent().Text()
		return strings.Contains(parent, "forked from")
	}); forkOf.Length() > 0 {
		rec.IsFork = true
	}

	return nil
}

// ContributorCount derives the contributor total from a contributors
// listing fetched one item per page: the last page number in the Link
// header is the count. Responses without pagination fall back to the
// listed length.
func ContributorCount(resp *domain.Response) int {
	if resp.Headers != nil {
		if n := lastPageFromLink(resp.Headers.Get("Link")); n > 0 {
			return n
		}
	}
	var items []json.RawMessage
	if err := json.Unmarshal(resp.Body, &items); err != nil {
		return 0
	}
	return len(items)
}

func lastPageFromLink(header string) int {
	for _, part := range strings.Split(header, ",") {
		if !strings.Contains(part, `rel="last"`) {
			continue
		}
		for _, marker := range []string{"?page=", "&page="} {
			i := strings.Index(part, marker)
			if i < 0 {
				continue
			}
			rest := part[i+len(marker):]
			if end := strings.IndexAny(rest, "&>"); end >= 0 {
				rest = rest[:end]
			}
			if n, err := strconv.Atoi(rest); err == nil && n > 0 {
				return n
			}
		}
	}
	return 0
}

// ParseCount parses abbreviated counts like "1.2k" or "3.4m"
func ParseCount(text string) int {
	text = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(text), ",", ""))
	if text == "" {
		return 0
	}

	multiplier := 1.0
	switch {
	case strings.HasSuffix(text, "k"):
		multiplier = 1_000
		text = strings.TrimSuffix(text, "k")
	case strings.HasSuffix(text, "m"):
		multiplier = 1_000_000
		text = strings.TrimSuffix(text, "m")
	}

	// Leading words ("Star 1.2k") are dropped down to the numeric tail
	fields := strings.Fields(text)
	if len(fields) > 0 {
		text = fields[len(fields)-1]
	}

	n, err := strconv.ParseFloat(text, 64)
	if err != nil || n < 0 {
		return 0
	}
	return int(n * multiplier)
}
