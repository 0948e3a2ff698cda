package extract

import (
	"bytes"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/quantmind-br/reposheet-go/internal/domain"
	"github.com/quantmind-br/reposheet-go/internal/utils"
)

const maxPageLinks = 20

// Page maps a fetched web page onto a PageRecord. Absent metadata stays
// as explicit zero values rather than being dropped.
func Page(resp *domain.Response, canonicalURL string) (*domain.PageRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, domain.NewExtractionError(canonicalURL, "unparseable HTML", err)
	}

	rec := &domain.PageRecord{
		CanonicalURL:   canonicalURL,
		Title:          strings.TrimSpace(doc.Find("title").First().Text()),
		Description:    metaContent(doc, "description"),
		FaviconURL:     favicon(doc, canonicalURL),
		StatusCode:     resp.StatusCode,
		ResponseTimeMS: resp.Elapsed.Milliseconds(),
		Links:          sameHostLinks(doc, canonicalURL),
	}

	if kw := metaContent(doc, "keywords"); kw != "" {
		for _, k := range strings.Split(kw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				rec.Keywords = append(rec.Keywords, k)
			}
		}
	}

	return rec, nil
}

// metaContent reads a meta tag by name, falling back to the og: property
func metaContent(doc *goquery.Document, name string) string {
	if content, ok := doc.Find(`meta[name="` + name + `"]`).Attr("content"); ok {
		return strings.TrimSpace(content)
	}
	if content, ok := doc.Find(`meta[property="og:` + name + `"]`).Attr("content"); ok {
		return strings.TrimSpace(content)
	}
	return ""
}

func favicon(doc *goquery.Document, baseURL string) string {
	var href string
	doc.Find("link[rel]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		rel, _ := s.Attr("rel")
		rel = strings.ToLower(rel)
		if strings.Contains(rel, "icon") || strings.Contains(rel, "shortcut") {
			href, _ = s.Attr("href")
			return href == ""
		}
		return true
	})
	if href == "" {
		return ""
	}
	resolved, err := utils.ResolveURL(baseURL, href)
	if err != nil {
		return ""
	}
	return resolved
}

// sameHostLinks harvests up to maxPageLinks normalized same-host links,
// sorted for a deterministic record
func sameHostLinks(doc *goquery.Document, baseURL string) []string {
	seen := make(map[string]bool)

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "javascript:") ||
			strings.HasPrefix(href, "mailto:") ||
			strings.HasPrefix(href, "tel:") {
			return
		}

		absolute, err := utils.ResolveURL(baseURL, href)
		if err != nil || !utils.IsSameHost(absolute, baseURL) {
			return
		}
		normalized, err := utils.CanonicalURL(absolute)
		if err != nil || len(normalized) > 255 {
			return
		}
		seen[normalized] = true
	})

	if len(seen) == 0 {
		return nil
	}
	links := make([]string, 0, len(seen))
	for link := range seen {
		links = append(links, link)
	}
	sort.Strings(links)
	if len(links) > maxPageLinks {
		links = links[:maxPageLinks]
	}
	return links
}
