package extract

import (
	"bytes"
	"strings"

	"github.com/quantmind-br/reposheet-go/internal/domain"
	"github.com/quantmind-br/reposheet-go/internal/utils"
)

// Shape tags the structural variant of a fetched document. It is
// resolved once per fetch and dispatched explicitly.
type Shape int

const (
	// ShapeHTML is a rendered page to parse with selectors
	ShapeHTML Shape = iota
	// ShapeAPI is a structured API response to decode as JSON
	ShapeAPI
)

// DetectShape classifies a response body as API JSON or HTML
func DetectShape(resp *domain.Response) Shape {
	if strings.Contains(resp.ContentType, "application/json") {
		return ShapeAPI
	}
	trimmed := bytes.TrimLeft(resp.Body, " \t\r\n")
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return ShapeAPI
	}
	return ShapeHTML
}

// Extract dispatches the fetched document to the adapter matching the
// canonical URL's host and returns the normalized record. It is a pure
// function of its inputs: no network calls, no store access.
func Extract(resp *domain.Response, canonicalURL string) (domain.Record, error) {
	if utils.IsRepositoryHost(canonicalURL) {
		return Repository(resp, canonicalURL)
	}
	return Page(resp, canonicalURL)
}
