package utils

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/quantmind-br/reposheet-go/internal/domain"
)

// Hosts recognized as repository-hosting domains. URLs on these hosts
// classify as repository records; everything else is a page record.
var repositoryHosts = map[string]bool{
	"github.com":    true,
	"gitlab.com":    true,
	"bitbucket.org": true,
}

// CanonicalURL derives the unique identity key for a resource: scheme
// plus lowercase host with default port stripped, cleaned path without a
// trailing slash, no query and no fragment. Path case is preserved.
func CanonicalURL(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", domain.ErrInvalidURL
	}

	// Bare hostnames parse with an empty host; give them a scheme first
	if !strings.Contains(rawURL, "://") && !strings.HasPrefix(rawURL, "//") {
		rawURL = "https://" + rawURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", domain.ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", domain.ErrInvalidURL)
	}

	u.Host = strings.ToLower(u.Host)
	if (u.Scheme == "http" && u.Port() == "80") ||
		(u.Scheme == "https" && u.Port() == "443") {
		u.Host = u.Hostname()
	}

	if u.Path != "" {
		u.Path = path.Clean(u.Path)
	}
	if u.Path == "/" {
		u.Path = ""
	}
	u.Path = strings.TrimSuffix(u.Path, "/")

	// Tracking parameters and fragments never split identities
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil

	return u.String(), nil
}

// Host returns the lowercase host of a URL, without the www prefix or port
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}

// IsRepositoryHost reports whether the URL's host is a recognized
// repository-hosting domain
func IsRepositoryHost(rawURL string) bool {
	return repositoryHosts[Host(rawURL)]
}

// KindForURL classifies a URL into its record kind
func KindForURL(rawURL string) domain.RecordKind {
	if IsRepositoryHost(rawURL) {
		return domain.KindRepository
	}
	return domain.KindPage
}

// ParseRepoPath extracts owner and name from a repository URL path.
// Returns an error when the path has no owner/name segments.
func ParseRepoPath(rawURL string) (owner, name string, err error) {
	u, perr := url.Parse(rawURL)
	if perr != nil {
		return "", "", fmt.Errorf("%w: %v", domain.ErrInvalidURL, perr)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: no owner/name in %s", domain.ErrInvalidURL, rawURL)
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}

// ResolveURL resolves a relative reference against a base URL
func ResolveURL(base, ref string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(refURL).String(), nil
}

// IsSameHost checks if two URLs share a host
func IsSameHost(url1, url2 string) bool {
	return Host(url1) != "" && Host(url1) == Host(url2)
}
