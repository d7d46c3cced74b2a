package ingest

import (
	"fmt"
	"net/url"
	"strings"
)

// Scope decides whether a discovered link belongs to a box's crawl.
//
// A link is in scope when its scheme is http or https, its host matches the
// seed host (ignoring case, default ports and a leading "www."), its path lies
// under the seed's directory, and its host is not blocklisted.
type Scope struct {
	host       string
	pathPrefix string
	blocked    *domainPatternBlocklist
}

// NewScope derives the scope for a seed URL.
func NewScope(seedURL string, blockedDomains []string) (*Scope, error) {
	u, err := url.Parse(seedURL)
	if err != nil {
		return nil, fmt.Errorf("parse seed url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("seed url %q has no host", seedURL)
	}
	prefix := u.Path
	if idx := strings.LastIndex(prefix, "/"); idx >= 0 {
		prefix = prefix[:idx+1]
	} else {
		prefix = "/"
	}
	if prefix == "" {
		prefix = "/"
	}
	return &Scope{
		host:       canonicalHost(u),
		pathPrefix: prefix,
		blocked:    newDomainPatternBlocklist(blockedDomains),
	}, nil
}

// Check returns ErrScopeRejected when rawURL falls outside the scope.
func (s *Scope) Check(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrScopeRejected, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrScopeRejected, u.Scheme)
	}
	if s.blocked.IsBlocked(u.Hostname()) {
		return fmt.Errorf("%w: host %q blocked", ErrScopeRejected, u.Hostname())
	}
	if canonicalHost(u) != s.host {
		return fmt.Errorf("%w: host %q", ErrScopeRejected, u.Hostname())
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, s.pathPrefix) {
		return fmt.Errorf("%w: path %q", ErrScopeRejected, path)
	}
	return nil
}

func canonicalHost(u *url.URL) string {
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// domainPatternBlocklist stores exact hosts and suffix wildcards derived from configuration.
type domainPatternBlocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

func newDomainPatternBlocklist(patterns []string) *domainPatternBlocklist {
	matcher := &domainPatternBlocklist{
		exact: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
			continue
		case strings.HasPrefix(value, "*."):
			matcher.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			matcher.addSuffix(strings.TrimPrefix(value, "."))
		default:
			matcher.exact[value] = struct{}{}
		}
	}
	if len(matcher.exact) == 0 && len(matcher.suffixes) == 0 {
		return nil
	}
	return matcher
}

func (b *domainPatternBlocklist) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range b.suffixes {
		if existing == suffix {
			return
		}
	}
	b.suffixes = append(b.suffixes, suffix)
}

func (b *domainPatternBlocklist) IsBlocked(host string) bool {
	if b == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, exact := b.exact[host]; exact {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
