// Package origin decides which browser origins may talk to the servers.
package origin

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	ErrInvalidEntry = errors.New("invalid allowed origin")
)

type Policy struct {
	any     bool
	allowed map[string]struct{}

	// wildcard entries as scheme and host suffix, e.g. "https" + ".vercel.app"
	wildcards []wildcard
}

type wildcard struct {
	scheme string
	suffix string
}

// NewPolicy builds a policy from an allow-list. An empty list or a "*"
// entry allows every origin. "scheme://*.domain" matches any subdomain.
// Entries that do not parse match nothing; run Validate on user input first.
func NewPolicy(allowed []string) *Policy {
	p := &Policy{
		any:     len(allowed) == 0,
		allowed: make(map[string]struct{}, len(allowed)),
	}
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "*" {
			p.any = true
			continue
		}
		if w, ok, err := parseWildcard(entry); ok {
			if err == nil {
				p.wildcards = append(p.wildcards, w)
			}
			continue
		}
		if norm, ok := Normalize(entry); ok {
			p.allowed[norm] = struct{}{}
		}
	}
	return p
}

// Validate checks a single allow-list entry.
func Validate(entry string) error {
	entry = strings.TrimSpace(entry)
	if entry == "*" {
		return nil
	}
	if _, ok, err := parseWildcard(entry); ok {
		return err
	}
	if _, ok := Normalize(entry); !ok {
		return fmt.Errorf("%w: %q must look like scheme://host[:port]", ErrInvalidEntry, entry)
	}
	return nil
}

// Allow reports whether a request carrying the given Origin header passes.
// Requests without the header are not from browsers and always pass.
func (p *Policy) Allow(header string) bool {
	if strings.TrimSpace(header) == "" || p.any {
		return true
	}
	norm, ok := Normalize(header)
	if !ok {
		return false
	}
	if _, ok = p.allowed[norm]; ok {
		return true
	}
	for _, w := range p.wildcards {
		host, found := strings.CutPrefix(norm, w.scheme+"://")
		if found && len(host) > len(w.suffix) && strings.HasSuffix(host, w.suffix) {
			return true
		}
	}
	return false
}

// parseWildcard reports ok when entry has a "*." host; err is set if the rest
// of it is not a valid origin.
func parseWildcard(entry string) (wildcard, bool, error) {
	scheme, host, found := strings.Cut(entry, "://*.")
	if !found {
		return wildcard{}, false, nil
	}
	norm, ok := Normalize(scheme + "://" + host)
	if !ok {
		return wildcard{}, true, fmt.Errorf("%w: %q is not a valid wildcard origin", ErrInvalidEntry, entry)
	}
	scheme, host, _ = strings.Cut(norm, "://")
	return wildcard{scheme: scheme, suffix: "." + host}, true, nil
}

// Normalize lowercases scheme and host and drops default ports.
func Normalize(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	host := strings.ToLower(u.Host)
	if strings.Contains(host, "*") {
		return "", false
	}
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	return scheme + "://" + host, true
}
