package crawler

import (
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Matches reports whether the rule matches rawURL. When the rule carries a
// ParentURLRegex the parent URL must match it as well.
func (r Rule) Matches(rawURL, parentURL string) bool {
	if r == (Rule{}) {
		return false
	}
	if r.Domain != "" {
		host := Host(rawURL)
		domain := strings.ToLower(strings.TrimPrefix(r.Domain, "."))
		if host != domain && !strings.HasSuffix(host, "."+domain) {
			return false
		}
	}
	if r.Substring != "" && !strings.Contains(rawURL, r.Substring) {
		return false
	}
	if r.Regex != "" && !fullMatch(r.Regex, rawURL) {
		return false
	}
	if r.Surt != "" {
		surt, err := SURT(rawURL)
		if err != nil || !strings.HasPrefix(surt, r.Surt) {
			return false
		}
	}
	if r.ParentURLRegex != "" && (parentURL == "" || !fullMatch(r.ParentURLRegex, parentURL)) {
		return false
	}
	return true
}

var regexCache sync.Map

// fullMatch anchors pattern at both ends; invalid patterns never match.
func fullMatch(pattern, s string) bool {
	cached, ok := regexCache.Load(pattern)
	if !ok {
		re, err := regexp.Compile(`^(?:` + pattern + `)$`)
		if err != nil {
			regexCache.Store(pattern, (*regexp.Regexp)(nil))
			return false
		}
		cached, _ = regexCache.LoadOrStore(pattern, re)
	}
	re, _ := cached.(*regexp.Regexp)
	return re != nil && re.MatchString(s)
}

// IsInScope decides whether rawURL, discovered on parent, belongs to the site.
// Block rules always win over anything that would otherwise admit the URL.
func IsInScope(site Site, rawURL string, parent Page) bool {
	canon, err := Canonicalize(rawURL)
	if err != nil {
		return false
	}
	if !strings.HasPrefix(canon, "http://") && !strings.HasPrefix(canon, "https://") {
		return false
	}
	if site.Scope.MaxHops != nil && parent.HopsFromSeed >= *site.Scope.MaxHops {
		return false
	}
	for _, block := range site.Scope.Blocks {
		if block.Matches(canon, parent.URL) {
			return false
		}
	}
	if Accepted(site, canon, parent) {
		return true
	}
	return parent.HopsOff < site.Scope.MaxHopsOff
}

// Accepted reports whether the canonical rawURL is under the site's anchor or
// matches one of its accept rules. Such URLs are on-site and reset hops off.
// Block rules are not consulted.
func Accepted(site Site, rawURL string, parent Page) bool {
	if InAnchor(site, rawURL) {
		return true
	}
	for _, accept := range site.Scope.Accepts {
		if accept.Matches(rawURL, parent.URL) {
			return true
		}
	}
	return false
}

// InAnchor reports whether the canonical SURT of rawURL starts with the site's anchor.
func InAnchor(site Site, rawURL string) bool {
	if site.Scope.Surt == "" {
		return false
	}
	surt, err := SURT(rawURL)
	if err != nil {
		return false
	}
	return strings.HasPrefix(surt, site.Scope.Surt)
}

// Priority favors breadth-first, shallow pages:
// max(0, 10-hops) + max(0, 6-path depth).
func Priority(hopsFromSeed int, canonicalURL string) int {
	return max(0, 10-hopsFromSeed) + max(0, 6-PathDepth(canonicalURL))
}

// PageID derives the stable page identifier for a URL within a site.
func PageID(siteID, canonicalURL string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(siteID+" "+canonicalURL)).String()
}
