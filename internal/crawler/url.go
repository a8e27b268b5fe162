package crawler

import (
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/idna"
)

// Canonicalize standardizes a URL so equal resources compare equal.
// It lowercases the scheme and host, IDNA-encodes the host, removes default
// ports, resolves dot segments and drops the fragment.
func Canonicalize(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if ascii, idnaErr := idna.Lookup.ToASCII(host); idnaErr == nil {
		host = ascii
	}
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host = host + ":" + port
	}
	u.Host = host

	u.Fragment = ""
	u.RawFragment = ""
	u.Path = cleanPath(u.Path)
	u.RawPath = ""
	if u.RawQuery == "" {
		u.ForceQuery = false
	}
	return u.String(), nil
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	cleaned := path.Clean(p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// Fragment returns the fragment of rawURL, or "" when it has none.
func Fragment(rawURL string) string {
	if idx := strings.IndexByte(rawURL, '#'); idx >= 0 {
		return rawURL[idx+1:]
	}
	return ""
}

// SURT renders a canonical URL in Sort-friendly URI Reordering Transform form,
// e.g. "https://www.example.com/a?b" becomes "https://(com,example,www,)/a?b".
func SURT(rawURL string) (string, error) {
	canon, err := Canonicalize(rawURL)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(canon)
	if err != nil {
		return "", fmt.Errorf("parse canonical url: %w", err)
	}
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://(")
	host := u.Hostname()
	if net.ParseIP(host) != nil {
		b.WriteString(host)
		b.WriteByte(',')
	} else {
		labels := strings.Split(host, ".")
		for i := len(labels) - 1; i >= 0; i-- {
			b.WriteString(labels[i])
			b.WriteByte(',')
		}
	}
	if port := u.Port(); port != "" {
		b.WriteByte(':')
		b.WriteString(port)
	}
	b.WriteByte(')')
	b.WriteString(u.EscapedPath())
	if u.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(u.RawQuery)
	}
	return b.String(), nil
}

// SiteSURT returns the scope anchor for a seed: its SURT with the query dropped
// and the path truncated after the last slash.
func SiteSURT(seed string) (string, error) {
	canon, err := Canonicalize(seed)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(canon)
	if err != nil {
		return "", fmt.Errorf("parse canonical url: %w", err)
	}
	u.RawQuery = ""
	u.ForceQuery = false
	if idx := strings.LastIndexByte(u.Path, '/'); idx >= 0 {
		u.Path = u.Path[:idx+1]
	}
	return SURT(u.String())
}

// Host returns the lowercase hostname of rawURL, or "" if it cannot be parsed.
func Host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// PathDepth counts the non-empty path segments of rawURL.
func PathDepth(rawURL string) int {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0
	}
	depth := 0
	for _, segment := range strings.Split(u.Path, "/") {
		if segment != "" {
			depth++
		}
	}
	return depth
}
