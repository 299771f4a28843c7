// Package dedup keeps the threat table free of repeats within a run and
// across runs, and writes the per-run query audit.
package dedup

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint returns a stable 16 hex digit hash of the case-folded,
// whitespace-collapsed text.
func Fingerprint(text string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	return strconv.FormatUint(xxhash.Sum64String(norm), 16)
}

var trackingParams = map[string]bool{
	"ref": true, "ref_src": true, "fbclid": true, "gclid": true, "share_id": true,
}

// NormalizeURL reduces a URL to a comparison key: scheme and fragment are
// dropped, host is lowercased without "www." or a default port, tracking
// parameters are removed and the rest sorted, and a trailing slash is
// trimmed. Unparseable input is returned trimmed and lowercased.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(raw)
	}

	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	if port := u.Port(); port != "" && port != "80" && port != "443" {
		host += ":" + port
	}

	q := u.Query()
	for k := range q {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, "utm_") || trackingParams[lk] {
			q.Del(k)
		}
	}

	path := strings.TrimRight(u.EscapedPath(), "/")
	key := host + path
	if enc := q.Encode(); enc != "" {
		key += "?" + enc
	}
	return key
}

// InRun tracks items already seen within a single run, keyed by
// (platform, normalized URL), or (platform, content fingerprint) for items
// without a URL. It is not safe for concurrent use.
type InRun struct {
	seen map[string]struct{}
}

// NewInRun creates an empty in-run tracker.
func NewInRun() *InRun {
	return &InRun{seen: make(map[string]struct{})}
}

// Add records the item and reports whether it was new.
func (r *InRun) Add(platform, sourceURL, fingerprint string) bool {
	key := platform + "|"
	if n := NormalizeURL(sourceURL); n != "" {
		key += "u:" + n
	} else {
		key += "f:" + fingerprint
	}
	if _, ok := r.seen[key]; ok {
		return false
	}
	r.seen[key] = struct{}{}
	return true
}

// Len returns the number of distinct items recorded.
func (r *InRun) Len() int {
	return len(r.seen)
}
