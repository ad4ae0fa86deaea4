// Package urlnorm normalizes crawl target URLs and computes the
// fingerprint used as the sole deduplication key (spec.md §4.1).
package urlnorm

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/idna"
	"lukechampine.com/blake3"
)

// Rules toggles individual normalization steps. The url_normalize.<rule>
// config options are parsed into config.Config.URLNormalize, but the task
// store always normalizes with DefaultRules, so those options do not change
// the Rules in use.
type Rules struct {
	LowercaseAuthority bool
	DropFragment       bool
	SortQuery          bool
	DropEmptyQuery     bool
	PercentNormalize   bool
}

// DefaultRules enables every normalization step described by spec.md §4.1.
func DefaultRules() Rules {
	return Rules{
		LowercaseAuthority: true,
		DropFragment:       true,
		SortQuery:          true,
		DropEmptyQuery:     true,
		PercentNormalize:   true,
	}
}

// Normalize canonicalizes raw into the string whose digest becomes the
// task fingerprint: lowercase scheme and authority (with IDN-normalized
// host), fragment dropped, query parameters sorted, empty-value
// duplicates removed, percent-encoding canonicalized by the stdlib URL
// parser/string round-trip.
func Normalize(raw string, rules Rules) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("urlnorm: parse %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("urlnorm: %q is not an absolute URL", raw)
	}

	scheme := u.Scheme
	host := u.Host
	if rules.LowercaseAuthority {
		scheme = strings.ToLower(scheme)
		host = strings.ToLower(host)
	}

	hostname, port := splitHostPort(host)
	normalizedHost, err := idna.Lookup.ToASCII(hostname)
	if err == nil && normalizedHost != "" {
		hostname = normalizedHost
	}
	if port != "" {
		host = hostname + ":" + port
	} else {
		host = hostname
	}

	path := u.EscapedPath()
	if rules.PercentNormalize {
		if decoded, err := url.PathUnescape(path); err == nil {
			path = (&url.URL{Path: decoded}).EscapedPath()
		}
	}
	if path == "" {
		path = "/"
	}

	query := u.Query()
	if rules.DropEmptyQuery {
		for k, vs := range query {
			kept := vs[:0]
			for _, v := range vs {
				if v != "" {
					kept = append(kept, v)
				}
			}
			if len(kept) == 0 {
				delete(query, k)
			} else {
				query[k] = kept
			}
		}
	}

	var queryStr string
	if rules.SortQuery {
		queryStr = encodeSortedQuery(query)
	} else {
		queryStr = query.Encode()
	}

	result := scheme + "://" + host + path
	if queryStr != "" {
		result += "?" + queryStr
	}
	if !rules.DropFragment && u.Fragment != "" {
		result += "#" + u.EscapedFragment()
	}
	return result, nil
}

func splitHostPort(host string) (hostname, port string) {
	if i := strings.LastIndex(host, ":"); i != -1 && !strings.Contains(host[i:], "]") {
		return host[:i], host[i+1:]
	}
	return host, ""
}

func encodeSortedQuery(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		vs := append([]string(nil), q[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// Fingerprint returns the fixed-width hex digest of a normalized URL
// string, the sole deduplication key for live tasks of a given host.
func Fingerprint(normalized string) string {
	sum := blake3.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:16])
}

// NormalizeAndFingerprint is the convenience entry point used by the task
// store's create_task / create_tasks_bulk operations.
func NormalizeAndFingerprint(raw string, rules Rules) (normalized, fingerprint string, err error) {
	normalized, err = Normalize(raw, rules)
	if err != nil {
		return "", "", err
	}
	return normalized, Fingerprint(normalized), nil
}

// NormalizeHost normalizes a bare host name (no scheme) for Host records,
// applying the same lowercase + IDN rules as Normalize's authority handling.
func NormalizeHost(raw string) (string, error) {
	h := strings.ToLower(strings.TrimSpace(raw))
	if h == "" {
		return "", fmt.Errorf("urlnorm: empty host")
	}
	hostname, port := splitHostPort(h)
	ascii, err := idna.Lookup.ToASCII(hostname)
	if err != nil {
		return "", fmt.Errorf("urlnorm: invalid host %q: %w", raw, err)
	}
	if port != "" {
		return ascii + ":" + port, nil
	}
	return ascii, nil
}
