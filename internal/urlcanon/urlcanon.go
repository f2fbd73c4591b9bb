// Package urlcanon normalizes and validates submitted URLs and extracts
// them from free text. Every accepted URL carries a content-addressed
// dedupe hash; rejected input always returns a reason, never a silent drop.
package urlcanon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Kind classifies a canonicalized URL for downstream routing.
type Kind string

const (
	KindWeb   Kind = "url_web"
	KindVideo Kind = "url_video"
)

// Canonical is one normalized, validated URL ready for dedupe lookup.
type Canonical struct {
	Normalized string
	DedupeHash string
	Kind       Kind
	VideoID    string // set when Kind == KindVideo
}

// Rejection explains why a candidate URL was refused.
type Rejection struct {
	Raw    string
	Reason string
}

func (r Rejection) Error() string { return fmt.Sprintf("%s: %s", r.Raw, r.Reason) }

var trackingKeys = map[string]bool{
	"gclid": true, "fbclid": true, "yclid": true,
	"mc_cid": true, "mc_eid": true, "igshid": true,
	"ref": true, "ref_src": true, "ref_url": true,
}

const maxURLLength = 2048

var badHostChars = regexp.MustCompile(`[<>"'@\x00-\x1f]`)

var dangerousSchemes = regexp.MustCompile(`(?i)^(javascript|data|file|vbscript):`)

// youtubeHostRe matches every YouTube host variant the canonicalizer must
// recognize, query order and subdomain aside.
var youtubeHostRe = regexp.MustCompile(`(?i)^(www\.|m\.|music\.)?(youtube\.com|youtube-nocookie\.com|youtu\.be)$`)

var videoIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// Canonicalize validates and normalizes a single raw URL string, applying
// the rules in order: default scheme, scheme allowlist, host character
// filter, case folding, fragment removal, tracking-param strip, query
// sort, path/query percent-encoding, trailing-slash collapse, length cap.
func Canonicalize(raw string) (Canonical, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Canonical{}, Rejection{raw, "empty input"}
	}
	if dangerousSchemes.MatchString(raw) || strings.Contains(strings.ToLower(raw), "<script") {
		return Canonical{}, Rejection{raw, "disallowed scheme or markup"}
	}

	candidate := raw
	if !strings.Contains(candidate, "://") {
		candidate = "https://" + candidate
	}

	u, err := url.Parse(candidate)
	if err != nil {
		return Canonical{}, Rejection{raw, "unparseable url"}
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Canonical{}, Rejection{raw, "scheme must be http or https"}
	}
	u.Scheme = scheme

	if badHostChars.MatchString(u.Host) {
		return Canonical{}, Rejection{raw, "host contains disallowed characters"}
	}
	u.Host = strings.ToLower(u.Host)

	if err := rejectLocalOrPrivate(u.Hostname()); err != nil {
		return Canonical{}, Rejection{raw, err.Error()}
	}

	u.Fragment = ""
	u.RawFragment = ""

	stripTrackingParams(u)
	sortQuery(u)

	u.Path = collapseTrailingSlash(u.EscapedPath())

	normalized := u.String()
	if len(normalized) > maxURLLength {
		return Canonical{}, Rejection{raw, "normalized url exceeds 2048 characters"}
	}

	c := Canonical{
		Normalized: normalized,
		DedupeHash: dedupeHash(normalized),
		Kind:       KindWeb,
	}
	if vid, ok := youtubeVideoID(u); ok {
		c.Kind = KindVideo
		c.VideoID = vid
	}
	return c, nil
}

// rejectLocalOrPrivate fails closed on loopback, private, link-local, and
// reserved literal hosts so the extractor never reaches internal services.
// Hosts that net.ParseIP rejects are still checked against the hex/octal/
// decimal IPv4 literal encodings (e.g. 0x7f000001, 017700000001,
// 2130706433) before falling back to "this is a textual hostname" —
// otherwise those encodings would slip past this filter entirely.
func rejectLocalOrPrivate(host string) error {
	if host == "" {
		return fmt.Errorf("empty host")
	}
	if host == "localhost" {
		return fmt.Errorf("loopback host rejected")
	}
	ip := net.ParseIP(host)
	if ip == nil {
		if obscure, ok := parseObscureIPv4(host); ok {
			ip = obscure
		}
	}
	if ip == nil {
		// not a literal IP; textual hostnames resolve at fetch time, not here
		return nil
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return fmt.Errorf("private or reserved address rejected")
	}
	return nil
}

// parseObscureIPv4 recognizes IPv4 literals written in the hex/octal/decimal
// "obscure" forms browsers and curl accept but net.ParseIP does not: a bare
// 32-bit integer (any base), or 2-4 dot-separated components where any
// component uses a 0x or leading-zero encoding.
func parseObscureIPv4(host string) (net.IP, bool) {
	parts := strings.Split(host, ".")
	if len(parts) == 0 || len(parts) > 4 {
		return nil, false
	}

	hasAltEncoding := len(parts) == 1
	values := make([]uint64, len(parts))
	for i, p := range parts {
		if p == "" {
			return nil, false
		}
		lower := strings.ToLower(p)
		if strings.HasPrefix(lower, "0x") || (len(p) > 1 && p[0] == '0') {
			hasAltEncoding = true
		}
		v, ok := parseIPv4Component(p)
		if !ok {
			return nil, false
		}
		values[i] = v
	}
	if !hasAltEncoding {
		return nil, false
	}

	var b [4]uint64
	switch len(values) {
	case 1:
		if values[0] > 0xFFFFFFFF {
			return nil, false
		}
		b[0], b[1], b[2], b[3] = values[0]>>24, (values[0]>>16)&0xFF, (values[0]>>8)&0xFF, values[0]&0xFF
	case 2:
		if values[0] > 0xFF || values[1] > 0xFFFFFF {
			return nil, false
		}
		b[0], b[1], b[2], b[3] = values[0], values[1]>>16, (values[1]>>8)&0xFF, values[1]&0xFF
	case 3:
		if values[0] > 0xFF || values[1] > 0xFF || values[2] > 0xFFFF {
			return nil, false
		}
		b[0], b[1], b[2], b[3] = values[0], values[1], values[2]>>8, values[2]&0xFF
	case 4:
		for _, v := range values {
			if v > 0xFF {
				return nil, false
			}
		}
		b[0], b[1], b[2], b[3] = values[0], values[1], values[2], values[3]
	}
	return net.IPv4(byte(b[0]), byte(b[1]), byte(b[2]), byte(b[3])), true
}

// parseIPv4Component parses one dotted or bare IPv4 component as hex (0x
// prefix), octal (leading zero), or decimal, matching the encodings
// accepted by inet_aton-family parsers.
func parseIPv4Component(s string) (uint64, bool) {
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "0x"):
		v, err := strconv.ParseUint(lower[2:], 16, 64)
		return v, err == nil
	case len(s) > 1 && s[0] == '0':
		v, err := strconv.ParseUint(s, 8, 64)
		return v, err == nil
	default:
		v, err := strconv.ParseUint(s, 10, 64)
		return v, err == nil
	}
}

func stripTrackingParams(u *url.URL) {
	q := u.Query()
	for key := range q {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "utm_") || trackingKeys[lower] {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()
}

// sortQuery re-encodes the query string with keys in lexicographic order,
// preserving the relative order of repeated values for the same key.
func sortQuery(u *url.URL) {
	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		for j, v := range q[k] {
			if i > 0 || j > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(url.QueryEscape(k))
			sb.WriteByte('=')
			sb.WriteString(url.QueryEscape(v))
		}
	}
	u.RawQuery = sb.String()
}

func collapseTrailingSlash(path string) string {
	if path == "" || path == "/" {
		return path
	}
	return strings.TrimRight(path, "/")
}

func dedupeHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// youtubeVideoID reports the 11-character video id if u points at any
// recognized YouTube URL shape, regardless of query parameter order.
func youtubeVideoID(u *url.URL) (string, bool) {
	host := u.Hostname()
	if strings.EqualFold(host, "youtu.be") {
		id := strings.Trim(u.Path, "/")
		if videoIDRe.MatchString(id) {
			return id, true
		}
		return "", false
	}
	if !youtubeHostRe.MatchString(host) {
		return "", false
	}

	path := strings.Trim(u.Path, "/")
	segments := strings.Split(path, "/")

	switch {
	case path == "watch":
		if id := u.Query().Get("v"); videoIDRe.MatchString(id) {
			return id, true
		}
	case len(segments) == 2 && (segments[0] == "shorts" || segments[0] == "live" || segments[0] == "embed" || segments[0] == "v"):
		if videoIDRe.MatchString(segments[1]) {
			return segments[1], true
		}
	}
	return "", false
}

// urlWithSchemeRe extracts http(s) URLs and bareHostRe host-first candidates
// ("example.com/path") from free text for the two-pass scan below.
var (
	urlWithSchemeRe = regexp.MustCompile(`https?://[^\s<>"']+`)
	bareHostRe      = regexp.MustCompile(`\b[a-zA-Z0-9][a-zA-Z0-9-]{0,62}(\.[a-zA-Z0-9][a-zA-Z0-9-]{0,62}){1,}(/[^\s<>"']*)?`)
)

// ExtractResult is the outcome of scanning free text for URLs.
type ExtractResult struct {
	Found     []Canonical
	Rejected  []Rejection
	Truncated bool // true when input exceeded the scan cap
}

// ExtractFromText scans up to scanCap characters of s for URL-shaped
// substrings, validating each candidate with Canonicalize. Input beyond
// the cap is never silently dropped: Truncated is set instead.
func ExtractFromText(s string, scanCap int) ExtractResult {
	var result ExtractResult
	truncated := false
	if len(s) > scanCap {
		s = s[:scanCap]
		truncated = true
	}
	result.Truncated = truncated

	seen := map[string]bool{}
	candidates := urlWithSchemeRe.FindAllString(s, -1)
	candidates = append(candidates, bareHostRe.FindAllString(urlWithSchemeRe.ReplaceAllString(s, " "), -1)...)

	for _, raw := range candidates {
		raw = strings.TrimRight(raw, ".,;:)]}")
		if seen[raw] {
			continue
		}
		seen[raw] = true

		c, err := Canonicalize(raw)
		if err != nil {
			if rej, ok := err.(Rejection); ok {
				result.Rejected = append(result.Rejected, rej)
			}
			continue
		}
		result.Found = append(result.Found, c)
	}
	return result
}
