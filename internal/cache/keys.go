package cache

import (
	"net/http"
	"strings"

	"github.com/globaltaxcalc/edge-gateway/internal/edge"
)

const (
	defaultSegment  = "anonymous"
	defaultCountry  = "XX"
	defaultLanguage = "en"
	segmentCookie   = "user_segment"
	segmentHeader   = "X-User-Segment"
)

// KeyRules lists the path prefixes that vary the cache key. Only one dimension
// applies per key: personalization, then device, then geo.
type KeyRules struct {
	PersonalizedPaths []string
	DevicePaths       []string
	GeoPaths          []string
}

// DefaultKeyRules mirrors the defaults shipped in config.
func DefaultKeyRules() KeyRules {
	return KeyRules{
		PersonalizedPaths: []string{"/dashboard", "/results", "/my-taxes", "/profile"},
		DevicePaths:       []string{"/calculators", "/tools", "/compare"},
		GeoPaths:          []string{"/tax-rates", "/api/tax-rates", "/api/locale", "/deadlines"},
	}
}

// GenerateKey derives the cache key for req. It is pure: identical inputs
// always produce the identical key.
func GenerateKey(req *edge.Request, rules KeyRules) string {
	var b strings.Builder
	b.Grow(len(req.Method) + len(req.Path) + len(req.RawQuery) + 32)
	b.WriteString(req.Method)
	b.WriteByte(':')
	b.WriteString(req.Path)
	b.WriteByte(':')
	b.WriteString(req.RawQuery)

	switch {
	case matchesAny(req.Path, rules.PersonalizedPaths):
		b.WriteString(":personalized:")
		b.WriteString(userSegment(req))
		b.WriteByte('|')
		b.WriteString(countryOf(req))
		b.WriteByte('|')
		b.WriteString(PrimaryLanguage(req.Header.Get("Accept-Language")))
	case matchesAny(req.Path, rules.DevicePaths):
		b.WriteString(":device:")
		b.WriteString(DeviceClass(req.Header))
	case matchesAny(req.Path, rules.GeoPaths):
		b.WriteString(":geo:")
		b.WriteString(countryOf(req))
	}

	return b.String()
}

// DeviceClass buckets the client into mobile, tablet or desktop. The
// Sec-CH-UA-Mobile client hint wins over user-agent sniffing.
func DeviceClass(h http.Header) string {
	if h.Get("Sec-CH-UA-Mobile") == "?1" {
		return "mobile"
	}

	ua := strings.ToLower(h.Get("User-Agent"))
	switch {
	case strings.Contains(ua, "ipad"), strings.Contains(ua, "tablet"),
		strings.Contains(ua, "android") && !strings.Contains(ua, "mobile"):
		return "tablet"
	case strings.Contains(ua, "mobi"), strings.Contains(ua, "iphone"), strings.Contains(ua, "ipod"),
		strings.Contains(ua, "android"), strings.Contains(ua, "windows phone"):
		return "mobile"
	default:
		return "desktop"
	}
}

// PrimaryLanguage returns the primary subtag of the first Accept-Language entry.
func PrimaryLanguage(acceptLanguage string) string {
	first, _, _ := strings.Cut(acceptLanguage, ",")
	first, _, _ = strings.Cut(first, ";")
	first = strings.TrimSpace(first)
	primary, _, _ := strings.Cut(first, "-")
	primary = strings.ToLower(primary)

	if primary == "" || primary == "*" || !isToken(primary, 8) {
		return defaultLanguage
	}
	return primary
}

func userSegment(req *edge.Request) string {
	segment := req.Header.Get(segmentHeader)
	if segment == "" {
		segment = req.Cookie(segmentCookie)
	}
	segment = strings.ToLower(strings.TrimSpace(segment))
	if segment == "" || !isToken(segment, 32) {
		return defaultSegment
	}
	return segment
}

func countryOf(req *edge.Request) string {
	country := strings.ToUpper(strings.TrimSpace(req.Country))
	if len(country) != 2 {
		return defaultCountry
	}
	return country
}

// isToken keeps key segments free of separators.
func isToken(s string, max int) bool {
	if len(s) > max {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return false
		}
	}
	return true
}

// matchesAny reports whether path equals a prefix or sits beneath it.
func matchesAny(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if matchesPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func matchesPrefix(path, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return path == "/"
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
