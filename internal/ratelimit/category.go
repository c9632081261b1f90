package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/globaltaxcalc/edge-gateway/internal/config"
)

// Category selects the limit applied to a request.
type Category string

const (
	CategoryAPI        Category = "api"
	CategoryCalculator Category = "calculator"
	CategoryUpload     Category = "upload"
	CategoryGeneral    Category = "general"
)

// Classify maps a request path to its category.
func Classify(path string) Category {
	p := strings.ToLower(path)
	switch {
	case underPrefix(p, "/api/calculate"), underPrefix(p, "/api/calculator"), underPrefix(p, "/calculate"):
		return CategoryCalculator
	case underPrefix(p, "/api/upload"):
		return CategoryUpload
	case underPrefix(p, "/api"):
		return CategoryAPI
	default:
		return CategoryGeneral
	}
}

func underPrefix(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// DefaultLimits is used for categories missing from configuration.
func DefaultLimits() map[Category]Limit {
	return map[Category]Limit{
		CategoryAPI:        {Limit: 100, Window: time.Minute},
		CategoryCalculator: {Limit: 30, Window: time.Minute},
		CategoryUpload:     {Limit: 10, Window: time.Minute},
		CategoryGeneral:    {Limit: 300, Window: time.Minute},
	}
}

// LimitsFromConfig overlays configured categories on the defaults.
func LimitsFromConfig(categories map[string]config.CategoryLimit) map[Category]Limit {
	limits := DefaultLimits()
	for name, c := range categories {
		limits[Category(strings.ToLower(name))] = Limit{Limit: c.Limit, Window: c.Window}
	}
	return limits
}

// ClientIdentity picks the most trustworthy client address:
// CF-Connecting-IP, then the first X-Forwarded-For hop, then X-Real-IP,
// then the socket address. Forwarding headers are only honored when the
// peer is a trusted proxy; otherwise any client could rotate them freely.
func ClientIdentity(h http.Header, socketIP string, trustForwarded bool) string {
	if trustForwarded {
		if ip := strings.TrimSpace(h.Get("CF-Connecting-IP")); ip != "" {
			return ip
		}
		if xff := h.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
		if ip := strings.TrimSpace(h.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(socketIP); err == nil {
		return host
	}
	if socketIP == "" {
		return "unknown"
	}
	return socketIP
}
