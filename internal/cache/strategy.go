package cache

import (
	"net/http"
	"path"
	"strings"
	"time"
)

// Class names the rule family a path resolved to.
type Class string

const (
	ClassStatic       Class = "static"
	ClassAPI          Class = "api"
	ClassHTML         Class = "html"
	ClassPersonalized Class = "personalized"
	ClassDynamic      Class = "dynamic"
	ClassBypass       Class = "bypass"
)

// Strategy tells the engine how long a response may be served. A TTL of zero
// or less means the response is never cached.
type Strategy struct {
	Class       Class
	TTL         time.Duration
	StaleWindow time.Duration
	BrowserTTL  time.Duration
	Tags        []string
}

// Cacheable reports whether responses under this strategy are stored.
func (s Strategy) Cacheable() bool {
	return s.TTL > 0
}

// StrategyTable is the immutable rule set built once at startup.
type StrategyTable struct {
	staticExtensions map[string]bool
	bypassAPI        []string
	referenceAPI     []string
	contentAPI       []string
	personalized     []string
}

// NewStrategyTable builds the table. personalizedPaths should match the
// personalization prefixes of the key rules.
func NewStrategyTable(personalizedPaths []string) *StrategyTable {
	extensions := map[string]bool{}
	for _, ext := range []string{
		".js", ".css", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".webp",
		".avif", ".woff", ".woff2", ".ttf", ".eot", ".map",
	} {
		extensions[ext] = true
	}

	return &StrategyTable{
		staticExtensions: extensions,
		bypassAPI:        []string{"/api/auth", "/api/user", "/api/admin", "/api/upload", "/api/calculate"},
		referenceAPI:     []string{"/api/tax-brackets", "/api/tax-rates", "/api/deductions", "/api/states", "/api/countries"},
		contentAPI:       []string{"/api/content", "/api/calculators", "/api/faq", "/api/articles"},
		personalized:     append([]string(nil), personalizedPaths...),
	}
}

// Resolve maps a method and path to a strategy. Only GET and HEAD are ever cacheable.
func (t *StrategyTable) Resolve(method, urlPath string) Strategy {
	if method != http.MethodGet && method != http.MethodHead {
		return Strategy{Class: ClassBypass}
	}

	ext := strings.ToLower(path.Ext(urlPath))

	switch {
	case t.staticExtensions[ext]:
		return Strategy{
			Class:       ClassStatic,
			TTL:         365 * 24 * time.Hour,
			StaleWindow: 24 * time.Hour,
			BrowserTTL:  24 * time.Hour,
			Tags:        []string{"static", "static:" + strings.TrimPrefix(ext, ".")},
		}

	case matchesPrefix(urlPath, "/api"):
		return t.resolveAPI(urlPath)

	case ext == "" || ext == ".html" || ext == ".htm" || strings.HasSuffix(urlPath, "/"):
		if matchesAny(urlPath, t.personalized) {
			return Strategy{
				Class:       ClassPersonalized,
				TTL:         5 * time.Minute,
				StaleWindow: time.Minute,
				BrowserTTL:  0,
				Tags:        []string{"html", "personalized"},
			}
		}
		return Strategy{
			Class:       ClassHTML,
			TTL:         time.Hour,
			StaleWindow: 30 * time.Minute,
			BrowserTTL:  5 * time.Minute,
			Tags:        []string{"html"},
		}

	default:
		return Strategy{
			Class:       ClassDynamic,
			TTL:         time.Minute,
			StaleWindow: 30 * time.Second,
			Tags:        []string{"dynamic"},
		}
	}
}

func (t *StrategyTable) resolveAPI(urlPath string) Strategy {
	if matchesAny(urlPath, t.bypassAPI) {
		return Strategy{Class: ClassBypass}
	}

	tags := []string{"api", "api:" + apiSegment(urlPath)}

	switch {
	case matchesAny(urlPath, t.referenceAPI):
		return Strategy{
			Class:       ClassAPI,
			TTL:         time.Hour,
			StaleWindow: time.Minute,
			BrowserTTL:  5 * time.Minute,
			Tags:        append(tags, "reference"),
		}
	case matchesAny(urlPath, t.contentAPI):
		return Strategy{
			Class:       ClassAPI,
			TTL:         5 * time.Minute,
			StaleWindow: time.Minute,
			BrowserTTL:  time.Minute,
			Tags:        tags,
		}
	default:
		return Strategy{
			Class:       ClassAPI,
			TTL:         time.Minute,
			StaleWindow: time.Minute,
			Tags:        tags,
		}
	}
}

// apiSegment returns the first path segment after /api/.
func apiSegment(urlPath string) string {
	rest := strings.TrimPrefix(urlPath, "/api")
	rest = strings.TrimPrefix(rest, "/")
	segment, _, _ := strings.Cut(rest, "/")
	if segment == "" {
		return "root"
	}
	return segment
}
