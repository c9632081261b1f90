// Package edge holds the request and response views shared by the cache,
// the security gate and the pipeline.
package edge

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Request is a transport-neutral snapshot of an inbound request.
type Request struct {
	Method     string
	Scheme     string
	Host       string
	Path       string
	RawQuery   string
	Header     http.Header
	Body       []byte
	ClientIP   string
	Country    string
	RequestID  string
	ReceivedAt time.Time
}

// Query parses the raw query. Malformed pairs are dropped.
func (r *Request) Query() url.Values {
	values, _ := url.ParseQuery(r.RawQuery)
	return values
}

// Cookie returns the value of the named cookie or "".
func (r *Request) Cookie(name string) string {
	for _, line := range r.Header.Values("Cookie") {
		for _, part := range strings.Split(line, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
			if ok && k == name {
				return v
			}
		}
	}
	return ""
}

// URL renders path and query the way they arrived.
func (r *Request) URL() string {
	if r.RawQuery == "" {
		return r.Path
	}
	return r.Path + "?" + r.RawQuery
}

// Clone returns a deep copy safe to hand to a background task.
func (r *Request) Clone() *Request {
	clone := *r
	clone.Header = r.Header.Clone()
	if clone.Header == nil {
		clone.Header = http.Header{}
	}
	clone.Body = append([]byte(nil), r.Body...)
	return &clone
}

var conditionalHeaders = []string{
	"If-Match",
	"If-None-Match",
	"If-Modified-Since",
	"If-Unmodified-Since",
	"If-Range",
}

// Unconditional returns a clone without conditional request headers, for
// fetches whose response is shared or stored rather than answered to the one
// client that sent the validators.
func (r *Request) Unconditional() *Request {
	clone := r.Clone()
	for _, name := range conditionalHeaders {
		clone.Header.Del(name)
	}
	return clone
}

// HeaderField is one response header line. Order and duplicates are preserved.
type HeaderField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Response is an origin or cached response.
type Response struct {
	StatusCode int
	Headers    []HeaderField
	Body       []byte
}

// Get returns the first value of the named header, case-insensitively.
func (r *Response) Get(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Has reports whether the named header is present.
func (r *Response) Has(name string) bool {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return true
		}
	}
	return false
}

// Set replaces every value of the named header with value.
func (r *Response) Set(name, value string) {
	r.Del(name)
	r.Headers = append(r.Headers, HeaderField{Name: name, Value: value})
}

// Del removes the named header.
func (r *Response) Del(name string) {
	kept := r.Headers[:0]
	for _, h := range r.Headers {
		if !strings.EqualFold(h.Name, name) {
			kept = append(kept, h)
		}
	}
	r.Headers = kept
}

// HeadersFrom flattens an http.Header into ordered fields, sorted by name for
// a stable layout.
func HeadersFrom(h http.Header) []HeaderField {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]HeaderField, 0, len(h))
	for _, name := range names {
		for _, v := range h[name] {
			fields = append(fields, HeaderField{Name: name, Value: v})
		}
	}
	return fields
}

var hopByHop = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// IsHopByHop reports headers that must not be forwarded or cached.
func IsHopByHop(name string) bool {
	return hopByHop[strings.ToLower(name)]
}

// ErrorBody is the JSON rendered for blocked and failed requests.
type ErrorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Timestamp string `json:"timestamp"`
}

// NewErrorBody stamps message and code with now in RFC 3339.
func NewErrorBody(message, code string, now time.Time) ErrorBody {
	return ErrorBody{Error: message, Code: code, Timestamp: now.UTC().Format(time.RFC3339)}
}
