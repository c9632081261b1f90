package edge

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestCookieAndQuery(t *testing.T) {
	req := &Request{
		Path:     "/calculators/income",
		RawQuery: "state=CA&year=2024",
		Header: http.Header{
			"Cookie": []string{"session=abc; user_segment=premium", "theme=dark"},
		},
	}

	assert.Equal(t, "premium", req.Cookie("user_segment"))
	assert.Equal(t, "dark", req.Cookie("theme"))
	assert.Empty(t, req.Cookie("missing"))
	assert.Equal(t, "CA", req.Query().Get("state"))
	assert.Equal(t, "/calculators/income?state=CA&year=2024", req.URL())
}

func TestRequestCloneIsDeep(t *testing.T) {
	req := &Request{Header: http.Header{"Accept": []string{"text/html"}}, Body: []byte("x")}
	clone := req.Clone()

	clone.Header.Set("Accept", "application/json")
	clone.Body[0] = 'y'

	assert.Equal(t, "text/html", req.Header.Get("Accept"))
	assert.Equal(t, []byte("x"), req.Body)
}

func TestRequestUnconditional(t *testing.T) {
	req := &Request{Header: http.Header{
		"Accept":              {"text/html"},
		"If-None-Match":       {`"abc"`},
		"If-Modified-Since":   {"Tue, 14 Nov 2023 22:13:20 GMT"},
		"If-Match":            {`"abc"`},
		"If-Unmodified-Since": {"Tue, 14 Nov 2023 22:13:20 GMT"},
		"If-Range":            {`"abc"`},
	}}

	plain := req.Unconditional()

	assert.Equal(t, http.Header{"Accept": {"text/html"}}, plain.Header)
	assert.Len(t, req.Header, 6)
}

func TestResponseHeaders(t *testing.T) {
	resp := &Response{Headers: []HeaderField{
		{Name: "Vary", Value: "Accept"},
		{Name: "vary", Value: "Cookie"},
		{Name: "Content-Type", Value: "text/html"},
	}}

	assert.Equal(t, "Accept", resp.Get("VARY"))
	assert.True(t, resp.Has("content-type"))

	resp.Set("Vary", "Accept-Encoding")
	assert.Equal(t, []HeaderField{
		{Name: "Content-Type", Value: "text/html"},
		{Name: "Vary", Value: "Accept-Encoding"},
	}, resp.Headers)
}

func TestHeadersFromIsOrdered(t *testing.T) {
	fields := HeadersFrom(http.Header{
		"X-B": []string{"2", "3"},
		"X-A": []string{"1"},
	})
	assert.Equal(t, []HeaderField{
		{Name: "X-A", Value: "1"},
		{Name: "X-B", Value: "2"},
		{Name: "X-B", Value: "3"},
	}, fields)
	assert.True(t, IsHopByHop("Transfer-Encoding"))
	assert.False(t, IsHopByHop("Content-Type"))
}
