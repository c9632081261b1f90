package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStrategyResolve(t *testing.T) {
	table := NewStrategyTable(DefaultKeyRules().PersonalizedPaths)

	tests := []struct {
		name   string
		method string
		path   string
		class  Class
		ttl    time.Duration
		stale  time.Duration
		tags   []string
	}{
		{"static asset", "GET", "/assets/app.3f2a.js", ClassStatic, 365 * 24 * time.Hour, 24 * time.Hour, []string{"static", "static:js"}},
		{"font", "GET", "/fonts/inter.WOFF2", ClassStatic, 365 * 24 * time.Hour, 24 * time.Hour, []string{"static", "static:woff2"}},
		{"reference data", "GET", "/api/tax-brackets/2024", ClassAPI, time.Hour, time.Minute, []string{"api", "api:tax-brackets", "reference"}},
		{"content api", "GET", "/api/content/home", ClassAPI, 5 * time.Minute, time.Minute, []string{"api", "api:content"}},
		{"generic api", "GET", "/api/news", ClassAPI, time.Minute, time.Minute, []string{"api", "api:news"}},
		{"html page", "GET", "/guides/filing", ClassHTML, time.Hour, 30 * time.Minute, []string{"html"}},
		{"html file", "HEAD", "/index.html", ClassHTML, time.Hour, 30 * time.Minute, []string{"html"}},
		{"personalized", "GET", "/dashboard", ClassPersonalized, 5 * time.Minute, time.Minute, []string{"html", "personalized"}},
		{"dynamic", "GET", "/sitemap.xml", ClassDynamic, time.Minute, 30 * time.Second, []string{"dynamic"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := table.Resolve(tt.method, tt.path)
			assert.Equal(t, tt.class, s.Class)
			assert.Equal(t, tt.ttl, s.TTL)
			assert.Equal(t, tt.stale, s.StaleWindow)
			assert.Equal(t, tt.tags, s.Tags)
			assert.True(t, s.Cacheable())
		})
	}
}

func TestStrategyNeverCaches(t *testing.T) {
	table := NewStrategyTable(nil)

	for _, tc := range []struct{ method, path string }{
		{"POST", "/api/calculate"},
		{"GET", "/api/calculate"},
		{"GET", "/api/auth/session"},
		{"PUT", "/guides/filing"},
		{"DELETE", "/app.js"},
	} {
		s := table.Resolve(tc.method, tc.path)
		assert.False(t, s.Cacheable(), "%s %s", tc.method, tc.path)
		assert.Equal(t, ClassBypass, s.Class)
	}
}

func TestPersonalizedBrowserTTLIsZero(t *testing.T) {
	s := NewStrategyTable([]string{"/my-taxes"}).Resolve("GET", "/my-taxes/summary")
	assert.Equal(t, time.Duration(0), s.BrowserTTL)
	assert.Equal(t, 5*time.Minute, s.TTL)
}
