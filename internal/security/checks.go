package security

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/globaltaxcalc/edge-gateway/internal/edge"
)

// checkBasic validates method, size, source address and well-known probe paths.
func (g *Gate) checkBasic(ctx context.Context, req *edge.Request) (Verdict, error) {
	if !g.rules.AllowedMethods[req.Method] {
		return block(ReasonMethodNotAllowed, req.Method), nil
	}

	if g.rules.MaxBodyBytes > 0 {
		size := int64(len(req.Body))
		if declared, err := strconv.ParseInt(req.Header.Get("Content-Length"), 10, 64); err == nil && declared > size {
			size = declared
		}
		if size > g.rules.MaxBodyBytes {
			return block(ReasonRequestTooLarge, strconv.FormatInt(size, 10)), nil
		}
	}

	if g.rules.IPBlocked(req.ClientIP) {
		return block(ReasonIPBlocked, "static"), nil
	}
	if g.blocklist != nil && g.blocklist.Contains(ctx, req.ClientIP) {
		return block(ReasonIPBlocked, "dynamic"), nil
	}

	path := strings.ToLower(req.Path)
	for _, probe := range g.rules.SuspiciousPaths {
		if strings.Contains(path, probe) {
			return block(ReasonSuspiciousPath, probe), nil
		}
	}
	return allow(), nil
}

// checkGeo blocks anonymizer country codes on sensitive paths only. Watched
// countries are logged and let through.
func (g *Gate) checkGeo(ctx context.Context, req *edge.Request) (Verdict, error) {
	country := strings.ToUpper(req.Country)
	if country == "" {
		return allow(), nil
	}

	if g.rules.BlockedCountries[country] && hasPathPrefix(req.Path, g.rules.SensitivePaths) {
		return block(ReasonGeoBlocked, country), nil
	}
	if g.rules.WatchedCountries[country] {
		g.logger.Info("Request from watched country",
			zap.String("country", country),
			zap.String("path", req.Path),
			zap.String("request_id", req.RequestID),
		)
	}
	return allow(), nil
}

// checkBot applies the scanner denylist, the crawler carve-out and the
// header heuristics. Any one heuristic is enough to block.
func (g *Gate) checkBot(ctx context.Context, req *edge.Request) (Verdict, error) {
	ua := strings.ToLower(req.Header.Get("User-Agent"))

	for _, crawler := range g.rules.AllowedCrawlers {
		if strings.Contains(ua, crawler) {
			return allow(), nil
		}
	}
	for _, sig := range g.rules.BotSignatures {
		if strings.Contains(ua, sig) {
			return block(ReasonBotDetected, sig), nil
		}
	}
	for _, sig := range g.rules.ClientSignatures {
		if strings.Contains(ua, sig) {
			return block(ReasonBotDetected, sig), nil
		}
	}

	switch {
	case ua == "":
		return block(ReasonSuspiciousClient, "missing user-agent"), nil
	case len(ua) < 10:
		return block(ReasonSuspiciousClient, "short user-agent"), nil
	case req.Header.Get("Accept") == "":
		return block(ReasonSuspiciousClient, "missing accept"), nil
	case req.Header.Get("Accept-Language") == "":
		return block(ReasonSuspiciousClient, "missing accept-language"), nil
	}
	return allow(), nil
}

// checkWAF runs every signature over the path, each query value, each header
// value and, for mutating methods, the body. The first match blocks.
func (g *Gate) checkWAF(ctx context.Context, req *edge.Request) (Verdict, error) {
	paths := []string{req.Path}
	if decoded, err := url.PathUnescape(req.Path); err == nil && decoded != req.Path {
		paths = append(paths, decoded)
	}
	for _, p := range paths {
		if rule := g.matchWAF(p); rule != nil {
			return g.wafBlock(ReasonWAFURL, rule, "path"), nil
		}
	}

	query, err := url.ParseQuery(req.RawQuery)
	if err != nil {
		if rule := g.matchWAF(req.RawQuery); rule != nil {
			return g.wafBlock(ReasonWAFQuery, rule, "query"), nil
		}
	}
	for _, name := range sortedKeys(query) {
		for _, value := range query[name] {
			if rule := g.matchWAF(value); rule != nil {
				return g.wafBlock(ReasonWAFQuery, rule, name), nil
			}
		}
	}

	for _, name := range sortedKeys(req.Header) {
		for _, value := range req.Header[name] {
			if rule := g.matchWAF(value); rule != nil {
				return g.wafBlock(ReasonWAFHeader, rule, name), nil
			}
		}
	}

	if mutating(req.Method) && len(req.Body) > 0 {
		if rule := g.matchWAF(string(req.Body)); rule != nil {
			return g.wafBlock(ReasonWAFBody, rule, "body"), nil
		}
	}
	return allow(), nil
}

func (g *Gate) matchWAF(value string) *WAFRule {
	if value == "" {
		return nil
	}
	for _, rule := range g.rules.WAF {
		if rule.Match(value) {
			return rule
		}
	}
	return nil
}

func (g *Gate) wafBlock(reason Reason, rule *WAFRule, location string) Verdict {
	return block(reason, rule.ID+"@"+location)
}

// checkAbuse rejects oversized query strings and oversized inputs to the
// calculation endpoints.
func (g *Gate) checkAbuse(ctx context.Context, req *edge.Request) (Verdict, error) {
	if g.rules.MaxQueryLength > 0 && len(req.RawQuery) > g.rules.MaxQueryLength {
		return block(ReasonLargeQuery, strconv.Itoa(len(req.RawQuery))), nil
	}

	if g.rules.MaxCalcParamLen <= 0 || !hasPathPrefix(req.Path, g.rules.CalculationPaths) {
		return allow(), nil
	}

	for name, values := range req.Query() {
		for _, value := range values {
			if len(value) > g.rules.MaxCalcParamLen {
				return block(ReasonResourceExhaustion, name), nil
			}
		}
	}

	if len(req.Body) > 0 && strings.Contains(req.Header.Get("Content-Type"), "json") {
		var fields map[string]any
		// Non-object or malformed bodies are left to origin validation.
		if err := json.Unmarshal(req.Body, &fields); err == nil {
			for name, value := range fields {
				if s, ok := value.(string); ok && len(s) > g.rules.MaxCalcParamLen {
					return block(ReasonResourceExhaustion, name), nil
				}
			}
		}
	}
	return allow(), nil
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
