package security

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"github.com/globaltaxcalc/edge-gateway/internal/config"
)

// RuleType groups WAF signatures by attack family.
type RuleType string

const (
	RuleTypeSQLInjection     RuleType = "sql_injection"
	RuleTypeXSS              RuleType = "xss"
	RuleTypePathTraversal    RuleType = "path_traversal"
	RuleTypeCommandInjection RuleType = "command_injection"
)

// Severity is attached to matches for logging.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
)

// WAFRule is one compiled signature.
type WAFRule struct {
	ID       string
	Type     RuleType
	Severity Severity
	Regex    *regexp.Regexp
}

// Match reports whether value carries the signature.
func (r *WAFRule) Match(value string) bool {
	return r.Regex.MatchString(value)
}

var defaultWAFPatterns = []struct {
	id       string
	ruleType RuleType
	severity Severity
	pattern  string
}{
	{
		id:       "sql-injection-1",
		ruleType: RuleTypeSQLInjection,
		severity: SeverityCritical,
		pattern:  `(?i)(union\s+(all\s+)?select|insert\s+into|delete\s+from|drop\s+(table|database)|update\s+\w+\s+set\s|\bor\s+1\s*=\s*1\b)`,
	},
	{
		id:       "sql-injection-2",
		ruleType: RuleTypeSQLInjection,
		severity: SeverityCritical,
		pattern:  `(?i)('\s*(or|and)\s*'[^']*'\s*=\s*'|'\s*;\s*--|\b(sleep|benchmark)\s*\(\s*\d|waitfor\s+delay\s+')`,
	},
	{
		id:       "xss-1",
		ruleType: RuleTypeXSS,
		severity: SeverityHigh,
		pattern:  `(?i)(<\s*script|javascript:|vbscript:|\bon(load|error|click|mouseover|focus)\s*=|<\s*iframe|document\.cookie)`,
	},
	{
		id:       "path-traversal-1",
		ruleType: RuleTypePathTraversal,
		severity: SeverityHigh,
		pattern:  `(?i)(\.\./|\.\.\\|%2e%2e(%2f|%5c|/)|/etc/passwd|/etc/shadow|boot\.ini|win\.ini)`,
	},
	{
		id:       "command-injection-1",
		ruleType: RuleTypeCommandInjection,
		severity: SeverityCritical,
		pattern:  "(?i)([;|&]\\s*(ls|cat|rm|wget|curl|bash|sh|nc|whoami|id|uname)(\\s|$)|\\$\\([^)]*\\)|`[^`]+`)",
	},
}

// DefaultWAFRules compiles the built-in signature set.
func DefaultWAFRules() []*WAFRule {
	rules := make([]*WAFRule, 0, len(defaultWAFPatterns))
	for _, p := range defaultWAFPatterns {
		rules = append(rules, &WAFRule{
			ID:       p.id,
			Type:     p.ruleType,
			Severity: p.severity,
			Regex:    regexp.MustCompile(p.pattern),
		})
	}
	return rules
}

// Rules is the immutable rule set the gate evaluates. It is built once at
// startup and shared read-only by every request.
type Rules struct {
	AllowedMethods   map[string]bool
	MaxBodyBytes     int64
	BlockedAddrs     map[netip.Addr]bool
	BlockedPrefixes  []netip.Prefix
	SuspiciousPaths  []string
	BlockedCountries map[string]bool
	WatchedCountries map[string]bool
	SensitivePaths   []string
	BotSignatures    []string
	ClientSignatures []string
	AllowedCrawlers  []string
	WAF              []*WAFRule
	MaxQueryLength   int
	MaxCalcParamLen  int
	CalculationPaths []string
}

// RulesFromConfig compiles the security section of the configuration.
func RulesFromConfig(cfg config.SecurityConfig) (*Rules, error) {
	rules := &Rules{
		AllowedMethods:   make(map[string]bool),
		MaxBodyBytes:     cfg.MaxBodyBytes,
		BlockedAddrs:     make(map[netip.Addr]bool),
		SuspiciousPaths:  lowerAll(cfg.SuspiciousPaths),
		BlockedCountries: upperSet(cfg.BlockedCountries),
		WatchedCountries: upperSet(cfg.WatchedCountries),
		SensitivePaths:   cfg.SensitivePaths,
		BotSignatures:    lowerAll(cfg.BotSignatures),
		ClientSignatures: lowerAll(cfg.ClientSignatures),
		AllowedCrawlers:  lowerAll(cfg.AllowedCrawlers),
		WAF:              DefaultWAFRules(),
		MaxQueryLength:   cfg.MaxQueryLength,
		MaxCalcParamLen:  cfg.MaxCalcParamLen,
		CalculationPaths: cfg.CalculationPaths,
	}

	for _, m := range cfg.AllowedMethods {
		rules.AllowedMethods[strings.ToUpper(m)] = true
	}

	for _, entry := range cfg.BlockedIPs {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid blocked CIDR %q: %w", entry, err)
			}
			rules.BlockedPrefixes = append(rules.BlockedPrefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid blocked IP %q: %w", entry, err)
		}
		rules.BlockedAddrs[addr.Unmap()] = true
	}

	return rules, nil
}

// IPBlocked reports static blocklist membership.
func (r *Rules) IPBlocked(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	if r.BlockedAddrs[addr] {
		return true
	}
	for _, prefix := range r.BlockedPrefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func upperSet(in []string) map[string]bool {
	out := make(map[string]bool, len(in))
	for _, s := range in {
		out[strings.ToUpper(strings.TrimSpace(s))] = true
	}
	return out
}

func hasPathPrefix(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if path == prefix || strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}
	return false
}
