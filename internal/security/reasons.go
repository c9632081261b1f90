package security

import (
	"net/http"
	"strings"
)

// Reason is the machine-readable code of a block.
type Reason string

const (
	ReasonAllowed            Reason = ""
	ReasonMethodNotAllowed   Reason = "method-not-allowed"
	ReasonRequestTooLarge    Reason = "request-too-large"
	ReasonIPBlocked          Reason = "ip-blocked"
	ReasonSuspiciousPath     Reason = "suspicious-path"
	ReasonGeoBlocked         Reason = "geo-blocked"
	ReasonBotDetected        Reason = "bot-detected"
	ReasonSuspiciousClient   Reason = "suspicious-client"
	ReasonWAFURL             Reason = "waf-url-pattern"
	ReasonWAFQuery           Reason = "waf-query-pattern"
	ReasonWAFHeader          Reason = "waf-header-pattern"
	ReasonWAFBody            Reason = "waf-body-pattern"
	ReasonLargeQuery         Reason = "ddos-large-query"
	ReasonResourceExhaustion Reason = "ddos-resource-exhaustion"
	ReasonCheckError         Reason = "security-check-error"
)

var reasonStatus = map[Reason]int{
	ReasonMethodNotAllowed: http.StatusMethodNotAllowed,
	ReasonRequestTooLarge:  http.StatusRequestEntityTooLarge,
	ReasonIPBlocked:        http.StatusForbidden,
	ReasonSuspiciousPath:   http.StatusForbidden,
	ReasonGeoBlocked:       http.StatusForbidden,
	ReasonBotDetected:      http.StatusForbidden,
	ReasonSuspiciousClient: http.StatusForbidden,
	ReasonCheckError:       http.StatusInternalServerError,
}

var reasonMessage = map[Reason]string{
	ReasonMethodNotAllowed:   "Method not allowed",
	ReasonRequestTooLarge:    "Request entity too large",
	ReasonIPBlocked:          "Access denied",
	ReasonSuspiciousPath:     "Access denied",
	ReasonGeoBlocked:         "Access denied from your region",
	ReasonBotDetected:        "Automated traffic is not allowed",
	ReasonSuspiciousClient:   "Automated traffic is not allowed",
	ReasonLargeQuery:         "Too many requests",
	ReasonResourceExhaustion: "Too many requests",
	ReasonCheckError:         "Security check failed",
}

// StatusFor maps a block reason to the HTTP status returned to the client.
func StatusFor(reason Reason) int {
	if status, ok := reasonStatus[reason]; ok {
		return status
	}
	switch {
	case strings.HasPrefix(string(reason), "waf-"):
		return http.StatusBadRequest
	case strings.HasPrefix(string(reason), "ddos-"):
		return http.StatusTooManyRequests
	default:
		return http.StatusForbidden
	}
}

// MessageFor is the human-readable error rendered alongside the reason.
func MessageFor(reason Reason) string {
	if msg, ok := reasonMessage[reason]; ok {
		return msg
	}
	if strings.HasPrefix(string(reason), "waf-") {
		return "Request blocked by WAF"
	}
	return "Request blocked"
}

// Verdict is the outcome of one stage or of the whole gate.
type Verdict struct {
	Blocked bool
	Reason  Reason
	Stage   string
	Detail  string
}

// Status is the HTTP status for a blocked verdict.
func (v Verdict) Status() int {
	return StatusFor(v.Reason)
}

func allow() Verdict {
	return Verdict{}
}

func block(reason Reason, detail string) Verdict {
	return Verdict{Blocked: true, Reason: reason, Detail: detail}
}
