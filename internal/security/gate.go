// Package security implements the edge security gate: an ordered chain of
// request checks that short-circuits on the first block.
package security

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/globaltaxcalc/edge-gateway/internal/edge"
	"github.com/globaltaxcalc/edge-gateway/internal/observability"
)

// Stage names, in evaluation order.
const (
	StageBasic = "basic"
	StageGeo   = "geo"
	StageBot   = "bot"
	StageWAF   = "waf"
	StageAbuse = "abuse"
)

type stage struct {
	name  string
	check func(ctx context.Context, req *edge.Request) (Verdict, error)
}

// Gate evaluates a request against the rule set.
type Gate struct {
	rules     *Rules
	blocklist *Blocklist
	logger    *zap.Logger
	metrics   *observability.MetricsCollector
	stages    []stage
}

// NewGate builds the chain. blocklist may be nil.
func NewGate(rules *Rules, blocklist *Blocklist, logger *zap.Logger, metrics *observability.MetricsCollector) *Gate {
	g := &Gate{
		rules:     rules,
		blocklist: blocklist,
		logger:    logger,
		metrics:   metrics,
	}
	g.stages = []stage{
		{name: StageBasic, check: g.checkBasic},
		{name: StageGeo, check: g.checkGeo},
		{name: StageBot, check: g.checkBot},
		{name: StageWAF, check: g.checkWAF},
		{name: StageAbuse, check: g.checkAbuse},
	}
	return g
}

// Check returns the first blocking verdict, or an allowed one. A panic or an
// error in any stage blocks with ReasonCheckError.
func (g *Gate) Check(ctx context.Context, req *edge.Request) (verdict Verdict) {
	ctx, span := observability.StartSpan(ctx, "security.check")
	current := ""

	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("Security check panicked",
				zap.String("stage", current),
				zap.String("path", req.Path),
				zap.Any("panic", rec),
			)
			verdict = Verdict{Blocked: true, Reason: ReasonCheckError, Stage: current}
		}
		if verdict.Blocked {
			g.metrics.SecurityBlocked(verdict.Stage, string(verdict.Reason))
			span.SetAttributes(
				attribute.String("security.stage", verdict.Stage),
				attribute.String("security.reason", string(verdict.Reason)),
			)
		}
		span.End()
	}()

	for _, s := range g.stages {
		current = s.name
		v, err := s.check(ctx, req)
		if err != nil {
			g.logger.Error("Security check failed",
				zap.String("stage", s.name),
				zap.String("path", req.Path),
				zap.Error(err),
			)
			return Verdict{Blocked: true, Reason: ReasonCheckError, Stage: s.name, Detail: err.Error()}
		}
		if v.Blocked {
			v.Stage = s.name
			g.logger.Warn("Request blocked",
				zap.String("stage", s.name),
				zap.String("reason", string(v.Reason)),
				zap.String("detail", v.Detail),
				zap.String("client", observability.MaskClient(req.ClientIP)),
				zap.String("method", req.Method),
				zap.String("path", req.Path),
				zap.String("request_id", req.RequestID),
			)
			return v
		}
	}
	return allow()
}

// String renders a verdict for logs.
func (v Verdict) String() string {
	if !v.Blocked {
		return "allowed"
	}
	return fmt.Sprintf("blocked(%s@%s)", v.Reason, v.Stage)
}
