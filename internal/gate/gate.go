// Package gate is the decision pipeline entry point. One call to Decide
// runs the full evaluation for a cart-mutating request: whitelist and block
// lookup, device fingerprinting, geo anomaly detection, fraud scoring, and
// the enforcement response, all inside a fixed latency budget.
//
// The gate degrades rather than fails: when a backing store or the budget
// itself gives out, the configured fail mode decides whether the request is
// permitted with a degraded audit trail or denied outright.
package gate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"cartguard/internal/audit"
	"cartguard/internal/blockstore"
	"cartguard/internal/circuitbreaker"
	"cartguard/internal/config"
	"cartguard/internal/fingerprint"
	"cartguard/internal/fraud"
	"cartguard/internal/history"
	"cartguard/internal/idgen"
	"cartguard/internal/logging"
	"cartguard/internal/metrics"
	"cartguard/internal/ratelimit"
	"cartguard/internal/response"
	"cartguard/internal/signal"
	"cartguard/internal/syncutil"
	"cartguard/internal/traces"
)

// Circuit breaker keys for the gate's backing stores.
const (
	breakerBlocks  = "blockstore"
	breakerHistory = "history"
)

// penaltyDuration is how long a rate_limit decision throttles an actor.
const penaltyDuration = 10 * time.Minute

// Gate evaluates cart operations and decides whether they proceed.
type Gate struct {
	cfg          *config.Config
	policy       response.Policy
	fingerprints *fingerprint.Engine
	detector     *geoDetector
	scorer       *fraud.Scorer
	orchestrator *response.Orchestrator
	blocks       blockstore.Store
	history      history.Store
	assessments  fraud.Store
	auditor      *audit.Writer
	limiter      *ratelimit.Limiter
	breaker      *circuitbreaker.Breaker
	locks        *syncutil.ContextShardedMutex
	logger       *slog.Logger
}

// Deps carries the gate's collaborators. Resolver and Limiter are optional;
// everything else is required.
type Deps struct {
	Config       *config.Config
	Policy       response.Policy
	Fingerprints *fingerprint.Engine
	Detector     GeoEvaluator
	Resolver     LocationResolver
	Scorer       *fraud.Scorer
	Orchestrator *response.Orchestrator
	Blocks       blockstore.Store
	History      history.Store
	Assessments  fraud.Store
	Audit        *audit.Writer
	Limiter      *ratelimit.Limiter
	Breaker      *circuitbreaker.Breaker
	Logger       *slog.Logger
}

// New wires a gate from its collaborators.
func New(d Deps) *Gate {
	if d.Breaker == nil {
		d.Breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &Gate{
		cfg:          d.Config,
		policy:       d.Policy,
		fingerprints: d.Fingerprints,
		detector:     &geoDetector{evaluator: d.Detector, resolver: d.Resolver},
		scorer:       d.Scorer,
		orchestrator: d.Orchestrator,
		blocks:       d.Blocks,
		history:      d.History,
		assessments:  d.Assessments,
		auditor:      d.Audit,
		limiter:      d.Limiter,
		breaker:      d.Breaker,
		locks:        syncutil.NewContextShardedMutex(),
		logger:       d.Logger,
	}
}

// Decide runs the full pipeline for one request. It always returns a
// decision; the error is non-nil only when the request was denied because
// of an internal failure under fail-closed mode.
func (g *Gate) Decide(ctx context.Context, sc *signal.Context) (*response.Decision, error) {
	start := time.Now()
	defer func() {
		metrics.DecisionDuration.Observe(time.Since(start).Seconds())
	}()

	if logging.CorrelationID(ctx) == "" {
		ctx = logging.WithCorrelationID(ctx, idgen.WithPrefix("req_"))
	}
	if sc.Timestamp.IsZero() {
		sc.Timestamp = time.Now()
	}
	actor := sc.ActorKey()

	ctx, span := traces.StartSpan(ctx, "gate.Decide",
		traces.Actor(actor), traces.Op(string(sc.Operation)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, g.cfg.DecisionBudget)
	defer cancel()

	// Whitelisted actors bypass scoring entirely.
	if ok, err := g.isWhitelisted(ctx, actor); err != nil {
		return g.degrade(ctx, sc, "whitelist", err)
	} else if ok {
		d := g.passthrough(sc, response.ActionAllow)
		g.finish(ctx, sc, d)
		return d, nil
	}

	// Serialize decisions per actor so concurrent requests from one actor
	// observe each other's blocks and history.
	unlock, err := g.locks.LockContext(ctx, actor)
	if err != nil {
		return g.degrade(ctx, sc, "lock", err)
	}
	defer unlock()

	// An already-active block short-circuits before any scoring work.
	if rec, err := g.activeBlock(ctx, actor); err != nil {
		return g.degrade(ctx, sc, "blockstore", err)
	} else if rec != nil {
		d := g.blockedDecision(sc, rec)
		g.finish(ctx, sc, d)
		return d, nil
	}

	// A fresh identical assessment is reused without rescoring. Blocking
	// assessments never reach the cache, so this path cannot skip
	// enforcement.
	if cached, err := g.blocks.CachedAssessment(ctx, actor, string(sc.Operation)); err == nil && cached != nil {
		d := g.decisionFor(cached)
		g.finish(ctx, sc, d)
		return d, nil
	}

	loc, ipTimezone := g.detector.resolve(sc)

	var (
		wg      sync.WaitGroup
		snap    *history.Snapshot
		snapErr error
		fp      *fingerprint.Fingerprint
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		snap, snapErr = g.snapshot(ctx, actor)
	}()
	go func() {
		defer wg.Done()
		fp = g.fingerprintFor(ctx, sc, ipTimezone)
	}()
	wg.Wait()

	degraded := false
	if snapErr != nil {
		if g.cfg.FailMode == config.FailClosed {
			return g.degrade(ctx, sc, "history", snapErr)
		}
		metrics.FailOpenTotal.WithLabelValues("history").Inc()
		logging.L(ctx).Warn("scoring without actor history",
			"actor", actor, "error", snapErr)
		snap = &history.Snapshot{}
		degraded = true
	}

	geoRes := g.detector.evaluate(loc, snap.LastLocation)

	a := g.scorer.Assess(sc, fp, geoRes, snap)
	metrics.RiskScoreDistribution.Observe(float64(a.Score))

	d, err := g.orchestrator.Respond(ctx, a, snap.PriorBlocks)
	if err != nil {
		g.breaker.RecordFailure(breakerBlocks)
		return g.degrade(ctx, sc, "respond", err)
	}
	d.Degraded = degraded

	if d.Action == response.ActionRateLimit && g.limiter != nil {
		g.limiter.Penalize(actor, penaltyDuration)
	}

	g.finish(ctx, sc, d)
	g.record(ctx, sc, d, loc)
	return d, nil
}

// isWhitelisted checks the whitelist through the block store breaker.
func (g *Gate) isWhitelisted(ctx context.Context, actor string) (bool, error) {
	if !g.breaker.Allow(breakerBlocks) {
		return false, circuitbreaker.ErrOpen
	}
	ok, err := g.blocks.IsWhitelisted(ctx, actor)
	if err != nil {
		g.breaker.RecordFailure(breakerBlocks)
		return false, err
	}
	g.breaker.RecordSuccess(breakerBlocks)
	return ok, nil
}

// activeBlock returns the actor's block if one is currently in force.
func (g *Gate) activeBlock(ctx context.Context, actor string) (*blockstore.BlockRecord, error) {
	if !g.breaker.Allow(breakerBlocks) {
		return nil, circuitbreaker.ErrOpen
	}
	rec, err := g.blocks.Get(ctx, actor)
	if err != nil {
		g.breaker.RecordFailure(breakerBlocks)
		return nil, err
	}
	g.breaker.RecordSuccess(breakerBlocks)
	if rec != nil && rec.Active(time.Now()) {
		return rec, nil
	}
	return nil, nil
}

// snapshot loads actor history through the history breaker.
func (g *Gate) snapshot(ctx context.Context, actor string) (*history.Snapshot, error) {
	if !g.breaker.Allow(breakerHistory) {
		return nil, circuitbreaker.ErrOpen
	}
	snap, err := g.history.Snapshot(ctx, actor)
	if err != nil {
		g.breaker.RecordFailure(breakerHistory)
		return nil, err
	}
	g.breaker.RecordSuccess(breakerHistory)
	return snap, nil
}

// fingerprintFor derives the fingerprint for the request's device. The
// fingerprint is always recomputed; the cache entry under (user, hash) is
// reused only when the recomputed hash matches, so a changed device can
// never ride on a previously seen one. Cache failures are ignored.
func (g *Gate) fingerprintFor(ctx context.Context, sc *signal.Context, ipTimezone string) *fingerprint.Fingerprint {
	fp := g.fingerprints.Generate(sc.Device, ipTimezone)
	if sc.UserID == "" {
		return fp
	}
	if cached, err := g.blocks.CachedFingerprint(ctx, sc.UserID, fp.Hash); err == nil && cached != nil {
		return cached
	}
	if err := g.blocks.CacheFingerprint(ctx, sc.UserID, fp); err != nil {
		logging.L(ctx).Debug("fingerprint cache write failed",
			"user", sc.UserID, "error", err)
	}
	return fp
}

// decisionFor rebuilds a decision from a cached non-blocking assessment.
func (g *Gate) decisionFor(a *fraud.Assessment) *response.Decision {
	d := &response.Decision{
		Action:          g.policy.ActionFor(a.Score),
		Assessment:      a,
		EscalationLevel: g.policy.EscalationLevel(a.Score),
		PolicyVersion:   g.policy.Version,
	}
	if d.Action == response.ActionRateLimit {
		d.RetryAfter = time.Minute
	}
	return d
}

// passthrough builds a zero-score decision for short-circuit paths.
func (g *Gate) passthrough(sc *signal.Context, action response.Action) *response.Decision {
	return &response.Decision{
		Action: action,
		Assessment: &fraud.Assessment{
			ID:          idgen.WithPrefix("fa_"),
			ActorKey:    sc.ActorKey(),
			Operation:   sc.Operation,
			Score:       0,
			Level:       fraud.LevelLow,
			EvaluatedAt: time.Now(),
		},
		PolicyVersion: g.policy.Version,
	}
}

// blockedDecision denies a request from an actor with an active block.
func (g *Gate) blockedDecision(sc *signal.Context, rec *blockstore.BlockRecord) *response.Decision {
	d := &response.Decision{
		Action: response.ActionBlock,
		Assessment: &fraud.Assessment{
			ID:             idgen.WithPrefix("fa_"),
			ActorKey:       sc.ActorKey(),
			Operation:      sc.Operation,
			Score:          rec.RiskScore,
			Level:          fraud.LevelFor(rec.RiskScore),
			ShouldBlock:    true,
			TriggeredRules: []string{"active_block"},
			EvaluatedAt:    time.Now(),
		},
		Block:           rec,
		EscalationLevel: rec.EscalationLevel,
		PolicyVersion:   g.policy.Version,
	}
	if rec.EscalationLevel > 0 {
		d.Action = response.ActionEscalate
	}
	if !rec.Permanent {
		d.RetryAfter = time.Until(rec.ExpiresAt)
	}
	return d
}

// degrade resolves an internal failure according to the fail mode. Under
// fail-open the request is permitted with a degraded decision; under
// fail-closed it is denied and the error surfaces to the caller.
func (g *Gate) degrade(ctx context.Context, sc *signal.Context, stage string, cause error) (*response.Decision, error) {
	logging.L(ctx).Error("gate stage failed",
		"stage", stage, "actor", sc.ActorKey(), "failMode", string(g.cfg.FailMode), "error", cause)

	if g.cfg.FailMode == config.FailClosed {
		d := g.passthrough(sc, response.ActionBlock)
		d.Degraded = true
		g.finish(ctx, sc, d)
		return d, cause
	}

	metrics.FailOpenTotal.WithLabelValues(stage).Inc()
	d := g.passthrough(sc, response.ActionAllow)
	d.Degraded = true
	g.finish(ctx, sc, d)
	return d, nil
}

// finish emits the decision metric, span attributes and audit event. Every
// exit path goes through here exactly once.
func (g *Gate) finish(ctx context.Context, sc *signal.Context, d *response.Decision) {
	metrics.DecisionsTotal.WithLabelValues(string(d.Action)).Inc()
	trace.SpanFromContext(ctx).SetAttributes(
		traces.Action(string(d.Action)),
		traces.RiskScore(d.Assessment.Score),
		traces.RiskLevel(string(d.Assessment.Level)),
	)
	if g.auditor == nil {
		return
	}
	g.auditor.Send(&audit.Event{
		ID:             idgen.WithPrefix("ae_"),
		ActorKey:       sc.ActorKey(),
		Operation:      string(sc.Operation),
		Action:         string(d.Action),
		Score:          d.Assessment.Score,
		Level:          string(d.Assessment.Level),
		TriggeredRules: d.Assessment.TriggeredRules,
		Degraded:       d.Degraded,
		CorrelationID:  logging.CorrelationID(ctx),
	})
}

// record runs the post-decision bookkeeping off the request path: history
// updates, the assessment cache, and durable assessment storage. Failures
// are logged and never affect the already-returned decision.
func (g *Gate) record(ctx context.Context, sc *signal.Context, d *response.Decision, loc signal.Location) {
	a := d.Assessment
	actor := sc.ActorKey()
	bg := context.WithoutCancel(ctx)

	go func() {
		rctx, cancel := context.WithTimeout(bg, 5*time.Second)
		defer cancel()

		if err := g.history.RecordOp(rctx, actor, history.Entry{
			Operation: sc.Operation,
			Quantity:  sc.Quantity,
			UnitPrice: sc.UnitPrice,
			Timestamp: sc.Timestamp,
		}); err != nil {
			g.logger.Warn("record operation failed", "actor", actor, "error", err)
		}
		if !loc.Zero() {
			if err := g.history.RecordLocation(rctx, actor, loc); err != nil {
				g.logger.Warn("record location failed", "actor", actor, "error", err)
			}
		}
		if err := g.history.RecordScore(rctx, actor, a.Score); err != nil {
			g.logger.Warn("record score failed", "actor", actor, "error", err)
		}

		if !a.ShouldBlock {
			if err := g.blocks.CacheAssessment(rctx, a); err != nil {
				g.logger.Debug("assessment cache write failed", "actor", actor, "error", err)
			}
		}
		if g.assessments != nil {
			if err := g.assessments.Record(rctx, a); err != nil {
				g.logger.Warn("persist assessment failed", "actor", actor, "error", err)
			}
		}
	}()
}
