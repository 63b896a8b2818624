package response

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cartguard/internal/blockstore"
	"cartguard/internal/fraud"
	"cartguard/internal/history"
	"cartguard/internal/idgen"
	"cartguard/internal/logging"
	"cartguard/internal/notify"
	"cartguard/internal/traces"
)

// Decision is the orchestrator's verdict for one request.
type Decision struct {
	Action          Action                  `json:"action"`
	Assessment      *fraud.Assessment       `json:"assessment"`
	Block           *blockstore.BlockRecord `json:"block,omitempty"`
	EscalationLevel int                     `json:"escalationLevel"`
	RetryAfter      time.Duration           `json:"retryAfter,omitempty"`
	PolicyVersion   int                     `json:"policyVersion"`
	// Degraded marks a decision made with part of the pipeline unavailable.
	Degraded bool `json:"degraded,omitempty"`
}

// Permitted reports whether the operation may proceed. Challenge and
// rate_limit permit the request itself; the caller applies the friction.
func (d *Decision) Permitted() bool {
	return d.Action != ActionBlock && d.Action != ActionEscalate
}

// Publisher receives decision events. Satisfied by notify.Dispatcher.
type Publisher interface {
	Publish(e notify.Event)
}

// Orchestrator applies policy to assessments and installs blocks.
type Orchestrator struct {
	policy    Policy
	blocks    blockstore.Store
	history   history.Store
	publisher Publisher
	logger    *slog.Logger

	rateLimitRetryAfter time.Duration
}

func NewOrchestrator(policy Policy, blocks blockstore.Store, hist history.Store, pub Publisher, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		policy:              policy,
		blocks:              blocks,
		history:             hist,
		publisher:           pub,
		logger:              logger,
		rateLimitRetryAfter: time.Minute,
	}
}

// Respond converts an assessment into a decision, installing a block when
// the score demands one. Notification is fire-and-forget and never alters
// the returned decision.
func (o *Orchestrator) Respond(ctx context.Context, a *fraud.Assessment, priorBlocks int) (*Decision, error) {
	action := o.policy.ActionFor(a.Score)
	ctx, span := traces.StartSpan(ctx, "response.Respond",
		traces.Actor(a.ActorKey), traces.RiskScore(a.Score), traces.Action(string(action)))
	defer span.End()
	d := &Decision{
		Action:          action,
		Assessment:      a,
		EscalationLevel: o.policy.EscalationLevel(a.Score),
		PolicyVersion:   o.policy.Version,
	}
	if action == ActionRateLimit {
		d.RetryAfter = o.rateLimitRetryAfter
	}

	if action == ActionBlock || action == ActionEscalate {
		a.ShouldBlock = true
		rec, err := o.installBlock(ctx, a, priorBlocks, d.EscalationLevel)
		if err != nil {
			return nil, err
		}
		d.Block = rec
	}

	o.notify(ctx, d)
	return d, nil
}

func (o *Orchestrator) installBlock(ctx context.Context, a *fraud.Assessment, priorBlocks, escalation int) (*blockstore.BlockRecord, error) {
	duration, permanent := o.policy.BlockSentence(a.Score, priorBlocks > 0)

	now := time.Now()
	rec := &blockstore.BlockRecord{
		ID:              idgen.WithPrefix("blk_"),
		ActorKey:        a.ActorKey,
		Reason:          blockReason(a),
		RiskScore:       a.Score,
		EscalationLevel: escalation,
		Permanent:       permanent,
		CreatedAt:       now,
	}
	if !permanent {
		rec.ExpiresAt = now.Add(duration)
	}

	if err := o.blocks.Upsert(ctx, rec); err != nil {
		return nil, fmt.Errorf("install block for %s: %w", a.ActorKey, err)
	}
	if err := o.history.RecordBlock(ctx, a.ActorKey); err != nil {
		o.logger.Warn("failed to record block in history",
			"actor", a.ActorKey, "error", err)
	}
	return rec, nil
}

func blockReason(a *fraud.Assessment) string {
	if len(a.TriggeredRules) == 0 {
		return fmt.Sprintf("risk score %d", a.Score)
	}
	return fmt.Sprintf("risk score %d: %s", a.Score, a.TriggeredRules[0])
}

func (o *Orchestrator) notify(ctx context.Context, d *Decision) {
	if o.publisher == nil || d.Action == ActionAllow {
		return
	}
	kind := notify.KindDecision
	switch d.Action {
	case ActionBlock:
		kind = notify.KindBlock
	case ActionEscalate:
		kind = notify.KindEscalation
	}
	e := notify.Event{
		Kind:            kind,
		ActorKey:        d.Assessment.ActorKey,
		Operation:       string(d.Assessment.Operation),
		Action:          string(d.Action),
		Score:           d.Assessment.Score,
		Level:           string(d.Assessment.Level),
		TriggeredRules:  d.Assessment.TriggeredRules,
		EscalationLevel: d.EscalationLevel,
		CorrelationID:   logging.CorrelationID(ctx),
	}
	if d.Block != nil {
		e.BlockID = d.Block.ID
	}
	o.publisher.Publish(e)
}
