package fraud

import (
	"math"
	"time"

	"cartguard/internal/fingerprint"
	"cartguard/internal/geo"
	"cartguard/internal/history"
	"cartguard/internal/idgen"
	"cartguard/internal/signal"
)

// Factor weights, relative to each other. The final score is the weighted
// mean of the factors that produced a signal: dividing by the sum of the
// weights actually applied keeps the result on the 0-100 scale no matter
// how many factors fire.
const (
	weightVelocity  = 0.15
	weightQuantity  = 0.20
	weightPrice     = 0.25
	weightDevice    = 0.10
	weightGeo       = 0.15
	weightBot       = 0.20
	weightIP        = 0.10
	weightBehavior  = 0.15
	weightTimeOfDay = 0.10
	weightHistory   = 0.10
)

// Factor tuning.
const (
	defaultNormalQuantity = 4
	quantityScorePerUnit  = 40.0 // per multiple of normal above 1x

	velocityWindow     = 5 * time.Minute
	velocityFreeOps    = 3
	velocityScorePerOp = 25.0

	priceUndercutBase = 50.0 // any price below catalog starts here
	priceInflateBase  = 25.0

	behaviorMinHistory    = 5
	behaviorQuantityLimit = 3.0 // multiples of the actor's own average
	behaviorChurnWindow   = 10
	behaviorChurnLimit    = 4
	behaviorCouponLimit   = 3

	timeOfDayMinHistory = 10
	rareHourFraction    = 0.02
	rareHourScore       = 80.0

	elevatedScoreAvg = 70
	watchScoreAvg    = 40
)

// Rule names reported in Assessment.TriggeredRules.
const (
	RuleRapidOperations  = "rapid_operations"
	RuleQuantityAnomaly  = "quantity_anomaly"
	RulePriceTampering   = "price_tampering"
	RuleDeviceAnomaly    = "device_anomaly"
	RuleImpossibleTravel = "impossible_travel"
	RuleHighRiskRegion   = "high_risk_region"
	RuleBotSignature     = "bot_signature"
	RuleIPReputation     = "ip_reputation"
	RuleBehaviorAnomaly  = "behavior_anomaly"
	RuleUnusualHours     = "unusual_hours"
	RuleRepeatOffender   = "repeat_offender"
)

// Scorer combines the per-factor signals into one assessment. It is pure
// computation over inputs gathered by the caller, safe for concurrent use,
// and holds no per-actor state of its own.
type Scorer struct {
	normalQuantity int
}

func NewScorer() *Scorer {
	return &Scorer{normalQuantity: defaultNormalQuantity}
}

// WithNormalQuantity overrides the per-operation quantity considered normal.
func (s *Scorer) WithNormalQuantity(n int) *Scorer {
	if n > 0 {
		s.normalQuantity = n
	}
	return s
}

// Assess scores one cart operation. fp may be nil when fingerprinting
// degraded; snap must be non-nil (use an empty Snapshot for new actors).
func (s *Scorer) Assess(sc *signal.Context, fp *fingerprint.Fingerprint, geoRes geo.Result, snap *history.Snapshot) *Assessment {
	factors := map[string]float64{
		"velocity":    s.velocityFactor(snap.Entries, sc.Timestamp),
		"quantity":    s.quantityFactor(sc),
		"price":       s.priceFactor(sc),
		"device":      deviceFactor(fp),
		"geo":         geoRes.Score,
		"bot":         botFactor(fp),
		"ip":          float64(clamp(snap.IPReputation, 0, 100)),
		"behavior":    s.behaviorFactor(sc, snap.Entries),
		"time_of_day": timeOfDayFactor(snap.Entries, sc.Timestamp),
		"history":     historyFactor(snap),
	}

	weights := map[string]float64{
		"velocity":    weightVelocity,
		"quantity":    weightQuantity,
		"price":       weightPrice,
		"device":      weightDevice,
		"geo":         weightGeo,
		"bot":         weightBot,
		"ip":          weightIP,
		"behavior":    weightBehavior,
		"time_of_day": weightTimeOfDay,
		"history":     weightHistory,
	}

	var weighted, applied float64
	for name, v := range factors {
		if v <= 0 {
			continue
		}
		weighted += weights[name] * v
		applied += weights[name]
	}
	// Truncated, not rounded: a mean of 90.9 stays in the high band
	// rather than tipping into critical.
	score := 0
	if applied > 0 {
		score = clamp(int(weighted/applied), 0, 100)
	}

	return &Assessment{
		ID:             idgen.WithPrefix("fa_"),
		ActorKey:       sc.ActorKey(),
		Operation:      sc.Operation,
		Score:          score,
		Level:          LevelFor(score),
		TriggeredRules: triggeredRules(factors, geoRes),
		Factors:        factors,
		EvaluatedAt:    time.Now(),
	}
}

func triggeredRules(factors map[string]float64, geoRes geo.Result) []string {
	var rules []string
	add := func(name string, cond bool) {
		if cond {
			rules = append(rules, name)
		}
	}
	add(RuleRapidOperations, factors["velocity"] >= 50)
	add(RuleQuantityAnomaly, factors["quantity"] >= 40)
	add(RulePriceTampering, factors["price"] > 0)
	add(RuleDeviceAnomaly, factors["device"] >= 40)
	add(RuleImpossibleTravel, geoRes.ImpossibleTravel)
	add(RuleHighRiskRegion, geoRes.HighRiskCountry)
	add(RuleBotSignature, factors["bot"] >= 50)
	add(RuleIPReputation, factors["ip"] >= 50)
	add(RuleBehaviorAnomaly, factors["behavior"] >= 50)
	add(RuleUnusualHours, factors["time_of_day"] >= 50)
	add(RuleRepeatOffender, factors["history"] >= 50)
	return rules
}

// velocityFactor counts operations in the trailing window, including the
// current one. A handful is free; each extra adds velocityScorePerOp.
func (s *Scorer) velocityFactor(entries []history.Entry, now time.Time) float64 {
	if len(entries) == 0 {
		return 0
	}
	if now.IsZero() {
		now = time.Now()
	}
	cutoff := now.Add(-velocityWindow)
	n := 1
	for _, e := range entries {
		if e.Timestamp.After(cutoff) {
			n++
		}
	}
	if n <= velocityFreeOps {
		return 0
	}
	return math.Min(100, float64(n-velocityFreeOps)*velocityScorePerOp)
}

// quantityFactor scales with how far the requested quantity exceeds normal.
// 2x normal scores 40, 2.5x scores 60, 3.5x and beyond saturate.
func (s *Scorer) quantityFactor(sc *signal.Context) float64 {
	if sc.Quantity <= s.normalQuantity {
		return 0
	}
	ratio := float64(sc.Quantity) / float64(s.normalQuantity)
	return math.Min(100, (ratio-1)*quantityScorePerUnit)
}

// priceFactor compares the submitted unit price against the catalog price.
// Undercutting the catalog is treated as tampering and starts high;
// inflation is suspicious but milder. No catalog price means no signal.
func (s *Scorer) priceFactor(sc *signal.Context) float64 {
	if sc.CatalogPrice <= 0 || sc.UnitPrice == sc.CatalogPrice {
		return 0
	}
	devPct := math.Abs(float64(sc.UnitPrice-sc.CatalogPrice)) / float64(sc.CatalogPrice) * 100
	if sc.UnitPrice < sc.CatalogPrice {
		return math.Min(100, priceUndercutBase+devPct)
	}
	return math.Min(100, priceInflateBase+devPct/2)
}

func deviceFactor(fp *fingerprint.Fingerprint) float64 {
	if fp == nil {
		return 0
	}
	return float64(clamp(100-fp.TrustScore, 0, 100))
}

func botFactor(fp *fingerprint.Fingerprint) float64 {
	if fp != nil && fp.IsBotLike {
		return 100
	}
	return 0
}

// behaviorFactor compares the request against the actor's own baseline:
// quantity far above their average, add/remove churn, and coupon hammering.
func (s *Scorer) behaviorFactor(sc *signal.Context, entries []history.Entry) float64 {
	if len(entries) < behaviorMinHistory {
		return 0
	}

	var score float64

	var qtySum, qtyCount int
	for _, e := range entries {
		if e.Operation == signal.OpAddItem || e.Operation == signal.OpUpdateItem {
			qtySum += e.Quantity
			qtyCount++
		}
	}
	if qtyCount > 0 {
		avg := float64(qtySum) / float64(qtyCount)
		if avg > 0 && float64(sc.Quantity) > behaviorQuantityLimit*avg {
			score += 70
		}
	}

	recent := entries
	if len(recent) > behaviorChurnWindow {
		recent = recent[len(recent)-behaviorChurnWindow:]
	}
	churn, coupons := 0, 0
	for i, e := range recent {
		if e.Operation == signal.OpApplyCoupon {
			coupons++
		}
		if i == 0 {
			continue
		}
		prev := recent[i-1].Operation
		if (prev == signal.OpAddItem && e.Operation == signal.OpRemoveItem) ||
			(prev == signal.OpRemoveItem && e.Operation == signal.OpAddItem) {
			churn++
		}
	}
	if churn >= behaviorChurnLimit {
		score += 30
	}
	if coupons >= behaviorCouponLimit {
		score += 40
	}
	return math.Min(100, score)
}

// timeOfDayFactor flags activity in an hour the actor almost never uses.
// Needs enough history for the hourly histogram to mean anything.
func timeOfDayFactor(entries []history.Entry, now time.Time) float64 {
	if len(entries) < timeOfDayMinHistory {
		return 0
	}
	if now.IsZero() {
		now = time.Now()
	}
	hour := now.UTC().Hour()
	count := 0
	for _, e := range entries {
		if e.Timestamp.UTC().Hour() == hour {
			count++
		}
	}
	if float64(count)/float64(len(entries)) < rareHourFraction {
		return rareHourScore
	}
	return 0
}

// historyFactor weighs past blocks and recent elevated scores. The prior
// record dominates: repeat offenders come in near the ceiling.
func historyFactor(snap *history.Snapshot) float64 {
	var score float64
	if snap.PriorBlocks > 0 {
		score = math.Min(100, 35+25*float64(snap.PriorBlocks))
	}
	if len(snap.RecentScores) > 0 {
		sum := 0
		for _, v := range snap.RecentScores {
			sum += v
		}
		avg := sum / len(snap.RecentScores)
		switch {
		case avg >= elevatedScoreAvg:
			score = math.Max(score, 80)
		case avg >= watchScoreAvg:
			score = math.Max(score, 40)
		}
	}
	return score
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
