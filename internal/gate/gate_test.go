package gate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"cartguard/internal/audit"
	"cartguard/internal/blockstore"
	"cartguard/internal/config"
	"cartguard/internal/fingerprint"
	"cartguard/internal/fraud"
	"cartguard/internal/geo"
	"cartguard/internal/history"
	"cartguard/internal/notify"
	"cartguard/internal/ratelimit"
	"cartguard/internal/response"
	"cartguard/internal/signal"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *capturePublisher) Publish(e notify.Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

type testGate struct {
	gate    *Gate
	blocks  *blockstore.MemoryStore
	history *history.MemoryStore
	scores  *fraud.MemoryStore
	limiter *ratelimit.Limiter
}

type gateOption func(*Deps)

func withFailMode(m config.FailMode) gateOption {
	return func(d *Deps) { d.Config.FailMode = m }
}

func withBlocks(s blockstore.Store) gateOption {
	return func(d *Deps) { d.Blocks = s }
}

func withHistory(s history.Store) gateOption {
	return func(d *Deps) { d.History = s }
}

func newTestGate(t *testing.T, opts ...gateOption) *testGate {
	t.Helper()

	blocks := blockstore.NewMemoryStore()
	hist := history.NewMemoryStore()
	scores := fraud.NewMemoryStore()
	limiter := ratelimit.New(ratelimit.DefaultConfig())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	policy := response.DefaultPolicy()

	cfg := &config.Config{
		DecisionBudget:    500 * time.Millisecond,
		FailMode:          config.FailOpen,
		BlockThreshold:    config.DefaultBlockThreshold,
		EscalateThreshold: config.DefaultEscalateThreshold,
	}

	deps := Deps{
		Config:       cfg,
		Policy:       policy,
		Fingerprints: fingerprint.NewEngine(nil, nil),
		Detector:     geo.NewDetector(nil),
		Scorer:       fraud.NewScorer(),
		Blocks:       blocks,
		History:      hist,
		Assessments:  scores,
		Limiter:      limiter,
		Logger:       logger,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	deps.Orchestrator = response.NewOrchestrator(policy, deps.Blocks, deps.History, &capturePublisher{}, logger)

	return &testGate{
		gate:    New(deps),
		blocks:  blocks,
		history: hist,
		scores:  scores,
		limiter: limiter,
	}
}

// cleanDevice is a fully populated, trustworthy browser profile. A sparse
// device would add its own anomaly signal and muddy single-factor tests.
func cleanDevice() signal.Device {
	return signal.Device{
		UserAgent:           "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36",
		ScreenResolution:    "2560x1440",
		Timezone:            "America/New_York",
		Language:            "en-US",
		Platform:            "MacIntel",
		HardwareConcurrency: 8,
		DeviceMemoryGB:      16,
		ColorDepth:          24,
		PixelRatio:          2,
		TouchSupport:        false,
		WebGLVendor:         "Apple Inc.",
		WebGLRenderer:       "Apple M1",
		CanvasFingerprint:   "c4nv4s",
		AudioFingerprint:    "aud10",
		HasCookies:          true,
	}
}

func request(userID string, op signal.Operation, quantity int) *signal.Context {
	return &signal.Context{
		UserID:       userID,
		IP:           "203.0.113.7",
		Operation:    op,
		ProductID:    "sku-1",
		Quantity:     quantity,
		UnitPrice:    1000,
		CatalogPrice: 1000,
		Device:       cleanDevice(),
		Timestamp:    time.Now(),
	}
}

// eventually polls for a condition; the gate's bookkeeping is asynchronous.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestCleanRequestAllowed(t *testing.T) {
	tg := newTestGate(t)

	d, err := tg.gate.Decide(context.Background(), request("u1", signal.OpAddItem, 1))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Action != response.ActionAllow {
		t.Errorf("action = %s, want allow", d.Action)
	}
	if !d.Permitted() {
		t.Error("clean request should be permitted")
	}
	if d.Assessment.Score != 0 {
		t.Errorf("score = %d, want 0", d.Assessment.Score)
	}
}

func TestQuantitySpikeChallenged(t *testing.T) {
	tg := newTestGate(t)

	d, err := tg.gate.Decide(context.Background(), request("u1", signal.OpAddItem, 10))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Action != response.ActionChallenge {
		t.Errorf("action = %s, want challenge", d.Action)
	}
	if !d.Permitted() {
		t.Error("challenge should permit the request")
	}
	if d.Assessment.Level != fraud.LevelMedium {
		t.Errorf("level = %s, want medium", d.Assessment.Level)
	}
}

func TestPriceTamperingEscalates(t *testing.T) {
	tg := newTestGate(t)

	sc := request("u1", signal.OpAddItem, 1)
	sc.UnitPrice = 100 // catalog says 1000
	d, err := tg.gate.Decide(context.Background(), sc)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Action != response.ActionEscalate {
		t.Errorf("action = %s, want escalate", d.Action)
	}
	if d.Permitted() {
		t.Error("price tampering must be denied")
	}
	if d.Block == nil {
		t.Fatal("expected a block to be installed")
	}
	if !d.Block.Permanent {
		t.Errorf("score %d should earn a permanent block", d.Assessment.Score)
	}

	rec, err := tg.blocks.Get(context.Background(), "user:u1")
	if err != nil || rec == nil {
		t.Fatalf("block not persisted: rec=%v err=%v", rec, err)
	}
}

func TestActiveBlockShortCircuits(t *testing.T) {
	tg := newTestGate(t)
	ctx := context.Background()

	err := tg.blocks.Upsert(ctx, &blockstore.BlockRecord{
		ID:        "blk_1",
		ActorKey:  "user:u1",
		Reason:    "price_tampering",
		RiskScore: 88,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	d, err := tg.gate.Decide(ctx, request("u1", signal.OpAddItem, 1))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Permitted() {
		t.Error("actively blocked actor must be denied")
	}
	if d.Block == nil || d.Block.ID != "blk_1" {
		t.Errorf("decision should carry the existing block, got %+v", d.Block)
	}
	if d.RetryAfter <= 0 {
		t.Error("temporary block should report a retry-after")
	}
}

func TestWhitelistBypassesScoring(t *testing.T) {
	tg := newTestGate(t)
	ctx := context.Background()

	if err := tg.blocks.AddWhitelist(ctx, blockstore.WhitelistEntry{
		ActorKey: "user:vip", Reason: "load test account", AddedBy: "ops",
	}); err != nil {
		t.Fatalf("AddWhitelist: %v", err)
	}
	// Even an active block loses to the whitelist.
	_ = tg.blocks.Upsert(ctx, &blockstore.BlockRecord{
		ID: "blk_x", ActorKey: "user:vip", RiskScore: 99,
		CreatedAt: time.Now(), Permanent: true,
	})

	sc := request("vip", signal.OpAddItem, 50)
	sc.UnitPrice = 1 // would otherwise be critical
	d, err := tg.gate.Decide(ctx, sc)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Action != response.ActionAllow {
		t.Errorf("action = %s, want allow", d.Action)
	}
}

func TestBotProfileRateLimited(t *testing.T) {
	tg := newTestGate(t)

	sc := request("u-bot", signal.OpAddItem, 1)
	sc.Device.UserAgent = "Mozilla/5.0 HeadlessChrome/120.0"
	d, err := tg.gate.Decide(context.Background(), sc)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Action != response.ActionRateLimit {
		t.Fatalf("action = %s (score %d), want rate_limit", d.Action, d.Assessment.Score)
	}
	if d.RetryAfter <= 0 {
		t.Error("rate_limit decision should carry a retry-after")
	}
	if !tg.limiter.Penalized("user:u-bot") {
		t.Error("rate_limit decision should penalize the actor in the limiter")
	}
}

func TestChangedDeviceGetsFreshFingerprint(t *testing.T) {
	tg := newTestGate(t)
	ctx := context.Background()

	// Seed the fingerprint cache with a clean device.
	if _, err := tg.gate.Decide(ctx, request("u1", signal.OpAddItem, 1)); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	// The same user comes back on a headless browser. The cached clean
	// fingerprint must not stand in for the new device.
	sc := request("u1", signal.OpCheckout, 1)
	sc.Device.UserAgent = "Mozilla/5.0 HeadlessChrome/120.0"
	d, err := tg.gate.Decide(ctx, sc)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Action != response.ActionRateLimit {
		t.Fatalf("action = %s (score %d), want rate_limit", d.Action, d.Assessment.Score)
	}

	// A first-time actor on the identical device must score the same.
	sc2 := request("u2", signal.OpCheckout, 1)
	sc2.Device.UserAgent = "Mozilla/5.0 HeadlessChrome/120.0"
	d2, err := tg.gate.Decide(ctx, sc2)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d2.Assessment.Score != d.Assessment.Score {
		t.Errorf("known user scored %d, fresh actor %d on the same device",
			d.Assessment.Score, d2.Assessment.Score)
	}
}

func TestConcurrentTamperingInstallsOneBlock(t *testing.T) {
	tg := newTestGate(t)
	ctx := context.Background()

	const n = 8
	decisions := make([]*response.Decision, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			sc := request("u1", signal.OpAddItem, 1)
			sc.UnitPrice = 100 // catalog says 1000
			d, err := tg.gate.Decide(ctx, sc)
			if err != nil {
				t.Errorf("Decide: %v", err)
				return
			}
			decisions[i] = d
		}(i)
	}
	wg.Wait()

	active, err := tg.blocks.List(ctx, 100)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active blocks = %d, want exactly 1", len(active))
	}
	for i, d := range decisions {
		if d == nil {
			continue
		}
		if d.Permitted() {
			t.Errorf("decision %d permitted; every request crossed the block threshold", i)
		}
		if d.Block == nil || d.Block.ID != active[0].ID {
			t.Errorf("decision %d should carry block %s, got %+v", i, active[0].ID, d.Block)
		}
	}
}

func TestAssessmentCacheReused(t *testing.T) {
	tg := newTestGate(t)
	ctx := context.Background()

	d1, err := tg.gate.Decide(ctx, request("u1", signal.OpAddItem, 1))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	eventually(t, func() bool {
		a, _ := tg.blocks.CachedAssessment(ctx, "user:u1", string(signal.OpAddItem))
		return a != nil
	}, "assessment never reached the cache")

	d2, err := tg.gate.Decide(ctx, request("u1", signal.OpAddItem, 1))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d2.Assessment.ID != d1.Assessment.ID {
		t.Errorf("second decision should reuse cached assessment %s, got %s",
			d1.Assessment.ID, d2.Assessment.ID)
	}
}

func TestDecisionRecordsHistory(t *testing.T) {
	tg := newTestGate(t)
	ctx := context.Background()

	if _, err := tg.gate.Decide(ctx, request("u1", signal.OpAddItem, 2)); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	eventually(t, func() bool {
		snap, err := tg.history.Snapshot(ctx, "user:u1")
		return err == nil && len(snap.Entries) == 1 && len(snap.RecentScores) == 1
	}, "operation and score never recorded to history")

	eventually(t, func() bool {
		list, err := tg.scores.ListByActor(ctx, "user:u1", 10)
		return err == nil && len(list) == 1
	}, "assessment never persisted")
}

type failingHistory struct {
	history.Store
}

func (failingHistory) Snapshot(context.Context, string) (*history.Snapshot, error) {
	return nil, errors.New("history down")
}

func TestHistoryFailureFailsOpen(t *testing.T) {
	tg := newTestGate(t, withHistory(failingHistory{history.NewMemoryStore()}))

	d, err := tg.gate.Decide(context.Background(), request("u1", signal.OpAddItem, 1))
	if err != nil {
		t.Fatalf("fail-open must not surface the error, got %v", err)
	}
	if !d.Permitted() {
		t.Error("fail-open must permit the request")
	}
	if !d.Degraded {
		t.Error("degraded decision must be marked as such")
	}
}

type failingBlocks struct {
	blockstore.Store
}

func (failingBlocks) IsWhitelisted(context.Context, string) (bool, error) {
	return false, errors.New("blockstore down")
}

func TestBlockstoreFailureFailsClosed(t *testing.T) {
	tg := newTestGate(t,
		withBlocks(failingBlocks{blockstore.NewMemoryStore()}),
		withFailMode(config.FailClosed),
	)

	d, err := tg.gate.Decide(context.Background(), request("u1", signal.OpAddItem, 1))
	if err == nil {
		t.Fatal("fail-closed denial should surface the cause")
	}
	if d == nil || d.Permitted() {
		t.Error("fail-closed must deny the request")
	}
	if !d.Degraded {
		t.Error("degraded decision must be marked as such")
	}
}

func TestBlockstoreFailureFailsOpen(t *testing.T) {
	tg := newTestGate(t, withBlocks(failingBlocks{blockstore.NewMemoryStore()}))

	d, err := tg.gate.Decide(context.Background(), request("u1", signal.OpAddItem, 1))
	if err != nil {
		t.Fatalf("fail-open must not surface the error, got %v", err)
	}
	if d.Action != response.ActionAllow || !d.Degraded {
		t.Errorf("want degraded allow, got action=%s degraded=%v", d.Action, d.Degraded)
	}
}

func TestAuditTrailWritten(t *testing.T) {
	store := audit.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	writer := audit.NewWriter(store, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go writer.Start(ctx)

	tg := newTestGate(t)
	tg.gate.auditor = writer

	if _, err := tg.gate.Decide(context.Background(), request("u1", signal.OpAddItem, 10)); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	writer.Stop()

	var events []*audit.Event
	eventually(t, func() bool {
		var err error
		events, err = store.ListByActor(context.Background(), "user:u1", 10)
		return err == nil && len(events) == 1
	}, "audit event never flushed")
	if events[0].Action != string(response.ActionChallenge) {
		t.Errorf("audit action = %s, want challenge", events[0].Action)
	}
	if events[0].CorrelationID == "" {
		t.Error("audit event should carry a correlation id")
	}
}

func TestDecideEmitsSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	defer otel.SetTracerProvider(prev)

	tg := newTestGate(t)
	if _, err := tg.gate.Decide(context.Background(), request("u1", signal.OpAddItem, 1)); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	spans := rec.Ended()
	byName := make(map[string]sdktrace.ReadOnlySpan, len(spans))
	for _, s := range spans {
		byName[s.Name()] = s
	}
	for _, want := range []string{"gate.Decide", "response.Respond"} {
		if _, ok := byName[want]; !ok {
			t.Fatalf("span %q not recorded, got %v", want, spans)
		}
	}

	attrs := map[string]string{}
	for _, kv := range byName["gate.Decide"].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["actor.key"] != "user:u1" {
		t.Errorf("actor.key = %q, want user:u1", attrs["actor.key"])
	}
	if attrs["decision.action"] != "allow" {
		t.Errorf("decision.action = %q, want allow", attrs["decision.action"])
	}
}

func TestPriorBlocksRaiseScore(t *testing.T) {
	tg := newTestGate(t)
	ctx := context.Background()

	tg.history.SetPriorBlocks("user:u1", 1)

	sc := request("u1", signal.OpAddItem, 1)
	sc.UnitPrice = 700 // 30% undercut, 50+30=80 price factor
	d, err := tg.gate.Decide(ctx, sc)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Assessment.Score < 71 || d.Assessment.Score > 90 {
		t.Fatalf("score = %d, want high band for this scenario", d.Assessment.Score)
	}
}
