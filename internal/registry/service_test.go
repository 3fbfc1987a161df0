package registry_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/microcrop/trigger-engine/internal/model"
	"github.com/microcrop/trigger-engine/internal/registry"
	"github.com/microcrop/trigger-engine/internal/store"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestService(t *testing.T, limiter *registry.ExposureLimiter) (*registry.Service, *store.MemoryStore, *clockwork.FakeClock) {
	t.Helper()
	ms := store.NewMemoryStore()
	clock := clockwork.NewFakeClockAt(testNow)
	svc := registry.NewService(ms, registry.NewCatalog(), registry.Options{
		Limiter: limiter,
		Clock:   clock,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return svc, ms, clock
}

func validInput(farmer string) registry.CreatePolicyInput {
	return registry.CreatePolicyInput{
		FarmerID:       farmer,
		FarmerAddress:  "ADDR-" + farmer,
		CropTypeID:     "maize",
		CoverageAmount: d(1000),
		StartDate:      testNow.Add(-24 * time.Hour),
		EndDate:        testNow.Add(90 * 24 * time.Hour),
		Location:       model.Location{Lat: -1.2921, Lng: 36.8219, DeviceID: "DEV-1"},
	}
}

func mustCreate(t *testing.T, svc *registry.Service, in registry.CreatePolicyInput) *model.Policy {
	t.Helper()
	p, err := svc.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("create policy: %v", err)
	}
	return p
}

// --- Create ---

func TestCreate_ComputesPremiumAndFarmer(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	p := mustCreate(t, svc, validInput("farmer-1"))

	if p.ID == "" {
		t.Error("expected generated id")
	}
	if p.Status != model.PolicyActive {
		t.Errorf("expected active, got %s", p.Status)
	}
	// 1000 × 0.05
	if !p.PremiumPaid.Equal(d(50)) {
		t.Errorf("expected premium 50, got %s", p.PremiumPaid)
	}
	if !p.CreatedAt.Equal(testNow) {
		t.Errorf("expected created_at from clock, got %s", p.CreatedAt)
	}

	mustCreate(t, svc, validInput("farmer-1"))

	f, err := svc.Farmer(ctx, "farmer-1")
	if err != nil {
		t.Fatalf("farmer: %v", err)
	}
	if f.TotalPolicies != 2 {
		t.Errorf("expected 2 policies, got %d", f.TotalPolicies)
	}
	if !f.TotalCoverage.Equal(d(2000)) {
		t.Errorf("expected coverage 2000, got %s", f.TotalCoverage)
	}
	if f.Address != "ADDR-farmer-1" || !f.CreatedAt.Equal(testNow) {
		t.Errorf("unexpected farmer %+v", f)
	}
}

func TestCreate_PremiumRounded(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	in := validInput("farmer-1")
	in.CropTypeID = "wheat" // 0.045
	in.CoverageAmount = d(333.33)

	p := mustCreate(t, svc, in)
	// 333.33 × 0.045 = 14.99985
	if !p.PremiumPaid.Equal(d(15)) {
		t.Errorf("expected premium 15.00, got %s", p.PremiumPaid)
	}
}

// rejectingStore fails every policy insert.
type rejectingStore struct {
	*store.MemoryStore
	err error
}

func (s *rejectingStore) CreatePolicy(context.Context, *model.Policy) error {
	return s.err
}

func (s *rejectingStore) RegisterPolicy(context.Context, *model.Farmer, *model.Policy) (bool, error) {
	return false, s.err
}

func TestCreate_FailedInsertLeavesNoFarmer(t *testing.T) {
	ms := store.NewMemoryStore()
	dbErr := errors.New("connection reset")
	svc := registry.NewService(&rejectingStore{MemoryStore: ms, err: dbErr}, registry.NewCatalog(), registry.Options{
		Clock:  clockwork.NewFakeClockAt(testNow),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	if _, err := svc.Create(context.Background(), validInput("farmer-1")); !errors.Is(err, dbErr) {
		t.Fatalf("expected store error, got %v", err)
	}
	if _, err := ms.GetFarmer(context.Background(), "farmer-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected no farmer after failed create, got %v", err)
	}
}

func TestCreate_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*registry.CreatePolicyInput)
		want   error
	}{
		{"unknown crop", func(in *registry.CreatePolicyInput) { in.CropTypeID = "kale" }, registry.ErrUnknownCrop},
		{"missing farmer", func(in *registry.CreatePolicyInput) { in.FarmerID = " " }, registry.ErrInvalidPolicy},
		{"missing address", func(in *registry.CreatePolicyInput) { in.FarmerAddress = "" }, registry.ErrInvalidPolicy},
		{"missing device", func(in *registry.CreatePolicyInput) { in.Location.DeviceID = "" }, registry.ErrInvalidPolicy},
		{"bad latitude", func(in *registry.CreatePolicyInput) { in.Location.Lat = 91 }, registry.ErrInvalidPolicy},
		{"coverage too small", func(in *registry.CreatePolicyInput) { in.CoverageAmount = d(99.99) }, registry.ErrInvalidPolicy},
		{"coverage too large", func(in *registry.CreatePolicyInput) { in.CoverageAmount = d(100000.01) }, registry.ErrInvalidPolicy},
		{"start after end", func(in *registry.CreatePolicyInput) { in.StartDate = in.EndDate.Add(time.Hour) }, registry.ErrInvalidPolicy},
		{"start equals end", func(in *registry.CreatePolicyInput) { in.StartDate = in.EndDate }, registry.ErrInvalidPolicy},
		{"too short", func(in *registry.CreatePolicyInput) { in.EndDate = in.StartDate.Add(29 * 24 * time.Hour) }, registry.ErrInvalidPolicy},
		{"too long", func(in *registry.CreatePolicyInput) { in.EndDate = in.StartDate.Add(366 * 24 * time.Hour) }, registry.ErrInvalidPolicy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, ms, _ := newTestService(t, nil)
			in := validInput("farmer-1")
			tt.mutate(&in)

			_, err := svc.Create(context.Background(), in)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if all, _ := ms.ListPolicies(context.Background()); len(all) != 0 {
				t.Error("rejected policy must not be stored")
			}
		})
	}
}

func TestCreate_BoundariesAccepted(t *testing.T) {
	svc, _, _ := newTestService(t, nil)

	in := validInput("farmer-1")
	in.CoverageAmount = d(100)
	in.EndDate = in.StartDate.Add(30 * 24 * time.Hour)
	mustCreate(t, svc, in)

	in = validInput("farmer-2")
	in.CoverageAmount = d(100000)
	in.EndDate = in.StartDate.Add(365 * 24 * time.Hour)
	mustCreate(t, svc, in)
}

// --- Listing & lifecycle ---

func TestListActive(t *testing.T) {
	svc, _, clock := newTestService(t, nil)
	ctx := context.Background()

	live := mustCreate(t, svc, validInput("farmer-1"))
	cancelled := mustCreate(t, svc, validInput("farmer-1"))
	if _, err := svc.UpdateStatus(ctx, cancelled.ID, model.PolicyCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	short := validInput("farmer-2")
	short.EndDate = short.StartDate.Add(30 * 24 * time.Hour)
	ending := mustCreate(t, svc, short)

	active, err := svc.ListActive(ctx, clock.Now())
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active, got %d", len(active))
	}

	// EndDate == now is no longer active.
	active, _ = svc.ListActive(ctx, ending.EndDate)
	if len(active) != 1 || active[0].ID != live.ID {
		t.Errorf("expected only %s active at end date, got %+v", live.ID, active)
	}
}

func TestListByFarmer(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	mustCreate(t, svc, validInput("farmer-1"))
	mustCreate(t, svc, validInput("farmer-1"))
	mustCreate(t, svc, validInput("farmer-2"))

	ps, err := svc.ListByFarmer(context.Background(), "farmer-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ps) != 2 {
		t.Errorf("expected 2 policies, got %d", len(ps))
	}
}

func TestUpdateStatus_Transitions(t *testing.T) {
	tests := []struct {
		name  string
		first string
		then  string
		want  error
	}{
		{"active to claimed", model.PolicyClaimed, "", nil},
		{"active to cancelled", model.PolicyCancelled, "", nil},
		{"active to expired", model.PolicyExpired, "", nil},
		{"same status no-op", model.PolicyActive, "", nil},
		{"cancelled back to active", model.PolicyCancelled, model.PolicyActive, registry.ErrInvalidTransition},
		{"claimed to cancelled", model.PolicyClaimed, model.PolicyCancelled, registry.ErrInvalidTransition},
		{"expired to claimed", model.PolicyExpired, model.PolicyClaimed, registry.ErrInvalidTransition},
		{"cancelled again", model.PolicyCancelled, model.PolicyCancelled, nil},
		{"unknown status", "paused", "", registry.ErrInvalidStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _ := newTestService(t, nil)
			ctx := context.Background()
			p := mustCreate(t, svc, validInput("farmer-1"))

			_, err := svc.UpdateStatus(ctx, p.ID, tt.first)
			if tt.then == "" {
				if !errors.Is(err, tt.want) {
					t.Fatalf("expected %v, got %v", tt.want, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("first transition: %v", err)
			}
			_, err = svc.UpdateStatus(ctx, p.ID, tt.then)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}

			got, _ := svc.Get(ctx, p.ID)
			if tt.want != nil && got.Status != tt.first {
				t.Errorf("rejected transition changed status to %s", got.Status)
			}
		})
	}
}

func TestUpdateStatus_UnknownPolicy(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	_, err := svc.UpdateStatus(context.Background(), "missing", model.PolicyCancelled)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// --- Claims & stats ---

func TestRecordClaim_BumpsFarmerOnlyWhenCompleted(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()
	p := mustCreate(t, svc, validInput("farmer-1"))

	failed := &model.PayoutRecord{
		ID: "r1", PolicyID: p.ID, TriggerType: model.TriggerDrought, Severity: model.SeveritySevere,
		PayoutAmount: decimal.Zero, Status: model.PayoutFailed, Error: "ledger down", Timestamp: testNow,
	}
	if err := svc.RecordClaim(ctx, failed); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	f, _ := svc.Farmer(ctx, "farmer-1")
	if f.TotalClaims != 0 {
		t.Errorf("failed claim must not count, got %d", f.TotalClaims)
	}

	completed := &model.PayoutRecord{
		ID: "r2", PolicyID: p.ID, TriggerType: model.TriggerDrought, Severity: model.SeveritySevere,
		PayoutAmount: d(300), Status: model.PayoutCompleted, TransactionID: "TX-1", Timestamp: testNow.Add(time.Minute),
	}
	if err := svc.RecordClaim(ctx, completed); err != nil {
		t.Fatalf("record completed: %v", err)
	}
	f, _ = svc.Farmer(ctx, "farmer-1")
	if f.TotalClaims != 1 || !f.TotalPayouts.Equal(d(300)) {
		t.Errorf("expected 1 claim / 300 paid, got %d / %s", f.TotalClaims, f.TotalPayouts)
	}

	got, _ := svc.Get(ctx, p.ID)
	if len(got.ClaimHistory) != 2 {
		t.Errorf("expected 2 claim records, got %d", len(got.ClaimHistory))
	}
	if got.Status != model.PolicyActive {
		t.Errorf("claims must not change policy status, got %s", got.Status)
	}

	last, err := svc.LastCompletedPayout(ctx, p.ID, model.TriggerDrought)
	if err != nil || last.ID != "r2" {
		t.Errorf("expected last completed r2, got %+v / %v", last, err)
	}
}

func TestRecordClaim_DuplicateRejectedWithoutBump(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()
	p := mustCreate(t, svc, validInput("farmer-1"))

	rec := model.PayoutRecord{
		ID: "r1", PolicyID: p.ID, TriggerType: model.TriggerFlooding, Severity: model.SeverityModerate,
		PayoutAmount: d(130), Status: model.PayoutCompleted, Timestamp: testNow,
	}
	if err := svc.RecordClaim(ctx, &rec); err != nil {
		t.Fatalf("record: %v", err)
	}
	dup := rec
	dup.ID = "r2"
	if err := svc.RecordClaim(ctx, &dup); !errors.Is(err, store.ErrDuplicatePayout) {
		t.Fatalf("expected ErrDuplicatePayout, got %v", err)
	}
	f, _ := svc.Farmer(ctx, "farmer-1")
	if f.TotalClaims != 1 {
		t.Errorf("duplicate must not bump claims, got %d", f.TotalClaims)
	}
}

func TestStats(t *testing.T) {
	svc, _, clock := newTestService(t, nil)
	ctx := context.Background()

	a := mustCreate(t, svc, validInput("farmer-1"))
	b := mustCreate(t, svc, validInput("farmer-2"))
	in := validInput("farmer-2")
	in.CoverageAmount = d(2000)
	c := mustCreate(t, svc, in)
	short := validInput("farmer-3")
	short.EndDate = short.StartDate.Add(30 * 24 * time.Hour)
	mustCreate(t, svc, short)

	if _, err := svc.UpdateStatus(ctx, b.ID, model.PolicyCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := svc.RecordClaim(ctx, &model.PayoutRecord{
		ID: "r1", PolicyID: a.ID, TriggerType: model.TriggerDrought, Severity: model.SeverityModerate,
		PayoutAmount: d(150), Status: model.PayoutCompleted, Timestamp: testNow,
	}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := svc.RecordClaim(ctx, &model.PayoutRecord{
		ID: "r2", PolicyID: c.ID, TriggerType: model.TriggerDrought, Severity: model.SeverityModerate,
		Status: model.PayoutFailed, Timestamp: testNow,
	}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Past the short policy's end date, before the others'.
	clock.Advance(40 * 24 * time.Hour)
	st, err := svc.Stats(ctx, clock.Now())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}

	if st.TotalPolicies != 4 || st.ActivePolicies != 2 || st.ExpiredPolicies != 1 || st.CancelledPolicies != 1 {
		t.Errorf("unexpected counts %+v", st)
	}
	if st.TotalFarmers != 3 {
		t.Errorf("expected 3 farmers, got %d", st.TotalFarmers)
	}
	if !st.TotalCoverage.Equal(d(5000)) || !st.AverageCoverage.Equal(d(1250)) {
		t.Errorf("expected coverage 5000 avg 1250, got %s avg %s", st.TotalCoverage, st.AverageCoverage)
	}
	if !st.TotalPremiums.Equal(d(250)) {
		t.Errorf("expected premiums 250, got %s", st.TotalPremiums)
	}
	if st.TotalClaims != 1 || !st.TotalPayouts.Equal(d(150)) {
		t.Errorf("expected 1 claim / 150, got %d / %s", st.TotalClaims, st.TotalPayouts)
	}
	if !st.ClaimRate.Equal(d(0.25)) {
		t.Errorf("expected claim rate 0.25, got %s", st.ClaimRate)
	}
}

func TestStats_Empty(t *testing.T) {
	svc, _, clock := newTestService(t, nil)
	st, err := svc.Stats(context.Background(), clock.Now())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalPolicies != 0 || !st.AverageCoverage.IsZero() || !st.ClaimRate.IsZero() {
		t.Errorf("unexpected empty stats %+v", st)
	}
}

// --- Resolution ---

func TestResolveByDevice(t *testing.T) {
	svc, _, clock := newTestService(t, nil)
	ctx := context.Background()

	a := mustCreate(t, svc, validInput("farmer-1"))
	b := mustCreate(t, svc, validInput("farmer-2"))
	other := validInput("farmer-3")
	other.Location.DeviceID = "DEV-2"
	mustCreate(t, svc, other)
	if _, err := svc.UpdateStatus(ctx, b.ID, model.PolicyCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	ps, err := svc.ResolveByDevice(ctx, "DEV-1", clock.Now())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(ps) != 1 || ps[0].ID != a.ID {
		t.Errorf("expected only %s, got %+v", a.ID, ps)
	}
}

func TestResolveByLocation(t *testing.T) {
	svc, _, clock := newTestService(t, nil)

	near := mustCreate(t, svc, validInput("farmer-1")) // Nairobi
	far := validInput("farmer-2")
	far.Location = model.Location{Lat: -4.0435, Lng: 39.6682, DeviceID: "DEV-MSA"} // Mombasa
	mustCreate(t, svc, far)

	ps, err := svc.ResolveByLocation(context.Background(), -1.30, 36.83, 10, clock.Now())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(ps) != 1 || ps[0].ID != near.ID {
		t.Errorf("expected only the Nairobi policy, got %+v", ps)
	}
}

// --- Exposure limits ---

func TestCreate_FarmerExposureLimit(t *testing.T) {
	limiter := registry.NewExposureLimiter(d(1500), decimal.Zero, 0.1)
	svc, _, _ := newTestService(t, limiter)

	mustCreate(t, svc, validInput("farmer-1"))
	_, err := svc.Create(context.Background(), validInput("farmer-1"))
	if !errors.Is(err, registry.ErrFarmerExposureExceeded) {
		t.Fatalf("expected ErrFarmerExposureExceeded, got %v", err)
	}
	// Another farmer is unaffected.
	mustCreate(t, svc, validInput("farmer-2"))
}

func TestCreate_AreaExposureLimit(t *testing.T) {
	limiter := registry.NewExposureLimiter(decimal.Zero, d(2500), 0.1)
	svc, _, _ := newTestService(t, limiter)

	mustCreate(t, svc, validInput("farmer-1"))
	mustCreate(t, svc, validInput("farmer-2"))
	_, err := svc.Create(context.Background(), validInput("farmer-3"))
	if !errors.Is(err, registry.ErrAreaExposureExceeded) {
		t.Fatalf("expected ErrAreaExposureExceeded, got %v", err)
	}

	elsewhere := validInput("farmer-3")
	elsewhere.Location = model.Location{Lat: 0.5143, Lng: 35.2698, DeviceID: "DEV-ELD"}
	mustCreate(t, svc, elsewhere)
}

func TestExposureLimiter_CancelledPoliciesFreeCapacity(t *testing.T) {
	limiter := registry.NewExposureLimiter(d(1000), decimal.Zero, 0.1)
	svc, _, _ := newTestService(t, limiter)
	ctx := context.Background()

	p := mustCreate(t, svc, validInput("farmer-1"))
	if _, err := svc.UpdateStatus(ctx, p.ID, model.PolicyCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	mustCreate(t, svc, validInput("farmer-1"))
}

func TestExposureLimiter_Cell(t *testing.T) {
	l := registry.NewExposureLimiter(decimal.Zero, decimal.Zero, 0.1)

	if l.Cell(-1.2921, 36.8219) != l.Cell(-1.2501, 36.8999) {
		t.Error("points in the same 0.1° cell should share a key")
	}
	if l.Cell(-1.2921, 36.8219) == l.Cell(-1.3001, 36.8219) {
		t.Error("points across a cell boundary should differ")
	}
	if l.Cell(0.05, 0.05) == l.Cell(-0.05, -0.05) {
		t.Error("cells either side of the equator should differ")
	}
}

func TestExposureLimiter_NilAllowsAll(t *testing.T) {
	var l *registry.ExposureLimiter
	p := &model.Policy{CoverageAmount: d(1e9)}
	if err := l.Check(p, nil); err != nil {
		t.Errorf("nil limiter should allow, got %v", err)
	}
}
