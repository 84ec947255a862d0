package credits

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/stagely/stagely-backend/internal/ledger"
	"github.com/stagely/stagely-backend/internal/packs"
	"github.com/stagely/stagely-backend/pkg/db/models"
	"github.com/stagely/stagely-backend/pkg/enums"
	pkgerrors "github.com/stagely/stagely-backend/pkg/errors"
	"github.com/stagely/stagely-backend/pkg/logger"
)

type gormTxRunner struct {
	db *gorm.DB
}

func (r gormTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

type harness struct {
	svc     Service
	conn    *gorm.DB
	ledger  ledger.Repository
	snaps   SnapshotRepository
	clock   *time.Time
	catalog *packs.Catalog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(&models.LedgerEntry{}, &models.BalanceSnapshot{}); err != nil {
		t.Fatalf("failed to migrate sqlite: %v", err)
	}

	ledgerRepo := ledger.NewRepository(conn)
	snapRepo := NewSnapshotRepository(conn)
	catalog := packs.DefaultCatalog()
	svc, err := NewService(ServiceParams{
		DB:           gormTxRunner{db: conn},
		LedgerRepo:   ledgerRepo,
		SnapshotRepo: snapRepo,
		Packs:        catalog,
		Logger:       logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	impl := svc.(*service)
	impl.now = func() time.Time { return now }

	return &harness{svc: svc, conn: conn, ledger: ledgerRepo, snaps: snapRepo, clock: &now, catalog: catalog}
}

func (h *harness) advance(d time.Duration) {
	*h.clock = h.clock.Add(d)
}

func (h *harness) mustPack(t *testing.T, tag string) packs.Pack {
	t.Helper()
	pack, ok := h.catalog.ByTag(tag)
	if !ok {
		t.Fatalf("unknown pack %q", tag)
	}
	return pack
}

func strPtr(s string) *string { return &s }

func TestService_GrantCreditsAndSetsExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	pack := h.mustPack(t, "starter")

	entry, err := h.svc.Grant(ctx, GrantInput{
		UserID:   userID,
		Pack:     pack,
		Reason:   enums.LedgerReasonPurchase,
		SourceID: strPtr("pi_grant_1"),
	})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if entry.Delta != pack.Credits {
		t.Fatalf("expected delta %d, got %d", pack.Credits, entry.Delta)
	}

	bal, err := h.svc.GetBalance(ctx, userID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.Balance != pack.Credits {
		t.Fatalf("expected balance %d, got %d", pack.Credits, bal.Balance)
	}
	wantExpiry := h.clock.Add(pack.Validity())
	if bal.CreditsExpireAt == nil || !bal.CreditsExpireAt.Equal(wantExpiry) {
		t.Fatalf("expected expiry %v, got %v", wantExpiry, bal.CreditsExpireAt)
	}
	if bal.LastPackPurchased != "starter" {
		t.Fatalf("expected last pack starter, got %q", bal.LastPackPurchased)
	}
}

func TestService_GrantReplaySameSourceIsRejectedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	pack := h.mustPack(t, "starter")

	input := GrantInput{UserID: userID, Pack: pack, Reason: enums.LedgerReasonPurchase, SourceID: strPtr("pi_replay")}
	if _, err := h.svc.Grant(ctx, input); err != nil {
		t.Fatalf("first grant: %v", err)
	}

	_, err := h.svc.Grant(ctx, input)
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeDuplicateSource {
		t.Fatalf("expected DUPLICATE_SOURCE, got %v", err)
	}

	bal, err := h.svc.GetBalance(ctx, userID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.Balance != pack.Credits {
		t.Fatalf("replay must not double credit; balance=%d", bal.Balance)
	}
	sum, err := h.ledger.SumForUser(ctx, userID)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if sum != pack.Credits {
		t.Fatalf("replay must not add a ledger row; sum=%d", sum)
	}
}

func TestService_GrantNeverShortensExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()

	if _, err := h.svc.Grant(ctx, GrantInput{UserID: userID, Pack: h.mustPack(t, "studio"), Reason: enums.LedgerReasonPurchase, SourceID: strPtr("pi_a")}); err != nil {
		t.Fatalf("studio grant: %v", err)
	}
	studioExpiry := h.clock.Add(h.mustPack(t, "studio").Validity())

	if _, err := h.svc.Grant(ctx, GrantInput{UserID: userID, Pack: h.mustPack(t, "starter"), Reason: enums.LedgerReasonPurchase, SourceID: strPtr("pi_b")}); err != nil {
		t.Fatalf("starter grant: %v", err)
	}

	bal, err := h.svc.GetBalance(ctx, userID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.CreditsExpireAt == nil || !bal.CreditsExpireAt.Equal(studioExpiry) {
		t.Fatalf("shorter pack must not pull expiry in; got %v want %v", bal.CreditsExpireAt, studioExpiry)
	}
}

func TestService_ConsumeDebitsBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()

	if _, err := h.svc.Grant(ctx, GrantInput{UserID: userID, Pack: h.mustPack(t, "starter"), Reason: enums.LedgerReasonPurchase, SourceID: strPtr("pi_c")}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	entry, err := h.svc.Consume(ctx, ConsumeInput{UserID: userID, Amount: 3, SourceID: strPtr("render_1")})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if entry.Delta != -3 {
		t.Fatalf("expected delta -3, got %d", entry.Delta)
	}
	if entry.Reason != enums.LedgerReasonConsumption {
		t.Fatalf("expected consumption reason, got %s", entry.Reason)
	}

	bal, err := h.svc.GetBalance(ctx, userID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.Balance != 7 {
		t.Fatalf("expected balance 7, got %d", bal.Balance)
	}
}

func TestService_ConsumeRejectsOverdraft(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()

	if _, err := h.svc.Grant(ctx, GrantInput{UserID: userID, Pack: h.mustPack(t, "starter"), Reason: enums.LedgerReasonPurchase, SourceID: strPtr("pi_d")}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := h.svc.Consume(ctx, ConsumeInput{UserID: userID, Amount: 8}); err != nil {
		t.Fatalf("first consume: %v", err)
	}

	_, err := h.svc.Consume(ctx, ConsumeInput{UserID: userID, Amount: 5})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeInsufficientBalance {
		t.Fatalf("expected INSUFFICIENT_BALANCE, got %v", err)
	}

	bal, err := h.svc.GetBalance(ctx, userID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.Balance != 2 {
		t.Fatalf("failed consume must not change balance; got %d", bal.Balance)
	}
}

func TestService_ConsumeToExactZeroSucceeds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()

	if _, err := h.svc.Grant(ctx, GrantInput{UserID: userID, Pack: h.mustPack(t, "starter"), Reason: enums.LedgerReasonPurchase, SourceID: strPtr("pi_e")}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := h.svc.Consume(ctx, ConsumeInput{UserID: userID, Amount: 10}); err != nil {
		t.Fatalf("exact spend: %v", err)
	}

	bal, err := h.svc.GetBalance(ctx, userID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.Balance != 0 {
		t.Fatalf("expected zero balance, got %d", bal.Balance)
	}
}

func TestService_ConsumeSeesExpiredBalanceAsZero(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	pack := h.mustPack(t, "starter")

	if _, err := h.svc.Grant(ctx, GrantInput{UserID: userID, Pack: pack, Reason: enums.LedgerReasonPurchase, SourceID: strPtr("pi_f")}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	h.advance(pack.Validity() + time.Hour)

	_, err := h.svc.Consume(ctx, ConsumeInput{UserID: userID, Amount: 1})
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeInsufficientBalance {
		t.Fatalf("expired credits must not be spendable, got %v", err)
	}
}

func TestService_ConsumeAutoExtendsExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	pack := h.mustPack(t, "pro")

	if _, err := h.svc.Grant(ctx, GrantInput{UserID: userID, Pack: pack, Reason: enums.LedgerReasonPurchase, SourceID: strPtr("pi_g")}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	baseExpiry := h.clock.Add(pack.Validity())

	if _, err := h.svc.Consume(ctx, ConsumeInput{UserID: userID, Amount: 1}); err != nil {
		t.Fatalf("consume: %v", err)
	}

	bal, err := h.svc.GetBalance(ctx, userID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	want := baseExpiry.Add(pack.ExtensionWindow())
	if bal.CreditsExpireAt == nil || !bal.CreditsExpireAt.Equal(want) {
		t.Fatalf("expected auto-extended expiry %v, got %v", want, bal.CreditsExpireAt)
	}
}

func TestService_ConsumeWithoutAutoExtendKeepsExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	pack := h.mustPack(t, "starter")

	if _, err := h.svc.Grant(ctx, GrantInput{UserID: userID, Pack: pack, Reason: enums.LedgerReasonPurchase, SourceID: strPtr("pi_h")}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	want := h.clock.Add(pack.Validity())

	if _, err := h.svc.Consume(ctx, ConsumeInput{UserID: userID, Amount: 1}); err != nil {
		t.Fatalf("consume: %v", err)
	}

	bal, err := h.svc.GetBalance(ctx, userID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.CreditsExpireAt == nil || !bal.CreditsExpireAt.Equal(want) {
		t.Fatalf("starter pack must not extend on use; got %v want %v", bal.CreditsExpireAt, want)
	}
}

func TestService_RefundClampsToRemainingBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()

	if _, err := h.svc.Grant(ctx, GrantInput{UserID: userID, Pack: h.mustPack(t, "starter"), Reason: enums.LedgerReasonPurchase, SourceID: strPtr("pi_i")}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := h.svc.Consume(ctx, ConsumeInput{UserID: userID, Amount: 6}); err != nil {
		t.Fatalf("consume: %v", err)
	}

	entry, err := h.svc.Refund(ctx, RefundInput{UserID: userID, Credits: 10, SourceID: strPtr("re_1")})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if entry.Delta != -4 {
		t.Fatalf("refund must clamp to remaining 4, got delta %d", entry.Delta)
	}

	bal, err := h.svc.GetBalance(ctx, userID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.Balance != 0 {
		t.Fatalf("expected zero after clamped refund, got %d", bal.Balance)
	}
}

func TestService_RefundOnEmptyBalanceIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()

	entry, err := h.svc.Refund(ctx, RefundInput{UserID: userID, Credits: 10, SourceID: strPtr("re_2")})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected no entry for empty balance, got %+v", entry)
	}

	sum, err := h.ledger.SumForUser(ctx, userID)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if sum != 0 {
		t.Fatalf("expected untouched ledger, sum=%d", sum)
	}
}

func TestService_ExpireUserForfeitsAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	pack := h.mustPack(t, "starter")

	if _, err := h.svc.Grant(ctx, GrantInput{UserID: userID, Pack: pack, Reason: enums.LedgerReasonPurchase, SourceID: strPtr("pi_j")}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := h.svc.Consume(ctx, ConsumeInput{UserID: userID, Amount: 2}); err != nil {
		t.Fatalf("consume: %v", err)
	}
	h.advance(pack.Validity() + time.Hour)

	entry, err := h.svc.ExpireUser(ctx, userID)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if entry == nil || entry.Delta != -8 {
		t.Fatalf("expected expiry entry of -8, got %+v", entry)
	}
	if entry.Reason != enums.LedgerReasonExpiry {
		t.Fatalf("expected expiry reason, got %s", entry.Reason)
	}

	again, err := h.svc.ExpireUser(ctx, userID)
	if err != nil {
		t.Fatalf("second expire: %v", err)
	}
	if again != nil {
		t.Fatalf("second sweep must be a no-op, got %+v", again)
	}

	sum, err := h.ledger.SumForUser(ctx, userID)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if sum != 0 {
		t.Fatalf("expected ledger sum 0 after expiry, got %d", sum)
	}
}

func TestService_ExpireUserSkipsActiveBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()

	if _, err := h.svc.Grant(ctx, GrantInput{UserID: userID, Pack: h.mustPack(t, "starter"), Reason: enums.LedgerReasonPurchase, SourceID: strPtr("pi_k")}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	entry, err := h.svc.ExpireUser(ctx, userID)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if entry != nil {
		t.Fatalf("active balance must not be swept, got %+v", entry)
	}
}

func TestService_GetBalanceRebuildsMissingSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()

	if err := h.ledger.Create(ctx, &models.LedgerEntry{UserID: userID, Delta: 12, Reason: enums.LedgerReasonBonus}); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	if err := h.ledger.Create(ctx, &models.LedgerEntry{UserID: userID, Delta: -5, Reason: enums.LedgerReasonConsumption}); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	bal, err := h.svc.GetBalance(ctx, userID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.Balance != 7 {
		t.Fatalf("expected rebuilt balance 7, got %d", bal.Balance)
	}
}

// spendDuringSumRepo fires a committed spend the first time the unlocked
// ledger sum is read, interleaving a consume with a snapshot rebuild.
type spendDuringSumRepo struct {
	ledger.Repository
	spend func()
	fired bool
}

func (r *spendDuringSumRepo) SumForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	sum, err := r.Repository.SumForUser(ctx, userID)
	if err == nil && !r.fired && r.spend != nil {
		r.fired = true
		r.spend()
	}
	return sum, err
}

func TestService_GetBalanceRebuildSurvivesConcurrentSpend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	pack := h.mustPack(t, "starter")

	if _, err := h.svc.Grant(ctx, GrantInput{
		UserID:   userID,
		Pack:     pack,
		Reason:   enums.LedgerReasonPurchase,
		SourceID: strPtr("pi_rebuild_race"),
	}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	// Second projector whose unlocked sum read spends through the first
	// one; dropping the cache row forces its rebuild path.
	hooked := &spendDuringSumRepo{Repository: h.ledger}
	hooked.spend = func() {
		if _, err := h.svc.Consume(ctx, ConsumeInput{UserID: userID, Amount: 4}); err != nil {
			t.Errorf("interleaved consume: %v", err)
		}
	}
	svc2, err := NewService(ServiceParams{
		DB:           gormTxRunner{db: h.conn},
		LedgerRepo:   hooked,
		SnapshotRepo: h.snaps,
		Packs:        h.catalog,
		Logger:       logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	svc2.(*service).now = func() time.Time { return *h.clock }

	if err := h.conn.Delete(&models.BalanceSnapshot{}, "user_id = ?", userID).Error; err != nil {
		t.Fatalf("drop snapshot: %v", err)
	}

	bal, err := svc2.GetBalance(ctx, userID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	sum, err := h.ledger.SumForUser(ctx, userID)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if bal.RawBalance != sum {
		t.Fatalf("rebuilt snapshot %d diverged from ledger sum %d", bal.RawBalance, sum)
	}

	// Spending everything the read reported must never overdraw the ledger.
	if bal.Balance > 0 {
		if _, err := svc2.Consume(ctx, ConsumeInput{UserID: userID, Amount: bal.Balance}); err != nil {
			t.Fatalf("consume reported balance: %v", err)
		}
	}
	final, err := h.ledger.SumForUser(ctx, userID)
	if err != nil {
		t.Fatalf("final sum: %v", err)
	}
	if final < 0 {
		t.Fatalf("ledger sum went negative: %d", final)
	}
}

func TestService_ConcurrentConsumesNeverOverdraw(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	userID := uuid.New()
	pack := h.mustPack(t, "starter")

	if _, err := h.svc.Grant(ctx, GrantInput{
		UserID:   userID,
		Pack:     pack,
		Reason:   enums.LedgerReasonPurchase,
		SourceID: strPtr("pi_concurrent"),
	}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	// Two spends whose total exceeds the balance; at most one may land.
	start := make(chan struct{})
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			<-start
			_, err := h.svc.Consume(ctx, ConsumeInput{UserID: userID, Amount: 7})
			results <- err
		}()
	}
	close(start)

	var successes int
	for i := 0; i < 2; i++ {
		if err := <-results; err == nil {
			successes++
		}
	}
	if successes > 1 {
		t.Fatal("both spends succeeded against a balance covering one")
	}

	sum, err := h.ledger.SumForUser(ctx, userID)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if sum < 0 {
		t.Fatalf("ledger sum went negative: %d", sum)
	}
	if successes == 1 && sum != pack.Credits-7 {
		t.Fatalf("expected sum %d after one spend, got %d", pack.Credits-7, sum)
	}
	snap, err := h.snaps.Get(ctx, userID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap == nil || snap.Balance != sum {
		t.Fatalf("snapshot diverged from ledger sum %d: %+v", sum, snap)
	}
}
