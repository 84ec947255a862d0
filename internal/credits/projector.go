package credits

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stagely/stagely-backend/internal/ledger"
	"github.com/stagely/stagely-backend/internal/packs"
	"github.com/stagely/stagely-backend/pkg/db/models"
	"github.com/stagely/stagely-backend/pkg/enums"
	pkgerrors "github.com/stagely/stagely-backend/pkg/errors"
	"github.com/stagely/stagely-backend/pkg/logger"
)

// Balance is the read model handed to the API: spendable credits plus the
// expiry metadata that produced them.
type Balance struct {
	UserID            uuid.UUID  `json:"user_id"`
	Balance           int64      `json:"balance"`
	RawBalance        int64      `json:"-"`
	CreditsExpireAt   *time.Time `json:"credits_expire_at,omitempty"`
	LastPackPurchased string     `json:"last_pack_purchased,omitempty"`
	AutoExtendEnabled bool       `json:"auto_extend_enabled"`
}

// GrantInput credits a pack purchase or bonus to a user.
type GrantInput struct {
	UserID   uuid.UUID
	Pack     packs.Pack
	Reason   enums.LedgerReason
	SourceID *string
}

// ConsumeInput debits credits when a unit of paid work is performed.
type ConsumeInput struct {
	UserID   uuid.UUID
	Amount   int64
	Reason   enums.LedgerReason
	SourceID *string
}

// RefundInput reverses previously granted credits after a payment refund.
type RefundInput struct {
	UserID   uuid.UUID
	Credits  int64
	SourceID *string
}

// Service projects the ledger into spendable balances and owns every
// balance-changing write path except the raw ledger append itself.
type Service interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (*Balance, error)
	Grant(ctx context.Context, input GrantInput) (*models.LedgerEntry, error)
	Consume(ctx context.Context, input ConsumeInput) (*models.LedgerEntry, error)
	Refund(ctx context.Context, input RefundInput) (*models.LedgerEntry, error)
	ExpireUser(ctx context.Context, userID uuid.UUID) (*models.LedgerEntry, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ServiceParams configure the projector.
type ServiceParams struct {
	DB           txRunner
	LedgerRepo   ledger.Repository
	SnapshotRepo SnapshotRepository
	Packs        *packs.Catalog
	Logger       *logger.Logger
	MaxStaleness time.Duration
}

type service struct {
	db           txRunner
	ledgerRepo   ledger.Repository
	snapshots    SnapshotRepository
	packs        *packs.Catalog
	logg         *logger.Logger
	maxStaleness time.Duration
	now          func() time.Time
}

// NewService wires the balance projector.
func NewService(params ServiceParams) (Service, error) {
	if params.DB == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.LedgerRepo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "ledger repository required")
	}
	if params.SnapshotRepo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "snapshot repository required")
	}
	if params.Packs == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "pack catalog required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &service{
		db:           params.DB,
		ledgerRepo:   params.LedgerRepo,
		snapshots:    params.SnapshotRepo,
		packs:        params.Packs,
		logg:         params.Logger,
		maxStaleness: params.MaxStaleness,
		now:          time.Now,
	}, nil
}

// GetBalance serves the cached snapshot, rebuilding it from the ledger sum
// when missing or stale. The cache is advisory: the ledger sum wins whenever
// the two disagree.
func (s *service) GetBalance(ctx context.Context, userID uuid.UUID) (*Balance, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	now := s.now().UTC()

	snap, err := s.snapshots.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if snap == nil || s.stale(snap, now) {
		// Repair under the row lock; a spend committing mid-rebuild must
		// not be clobbered with the older sum.
		err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
			snapRepo := s.snapshots.WithTx(tx)
			locked, err := snapRepo.GetForUpdate(ctx, userID)
			if err != nil {
				return err
			}
			if locked != nil && !s.stale(locked, now) {
				snap = locked
				return nil
			}
			sum, err := s.ledgerRepo.WithTx(tx).SumForUser(ctx, userID)
			if err != nil {
				return err
			}
			if locked == nil {
				locked = &models.BalanceSnapshot{UserID: userID}
			}
			if locked.Balance != sum {
				logCtx := s.logg.WithFields(ctx, map[string]any{
					"user_id":    userID.String(),
					"cached":     locked.Balance,
					"ledger_sum": sum,
				})
				s.logg.Warn(logCtx, "balance snapshot drifted from ledger; repairing")
				locked.Balance = sum
			}
			snap = locked
			return snapRepo.Save(ctx, locked)
		})
		if err != nil {
			return nil, err
		}
	}

	return &Balance{
		UserID:            userID,
		Balance:           snap.Spendable(now),
		RawBalance:        snap.Balance,
		CreditsExpireAt:   snap.CreditsExpireAt,
		LastPackPurchased: snap.LastPackPurchased,
		AutoExtendEnabled: snap.AutoExtendEnabled,
	}, nil
}

func (s *service) stale(snap *models.BalanceSnapshot, now time.Time) bool {
	return s.maxStaleness > 0 && now.Sub(snap.UpdatedAt) > s.maxStaleness
}

// Grant appends a positive entry and extends the expiry window, all in one
// transaction. A replayed source id rolls the whole unit back via
// DuplicateSource, so no partial credit can ever land.
func (s *service) Grant(ctx context.Context, input GrantInput) (*models.LedgerEntry, error) {
	if !input.Reason.IsGrant() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "grant reason must be purchase or bonus").
			WithDetails(map[string]any{"reason": string(input.Reason)})
	}
	in := ledger.AppendInput{
		UserID:   input.UserID,
		Delta:    input.Pack.Credits,
		Reason:   input.Reason,
		SourceID: input.SourceID,
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	var entry *models.LedgerEntry
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		snapRepo := s.snapshots.WithTx(tx)
		snap, err := snapRepo.GetForUpdate(ctx, input.UserID)
		if err != nil {
			return err
		}
		if snap == nil {
			snap = &models.BalanceSnapshot{UserID: input.UserID}
		}

		entry = in.Entry()
		if err := s.ledgerRepo.WithTx(tx).Create(ctx, entry); err != nil {
			return err
		}

		snap.Balance += input.Pack.Credits
		expiry := now.Add(input.Pack.Validity())
		if snap.CreditsExpireAt == nil || expiry.After(*snap.CreditsExpireAt) {
			snap.CreditsExpireAt = &expiry
		}
		snap.LastPackPurchased = input.Pack.Tag
		snap.AutoExtendEnabled = input.Pack.AutoExtend
		return snapRepo.Save(ctx, snap)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Consume is the spend path: check-then-append under the snapshot row lock.
// Two concurrent spends against a balance that covers only one resolve to one
// success and one InsufficientBalance, never an overdraft.
func (s *service) Consume(ctx context.Context, input ConsumeInput) (*models.LedgerEntry, error) {
	if input.Amount <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	reason := input.Reason
	if reason == "" {
		reason = enums.LedgerReasonConsumption
	}
	if reason != enums.LedgerReasonConsumption && reason != enums.LedgerReasonAdjustment {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "consume reason must be consumption or adjustment").
			WithDetails(map[string]any{"reason": string(reason)})
	}
	in := ledger.AppendInput{
		UserID:   input.UserID,
		Delta:    -input.Amount,
		Reason:   reason,
		SourceID: input.SourceID,
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	var entry *models.LedgerEntry
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		snapRepo := s.snapshots.WithTx(tx)
		snap, err := s.lockedSnapshot(ctx, tx, input.UserID)
		if err != nil {
			return err
		}

		spendable := snap.Spendable(now)
		if spendable < input.Amount {
			return pkgerrors.New(pkgerrors.CodeInsufficientBalance, "credit balance too low").
				WithDetails(map[string]any{
					"user_id":   input.UserID.String(),
					"balance":   spendable,
					"requested": input.Amount,
				})
		}

		entry = in.Entry()
		if err := s.ledgerRepo.WithTx(tx).Create(ctx, entry); err != nil {
			return err
		}

		snap.Balance -= input.Amount
		if snap.AutoExtendEnabled && snap.CreditsExpireAt != nil && now.Before(*snap.CreditsExpireAt) {
			if pack, ok := s.packs.ByTag(snap.LastPackPurchased); ok && pack.ExtensionDays > 0 {
				extended := snap.CreditsExpireAt.Add(pack.ExtensionWindow())
				snap.CreditsExpireAt = &extended
			}
		}
		return snapRepo.Save(ctx, snap)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Refund reverses granted credits after a payment refund. The reversal is
// clamped to the remaining balance so the ledger sum never goes negative; an
// already-empty balance makes the refund a no-op (nil entry).
func (s *service) Refund(ctx context.Context, input RefundInput) (*models.LedgerEntry, error) {
	if input.Credits <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "credits must be positive")
	}
	if input.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}

	var entry *models.LedgerEntry
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		snapRepo := s.snapshots.WithTx(tx)
		snap, err := s.lockedSnapshot(ctx, tx, input.UserID)
		if err != nil {
			return err
		}

		reverse := input.Credits
		if snap.Balance < reverse {
			reverse = snap.Balance
		}
		if reverse <= 0 {
			logCtx := s.logg.WithFields(ctx, map[string]any{"user_id": input.UserID.String()})
			s.logg.Info(logCtx, "refund arrived after balance was spent; nothing to reverse")
			return nil
		}

		entry = ledger.AppendInput{
			UserID:   input.UserID,
			Delta:    -reverse,
			Reason:   enums.LedgerReasonRefund,
			SourceID: input.SourceID,
		}.Entry()
		if err := s.ledgerRepo.WithTx(tx).Create(ctx, entry); err != nil {
			return err
		}

		snap.Balance -= reverse
		return snapRepo.Save(ctx, snap)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ExpireUser converts a logically expired balance into an explicit expiry
// entry driving it to zero. Re-running against an already-swept user is a
// no-op, which keeps the daily sweep idempotent.
func (s *service) ExpireUser(ctx context.Context, userID uuid.UUID) (*models.LedgerEntry, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}

	now := s.now().UTC()
	var entry *models.LedgerEntry
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		snapRepo := s.snapshots.WithTx(tx)
		snap, err := snapRepo.GetForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if snap == nil || !snap.Expired(now) {
			return nil
		}

		// The ledger sum, not the cache, decides what gets forfeited.
		sum, err := s.ledgerRepo.WithTx(tx).SumForUser(ctx, userID)
		if err != nil {
			return err
		}
		if sum <= 0 {
			if snap.Balance != sum && sum >= 0 {
				snap.Balance = sum
				return snapRepo.Save(ctx, snap)
			}
			return nil
		}

		entry = ledger.AppendInput{
			UserID: userID,
			Delta:  -sum,
			Reason: enums.LedgerReasonExpiry,
		}.Entry()
		if err := s.ledgerRepo.WithTx(tx).Create(ctx, entry); err != nil {
			return err
		}

		snap.Balance = 0
		return snapRepo.Save(ctx, snap)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// lockedSnapshot loads the row under lock, rebuilding it from the ledger sum
// when the cache row does not exist yet.
func (s *service) lockedSnapshot(ctx context.Context, tx *gorm.DB, userID uuid.UUID) (*models.BalanceSnapshot, error) {
	snap, err := s.snapshots.WithTx(tx).GetForUpdate(ctx, userID)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		return snap, nil
	}
	sum, err := s.ledgerRepo.WithTx(tx).SumForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &models.BalanceSnapshot{UserID: userID, Balance: sum}, nil
}
