package ledger

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/stagely/stagely-backend/pkg/db"
	"github.com/stagely/stagely-backend/pkg/db/models"
	pkgerrors "github.com/stagely/stagely-backend/pkg/errors"
	"github.com/stagely/stagely-backend/pkg/pagination"
)

// UniqueSourceConstraint is the partial unique index guarding (user_id, source_id).
const UniqueSourceConstraint = "ux_ledger_entries_user_source"

// Repository manages persistence for the append-only credit ledger.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, entry *models.LedgerEntry) error
	SumForUser(ctx context.Context, userID uuid.UUID) (int64, error)
	ListForUser(ctx context.Context, userID uuid.UUID, params pagination.Params) ([]models.LedgerEntry, string, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// Create appends exactly one immutable row. Concurrent appends sharing a
// (user_id, source_id) pair resolve to one success; the rest surface
// DuplicateSource via the unique index, never a second row.
func (r *repository) Create(ctx context.Context, entry *models.LedgerEntry) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		if db.IsUniqueViolation(err, UniqueSourceConstraint) {
			sourceID := ""
			if entry.SourceID != nil {
				sourceID = *entry.SourceID
			}
			return pkgerrors.Wrap(pkgerrors.CodeDuplicateSource, err, "ledger entry already recorded").
				WithDetails(map[string]any{"user_id": entry.UserID.String(), "source_id": sourceID})
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert ledger entry")
	}
	return nil
}

// SumForUser returns the cumulative delta, the authoritative balance.
func (r *repository) SumForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).
		Model(&models.LedgerEntry{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(delta), 0)").
		Scan(&sum).Error
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "sum ledger deltas")
	}
	return sum, nil
}

// ListForUser returns entries newest first with a restartable cursor.
func (r *repository) ListForUser(ctx context.Context, userID uuid.UUID, params pagination.Params) ([]models.LedgerEntry, string, error) {
	limit := pagination.NormalizeLimit(params.Limit)

	query := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(pagination.LimitWithBuffer(params.Limit))

	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	if cursor != nil {
		query = query.Where(
			"(created_at < ?) OR (created_at = ? AND id < ?)",
			cursor.CreatedAt, cursor.CreatedAt, cursor.ID,
		)
	}

	var entries []models.LedgerEntry
	if err := query.Find(&entries).Error; err != nil {
		return nil, "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list ledger entries")
	}

	nextCursor := ""
	if len(entries) > limit {
		entries = entries[:limit]
		last := entries[len(entries)-1]
		nextCursor = pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return entries, nextCursor, nil
}
