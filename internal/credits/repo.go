package credits

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stagely/stagely-backend/pkg/db/models"
	pkgerrors "github.com/stagely/stagely-backend/pkg/errors"
)

// SnapshotRepository manages the per-user balance cache rows.
type SnapshotRepository interface {
	WithTx(tx *gorm.DB) SnapshotRepository
	Get(ctx context.Context, userID uuid.UUID) (*models.BalanceSnapshot, error)
	GetForUpdate(ctx context.Context, userID uuid.UUID) (*models.BalanceSnapshot, error)
	Save(ctx context.Context, snapshot *models.BalanceSnapshot) error
	ListExpired(ctx context.Context, now time.Time, limit int) ([]models.BalanceSnapshot, error)
}

type snapshotRepository struct {
	db *gorm.DB
}

// NewSnapshotRepository returns a snapshot repository bound to the provided database.
func NewSnapshotRepository(db *gorm.DB) SnapshotRepository {
	return &snapshotRepository{db: db}
}

func (r *snapshotRepository) WithTx(tx *gorm.DB) SnapshotRepository {
	if tx == nil {
		return r
	}
	return &snapshotRepository{db: tx}
}

func (r *snapshotRepository) Get(ctx context.Context, userID uuid.UUID) (*models.BalanceSnapshot, error) {
	return r.find(r.db.WithContext(ctx), userID)
}

// GetForUpdate takes a row lock so check-then-append stays a single atomic
// unit under concurrent spends. The sqlite dev driver serializes writers on
// its own and rejects FOR UPDATE, so the clause is postgres-only.
func (r *snapshotRepository) GetForUpdate(ctx context.Context, userID uuid.UUID) (*models.BalanceSnapshot, error) {
	query := r.db.WithContext(ctx)
	if r.db.Dialector.Name() != "sqlite" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return r.find(query, userID)
}

func (r *snapshotRepository) find(query *gorm.DB, userID uuid.UUID) (*models.BalanceSnapshot, error) {
	var snapshot models.BalanceSnapshot
	err := query.Where("user_id = ?", userID).First(&snapshot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load balance snapshot")
	}
	return &snapshot, nil
}

func (r *snapshotRepository) Save(ctx context.Context, snapshot *models.BalanceSnapshot) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).
		Create(snapshot).Error
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save balance snapshot")
	}
	return nil
}

// ListExpired pages through snapshots past their expiry date whose cached
// balance is still positive. The filter keys off the cache, so a drifted-low
// row is invisible to the sweep until a read or spend repairs the snapshot;
// it is picked up on a later cycle.
func (r *snapshotRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]models.BalanceSnapshot, error) {
	var snapshots []models.BalanceSnapshot
	query := r.db.WithContext(ctx).
		Where("credits_expire_at IS NOT NULL AND credits_expire_at < ? AND balance > 0", now).
		Order("credits_expire_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&snapshots).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list expired snapshots")
	}
	return snapshots, nil
}
