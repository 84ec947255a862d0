package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/stagely/stagely-backend/pkg/db/models"
	"github.com/stagely/stagely-backend/pkg/logger"
)

const expiredBatchSize = 500

// CreditExpiryJobParams configure the daily credit expiry sweep.
type CreditExpiryJobParams struct {
	Logger        *logger.Logger
	ExpiredReader expiredBalanceReader
	Expirer       creditExpirer
	BatchSize     int
}

type expiredBalanceReader interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]models.BalanceSnapshot, error)
}

type creditExpirer interface {
	ExpireUser(ctx context.Context, userID uuid.UUID) (*models.LedgerEntry, error)
}

// NewCreditExpiryJob builds the cron job that forfeits expired credit balances.
func NewCreditExpiryJob(params CreditExpiryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.ExpiredReader == nil {
		return nil, fmt.Errorf("expired balance reader required")
	}
	if params.Expirer == nil {
		return nil, fmt.Errorf("credit expirer required")
	}
	batchSize := params.BatchSize
	if batchSize <= 0 {
		batchSize = expiredBatchSize
	}
	return &creditExpiryJob{
		logg:      params.Logger,
		reader:    params.ExpiredReader,
		expirer:   params.Expirer,
		batchSize: batchSize,
		now:       time.Now,
	}, nil
}

type creditExpiryJob struct {
	logg      *logger.Logger
	reader    expiredBalanceReader
	expirer   creditExpirer
	batchSize int
	now       func() time.Time
}

func (j *creditExpiryJob) Name() string { return "credit-expiry" }

// Run sweeps every balance whose expiry date has passed. One user failing
// does not stop the batch; the errors are collected and reported together so
// the next cycle retries only what is still expired.
func (j *creditExpiryJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	var swept, failed int
	var errs error
	// A user that failed is attempted once per cycle; the next scheduled
	// sweep retries it.
	skip := make(map[uuid.UUID]struct{})

	for {
		// Failed users still occupy result rows, so widen the page to
		// reach past them.
		limit := j.batchSize + len(skip)
		snapshots, err := j.reader.ListExpired(ctx, now, limit)
		if err != nil {
			return fmt.Errorf("list expired balances: %w", err)
		}
		if len(snapshots) == 0 {
			break
		}

		progressed := false
		for _, snapshot := range snapshots {
			if _, seen := skip[snapshot.UserID]; seen {
				continue
			}
			entry, err := j.expirer.ExpireUser(ctx, snapshot.UserID)
			if err != nil {
				skip[snapshot.UserID] = struct{}{}
				failed++
				errs = multierr.Append(errs, fmt.Errorf("expire user %s: %w", snapshot.UserID, err))
				continue
			}
			progressed = true
			if entry != nil {
				swept++
			}
		}
		// Every remaining row failed; looping again would spin on the same
		// users within this cycle.
		if !progressed {
			break
		}
		if len(snapshots) < limit {
			break
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{"swept": swept, "failed": failed})
	j.logg.Info(logCtx, "credit expiry sweep finished")
	return errs
}
