package ledger

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/stagely/stagely-backend/pkg/db/models"
	"github.com/stagely/stagely-backend/pkg/enums"
	pkgerrors "github.com/stagely/stagely-backend/pkg/errors"
	"github.com/stagely/stagely-backend/pkg/pagination"
)

// Service defines the operations that record and read ledger entries.
type Service interface {
	Append(ctx context.Context, input AppendInput) (*models.LedgerEntry, error)
	SumForUser(ctx context.Context, userID uuid.UUID) (int64, error)
	History(ctx context.Context, userID uuid.UUID, params pagination.Params) ([]models.LedgerEntry, string, error)
}

// AppendInput captures the immutable data a ledger entry requires.
type AppendInput struct {
	UserID   uuid.UUID
	Delta    int64
	Reason   enums.LedgerReason
	SourceID *string
}

// Entry builds the model after validation.
func (in AppendInput) Entry() *models.LedgerEntry {
	return &models.LedgerEntry{
		UserID:   in.UserID,
		Delta:    in.Delta,
		Reason:   in.Reason,
		SourceID: in.SourceID,
	}
}

// Validate enforces the append constraints shared by every caller.
func (in AppendInput) Validate() error {
	if in.UserID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if in.Delta == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "delta must be non-zero")
	}
	if !in.Reason.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid ledger reason").
			WithDetails(map[string]any{"reason": string(in.Reason)})
	}
	if in.SourceID != nil && strings.TrimSpace(*in.SourceID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "source id must not be blank when provided")
	}
	return nil
}

type service struct {
	repo Repository
}

// NewService wires a ledger service with the provided repository.
func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "ledger repository required")
	}
	return &service{repo: repo}, nil
}

func (s *service) Append(ctx context.Context, input AppendInput) (*models.LedgerEntry, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	entry := input.Entry()
	if err := s.repo.Create(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *service) SumForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	if userID == uuid.Nil {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	return s.repo.SumForUser(ctx, userID)
}

func (s *service) History(ctx context.Context, userID uuid.UUID, params pagination.Params) ([]models.LedgerEntry, string, error) {
	if userID == uuid.Nil {
		return nil, "", pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	return s.repo.ListForUser(ctx, userID, params)
}
