package controllers

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/stagely/stagely-backend/api/middleware"
	"github.com/stagely/stagely-backend/api/responses"
	"github.com/stagely/stagely-backend/api/validators"
	"github.com/stagely/stagely-backend/internal/credits"
	"github.com/stagely/stagely-backend/internal/ledger"
	"github.com/stagely/stagely-backend/pkg/db/models"
	"github.com/stagely/stagely-backend/pkg/enums"
	pkgerrors "github.com/stagely/stagely-backend/pkg/errors"
	"github.com/stagely/stagely-backend/pkg/logger"
	"github.com/stagely/stagely-backend/pkg/pagination"
)

const maxSourceIDLength = 128

type transactionsResponse struct {
	Entries    []models.LedgerEntry `json:"entries"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type consumeRequest struct {
	Amount   int64   `json:"amount" validate:"required,min=1"`
	Reason   string  `json:"reason" validate:"omitempty,oneof=consumption adjustment"`
	SourceID *string `json:"source_id" validate:"omitempty,max=128"`
}

func currentUser(r *http.Request) (uuid.UUID, error) {
	raw := middleware.UserIDFromContext(r.Context())
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing")
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid user id")
	}
	return userID, nil
}

// GetBalance returns the caller's spendable credit balance.
func GetBalance(svc credits.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "credit service unavailable"))
			return
		}

		userID, err := currentUser(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		balance, err := svc.GetBalance(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, balance)
	}
}

// ListTransactions returns the caller's ledger history, newest first.
func ListTransactions(svc ledger.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}

		userID, err := currentUser(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		params := pagination.Params{
			Limit:  limit,
			Cursor: strings.TrimSpace(r.URL.Query().Get("cursor")),
		}

		entries, next, err := svc.History(r.Context(), userID, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, transactionsResponse{Entries: entries, NextCursor: next})
	}
}

// Consume debits credits for a unit of work on behalf of the caller.
func Consume(svc credits.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "credit service unavailable"))
			return
		}

		userID, err := currentUser(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var req consumeRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		input := credits.ConsumeInput{
			UserID: userID,
			Amount: req.Amount,
			Reason: enums.LedgerReason(req.Reason),
		}
		if req.SourceID != nil {
			sourceID := validators.SanitizeString(*req.SourceID, maxSourceIDLength)
			if sourceID != "" {
				input.SourceID = &sourceID
			}
		}

		entry, err := svc.Consume(r.Context(), input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, entry)
	}
}
