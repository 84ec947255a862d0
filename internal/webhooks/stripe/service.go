package stripewebhook

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"

	"github.com/stagely/stagely-backend/internal/credits"
	"github.com/stagely/stagely-backend/internal/packs"
	"github.com/stagely/stagely-backend/pkg/enums"
	pkgerrors "github.com/stagely/stagely-backend/pkg/errors"
	"github.com/stagely/stagely-backend/pkg/logger"
)

// Session metadata keys set by the checkout flow when the payment link is
// created. Events without them cannot be attributed to a user.
const (
	metadataUserID  = "user_id"
	metadataPackTag = "pack_tag"
)

type ServiceParams struct {
	Credits credits.Service
	Packs   *packs.Catalog
	Logger  *logger.Logger
}

// Service reconciles Stripe payment events into ledger entries. It is safe
// against redelivery: the ledger's source id constraint makes crediting
// at-most-once even when the Redis guard misses.
type Service struct {
	credits credits.Service
	packs   *packs.Catalog
	logg    *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Credits == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "credit service required")
	}
	if params.Packs == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "pack catalog required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Service{
		credits: params.Credits,
		packs:   params.Packs,
		logg:    params.Logger,
	}, nil
}

func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) error {
	if event == nil || event.Data == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}
	ctx = s.logg.WithEventID(ctx, event.ID)

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode checkout session")
		}
		return s.handleCheckoutCompleted(ctx, &session)
	case stripe.EventTypeChargeRefunded:
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode charge")
		}
		return s.handleChargeRefunded(ctx, &charge)
	default:
		return nil
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, session *stripe.CheckoutSession) error {
	userID, pack, err := s.attribute(session.Metadata)
	if err != nil {
		return err
	}

	sourceID := session.ID
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		sourceID = session.PaymentIntent.ID
	}

	_, err = s.credits.Grant(ctx, credits.GrantInput{
		UserID:   userID,
		Pack:     pack,
		Reason:   enums.LedgerReasonPurchase,
		SourceID: &sourceID,
	})
	if typed := pkgerrors.As(err); typed != nil && typed.Code() == pkgerrors.CodeDuplicateSource {
		logCtx := s.logg.WithSourceID(ctx, sourceID)
		s.logg.Info(logCtx, "payment already credited; acknowledging redelivery")
		return nil
	}
	return err
}

func (s *Service) handleChargeRefunded(ctx context.Context, charge *stripe.Charge) error {
	// Partial refunds keep the credits; only a full refund reverses the pack.
	if !charge.Refunded {
		s.logg.Info(s.logg.WithField(ctx, "charge_id", charge.ID), "partial refund ignored")
		return nil
	}

	userID, pack, err := s.attribute(charge.Metadata)
	if err != nil {
		return err
	}

	sourceID := refundSourceID(charge)
	_, err = s.credits.Refund(ctx, credits.RefundInput{
		UserID:   userID,
		Credits:  pack.Credits,
		SourceID: &sourceID,
	})
	if typed := pkgerrors.As(err); typed != nil && typed.Code() == pkgerrors.CodeDuplicateSource {
		logCtx := s.logg.WithSourceID(ctx, sourceID)
		s.logg.Info(logCtx, "refund already reversed; acknowledging redelivery")
		return nil
	}
	return err
}

func (s *Service) attribute(metadata map[string]string) (uuid.UUID, packs.Pack, error) {
	rawUser := metadata[metadataUserID]
	if rawUser == "" {
		return uuid.Nil, packs.Pack{}, pkgerrors.New(pkgerrors.CodeValidation, "event metadata missing user_id")
	}
	userID, err := uuid.Parse(rawUser)
	if err != nil {
		return uuid.Nil, packs.Pack{}, pkgerrors.New(pkgerrors.CodeValidation, "event metadata user_id is not a uuid").
			WithDetails(map[string]any{"user_id": rawUser})
	}

	tag := metadata[metadataPackTag]
	if tag == "" {
		return uuid.Nil, packs.Pack{}, pkgerrors.New(pkgerrors.CodeValidation, "event metadata missing pack_tag")
	}
	pack, ok := s.packs.ByTag(tag)
	if !ok {
		return uuid.Nil, packs.Pack{}, pkgerrors.New(pkgerrors.CodeValidation, "unknown credit pack").
			WithDetails(map[string]any{"pack_tag": tag})
	}
	return userID, pack, nil
}

func refundSourceID(charge *stripe.Charge) string {
	if charge.Refunds != nil && len(charge.Refunds.Data) > 0 && charge.Refunds.Data[0] != nil {
		return charge.Refunds.Data[0].ID
	}
	return "refund_" + charge.ID
}
