package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stagely/stagely-backend/api/controllers"
	webhookcontrollers "github.com/stagely/stagely-backend/api/controllers/webhooks"
	"github.com/stagely/stagely-backend/api/middleware"
	"github.com/stagely/stagely-backend/internal/credits"
	"github.com/stagely/stagely-backend/internal/ledger"
	stripewebhook "github.com/stagely/stagely-backend/internal/webhooks/stripe"
	"github.com/stagely/stagely-backend/pkg/config"
	"github.com/stagely/stagely-backend/pkg/db"
	"github.com/stagely/stagely-backend/pkg/logger"
	"github.com/stagely/stagely-backend/pkg/redis"
	"github.com/stagely/stagely-backend/pkg/stripe"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbClient *db.Client,
	redisClient *redis.Client,
	creditService credits.Service,
	ledgerService ledger.Service,
	stripeClient *stripe.Client,
	stripeWebhookService *stripewebhook.Service,
	stripeWebhookGuard *stripewebhook.IdempotencyGuard,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, dbClient, redisClient, logg))
	})

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/stripe", webhookcontrollers.StripeWebhook(stripeWebhookService, stripeClient, stripeWebhookGuard, logg))
	})

	r.Route("/api/v1/credits", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Get("/balance", controllers.GetBalance(creditService, logg))
		r.Get("/transactions", controllers.ListTransactions(ledgerService, logg))
		r.Post("/consume", controllers.Consume(creditService, logg))
	})

	return r
}
