package router

import (
	"net/http"

	"github.com/pixelift/backend/internal/batch"
	"github.com/pixelift/backend/internal/jobs"
	"github.com/pixelift/backend/internal/ledger"
	"github.com/pixelift/backend/internal/reaper"
)

// Middleware wraps a handler, e.g. auth.
type Middleware func(http.Handler) http.Handler

// New returns the API handler. User endpoints require a session JWT;
// operator endpoints (payment events, reaper trigger) require the operator
// API key.
func New(
	ledgerHandler *ledger.Handler,
	jobsHandler *jobs.Handler,
	batchHandler *batch.Handler,
	reaperHandler *reaper.Handler,
	userAuth Middleware,
	operatorAuth Middleware,
) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /api/v1/balance", userAuth(http.HandlerFunc(ledgerHandler.GetBalance)))
	mux.Handle("GET /api/v1/transactions", userAuth(http.HandlerFunc(ledgerHandler.ListTransactions)))

	mux.Handle("POST /api/v1/enhancements", userAuth(http.HandlerFunc(batchHandler.Submit)))
	mux.Handle("GET /api/v1/enhancements", userAuth(http.HandlerFunc(jobsHandler.ListJobs)))
	mux.Handle("GET /api/v1/enhancements/{id}", userAuth(http.HandlerFunc(jobsHandler.GetJob)))
	mux.Handle("POST /api/v1/enhancements/{id}/cancel", userAuth(http.HandlerFunc(jobsHandler.CancelJob)))
	mux.Handle("GET /api/v1/batches/{id}", userAuth(http.HandlerFunc(batchHandler.GetSummary)))

	mux.Handle("POST /api/v1/payments/events", operatorAuth(http.HandlerFunc(ledgerHandler.PaymentEvent)))
	mux.Handle("POST /api/v1/admin/reaper/sweep", operatorAuth(http.HandlerFunc(reaperHandler.Sweep)))
	mux.Handle("GET /api/v1/admin/users/{id}/ledger", operatorAuth(http.HandlerFunc(ledgerHandler.Audit)))

	return mux
}
