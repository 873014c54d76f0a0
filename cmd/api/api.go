package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/farxc/disbursement/internal/logger"
	"github.com/farxc/disbursement/internal/payment"
	"github.com/farxc/disbursement/internal/plan"
	"github.com/farxc/disbursement/internal/verification"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// planService is the part of plan.Service the handlers call.
type planService interface {
	Apply(ctx context.Context, in plan.ActionInput, event plan.Event) (*plan.Plan, error)
	Get(ctx context.Context, id uuid.UUID) (*plan.Plan, error)
	ApprovalProcess(ctx context.Context, id uuid.UUID) (*plan.ApprovalProcess, error)
	RecomputeMoney(ctx context.Context, id uuid.UUID) (*plan.Plan, error)
	RecomputePopulation(ctx context.Context, id uuid.UUID) (*plan.Plan, error)
	MarkPaymentFailed(ctx context.Context, in plan.PaymentInput) (*plan.Plan, *payment.Payment, error)
	RevertMarkPaymentFailed(ctx context.Context, in plan.PaymentInput) (*plan.Plan, *payment.Payment, error)
	Split(ctx context.Context, in plan.SplitInput) (*plan.Plan, []plan.Split, error)
	Splits(ctx context.Context, planID uuid.UUID) ([]plan.Split, error)
	MarkSplitSent(ctx context.Context, in plan.ActionInput, splitID uuid.UUID) (*plan.Plan, error)
	CreateFollowUp(ctx context.Context, in plan.FollowUpInput) (*plan.Plan, error)
	ExportPaymentList(ctx context.Context, in plan.ActionInput) (*plan.Plan, error)
	RunRuleEngine(ctx context.Context, in plan.ActionInput) (*plan.Plan, error)
	ImportEntitlements(ctx context.Context, in plan.ActionInput, file io.Reader, size int64) (*plan.Plan, error)
	ImportReconciliation(ctx context.Context, in plan.ActionInput, file io.Reader, size int64) (*plan.Plan, error)
	ExcludeBeneficiaries(ctx context.Context, in plan.ActionInput, householdIDs []uuid.UUID, reason string) (*plan.Plan, error)
}

// verificationService is the part of verification.Manager the handlers call.
type verificationService interface {
	Create(ctx context.Context, parent verification.PlanRef, in verification.SamplingInput) (*verification.Plan, error)
	Update(ctx context.Context, id uuid.UUID, in verification.SamplingInput) (*verification.Plan, error)
	Activate(ctx context.Context, id uuid.UUID) (*verification.Plan, error)
	Finish(ctx context.Context, id uuid.UUID) (*verification.Plan, error)
	Discard(ctx context.Context, id uuid.UUID) (*verification.Plan, error)
	Invalidate(ctx context.Context, id uuid.UUID, reason string) (*verification.Plan, error)
	MarkRapidProError(ctx context.Context, id uuid.UUID, cause string) (*verification.Plan, error)
	SetPending(ctx context.Context, id uuid.UUID) (*verification.Plan, error)
	EditVerification(ctx context.Context, in verification.EditInput) (*verification.Verification, error)
	ApplyChannelResults(ctx context.Context, planID uuid.UUID, results []verification.ChannelResult) (*verification.Plan, error)
	Get(ctx context.Context, id uuid.UUID) (*verification.Plan, []verification.Verification, error)
	Summary(ctx context.Context, parent verification.PlanRef) (*verification.Summary, error)
	RecomputeSummary(ctx context.Context, parent verification.PlanRef) (*verification.Summary, error)
}

// fileLinker hands out temporary download links for stored sheets.
type fileLinker interface {
	URL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

type application struct {
	config        config
	plans         planService
	verifications verificationService
	files         fileLinker
	checks        map[string]healthCheck
	log           *logger.Logger
}

type config struct {
	addr            string
	maxUploadBytes  int64
	shutdownTimeout time.Duration
	exportLinkTTL   time.Duration
}

func (app *application) mount() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	// Set a timeout value on the request context (ctx), that will signal
	// through ctx.Done() that the request has timed out and further
	// processing should be stopped.
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", app.healthCheckHandler)

		r.Route("/payment-plans/{id}", func(r chi.Router) {
			r.Get("/", app.handleGetPlan)
			r.Get("/approval-process", app.handleGetApprovalProcess)
			r.Post("/recompute", app.handleRecompute)
			r.Post("/export", app.handleExportPaymentList)
			r.Get("/export", app.handleGetExportLink)
			r.Post("/rule-engine", app.handleRunRuleEngine)
			r.Post("/entitlements", app.handleImportEntitlements)
			r.Post("/reconciliation", app.handleImportReconciliation)
			r.Post("/exclusions", app.handleExcludeBeneficiaries)
			r.Post("/follow-up", app.handleCreateFollowUp)
			r.Get("/splits", app.handleGetSplits)
			r.Post("/splits", app.handleSplit)
			r.Post("/splits/{splitID}/sent", app.handleMarkSplitSent)
			r.Post("/payments/{paymentID}/mark-failed", app.handleMarkPaymentFailed)
			r.Post("/payments/{paymentID}/revert-mark-failed", app.handleRevertMarkPaymentFailed)
			r.Post("/verification-plans", app.handleCreatePaymentPlanVerification)
			r.Post("/{action}", app.handlePlanAction)
		})

		r.Route("/cash-plans/{id}", func(r chi.Router) {
			r.Post("/verification-plans", app.handleCreateCashPlanVerification)
		})

		r.Route("/verification-plans/{id}", func(r chi.Router) {
			r.Get("/", app.handleGetVerificationPlan)
			r.Put("/", app.handleUpdateVerificationPlan)
			r.Post("/results", app.handleApplyChannelResults)
			r.Post("/{action}", app.handleVerificationPlanAction)
		})

		r.Patch("/verifications/{id}", app.handleEditVerification)
		r.Get("/verification-summaries/{kind}/{id}", app.handleGetVerificationSummary)
		r.Post("/verification-summaries/{kind}/{id}/recompute", app.handleRecomputeVerificationSummary)
	})

	return r
}

func (app *application) run(ctx context.Context, mux http.Handler) error {
	srv := &http.Server{
		Addr:         app.config.addr,
		Handler:      mux,
		WriteTimeout: time.Second * 120,
		ReadTimeout:  time.Second * 40,
		IdleTimeout:  time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		app.log.Info("API", "server started on %s", app.config.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	app.log.Info("API", "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
