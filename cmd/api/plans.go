package main

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/farxc/disbursement/internal/apperr"
	"github.com/farxc/disbursement/internal/payment"
	"github.com/farxc/disbursement/internal/plan"
	"github.com/farxc/disbursement/internal/response"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PlanResponse = response.APIResponse[*plan.Plan]
type SplitsResponse = response.APIResponse[[]plan.Split]
type ApprovalProcessResponse = response.APIResponse[*plan.ApprovalProcess]

type PaymentChangeResponse = response.APIResponse[struct {
	Plan    *plan.Plan       `json:"payment_plan"`
	Payment *payment.Payment `json:"payment"`
}]

type actionRequest struct {
	Version int64  `json:"version"`
	ActedBy string `json:"acted_by"`
	Comment string `json:"comment,omitempty"`
}

func (req actionRequest) input(id uuid.UUID) (plan.ActionInput, error) {
	if req.ActedBy == "" {
		return plan.ActionInput{}, apperr.Validation("acted_by", "required")
	}
	return plan.ActionInput{PlanID: id, Version: req.Version, ActedBy: req.ActedBy, Comment: req.Comment}, nil
}

// planActions maps the URL action segment to the event it fires.
var planActions = map[string]plan.Event{
	"open-targeting":          plan.EventOpenTargeting,
	"tp-lock":                 plan.EventTPLock,
	"tp-unlock":               plan.EventTPUnlock,
	"tp-rule-engine-run":      plan.EventTPRuleEngineRun,
	"tp-rule-engine-fail":     plan.EventTPRuleEngineFail,
	"tp-rule-engine-complete": plan.EventTPRuleEngineComplete,
	"open":                    plan.EventOpen,
	"lock":                    plan.EventLock,
	"unlock":                  plan.EventUnlock,
	"lock-fsp":                plan.EventLockFSP,
	"unlock-fsp":              plan.EventUnlockFSP,
	"send-for-approval":       plan.EventSendForApproval,
	"approve":                 plan.EventApprove,
	"authorize":               plan.EventAuthorize,
	"review":                  plan.EventReview,
	"reject":                  plan.EventReject,
	"finish":                  plan.EventFinish,
	"abort":                   plan.EventAbort,
	"reactivate-abort":        plan.EventReactivateAbort,
	"close":                   plan.EventClose,
}

func (app *application) writePlan(w http.ResponseWriter, status int, p *plan.Plan, message string) {
	if err := writeJSON(w, status, &PlanResponse{Success: true, Data: p, Message: message}); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to write response")
	}
}

// planRequest decodes the plan id and an action body into req.
func planRequest(w http.ResponseWriter, r *http.Request, req any) (uuid.UUID, error) {
	id, err := urlID(r, "id")
	if err != nil {
		return uuid.Nil, err
	}
	return id, decodeBody(w, r, req)
}

func (app *application) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	p, err := app.plans.Get(r.Context(), id)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	app.writePlan(w, http.StatusOK, p, "")
}

func (app *application) handleGetApprovalProcess(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	ap, err := app.plans.ApprovalProcess(r.Context(), id)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	if ap == nil {
		app.writeAppError(w, r, apperr.NotFound("approval process of payment plan", id))
		return
	}
	writeJSON(w, http.StatusOK, &ApprovalProcessResponse{Success: true, Data: ap})
}

func (app *application) handlePlanAction(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "action")
	event, ok := planActions[name]
	if !ok {
		app.writeAppError(w, r, apperr.NotFound("action", name))
		return
	}

	var req actionRequest
	id, err := planRequest(w, r, &req)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	in, err := req.input(id)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}

	p, err := app.plans.Apply(r.Context(), in, event)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	app.writePlan(w, http.StatusOK, p, "payment plan is now "+string(p.Status))
}

func (app *application) handleRecompute(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	if _, err := app.plans.RecomputeMoney(r.Context(), id); err != nil {
		app.writeAppError(w, r, err)
		return
	}
	p, err := app.plans.RecomputePopulation(r.Context(), id)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	app.writePlan(w, http.StatusOK, p, "totals recomputed")
}

func (app *application) handleExportPaymentList(w http.ResponseWriter, r *http.Request) {
	app.dispatchAction(w, r, app.plans.ExportPaymentList)
}

func (app *application) handleRunRuleEngine(w http.ResponseWriter, r *http.Request) {
	app.dispatchAction(w, r, app.plans.RunRuleEngine)
}

type ExportLinkResponse = response.APIResponse[struct {
	URL string `json:"url"`
}]

// handleGetExportLink returns a short-lived link to the last exported payment list.
func (app *application) handleGetExportLink(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	p, err := app.plans.Get(r.Context(), id)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	if p.ExportFileKey == "" {
		app.writeAppError(w, r, apperr.NotFound("payment list export of payment plan", id))
		return
	}

	url, err := app.files.URL(r.Context(), p.ExportFileKey, app.config.exportLinkTTL)
	if err != nil {
		app.writeAppError(w, r, apperr.External(apperr.CodeFileStorage, err, "cannot link payment list export"))
		return
	}
	res := &ExportLinkResponse{Success: true}
	res.Data.URL = url
	writeJSON(w, http.StatusOK, res)
}

// dispatchAction queues a background action that needs no extra input.
func (app *application) dispatchAction(w http.ResponseWriter, r *http.Request, dispatch func(ctx context.Context, in plan.ActionInput) (*plan.Plan, error)) {
	var req actionRequest
	id, err := planRequest(w, r, &req)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	in, err := req.input(id)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}

	p, err := dispatch(r.Context(), in)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	app.writePlan(w, http.StatusAccepted, p, "background action queued")
}

func (app *application) handleImportEntitlements(w http.ResponseWriter, r *http.Request) {
	app.upload(w, r, app.plans.ImportEntitlements)
}

func (app *application) handleImportReconciliation(w http.ResponseWriter, r *http.Request) {
	app.upload(w, r, app.plans.ImportReconciliation)
}

// upload reads a multipart form with a "file" part plus the version and
// acted_by fields, and queues the import.
func (app *application) upload(w http.ResponseWriter, r *http.Request, dispatch func(ctx context.Context, in plan.ActionInput, file io.Reader, size int64) (*plan.Plan, error)) {
	id, err := urlID(r, "id")
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, app.config.maxUploadBytes)
	if err := r.ParseMultipartForm(app.config.maxUploadBytes); err != nil {
		app.writeAppError(w, r, apperr.Validation("file", "invalid upload: %v", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		app.writeAppError(w, r, apperr.Validation("file", "missing file part"))
		return
	}
	defer file.Close()

	version, err := strconv.ParseInt(r.FormValue("version"), 10, 64)
	if err != nil {
		app.writeAppError(w, r, apperr.Validation("version", "must be an integer"))
		return
	}
	in, err := actionRequest{Version: version, ActedBy: r.FormValue("acted_by")}.input(id)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}

	p, err := dispatch(r.Context(), in, file, header.Size)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	app.writePlan(w, http.StatusAccepted, p, "import queued")
}

func (app *application) handleExcludeBeneficiaries(w http.ResponseWriter, r *http.Request) {
	var req struct {
		actionRequest
		HouseholdIDs []uuid.UUID `json:"household_ids"`
		Reason       string      `json:"reason"`
	}
	id, err := planRequest(w, r, &req)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	in, err := req.input(id)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}

	p, err := app.plans.ExcludeBeneficiaries(r.Context(), in, req.HouseholdIDs, req.Reason)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	app.writePlan(w, http.StatusAccepted, p, "exclusion queued")
}

func (app *application) handleCreateFollowUp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		actionRequest
		DispersionStartDate string `json:"dispersion_start_date"`
		DispersionEndDate   string `json:"dispersion_end_date"`
	}
	id, err := planRequest(w, r, &req)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	in, err := req.input(id)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	start, err := parseTime(req.DispersionStartDate)
	if err != nil {
		app.writeAppError(w, r, apperr.Validation("dispersion_start_date", "YYYY-MM-DD expected"))
		return
	}
	end, err := parseTime(req.DispersionEndDate)
	if err != nil {
		app.writeAppError(w, r, apperr.Validation("dispersion_end_date", "YYYY-MM-DD expected"))
		return
	}

	p, err := app.plans.CreateFollowUp(r.Context(), plan.FollowUpInput{ActionInput: in, DispersionStartDate: start, DispersionEndDate: end})
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	app.writePlan(w, http.StatusCreated, p, "follow-up payment plan created")
}

func (app *application) handleGetSplits(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	splits, err := app.plans.Splits(r.Context(), id)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &SplitsResponse{Success: true, Data: splits})
}

func (app *application) handleSplit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		actionRequest
		SplitType        plan.SplitType `json:"split_type"`
		PaymentsPerChunk int            `json:"payments_per_chunk"`
	}
	id, err := planRequest(w, r, &req)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	in, err := req.input(id)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}

	_, splits, err := app.plans.Split(r.Context(), plan.SplitInput{ActionInput: in, SplitType: req.SplitType, PaymentsPerChunk: req.PaymentsPerChunk})
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, &SplitsResponse{Success: true, Data: splits, Message: "payment plan split"})
}

func (app *application) handleMarkSplitSent(w http.ResponseWriter, r *http.Request) {
	splitID, err := urlID(r, "splitID")
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	var req actionRequest
	id, err := planRequest(w, r, &req)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	in, err := req.input(id)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}

	p, err := app.plans.MarkSplitSent(r.Context(), in, splitID)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	app.writePlan(w, http.StatusOK, p, "split marked as sent")
}

func (app *application) handleMarkPaymentFailed(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	app.changePayment(w, r, &req, func(in plan.PaymentInput) (*plan.Plan, *payment.Payment, error) {
		return app.plans.MarkPaymentFailed(r.Context(), in)
	})
}

func (app *application) handleRevertMarkPaymentFailed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		actionRequest
		DeliveredQuantity decimal.Decimal `json:"delivered_quantity"`
		DeliveryDate      string          `json:"delivery_date"`
	}
	app.changePayment(w, r, &req, func(in plan.PaymentInput) (*plan.Plan, *payment.Payment, error) {
		date, err := parseTime(req.DeliveryDate)
		if err != nil {
			return nil, nil, apperr.Validation("delivery_date", "YYYY-MM-DD expected")
		}
		in.DeliveredQuantity = req.DeliveredQuantity
		in.DeliveryDate = date
		return app.plans.RevertMarkPaymentFailed(r.Context(), in)
	})
}

type actionBody interface {
	input(id uuid.UUID) (plan.ActionInput, error)
}

func (app *application) changePayment(w http.ResponseWriter, r *http.Request, req actionBody, change func(in plan.PaymentInput) (*plan.Plan, *payment.Payment, error)) {
	paymentID, err := urlID(r, "paymentID")
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	id, err := planRequest(w, r, req)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	in, err := req.input(id)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}

	p, pay, err := change(plan.PaymentInput{ActionInput: in, PaymentID: paymentID})
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	res := &PaymentChangeResponse{Success: true}
	res.Data.Plan = p
	res.Data.Payment = pay
	writeJSON(w, http.StatusOK, res)
}
