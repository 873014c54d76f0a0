package main

import (
	"net/http"
	"strings"

	"github.com/farxc/disbursement/internal/apperr"
	"github.com/farxc/disbursement/internal/response"
	"github.com/farxc/disbursement/internal/verification"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type VerificationPlanResponse = response.APIResponse[*verification.Plan]
type VerificationResponse = response.APIResponse[*verification.Verification]
type VerificationSummaryResponse = response.APIResponse[*verification.Summary]

type VerificationPlanDetailResponse = response.APIResponse[struct {
	Plan          *verification.Plan          `json:"verification_plan"`
	Verifications []verification.Verification `json:"verifications"`
}]

type samplingRequest struct {
	Sampling           verification.Sampling `json:"sampling"`
	Channel            verification.Channel  `json:"verification_channel"`
	ConfidenceInterval *float64              `json:"confidence_interval,omitempty"`
	MarginOfError      *float64              `json:"margin_of_error,omitempty"`
	Filters            verification.Filters  `json:"filters"`
	RapidProFlowID     string                `json:"rapid_pro_flow_id,omitempty"`
}

func (req samplingRequest) input() verification.SamplingInput {
	return verification.SamplingInput{
		Sampling:           req.Sampling,
		Channel:            req.Channel,
		ConfidenceInterval: req.ConfidenceInterval,
		MarginOfError:      req.MarginOfError,
		Filters:            req.Filters,
		RapidProFlowID:     req.RapidProFlowID,
	}
}

type resultRequest struct {
	VerificationID uuid.UUID                 `json:"verification_id"`
	Status         verification.RecordStatus `json:"status"`
	ReceivedAmount decimal.NullDecimal       `json:"received_amount"`
}

func (app *application) writeVerificationPlan(w http.ResponseWriter, status int, p *verification.Plan, message string) {
	if err := writeJSON(w, status, &VerificationPlanResponse{Success: true, Data: p, Message: message}); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to write response")
	}
}

func (app *application) handleCreatePaymentPlanVerification(w http.ResponseWriter, r *http.Request) {
	app.createVerificationPlan(w, r, verification.KindPaymentPlan)
}

func (app *application) handleCreateCashPlanVerification(w http.ResponseWriter, r *http.Request) {
	app.createVerificationPlan(w, r, verification.KindCashPlan)
}

func (app *application) createVerificationPlan(w http.ResponseWriter, r *http.Request, kind verification.PlanKind) {
	var req samplingRequest
	id, err := planRequest(w, r, &req)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}

	p, err := app.verifications.Create(r.Context(), verification.PlanRef{Kind: kind, ID: id}, req.input())
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	app.writeVerificationPlan(w, http.StatusCreated, p, "verification plan created")
}

func (app *application) handleGetVerificationPlan(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	p, records, err := app.verifications.Get(r.Context(), id)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	res := &VerificationPlanDetailResponse{Success: true}
	res.Data.Plan = p
	res.Data.Verifications = records
	writeJSON(w, http.StatusOK, res)
}

func (app *application) handleUpdateVerificationPlan(w http.ResponseWriter, r *http.Request) {
	var req samplingRequest
	id, err := planRequest(w, r, &req)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}

	p, err := app.verifications.Update(r.Context(), id, req.input())
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	app.writeVerificationPlan(w, http.StatusOK, p, "verification plan resampled")
}

func (app *application) handleVerificationPlanAction(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}

	var (
		ctx = r.Context()
		p   *verification.Plan
	)
	switch name := chi.URLParam(r, "action"); name {
	case "activate":
		p, err = app.verifications.Activate(ctx, id)
	case "finish":
		p, err = app.verifications.Finish(ctx, id)
	case "discard":
		p, err = app.verifications.Discard(ctx, id)
	case "reset":
		p, err = app.verifications.SetPending(ctx, id)
	case "invalidate":
		var req struct {
			Reason string `json:"reason"`
		}
		if err = decodeBody(w, r, &req); err == nil {
			p, err = app.verifications.Invalidate(ctx, id, req.Reason)
		}
	case "rapid-pro-error":
		var req struct {
			Error string `json:"error"`
		}
		if err = decodeBody(w, r, &req); err == nil {
			p, err = app.verifications.MarkRapidProError(ctx, id, req.Error)
		}
	default:
		err = apperr.NotFound("action", name)
	}
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}

	if p == nil {
		writeJSON(w, http.StatusOK, &VerificationPlanResponse{Success: true, Message: "verification plan deleted"})
		return
	}
	app.writeVerificationPlan(w, http.StatusOK, p, "verification plan is now "+string(p.Status))
}

func (app *application) handleApplyChannelResults(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Results []resultRequest `json:"results"`
	}
	id, err := planRequest(w, r, &req)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}

	results := make([]verification.ChannelResult, 0, len(req.Results))
	for _, res := range req.Results {
		results = append(results, verification.ChannelResult{
			VerificationID: res.VerificationID,
			Status:         res.Status,
			ReceivedAmount: res.ReceivedAmount,
		})
	}

	p, err := app.verifications.ApplyChannelResults(r.Context(), id, results)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	app.writeVerificationPlan(w, http.StatusOK, p, "results applied")
}

func (app *application) handleEditVerification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status         verification.RecordStatus `json:"status"`
		ReceivedAmount decimal.NullDecimal       `json:"received_amount"`
	}
	id, err := planRequest(w, r, &req)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}

	v, err := app.verifications.EditVerification(r.Context(), verification.EditInput{
		VerificationID: id,
		Status:         req.Status,
		ReceivedAmount: req.ReceivedAmount,
	})
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &VerificationResponse{Success: true, Data: v})
}

// summaryRef reads /{kind}/{id}, where kind is payment-plan or cash-plan.
func summaryRef(r *http.Request) (verification.PlanRef, error) {
	id, err := urlID(r, "id")
	if err != nil {
		return verification.PlanRef{}, err
	}
	kind := strings.ToUpper(strings.ReplaceAll(chi.URLParam(r, "kind"), "-", "_"))
	ref := verification.PlanRef{Kind: verification.PlanKind(kind), ID: id}
	return ref, ref.Validate()
}

func (app *application) handleGetVerificationSummary(w http.ResponseWriter, r *http.Request) {
	ref, err := summaryRef(r)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	s, err := app.verifications.Summary(r.Context(), ref)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &VerificationSummaryResponse{Success: true, Data: s})
}

func (app *application) handleRecomputeVerificationSummary(w http.ResponseWriter, r *http.Request) {
	ref, err := summaryRef(r)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	s, err := app.verifications.RecomputeSummary(r.Context(), ref)
	if err != nil {
		app.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &VerificationSummaryResponse{Success: true, Data: s})
}
