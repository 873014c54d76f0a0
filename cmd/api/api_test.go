package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/farxc/disbursement/internal/apperr"
	"github.com/farxc/disbursement/internal/logger"
	"github.com/farxc/disbursement/internal/plan"
	"github.com/farxc/disbursement/internal/response"
	"github.com/farxc/disbursement/internal/verification"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePlans overrides only what a test needs; anything else panics.
type fakePlans struct {
	planService
	apply  func(in plan.ActionInput, event plan.Event) (*plan.Plan, error)
	export func(in plan.ActionInput) (*plan.Plan, error)
	get    func(id uuid.UUID) (*plan.Plan, error)
}

func (f *fakePlans) Get(_ context.Context, id uuid.UUID) (*plan.Plan, error) {
	return f.get(id)
}

func (f *fakePlans) Apply(_ context.Context, in plan.ActionInput, event plan.Event) (*plan.Plan, error) {
	return f.apply(in, event)
}

func (f *fakePlans) ExportPaymentList(_ context.Context, in plan.ActionInput) (*plan.Plan, error) {
	return f.export(in)
}

type fakeVerifications struct {
	verificationService
	discard func(id uuid.UUID) (*verification.Plan, error)
	summary func(ref verification.PlanRef) (*verification.Summary, error)
	edit    func(in verification.EditInput) (*verification.Verification, error)
}

func (f *fakeVerifications) Discard(_ context.Context, id uuid.UUID) (*verification.Plan, error) {
	return f.discard(id)
}

func (f *fakeVerifications) Summary(_ context.Context, ref verification.PlanRef) (*verification.Summary, error) {
	return f.summary(ref)
}

func (f *fakeVerifications) EditVerification(_ context.Context, in verification.EditInput) (*verification.Verification, error) {
	return f.edit(in)
}

type linkStub struct {
	key string
	ttl time.Duration
}

func (l *linkStub) URL(_ context.Context, key string, ttl time.Duration) (string, error) {
	l.key, l.ttl = key, ttl
	return "https://files.local/" + key + "?signed", nil
}

func newTestApp(plans planService, verifications verificationService) http.Handler {
	return newTestAppWithFiles(plans, verifications, &linkStub{})
}

func newTestAppWithFiles(plans planService, verifications verificationService, files fileLinker) http.Handler {
	app := &application{
		config:        config{addr: ":0", maxUploadBytes: 1 << 20, exportLinkTTL: time.Minute},
		plans:         plans,
		verifications: verifications,
		files:         files,
		log:           logger.Nop(),
	}
	return app.mount()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) response.ErrorResponse {
	t.Helper()
	var res response.ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	return res
}

func TestHealth_ReportsFailingDependency(t *testing.T) {
	app := &application{
		checks: map[string]healthCheck{
			"postgres": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return errors.New("connection refused") },
		},
		log: logger.Nop(),
	}

	rr := do(t, app.mount(), http.MethodGet, "/v1/health", "")

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var res struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	assert.Equal(t, "degraded", res.Status)
	assert.Equal(t, map[string]string{"postgres": "ok", "redis": "unavailable"}, res.Dependencies)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperr.Validation("x", "bad"), http.StatusUnprocessableEntity},
		{apperr.Invariant(apperr.CodeInvalidTransition, "no"), http.StatusBadRequest},
		{apperr.Conflict("stale"), http.StatusConflict},
		{apperr.NotFound("plan", 1), http.StatusNotFound},
		{apperr.External(apperr.CodeQueue, errors.New("down"), "queue"), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "error %v", tt.err)
	}
}

func TestPlanAction_FiresMappedEvent(t *testing.T) {
	id := uuid.New()
	var got plan.ActionInput
	var gotEvent plan.Event
	plans := &fakePlans{apply: func(in plan.ActionInput, event plan.Event) (*plan.Plan, error) {
		got, gotEvent = in, event
		return &plan.Plan{ID: in.PlanID, Status: plan.StatusLocked, Version: in.Version + 1}, nil
	}}

	rr := do(t, newTestApp(plans, nil), http.MethodPost, "/v1/payment-plans/"+id.String()+"/lock",
		`{"version":3,"acted_by":"officer"}`)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, plan.EventLock, gotEvent)
	assert.Equal(t, plan.ActionInput{PlanID: id, Version: 3, ActedBy: "officer"}, got)

	var res PlanResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	assert.True(t, res.Success)
	assert.Equal(t, plan.StatusLocked, res.Data.Status)
	assert.Equal(t, int64(4), res.Data.Version)
}

func TestPlanAction_ErrorMapping(t *testing.T) {
	id := uuid.New().String()
	tests := []struct {
		name       string
		path       string
		body       string
		err        error
		wantStatus int
		wantCode   apperr.Code
		wantField  string
	}{
		{
			name:       "unknown action",
			path:       "/v1/payment-plans/" + id + "/teleport",
			body:       `{"version":1,"acted_by":"u"}`,
			wantStatus: http.StatusNotFound,
			wantCode:   apperr.CodeNotFound,
		},
		{
			name:       "missing actor",
			path:       "/v1/payment-plans/" + id + "/lock",
			body:       `{"version":1}`,
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   apperr.CodeInvalidInput,
			wantField:  "acted_by",
		},
		{
			name:       "unknown field",
			path:       "/v1/payment-plans/" + id + "/lock",
			body:       `{"version":1,"acted_by":"u","status":"ACCEPTED"}`,
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   apperr.CodeInvalidInput,
			wantField:  "body",
		},
		{
			name:       "bad id",
			path:       "/v1/payment-plans/not-a-uuid/lock",
			body:       `{"version":1,"acted_by":"u"}`,
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   apperr.CodeInvalidInput,
			wantField:  "id",
		},
		{
			name:       "stale version",
			path:       "/v1/payment-plans/" + id + "/lock",
			body:       `{"version":1,"acted_by":"u"}`,
			err:        apperr.Conflict("payment plan changed"),
			wantStatus: http.StatusConflict,
			wantCode:   apperr.CodeVersionMismatch,
		},
		{
			name:       "illegal transition",
			path:       "/v1/payment-plans/" + id + "/finish",
			body:       `{"version":1,"acted_by":"u"}`,
			err:        apperr.Invariant(apperr.CodeInvalidTransition, "cannot finish"),
			wantStatus: http.StatusBadRequest,
			wantCode:   apperr.CodeInvalidTransition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plans := &fakePlans{apply: func(in plan.ActionInput, _ plan.Event) (*plan.Plan, error) {
				if tt.err != nil {
					return nil, tt.err
				}
				return &plan.Plan{ID: in.PlanID}, nil
			}}

			rr := do(t, newTestApp(plans, nil), http.MethodPost, tt.path, tt.body)

			require.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			res := decodeError(t, rr)
			assert.Equal(t, string(tt.wantCode), res.Code)
			assert.Equal(t, tt.wantField, res.Field)
		})
	}
}

func TestPlanAction_UnexpectedErrorIsHidden(t *testing.T) {
	plans := &fakePlans{apply: func(plan.ActionInput, plan.Event) (*plan.Plan, error) {
		return nil, errors.New("pq: connection reset")
	}}

	rr := do(t, newTestApp(plans, nil), http.MethodPost, "/v1/payment-plans/"+uuid.NewString()+"/lock",
		`{"version":1,"acted_by":"u"}`)

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "internal server error", decodeError(t, rr).Error)
}

func TestExport_IsAccepted(t *testing.T) {
	plans := &fakePlans{export: func(in plan.ActionInput) (*plan.Plan, error) {
		bg := plan.BgXlsxExporting
		return &plan.Plan{ID: in.PlanID, BackgroundActionStatus: &bg}, nil
	}}

	rr := do(t, newTestApp(plans, nil), http.MethodPost, "/v1/payment-plans/"+uuid.NewString()+"/export",
		`{"version":2,"acted_by":"u"}`)

	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var res PlanResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	require.NotNil(t, res.Data.BackgroundActionStatus)
	assert.Equal(t, plan.BgXlsxExporting, *res.Data.BackgroundActionStatus)
}

func TestExportLink(t *testing.T) {
	id := uuid.New()
	links := &linkStub{}
	key := ""
	plans := &fakePlans{get: func(id uuid.UUID) (*plan.Plan, error) {
		return &plan.Plan{ID: id, ExportFileKey: key}, nil
	}}
	h := newTestAppWithFiles(plans, nil, links)

	rr := do(t, h, http.MethodGet, "/v1/payment-plans/"+id.String()+"/export", "")
	require.Equal(t, http.StatusNotFound, rr.Code)

	key = "exports/" + id.String() + ".csv"
	rr = do(t, h, http.MethodGet, "/v1/payment-plans/"+id.String()+"/export", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var res ExportLinkResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	assert.Equal(t, "https://files.local/"+key+"?signed", res.Data.URL)
	assert.Equal(t, key, links.key)
	assert.Equal(t, time.Minute, links.ttl)
}

func TestVerificationSummary_ParsesKind(t *testing.T) {
	id := uuid.New()
	var got verification.PlanRef
	verifications := &fakeVerifications{summary: func(ref verification.PlanRef) (*verification.Summary, error) {
		got = ref
		return &verification.Summary{ParentKind: ref.Kind, ParentID: ref.ID, Status: verification.SummaryActive}, nil
	}}
	h := newTestApp(nil, verifications)

	rr := do(t, h, http.MethodGet, "/v1/verification-summaries/cash-plan/"+id.String(), "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, verification.CashPlanRef(id), got)

	rr = do(t, h, http.MethodGet, "/v1/verification-summaries/invoice/"+id.String(), "")
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "kind", decodeError(t, rr).Field)
}

func TestVerificationPlanAction_DiscardOfPendingDeletes(t *testing.T) {
	verifications := &fakeVerifications{discard: func(uuid.UUID) (*verification.Plan, error) {
		return nil, nil
	}}

	rr := do(t, newTestApp(nil, verifications), http.MethodPost, "/v1/verification-plans/"+uuid.NewString()+"/discard", "")

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var res VerificationPlanResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	assert.Nil(t, res.Data)
	assert.Equal(t, "verification plan deleted", res.Message)
}

func TestEditVerification_PassesAmount(t *testing.T) {
	id := uuid.New()
	var got verification.EditInput
	verifications := &fakeVerifications{edit: func(in verification.EditInput) (*verification.Verification, error) {
		got = in
		return &verification.Verification{ID: in.VerificationID, Status: in.Status}, nil
	}}

	rr := do(t, newTestApp(nil, verifications), http.MethodPatch, "/v1/verifications/"+id.String(),
		`{"status":"RECEIVED","received_amount":"100.50"}`)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, id, got.VerificationID)
	assert.Equal(t, verification.RecordReceived, got.Status)
	require.True(t, got.ReceivedAmount.Valid)
	assert.True(t, decimal.RequireFromString("100.50").Equal(got.ReceivedAmount.Decimal))
}

func TestEditVerification_WindowClosedIsBadRequest(t *testing.T) {
	verifications := &fakeVerifications{edit: func(verification.EditInput) (*verification.Verification, error) {
		return nil, apperr.Invariant(apperr.CodeEditWindowClosed, "too late")
	}}

	rr := do(t, newTestApp(nil, verifications), http.MethodPatch, "/v1/verifications/"+uuid.NewString(),
		`{"status":"NOT_RECEIVED"}`)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, string(apperr.CodeEditWindowClosed), decodeError(t, rr).Code)
}
