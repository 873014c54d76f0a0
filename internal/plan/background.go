package plan

import (
	"github.com/farxc/disbursement/internal/apperr"
	"github.com/google/uuid"
)

// JobKind names a long-running plan operation executed by the worker.
type JobKind string

const (
	JobExportPaymentList    JobKind = "EXPORT_PAYMENT_LIST"
	JobImportEntitlements   JobKind = "IMPORT_ENTITLEMENTS"
	JobImportReconciliation JobKind = "IMPORT_RECONCILIATION"
	JobRuleEngineRun        JobKind = "RULE_ENGINE_RUN"
	JobExcludeBeneficiaries JobKind = "EXCLUDE_BENEFICIARIES"
)

// Job is the queue payload for a background action.
type Job struct {
	ID           uuid.UUID   `json:"id"`
	Kind         JobKind     `json:"kind"`
	PlanID       uuid.UUID   `json:"payment_plan_id"`
	ActedBy      string      `json:"acted_by"`
	FileKey      string      `json:"file_key,omitempty"`
	HouseholdIDs []uuid.UUID `json:"household_ids,omitempty"`
	Reason       string      `json:"reason,omitempty"`
}

// family groups the running states of one kind of background action with
// the error state they fail into.
type family struct {
	name    string
	running map[BackgroundStatus][]Status
	failed  BackgroundStatus
}

var families = []*family{
	{
		name: "export",
		running: map[BackgroundStatus][]Status{
			BgXlsxExporting: {StatusLocked, StatusLockedFSP, StatusAccepted, StatusFinished},
		},
		failed: BgXlsxExportError,
	},
	{
		name: "rule engine",
		running: map[BackgroundStatus][]Status{
			BgRuleEngineRun: {StatusLocked},
		},
		failed: BgRuleEngineError,
	},
	{
		name: "import",
		running: map[BackgroundStatus][]Status{
			BgXlsxImportingEntitlements:   {StatusLocked},
			BgXlsxImportingReconciliation: {StatusAccepted, StatusFinished},
		},
		failed: BgXlsxImportError,
	},
	{
		name: "exclusion",
		running: map[BackgroundStatus][]Status{
			BgExcludingBeneficiaries: {StatusOpen, StatusLocked},
		},
		failed: BgExcludeBeneficiariesError,
	},
}

var jobStates = map[JobKind]BackgroundStatus{
	JobExportPaymentList:    BgXlsxExporting,
	JobImportEntitlements:   BgXlsxImportingEntitlements,
	JobImportReconciliation: BgXlsxImportingReconciliation,
	JobRuleEngineRun:        BgRuleEngineRun,
	JobExcludeBeneficiaries: BgExcludingBeneficiaries,
}

func familyOf(s BackgroundStatus) *family {
	for _, f := range families {
		if _, ok := f.running[s]; ok || f.failed == s {
			return f
		}
	}
	return nil
}

func isBackgroundError(s BackgroundStatus) bool {
	f := familyOf(s)
	return f != nil && f.failed == s
}

func isBackgroundRunning(s BackgroundStatus) bool {
	return s != "" && !isBackgroundError(s)
}

// permits reports whether a plan in status may carry the running state.
func (f *family) permits(running BackgroundStatus, status Status) bool {
	for _, s := range f.running[running] {
		if s == status {
			return true
		}
	}
	return false
}

// startBackground enters running. Allowed only from no background action or
// from the same family's error state (a retry), and only while the primary
// status permits it.
func startBackground(p *Plan, running BackgroundStatus) error {
	f := familyOf(running)
	if f == nil {
		return apperr.Invariant(apperr.CodeInvalidTransition, "%s is not a background state", running)
	}
	if _, ok := f.running[running]; !ok {
		return apperr.Invariant(apperr.CodeInvalidTransition, "%s is not a running background state", running)
	}

	cur := p.Background()
	if cur != "" && cur != f.failed {
		return apperr.Invariant(apperr.CodeBackgroundActionBusy, "payment plan %s is busy with %s", p.ID, cur)
	}

	if !f.permits(running, p.Status) {
		return apperr.Invariant(apperr.CodeInvalidTransition, "cannot start %s on a payment plan in status %s", running, p.Status)
	}

	p.setBackground(running)
	return nil
}

func completeBackground(p *Plan) { p.setBackground("") }

// failBackground moves a running background action to its error state.
func failBackground(p *Plan) {
	if f := familyOf(p.Background()); f != nil {
		p.setBackground(f.failed)
	}
}
