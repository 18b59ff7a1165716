package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nurpe/procure-core/internal/config"
	"github.com/nurpe/procure-core/internal/events"
	"github.com/nurpe/procure-core/internal/ledger"
	"github.com/nurpe/procure-core/internal/model"
)

var fixedNow = time.Date(2026, 4, 10, 10, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	return &config.Config{
		Invoice: config.InvoiceConfig{TaxRateBasisPoints: 1200, DueDays: 30},
	}
}

type milestoneFixture struct {
	svc        *MilestoneService
	store      *ledger.MemoryStore
	agent      model.Principal
	contractor model.Principal
	escrow     model.Principal
	project    *model.Project
}

func newMilestoneFixture(t *testing.T) *milestoneFixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	svc := NewMilestoneService(store, events.NopPublisher{}, testConfig())
	svc.now = func() time.Time { return fixedNow }

	agent := model.Principal{UserID: uuid.New(), Role: model.RoleAgent}
	contractor := model.Principal{UserID: uuid.New(), Role: model.RoleContractor}
	escrow := model.Principal{UserID: uuid.New(), Role: model.RoleEscrow}

	contractorID := contractor.UserID
	project := &model.Project{
		ID:            uuid.New(),
		AgentID:       agent.UserID,
		ContractorID:  &contractorID,
		Title:         "School renovation",
		EscrowEnabled: true,
		Status:        model.ProjectStatusActive,
	}
	if err := store.CreateProject(context.Background(), project); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return &milestoneFixture{svc: svc, store: store, agent: agent, contractor: contractor, escrow: escrow, project: project}
}

func (f *milestoneFixture) newMilestone(t *testing.T) *model.Milestone {
	t.Helper()
	m, err := f.svc.CreateMilestone(context.Background(), CreateMilestoneInput{
		Principal:     f.contractor,
		ProjectID:     f.project.ID,
		Title:         "Roof replacement",
		DurationDays:  20,
		PaymentAmount: 250000,
	})
	if err != nil {
		t.Fatalf("create milestone: %v", err)
	}
	return m
}

func (f *milestoneFixture) approveAndFund(t *testing.T, id uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.svc.SetApproval(ctx, SetApprovalInput{Principal: f.agent, MilestoneID: id, Decision: model.ApprovalStatusApproved}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.svc.FundEscrow(ctx, f.escrow, id); err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func (f *milestoneFixture) transition(t *testing.T, p model.Principal, id uuid.UUID, to model.WorkStatus, proofs []string, reason string) (*model.Milestone, error) {
	t.Helper()
	return f.svc.TransitionWork(context.Background(), TransitionWorkInput{
		Principal:        p,
		MilestoneID:      id,
		To:               to,
		ProofDocumentIDs: proofs,
		Reason:           reason,
	})
}

func TestMilestoneLifecycleToInvoice(t *testing.T) {
	f := newMilestoneFixture(t)
	ctx := context.Background()
	m := f.newMilestone(t)

	if m.Status != model.WorkStatusPending || m.ApprovalStatus != model.ApprovalStatusPending || m.EscrowStatus != model.EscrowStatusNotFunded {
		t.Fatalf("fresh milestone axes wrong: %s/%s/%s", m.Status, m.ApprovalStatus, m.EscrowStatus)
	}
	if !m.DueDate.Equal(fixedNow.AddDate(0, 0, 20)) {
		t.Errorf("due date = %v", m.DueDate)
	}

	f.approveAndFund(t, m.ID)

	got, err := f.transition(t, f.contractor, m.ID, model.WorkStatusInProgress, nil, "")
	if err != nil {
		t.Fatalf("start work: %v", err)
	}
	if got.Status != model.WorkStatusInProgress {
		t.Fatalf("status = %s", got.Status)
	}

	got, err = f.transition(t, f.contractor, m.ID, model.WorkStatusCompleted, []string{"doc-1"}, "")
	if err != nil {
		t.Fatalf("submit completion: %v", err)
	}
	// Completion rolls straight into verification-pending.
	if got.Status != model.WorkStatusVerificationPending {
		t.Fatalf("status after completion = %s", got.Status)
	}

	got, err = f.transition(t, f.agent, m.ID, model.WorkStatusVerified, nil, "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.Status != model.WorkStatusInvoiced {
		t.Fatalf("status after verify = %s, want %s", got.Status, model.WorkStatusInvoiced)
	}

	inv, err := f.store.GetInvoiceByMilestone(ctx, m.ID)
	if err != nil {
		t.Fatalf("invoice lookup: %v", err)
	}
	if inv.Amount != 250000 || inv.TaxAmount != 30000 || inv.TotalAmount != 280000 {
		t.Errorf("invoice amounts %d/%d/%d", inv.Amount, inv.TaxAmount, inv.TotalAmount)
	}
	if inv.AgentID != f.agent.UserID || inv.ContractorID != f.contractor.UserID {
		t.Error("invoice parties wrong")
	}
	if !strings.HasPrefix(inv.Number, "INV-2026-") {
		t.Errorf("invoice number %q", inv.Number)
	}
	if !inv.DueDate.Equal(fixedNow.AddDate(0, 0, 30)) {
		t.Errorf("invoice due date = %v", inv.DueDate)
	}

	released, err := f.svc.ReleaseEscrow(ctx, f.agent, m.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.EscrowStatus != model.EscrowStatusReleased {
		t.Errorf("escrow = %s", released.EscrowStatus)
	}
}

func TestStartWorkRequiresBothGates(t *testing.T) {
	f := newMilestoneFixture(t)
	ctx := context.Background()

	m := f.newMilestone(t)
	if _, err := f.transition(t, f.contractor, m.ID, model.WorkStatusInProgress, nil, ""); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("unapproved unfunded start: got %v", err)
	}

	if _, err := f.svc.SetApproval(ctx, SetApprovalInput{Principal: f.agent, MilestoneID: m.ID, Decision: model.ApprovalStatusApproved}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.transition(t, f.contractor, m.ID, model.WorkStatusInProgress, nil, ""); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("approved but unfunded start: got %v", err)
	}

	// Funding alone is not reachable without approval either.
	other := f.newMilestone(t)
	if _, err := f.svc.FundEscrow(ctx, f.escrow, other.ID); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("funding unapproved milestone: got %v", err)
	}
}

func TestEscrowFreeProjectGatesOnApprovalAlone(t *testing.T) {
	f := newMilestoneFixture(t)
	ctx := context.Background()

	contractorID := f.contractor.UserID
	project := &model.Project{
		ID:           uuid.New(),
		AgentID:      f.agent.UserID,
		ContractorID: &contractorID,
		Title:        "Survey work",
		Status:       model.ProjectStatusActive,
	}
	if err := f.store.CreateProject(ctx, project); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	m, err := f.svc.CreateMilestone(ctx, CreateMilestoneInput{
		Principal: f.contractor, ProjectID: project.ID,
		Title: "Site survey", DurationDays: 5, PaymentAmount: 40000,
	})
	if err != nil {
		t.Fatalf("create milestone: %v", err)
	}

	// Approval alone is not enough to fund, and unapproved work stays gated.
	if _, err := f.transition(t, f.contractor, m.ID, model.WorkStatusInProgress, nil, ""); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("unapproved start: got %v", err)
	}
	if _, err := f.svc.SetApproval(ctx, SetApprovalInput{Principal: f.agent, MilestoneID: m.ID, Decision: model.ApprovalStatusApproved}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.svc.FundEscrow(ctx, f.escrow, m.ID); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("funding an escrow-free project: got %v", err)
	}

	got, err := f.transition(t, f.contractor, m.ID, model.WorkStatusInProgress, nil, "")
	if err != nil {
		t.Fatalf("start without funding: %v", err)
	}
	if got.Status != model.WorkStatusInProgress || got.EscrowStatus != model.EscrowStatusNotFunded {
		t.Fatalf("after start: %s/%s", got.Status, got.EscrowStatus)
	}
}

func TestSubmitCompletionRequiresProof(t *testing.T) {
	f := newMilestoneFixture(t)
	m := f.newMilestone(t)
	f.approveAndFund(t, m.ID)
	if _, err := f.transition(t, f.contractor, m.ID, model.WorkStatusInProgress, nil, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.transition(t, f.contractor, m.ID, model.WorkStatusCompleted, nil, ""); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("proofless completion: got %v", err)
	}
}

func TestRejectVerificationAndResubmit(t *testing.T) {
	f := newMilestoneFixture(t)
	m := f.newMilestone(t)
	f.approveAndFund(t, m.ID)
	if _, err := f.transition(t, f.contractor, m.ID, model.WorkStatusInProgress, nil, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.transition(t, f.contractor, m.ID, model.WorkStatusCompleted, []string{"doc-1"}, ""); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := f.transition(t, f.agent, m.ID, model.WorkStatusCompleted, nil, ""); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("rejection without reason: got %v", err)
	}

	rejected, err := f.transition(t, f.agent, m.ID, model.WorkStatusCompleted, nil, "photos too blurry")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != model.WorkStatusCompleted || rejected.RejectionReason != "photos too blurry" {
		t.Fatalf("after rejection: %s / %q", rejected.Status, rejected.RejectionReason)
	}

	resubmitted, err := f.transition(t, f.contractor, m.ID, model.WorkStatusVerificationPending, []string{"doc-2"}, "")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if resubmitted.Status != model.WorkStatusVerificationPending {
		t.Fatalf("after resubmit: %s", resubmitted.Status)
	}
	if len(resubmitted.ProofDocumentIDs) != 2 {
		t.Errorf("proof log = %v", resubmitted.ProofDocumentIDs)
	}

	if _, err := f.transition(t, f.agent, m.ID, model.WorkStatusVerified, nil, ""); err != nil {
		t.Fatalf("verify after resubmit: %v", err)
	}
}

func TestRevertsAreOneShot(t *testing.T) {
	f := newMilestoneFixture(t)
	m := f.newMilestone(t)
	f.approveAndFund(t, m.ID)

	if _, err := f.transition(t, f.contractor, m.ID, model.WorkStatusInProgress, nil, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.transition(t, f.contractor, m.ID, model.WorkStatusPending, nil, ""); err != nil {
		t.Fatalf("revert to pending: %v", err)
	}
	if _, err := f.transition(t, f.contractor, m.ID, model.WorkStatusInProgress, nil, ""); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if _, err := f.transition(t, f.contractor, m.ID, model.WorkStatusPending, nil, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second revert to pending: got %v", err)
	}
}

func TestEditResetsApproval(t *testing.T) {
	f := newMilestoneFixture(t)
	ctx := context.Background()
	m := f.newMilestone(t)

	if _, err := f.svc.SetApproval(ctx, SetApprovalInput{
		Principal: f.agent, MilestoneID: m.ID,
		Decision: model.ApprovalStatusRevisionRequested, Note: "split into two phases",
	}); err != nil {
		t.Fatalf("request revision: %v", err)
	}

	edited, err := f.svc.EditMilestone(ctx, EditMilestoneInput{
		Principal:     f.contractor,
		MilestoneID:   m.ID,
		Title:         "Roof replacement, phase one",
		DurationDays:  10,
		PaymentAmount: 120000,
	})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if edited.ApprovalStatus != model.ApprovalStatusPending {
		t.Fatalf("approval after edit = %s, want pending", edited.ApprovalStatus)
	}
	if edited.PaymentAmount != 120000 || edited.DurationDays != 10 {
		t.Errorf("terms not updated: %d / %d", edited.PaymentAmount, edited.DurationDays)
	}

	// An approved milestone is locked.
	if _, err := f.svc.SetApproval(ctx, SetApprovalInput{Principal: f.agent, MilestoneID: m.ID, Decision: model.ApprovalStatusApproved}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.svc.EditMilestone(ctx, EditMilestoneInput{
		Principal: f.contractor, MilestoneID: m.ID, DurationDays: 5, PaymentAmount: 100,
	}); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("edit after approval: got %v", err)
	}
}

func TestApprovalOnlyBeforeWorkStarts(t *testing.T) {
	f := newMilestoneFixture(t)
	ctx := context.Background()
	m := f.newMilestone(t)
	f.approveAndFund(t, m.ID)
	if _, err := f.transition(t, f.contractor, m.ID, model.WorkStatusInProgress, nil, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.svc.SetApproval(ctx, SetApprovalInput{
		Principal: f.agent, MilestoneID: m.ID, Decision: model.ApprovalStatusRejected,
	}); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("approval decision on started work: got %v", err)
	}
}

func TestWorkTransitionPermissions(t *testing.T) {
	f := newMilestoneFixture(t)
	ctx := context.Background()
	m := f.newMilestone(t)
	f.approveAndFund(t, m.ID)

	// Agent cannot drive the contractor's transitions, and vice versa.
	if _, err := f.transition(t, f.agent, m.ID, model.WorkStatusInProgress, nil, ""); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("agent start: got %v", err)
	}
	if _, err := f.transition(t, f.contractor, m.ID, model.WorkStatusInProgress, nil, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.transition(t, f.contractor, m.ID, model.WorkStatusCompleted, []string{"d"}, ""); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.transition(t, f.contractor, m.ID, model.WorkStatusVerified, nil, ""); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("contractor verify: got %v", err)
	}

	stranger := model.Principal{UserID: uuid.New(), Role: model.RoleAgent}
	if _, err := f.transition(t, stranger, m.ID, model.WorkStatusVerified, nil, ""); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("foreign agent verify: got %v", err)
	}
	if _, err := f.svc.GetMilestone(ctx, model.Principal{UserID: uuid.New(), Role: model.RoleContractor}, m.ID); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("foreign contractor read: got %v", err)
	}
}

func TestConcurrentVerifyIssuesOneInvoice(t *testing.T) {
	f := newMilestoneFixture(t)
	ctx := context.Background()
	m := f.newMilestone(t)
	f.approveAndFund(t, m.ID)
	if _, err := f.transition(t, f.contractor, m.ID, model.WorkStatusInProgress, nil, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.transition(t, f.contractor, m.ID, model.WorkStatusCompleted, []string{"doc"}, ""); err != nil {
		t.Fatalf("submit: %v", err)
	}

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.TransitionWork(ctx, TransitionWorkInput{
				Principal: f.agent, MilestoneID: m.ID, To: model.WorkStatusVerified,
			})
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
		} else if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("unexpected racer error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("%d verifies succeeded, want exactly 1", ok)
	}

	inv, err := f.store.GetInvoiceByMilestone(ctx, m.ID)
	if err != nil {
		t.Fatalf("invoice: %v", err)
	}
	invoices, err := f.svc.ListInvoices(ctx, f.agent)
	if err != nil {
		t.Fatalf("list invoices: %v", err)
	}
	if len(invoices) != 1 || invoices[0].ID != inv.ID {
		t.Fatalf("invoice count = %d", len(invoices))
	}
}

func TestEscrowDisputeAndRefund(t *testing.T) {
	f := newMilestoneFixture(t)
	ctx := context.Background()
	m := f.newMilestone(t)
	f.approveAndFund(t, m.ID)

	if _, err := f.svc.RefundEscrow(ctx, f.escrow, m.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("refund undisputed escrow: got %v", err)
	}

	disputed, err := f.svc.DisputeEscrow(ctx, f.contractor, m.ID)
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if disputed.EscrowStatus != model.EscrowStatusDisputed {
		t.Fatalf("escrow = %s", disputed.EscrowStatus)
	}

	if _, err := f.svc.ReleaseEscrow(ctx, f.agent, m.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("release disputed escrow: got %v", err)
	}
	if _, err := f.svc.RefundEscrow(ctx, f.agent, m.ID); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("agent refund: got %v", err)
	}

	refunded, err := f.svc.RefundEscrow(ctx, f.escrow, m.ID)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.EscrowStatus != model.EscrowStatusRefunded {
		t.Fatalf("escrow = %s", refunded.EscrowStatus)
	}
}

func TestReleaseRequiresVerifiedWork(t *testing.T) {
	f := newMilestoneFixture(t)
	m := f.newMilestone(t)
	f.approveAndFund(t, m.ID)
	if _, err := f.svc.ReleaseEscrow(context.Background(), f.agent, m.ID); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("release before verification: got %v", err)
	}
}

func TestCreateMilestoneValidation(t *testing.T) {
	f := newMilestoneFixture(t)
	ctx := context.Background()

	if _, err := f.svc.CreateMilestone(ctx, CreateMilestoneInput{
		Principal: f.contractor, ProjectID: f.project.ID, Title: "x", DurationDays: 5, PaymentAmount: 0,
	}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("zero amount: got %v", err)
	}
	if _, err := f.svc.CreateMilestone(ctx, CreateMilestoneInput{
		Principal: f.contractor, ProjectID: f.project.ID, Title: "x", DurationDays: -1, PaymentAmount: 100,
	}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("negative duration: got %v", err)
	}
	outsider := model.Principal{UserID: uuid.New(), Role: model.RoleContractor}
	if _, err := f.svc.CreateMilestone(ctx, CreateMilestoneInput{
		Principal: outsider, ProjectID: f.project.ID, Title: "x", DurationDays: 5, PaymentAmount: 100,
	}); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("unassigned contractor: got %v", err)
	}
	if _, err := f.svc.CreateMilestone(ctx, CreateMilestoneInput{
		Principal: f.contractor, ProjectID: uuid.New(), Title: "x", DurationDays: 5, PaymentAmount: 100,
	}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing project: got %v", err)
	}
}
