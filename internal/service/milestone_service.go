package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nurpe/procure-core/internal/config"
	"github.com/nurpe/procure-core/internal/events"
	"github.com/nurpe/procure-core/internal/ledger"
	"github.com/nurpe/procure-core/internal/model"
)

// MilestoneService is the milestone lifecycle engine: it owns the work
// axis state machine, the approval and escrow gates, and the
// invoice-generation side effect. Every command is an atomic
// read-validate-write against the ledger; on version conflict the whole
// decision is retried from fresh state.
type MilestoneService struct {
	store  ledger.Store
	events events.Publisher
	cfg    *config.Config
	now    func() time.Time
}

func NewMilestoneService(store ledger.Store, pub events.Publisher, cfg *config.Config) *MilestoneService {
	return &MilestoneService{
		store:  store,
		events: pub,
		cfg:    cfg,
		now:    time.Now,
	}
}

type CreateProjectInput struct {
	Principal     model.Principal
	Title         string
	Description   string
	EscrowEnabled bool
}

func (s *MilestoneService) CreateProject(ctx context.Context, input CreateProjectInput) (*model.Project, error) {
	if !input.Principal.IsAgent() {
		return nil, ErrPermissionDenied
	}
	if input.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	project := &model.Project{
		ID:            uuid.New(),
		AgentID:       input.Principal.UserID,
		Title:         input.Title,
		Description:   input.Description,
		EscrowEnabled: input.EscrowEnabled,
		Status:        model.ProjectStatusDraft,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.store.CreateProject(ctx, project); err != nil {
		return nil, mapStoreErr(err)
	}
	return project, nil
}

func (s *MilestoneService) GetProject(ctx context.Context, principal model.Principal, id uuid.UUID) (*model.Project, error) {
	project, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if !s.projectParticipant(principal, project) {
		return nil, ErrPermissionDenied
	}
	return project, nil
}

type CreateMilestoneInput struct {
	Principal     model.Principal
	ProjectID     uuid.UUID
	Title         string
	Description   string
	DurationDays  int
	PaymentAmount int64
}

func (s *MilestoneService) CreateMilestone(ctx context.Context, input CreateMilestoneInput) (*model.Milestone, error) {
	if !input.Principal.IsContractor() {
		return nil, ErrPermissionDenied
	}
	if input.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if input.PaymentAmount <= 0 {
		return nil, fmt.Errorf("%w: payment amount must be positive minor units", ErrInvalidInput)
	}
	if input.DurationDays <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", ErrInvalidInput)
	}

	project, err := s.store.GetProject(ctx, input.ProjectID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if project.ContractorID == nil || *project.ContractorID != input.Principal.UserID {
		return nil, fmt.Errorf("%w: contractor is not assigned to project", ErrPermissionDenied)
	}

	now := s.now().UTC()
	milestone := &model.Milestone{
		ID:             uuid.New(),
		ProjectID:      project.ID,
		CreatedBy:      input.Principal.UserID,
		Title:          input.Title,
		Description:    input.Description,
		DurationDays:   input.DurationDays,
		PaymentAmount:  input.PaymentAmount,
		DueDate:        now.AddDate(0, 0, input.DurationDays),
		Status:         model.WorkStatusPending,
		ApprovalStatus: model.ApprovalStatusPending,
		EscrowStatus:   model.EscrowStatusNotFunded,
		CreatedAt:      now,
	}
	if err := s.store.CreateMilestone(ctx, milestone); err != nil {
		return nil, mapStoreErr(err)
	}
	return milestone, nil
}

func (s *MilestoneService) GetMilestone(ctx context.Context, principal model.Principal, id uuid.UUID) (*model.Milestone, error) {
	milestone, err := s.store.GetMilestone(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if err := s.milestoneParticipant(ctx, principal, milestone); err != nil {
		return nil, err
	}
	return milestone, nil
}

type EditMilestoneInput struct {
	Principal     model.Principal
	MilestoneID   uuid.UUID
	Title         string
	Description   string
	DurationDays  int
	PaymentAmount int64
}

// EditMilestone lets the contractor revise terms after the agent asked
// for changes. Editing resets the approval axis to pending, so the gating
// table forces a fresh approval before any work starts.
func (s *MilestoneService) EditMilestone(ctx context.Context, input EditMilestoneInput) (*model.Milestone, error) {
	if !input.Principal.IsContractor() {
		return nil, ErrPermissionDenied
	}
	if input.PaymentAmount <= 0 || input.DurationDays <= 0 {
		return nil, fmt.Errorf("%w: amount and duration must be positive", ErrInvalidInput)
	}

	var result *model.Milestone
	err := withRetry(ctx, func(ctx context.Context) error {
		m, err := s.store.GetMilestone(ctx, input.MilestoneID)
		if err != nil {
			return err
		}
		if m.CreatedBy != input.Principal.UserID {
			return ErrPermissionDenied
		}
		if !m.Editable() {
			return fmt.Errorf("%w: milestone is not editable in %s/%s", ErrPreconditionFailed, m.Status, m.ApprovalStatus)
		}
		if input.Title != "" {
			m.Title = input.Title
		}
		if input.Description != "" {
			m.Description = input.Description
		}
		m.DurationDays = input.DurationDays
		m.PaymentAmount = input.PaymentAmount
		m.DueDate = s.now().UTC().AddDate(0, 0, input.DurationDays)
		m.ApprovalStatus = model.ApprovalStatusPending
		m.RejectionReason = ""
		if err := s.store.UpdateMilestone(ctx, m); err != nil {
			return err
		}
		result = m
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	s.publishMilestone(events.KindApprovalChanged, result, input.Principal.UserID)
	return result, nil
}

type SetApprovalInput struct {
	Principal   model.Principal
	MilestoneID uuid.UUID
	Decision    model.ApprovalStatus
	Note        string
}

func (s *MilestoneService) SetApproval(ctx context.Context, input SetApprovalInput) (*model.Milestone, error) {
	if !input.Principal.IsAgent() {
		return nil, ErrPermissionDenied
	}
	switch input.Decision {
	case model.ApprovalStatusApproved, model.ApprovalStatusRejected, model.ApprovalStatusRevisionRequested:
	default:
		return nil, fmt.Errorf("%w: unknown approval decision %q", ErrInvalidInput, input.Decision)
	}

	var result *model.Milestone
	err := withRetry(ctx, func(ctx context.Context) error {
		m, err := s.store.GetMilestone(ctx, input.MilestoneID)
		if err != nil {
			return err
		}
		if err := s.requireProjectAgent(ctx, input.Principal, m.ProjectID); err != nil {
			return err
		}
		// Approval decisions only apply before work starts.
		if m.Status != model.WorkStatusPending {
			return fmt.Errorf("%w: approval decision requires %s status, milestone is %s",
				ErrPreconditionFailed, model.WorkStatusPending, m.Status)
		}
		m.ApprovalStatus = input.Decision
		m.ApprovalNote = input.Note
		if err := s.store.UpdateMilestone(ctx, m); err != nil {
			return err
		}
		result = m
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	s.publishMilestone(events.KindApprovalChanged, result, input.Principal.UserID)
	return result, nil
}

// FundEscrow is called by the escrow collaborator once funds are
// confirmed reserved. Funding requires an approved milestone on a project
// that uses escrow.
func (s *MilestoneService) FundEscrow(ctx context.Context, principal model.Principal, milestoneID uuid.UUID) (*model.Milestone, error) {
	if !principal.IsEscrow() && !principal.IsAgent() {
		return nil, ErrPermissionDenied
	}

	var result *model.Milestone
	err := withRetry(ctx, func(ctx context.Context) error {
		m, err := s.store.GetMilestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		project, err := s.store.GetProject(ctx, m.ProjectID)
		if err != nil {
			return err
		}
		if !project.EscrowEnabled {
			return fmt.Errorf("%w: project does not use escrow", ErrPreconditionFailed)
		}
		if m.EscrowStatus != model.EscrowStatusNotFunded {
			return fmt.Errorf("%w: escrow %s -> %s", ErrInvalidTransition, m.EscrowStatus, model.EscrowStatusFunded)
		}
		if m.ApprovalStatus != model.ApprovalStatusApproved {
			return fmt.Errorf("%w: escrow funding requires agent approval", ErrPreconditionFailed)
		}
		m.EscrowStatus = model.EscrowStatusFunded
		if err := s.store.UpdateMilestone(ctx, m); err != nil {
			return err
		}
		result = m
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	s.publishMilestone(events.KindEscrowChanged, result, principal.UserID)
	return result, nil
}

// ReleaseEscrow moves funds to the contractor once the work is verified.
// The work axis is VERIFIED only transiently (the invoice flip is part of
// the verify transaction), so INVOICED also satisfies the gate.
func (s *MilestoneService) ReleaseEscrow(ctx context.Context, principal model.Principal, milestoneID uuid.UUID) (*model.Milestone, error) {
	if !principal.IsAgent() && !principal.IsEscrow() {
		return nil, ErrPermissionDenied
	}

	var result *model.Milestone
	err := withRetry(ctx, func(ctx context.Context) error {
		m, err := s.store.GetMilestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		if principal.IsAgent() {
			if err := s.requireProjectAgent(ctx, principal, m.ProjectID); err != nil {
				return err
			}
		}
		if m.EscrowStatus != model.EscrowStatusFunded {
			return fmt.Errorf("%w: escrow %s -> %s", ErrInvalidTransition, m.EscrowStatus, model.EscrowStatusReleased)
		}
		if m.Status != model.WorkStatusVerified && m.Status != model.WorkStatusInvoiced {
			return fmt.Errorf("%w: release requires verified work, milestone is %s", ErrPreconditionFailed, m.Status)
		}
		m.EscrowStatus = model.EscrowStatusReleased
		if err := s.store.UpdateMilestone(ctx, m); err != nil {
			return err
		}
		result = m
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	s.publishMilestone(events.KindEscrowChanged, result, principal.UserID)
	return result, nil
}

// DisputeEscrow flags funded escrow as contested. Allowed to either side
// of the contract; resolution (refund) belongs to the escrow collaborator.
func (s *MilestoneService) DisputeEscrow(ctx context.Context, principal model.Principal, milestoneID uuid.UUID) (*model.Milestone, error) {
	var result *model.Milestone
	err := withRetry(ctx, func(ctx context.Context) error {
		m, err := s.store.GetMilestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		if err := s.milestoneParticipant(ctx, principal, m); err != nil {
			return err
		}
		if m.EscrowStatus != model.EscrowStatusFunded {
			return fmt.Errorf("%w: escrow %s -> %s", ErrInvalidTransition, m.EscrowStatus, model.EscrowStatusDisputed)
		}
		m.EscrowStatus = model.EscrowStatusDisputed
		if err := s.store.UpdateMilestone(ctx, m); err != nil {
			return err
		}
		result = m
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	s.publishMilestone(events.KindEscrowChanged, result, principal.UserID)
	return result, nil
}

// RefundEscrow returns disputed funds to the agent side. Escrow
// collaborator only.
func (s *MilestoneService) RefundEscrow(ctx context.Context, principal model.Principal, milestoneID uuid.UUID) (*model.Milestone, error) {
	if !principal.IsEscrow() {
		return nil, ErrPermissionDenied
	}

	var result *model.Milestone
	err := withRetry(ctx, func(ctx context.Context) error {
		m, err := s.store.GetMilestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		if m.EscrowStatus != model.EscrowStatusDisputed {
			return fmt.Errorf("%w: escrow %s -> %s", ErrInvalidTransition, m.EscrowStatus, model.EscrowStatusRefunded)
		}
		m.EscrowStatus = model.EscrowStatusRefunded
		if err := s.store.UpdateMilestone(ctx, m); err != nil {
			return err
		}
		result = m
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	s.publishMilestone(events.KindEscrowChanged, result, principal.UserID)
	return result, nil
}

type TransitionWorkInput struct {
	Principal        model.Principal
	MilestoneID      uuid.UUID
	To               model.WorkStatus
	ProofDocumentIDs []string
	Reason           string
}

// TransitionWork applies a single work-axis command: StartWork,
// SubmitCompletion, Verify, RejectVerification or one of the two one-shot
// reverts. Automatic follow-on transitions (completed ->
// verification-pending, verified -> invoiced) happen inside the same
// write, so no milestone is ever observed in a transient ownerless state.
func (s *MilestoneService) TransitionWork(ctx context.Context, input TransitionWorkInput) (*model.Milestone, error) {
	if !model.ValidWorkStatus(input.To) {
		return nil, fmt.Errorf("%w: unknown work status %q", ErrInvalidInput, input.To)
	}

	var result *model.Milestone
	err := withRetry(ctx, func(ctx context.Context) error {
		m, err := s.store.GetMilestone(ctx, input.MilestoneID)
		if err != nil {
			return err
		}
		result = m
		return s.applyWorkTransition(ctx, input, m)
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	s.publishMilestone(events.KindMilestoneTransition, result, input.Principal.UserID)
	return result, nil
}

func (s *MilestoneService) applyWorkTransition(ctx context.Context, input TransitionWorkInput, m *model.Milestone) error {
	from, to := m.Status, input.To

	switch {
	case from == model.WorkStatusPending && to == model.WorkStatusInProgress:
		// StartWork: contractor, approval and escrow gates. Projects that
		// opted out of escrow gate on approval alone.
		if err := s.requireMilestoneContractor(input.Principal, m); err != nil {
			return err
		}
		project, err := s.store.GetProject(ctx, m.ProjectID)
		if err != nil {
			return err
		}
		if !m.StartWorkGate(project.EscrowEnabled) {
			if project.EscrowEnabled {
				return fmt.Errorf("%w: start requires approval=%s and escrow=%s (have %s/%s)",
					ErrPreconditionFailed, model.ApprovalStatusApproved, model.EscrowStatusFunded,
					m.ApprovalStatus, m.EscrowStatus)
			}
			return fmt.Errorf("%w: start requires approval=%s (have %s)",
				ErrPreconditionFailed, model.ApprovalStatusApproved, m.ApprovalStatus)
		}
		m.Status = model.WorkStatusInProgress
		return s.store.UpdateMilestone(ctx, m)

	case from == model.WorkStatusInProgress && to == model.WorkStatusCompleted:
		// SubmitCompletion: proof required; verification-pending follows
		// automatically in the same write.
		if err := s.requireMilestoneContractor(input.Principal, m); err != nil {
			return err
		}
		if len(input.ProofDocumentIDs) == 0 {
			return fmt.Errorf("%w: completion requires at least one proof document", ErrPreconditionFailed)
		}
		m.ProofDocumentIDs = append(m.ProofDocumentIDs, input.ProofDocumentIDs...)
		m.Status = model.WorkStatusVerificationPending
		return s.store.UpdateMilestone(ctx, m)

	case from == model.WorkStatusCompleted && to == model.WorkStatusVerificationPending:
		// Resubmission after a rejected verification; proof must be on
		// file (more may be attached).
		if err := s.requireMilestoneContractor(input.Principal, m); err != nil {
			return err
		}
		m.ProofDocumentIDs = append(m.ProofDocumentIDs, input.ProofDocumentIDs...)
		if len(m.ProofDocumentIDs) == 0 {
			return fmt.Errorf("%w: verification requires at least one proof document", ErrPreconditionFailed)
		}
		m.Status = model.WorkStatusVerificationPending
		return s.store.UpdateMilestone(ctx, m)

	case from == model.WorkStatusVerificationPending && to == model.WorkStatusVerified:
		return s.verify(ctx, input, m)

	case model.RejectionTransition(from, to):
		// RejectVerification: agent sends work back with a reason.
		if err := s.requireProjectAgent(ctx, input.Principal, m.ProjectID); err != nil {
			return err
		}
		if input.Reason == "" {
			return fmt.Errorf("%w: rejection requires a reason", ErrPreconditionFailed)
		}
		m.RejectionReason = input.Reason
		m.Status = model.WorkStatusCompleted
		return s.store.UpdateMilestone(ctx, m)

	case model.RevertWorkTransition(from, to):
		if err := s.requireMilestoneContractor(input.Principal, m); err != nil {
			return err
		}
		if to == model.WorkStatusPending {
			if m.RevertedToPending {
				return invalidTransition(from, to)
			}
			m.RevertedToPending = true
		} else {
			if m.RevertedToInProgress {
				return invalidTransition(from, to)
			}
			m.RevertedToInProgress = true
		}
		m.Status = to
		return s.store.UpdateMilestone(ctx, m)

	default:
		return invalidTransition(from, to)
	}
}

// verify flips verification-pending -> verified -> invoiced and writes
// the invoice in one transaction: either the status flip and the invoice
// both commit, or neither does.
func (s *MilestoneService) verify(ctx context.Context, input TransitionWorkInput, m *model.Milestone) error {
	if err := s.requireProjectAgent(ctx, input.Principal, m.ProjectID); err != nil {
		return err
	}
	project, err := s.store.GetProject(ctx, m.ProjectID)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	tax := model.TaxFor(m.PaymentAmount, s.cfg.Invoice.TaxRateBasisPoints)
	invoice := &model.Invoice{
		ID:           uuid.New(),
		Number:       model.InvoiceNumber(now, m.ID),
		ProjectID:    m.ProjectID,
		MilestoneID:  m.ID,
		ContractorID: m.CreatedBy,
		AgentID:      project.AgentID,
		Amount:       m.PaymentAmount,
		TaxAmount:    tax,
		TotalAmount:  m.PaymentAmount + tax,
		Status:       model.InvoiceStatusDraft,
		IssuedAt:     now,
		DueDate:      now.AddDate(0, 0, s.cfg.Invoice.DueDays),
	}

	m.Status = model.WorkStatusInvoiced
	if err := s.store.UpdateMilestoneWithInvoice(ctx, m, invoice); err != nil {
		if errors.Is(err, ledger.ErrInvoiceExists) {
			// A concurrent retry already invoiced this milestone.
			return invalidTransition(model.WorkStatusVerificationPending, model.WorkStatusVerified)
		}
		return err
	}
	s.publishMilestone(events.KindInvoiceIssued, m, input.Principal.UserID)
	return nil
}

func (s *MilestoneService) ListMilestones(ctx context.Context, principal model.Principal, projectID uuid.UUID) ([]model.Milestone, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if !s.projectParticipant(principal, project) {
		return nil, ErrPermissionDenied
	}
	milestones, err := s.store.ListMilestonesByProject(ctx, projectID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return milestones, nil
}

func (s *MilestoneService) GetInvoice(ctx context.Context, principal model.Principal, id uuid.UUID) (*model.Invoice, error) {
	invoice, err := s.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if invoice.AgentID != principal.UserID && invoice.ContractorID != principal.UserID {
		return nil, ErrPermissionDenied
	}
	return invoice, nil
}

func (s *MilestoneService) ListInvoices(ctx context.Context, principal model.Principal) ([]model.Invoice, error) {
	if !principal.IsAgent() {
		return nil, ErrPermissionDenied
	}
	invoices, err := s.store.ListInvoicesByAgent(ctx, principal.UserID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return invoices, nil
}

func (s *MilestoneService) requireProjectAgent(ctx context.Context, principal model.Principal, projectID uuid.UUID) error {
	if !principal.IsAgent() {
		return ErrPermissionDenied
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if project.AgentID != principal.UserID {
		return ErrPermissionDenied
	}
	return nil
}

func (s *MilestoneService) requireMilestoneContractor(principal model.Principal, m *model.Milestone) error {
	if !principal.IsContractor() || m.CreatedBy != principal.UserID {
		return ErrPermissionDenied
	}
	return nil
}

func (s *MilestoneService) milestoneParticipant(ctx context.Context, principal model.Principal, m *model.Milestone) error {
	if principal.IsEscrow() {
		return nil
	}
	if principal.IsContractor() {
		if m.CreatedBy != principal.UserID {
			return ErrPermissionDenied
		}
		return nil
	}
	return s.requireProjectAgent(ctx, principal, m.ProjectID)
}

func (s *MilestoneService) projectParticipant(principal model.Principal, project *model.Project) bool {
	if principal.IsEscrow() {
		return true
	}
	if project.AgentID == principal.UserID {
		return true
	}
	return project.ContractorID != nil && *project.ContractorID == principal.UserID
}

func (s *MilestoneService) publishMilestone(kind string, m *model.Milestone, actorID uuid.UUID) {
	if m == nil {
		return
	}
	s.events.Publish(events.MilestoneChannel(m.ID), events.Event{
		EventID:    uuid.New(),
		Kind:       kind,
		EntityID:   m.ID,
		ProjectID:  m.ProjectID,
		Status:     string(m.Status),
		ActorID:    actorID,
		OccurredAt: s.now().UTC(),
	})
}

func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, ledger.ErrUnavailable):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return err
	}
}
