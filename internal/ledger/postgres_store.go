package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nurpe/procure-core/internal/model"
)

// PostgresStore implements Store over Postgres. Optimistic concurrency is
// plain SQL: every UPDATE carries "AND version = ?" and bumps the counter;
// zero rows affected means somebody else won the race.
type PostgresStore struct {
	db *gorm.DB
}

func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateProject(ctx context.Context, p *model.Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.Version = 1
	err := s.db.WithContext(ctx).Exec(`
		INSERT INTO projects (id, agent_id, contractor_id, title, description, escrow_enabled, status, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.AgentID, p.ContractorID, p.Title, p.Description, p.EscrowEnabled, p.Status, p.Version, p.CreatedAt).Error
	return translate(err)
}

func (s *PostgresStore) GetProject(ctx context.Context, id uuid.UUID) (*model.Project, error) {
	var p model.Project
	err := s.db.WithContext(ctx).Raw(`
		SELECT id, agent_id, contractor_id, title, description, escrow_enabled, status, version, created_at
		FROM projects
		WHERE id = ?
		LIMIT 1
	`, id).Scan(&p).Error
	if err != nil {
		return nil, translate(err)
	}
	if p.ID == uuid.Nil {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *PostgresStore) UpdateProject(ctx context.Context, p *model.Project) error {
	res := s.db.WithContext(ctx).Exec(`
		UPDATE projects
		SET contractor_id = ?, title = ?, description = ?, escrow_enabled = ?, status = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, p.ContractorID, p.Title, p.Description, p.EscrowEnabled, p.Status, p.ID, p.Version)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return s.conflictOrMissing(ctx, "projects", p.ID)
	}
	p.Version++
	return nil
}

func (s *PostgresStore) CreateMilestone(ctx context.Context, m *model.Milestone) error {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.Version = 1
	err := s.db.WithContext(ctx).Exec(`
		INSERT INTO milestones (
			id, project_id, created_by, title, description, duration_days,
			payment_amount, due_date, status, approval_status, escrow_status,
			proof_document_ids, approval_note, rejection_reason,
			reverted_to_pending, reverted_to_in_progress,
			version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID, m.ProjectID, m.CreatedBy, m.Title, m.Description, m.DurationDays,
		m.PaymentAmount, m.DueDate, m.Status, m.ApprovalStatus, m.EscrowStatus,
		joinIDs(m.ProofDocumentIDs), m.ApprovalNote, m.RejectionReason,
		m.RevertedToPending, m.RevertedToInProgress,
		m.Version, m.CreatedAt, m.UpdatedAt,
	).Error
	return translate(err)
}

type milestoneRow struct {
	ID                   uuid.UUID
	ProjectID            uuid.UUID
	CreatedBy            uuid.UUID
	Title                string
	Description          string
	DurationDays         int
	PaymentAmount        int64
	DueDate              time.Time
	Status               model.WorkStatus
	ApprovalStatus       model.ApprovalStatus
	EscrowStatus         model.EscrowStatus
	ProofDocumentIDs     string
	ApprovalNote         string
	RejectionReason      string
	RevertedToPending    bool
	RevertedToInProgress bool
	Version              int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (r milestoneRow) toModel() model.Milestone {
	return model.Milestone{
		ID:                   r.ID,
		ProjectID:            r.ProjectID,
		CreatedBy:            r.CreatedBy,
		Title:                r.Title,
		Description:          r.Description,
		DurationDays:         r.DurationDays,
		PaymentAmount:        r.PaymentAmount,
		DueDate:              r.DueDate,
		Status:               r.Status,
		ApprovalStatus:       r.ApprovalStatus,
		EscrowStatus:         r.EscrowStatus,
		ProofDocumentIDs:     splitIDs(r.ProofDocumentIDs),
		ApprovalNote:         r.ApprovalNote,
		RejectionReason:      r.RejectionReason,
		RevertedToPending:    r.RevertedToPending,
		RevertedToInProgress: r.RevertedToInProgress,
		Version:              r.Version,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
}

const milestoneColumns = `
	id, project_id, created_by, title, description, duration_days,
	payment_amount, due_date, status, approval_status, escrow_status,
	proof_document_ids, approval_note, rejection_reason,
	reverted_to_pending, reverted_to_in_progress,
	version, created_at, updated_at`

func (s *PostgresStore) GetMilestone(ctx context.Context, id uuid.UUID) (*model.Milestone, error) {
	var row milestoneRow
	err := s.db.WithContext(ctx).Raw(`
		SELECT `+milestoneColumns+`
		FROM milestones
		WHERE id = ?
		LIMIT 1
	`, id).Scan(&row).Error
	if err != nil {
		return nil, translate(err)
	}
	if row.ID == uuid.Nil {
		return nil, ErrNotFound
	}
	m := row.toModel()
	return &m, nil
}

func (s *PostgresStore) UpdateMilestone(ctx context.Context, m *model.Milestone) error {
	return s.updateMilestoneTx(ctx, s.db, m)
}

func (s *PostgresStore) updateMilestoneTx(ctx context.Context, tx *gorm.DB, m *model.Milestone) error {
	res := tx.WithContext(ctx).Exec(`
		UPDATE milestones
		SET title = ?, description = ?, duration_days = ?, payment_amount = ?, due_date = ?,
			status = ?, approval_status = ?, escrow_status = ?,
			proof_document_ids = ?, approval_note = ?, rejection_reason = ?,
			reverted_to_pending = ?, reverted_to_in_progress = ?,
			version = version + 1, updated_at = NOW()
		WHERE id = ? AND version = ?
	`,
		m.Title, m.Description, m.DurationDays, m.PaymentAmount, m.DueDate,
		m.Status, m.ApprovalStatus, m.EscrowStatus,
		joinIDs(m.ProofDocumentIDs), m.ApprovalNote, m.RejectionReason,
		m.RevertedToPending, m.RevertedToInProgress,
		m.ID, m.Version,
	)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return s.conflictOrMissing(ctx, "milestones", m.ID)
	}
	m.Version++
	return nil
}

func (s *PostgresStore) UpdateMilestoneWithInvoice(ctx context.Context, m *model.Milestone, inv *model.Invoice) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.updateMilestoneTx(ctx, tx, m); err != nil {
			return err
		}
		inv.Version = 1
		return tx.Exec(`
			INSERT INTO invoices (
				id, number, project_id, milestone_id, contractor_id, agent_id,
				amount, tax_amount, total_amount, status, issued_at, due_date, version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			inv.ID, inv.Number, inv.ProjectID, inv.MilestoneID, inv.ContractorID, inv.AgentID,
			inv.Amount, inv.TaxAmount, inv.TotalAmount, inv.Status, inv.IssuedAt, inv.DueDate, inv.Version,
		).Error
	})
	return translate(err)
}

func (s *PostgresStore) ListMilestonesByProject(ctx context.Context, projectID uuid.UUID) ([]model.Milestone, error) {
	var rows []milestoneRow
	err := s.db.WithContext(ctx).Raw(`
		SELECT `+milestoneColumns+`
		FROM milestones
		WHERE project_id = ?
		ORDER BY created_at ASC
	`, projectID).Scan(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	out := make([]model.Milestone, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

const invoiceColumns = `
	id, number, project_id, milestone_id, contractor_id, agent_id,
	amount, tax_amount, total_amount, status, issued_at, due_date, version`

func (s *PostgresStore) GetInvoice(ctx context.Context, id uuid.UUID) (*model.Invoice, error) {
	var inv model.Invoice
	err := s.db.WithContext(ctx).Raw(`
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE id = ?
		LIMIT 1
	`, id).Scan(&inv).Error
	if err != nil {
		return nil, translate(err)
	}
	if inv.ID == uuid.Nil {
		return nil, ErrNotFound
	}
	return &inv, nil
}

func (s *PostgresStore) GetInvoiceByMilestone(ctx context.Context, milestoneID uuid.UUID) (*model.Invoice, error) {
	var inv model.Invoice
	err := s.db.WithContext(ctx).Raw(`
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE milestone_id = ?
		LIMIT 1
	`, milestoneID).Scan(&inv).Error
	if err != nil {
		return nil, translate(err)
	}
	if inv.ID == uuid.Nil {
		return nil, ErrNotFound
	}
	return &inv, nil
}

func (s *PostgresStore) ListInvoicesByAgent(ctx context.Context, agentID uuid.UUID) ([]model.Invoice, error) {
	var invoices []model.Invoice
	err := s.db.WithContext(ctx).Raw(`
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE agent_id = ?
		ORDER BY issued_at ASC
	`, agentID).Scan(&invoices).Error
	if err != nil {
		return nil, translate(err)
	}
	return invoices, nil
}

func (s *PostgresStore) CreateAuction(ctx context.Context, a *model.Auction) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.Version = 1
	err := s.db.WithContext(ctx).Exec(`
		INSERT INTO auctions (id, agent_id, project_id, type, start_date, end_date, winner_id, winning_amount, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.AgentID, a.ProjectID, a.Type, a.StartDate, a.EndDate, a.WinnerID, a.WinningAmount, a.Version, a.CreatedAt).Error
	return translate(err)
}

func (s *PostgresStore) GetAuction(ctx context.Context, id uuid.UUID) (*model.Auction, error) {
	var a model.Auction
	err := s.db.WithContext(ctx).Raw(`
		SELECT id, agent_id, project_id, type, start_date, end_date, winner_id, winning_amount, version, created_at
		FROM auctions
		WHERE id = ?
		LIMIT 1
	`, id).Scan(&a).Error
	if err != nil {
		return nil, translate(err)
	}
	if a.ID == uuid.Nil {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (s *PostgresStore) AppendBid(ctx context.Context, b *model.Bid, expectedVersion int64) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Exec(`
			UPDATE auctions
			SET version = version + 1
			WHERE id = ? AND version = ?
		`, b.AuctionID, expectedVersion)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return s.conflictOrMissing(ctx, "auctions", b.AuctionID)
		}
		return tx.Exec(`
			INSERT INTO bids (id, auction_id, contractor_id, amount, submitted_at)
			VALUES (?, ?, ?, ?, ?)
		`, b.ID, b.AuctionID, b.ContractorID, b.Amount, b.SubmittedAt).Error
	})
	return translate(err)
}

func (s *PostgresStore) ListBids(ctx context.Context, auctionID uuid.UUID) ([]model.Bid, error) {
	var bids []model.Bid
	err := s.db.WithContext(ctx).Raw(`
		SELECT id, auction_id, contractor_id, amount, submitted_at
		FROM bids
		WHERE auction_id = ?
		ORDER BY submitted_at ASC, id ASC
	`, auctionID).Scan(&bids).Error
	if err != nil {
		return nil, translate(err)
	}
	return bids, nil
}

func (s *PostgresStore) SetAuctionWinner(ctx context.Context, auctionID, winnerID uuid.UUID, amount int64, expectedVersion int64) error {
	res := s.db.WithContext(ctx).Exec(`
		UPDATE auctions
		SET winner_id = ?, winning_amount = ?, version = version + 1
		WHERE id = ? AND version = ? AND winner_id IS NULL
	`, winnerID, amount, auctionID, expectedVersion)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return s.conflictOrMissing(ctx, "auctions", auctionID)
	}
	return nil
}

// conflictOrMissing disambiguates a zero-row CAS update: either the row is
// gone or its version moved.
func (s *PostgresStore) conflictOrMissing(ctx context.Context, table string, id uuid.UUID) error {
	var count int64
	if err := s.db.WithContext(ctx).Raw(
		fmt.Sprintf("SELECT COUNT(1) FROM %s WHERE id = ?", table), id,
	).Scan(&count).Error; err != nil {
		return translate(err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrVersionConflict
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrVersionConflict), errors.Is(err, ErrInvoiceExists):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case isUniqueViolation(err):
		return ErrInvoiceExists
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "sqlstate 23505") || strings.Contains(msg, "duplicate key")
}

func joinIDs(ids []string) string {
	return strings.Join(ids, ",")
}

func splitIDs(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}
