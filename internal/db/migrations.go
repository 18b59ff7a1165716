package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`,
	`CREATE TABLE IF NOT EXISTS projects (
		id UUID PRIMARY KEY,
		agent_id UUID NOT NULL,
		contractor_id UUID,
		title VARCHAR(255) NOT NULL,
		description TEXT,
		escrow_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		status VARCHAR(32) NOT NULL DEFAULT 'DRAFT',
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_projects_agent_id ON projects (agent_id);`,
	`CREATE INDEX IF NOT EXISTS idx_projects_contractor_id ON projects (contractor_id) WHERE contractor_id IS NOT NULL;`,
	`CREATE TABLE IF NOT EXISTS milestones (
		id UUID PRIMARY KEY,
		project_id UUID NOT NULL REFERENCES projects(id),
		created_by UUID NOT NULL,
		title VARCHAR(255) NOT NULL,
		description TEXT,
		duration_days INT NOT NULL,
		payment_amount BIGINT NOT NULL CHECK (payment_amount > 0),
		due_date TIMESTAMPTZ NOT NULL,
		status VARCHAR(32) NOT NULL DEFAULT 'PENDING',
		approval_status VARCHAR(32) NOT NULL DEFAULT 'PENDING',
		escrow_status VARCHAR(32) NOT NULL DEFAULT 'NOT_FUNDED',
		proof_document_ids TEXT NOT NULL DEFAULT '',
		approval_note TEXT NOT NULL DEFAULT '',
		rejection_reason TEXT NOT NULL DEFAULT '',
		reverted_to_pending BOOLEAN NOT NULL DEFAULT FALSE,
		reverted_to_in_progress BOOLEAN NOT NULL DEFAULT FALSE,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_milestones_project_id ON milestones (project_id);`,
	`CREATE INDEX IF NOT EXISTS idx_milestones_status ON milestones (status);`,
	`CREATE TABLE IF NOT EXISTS invoices (
		id UUID PRIMARY KEY,
		number VARCHAR(64) NOT NULL,
		project_id UUID NOT NULL REFERENCES projects(id),
		milestone_id UUID NOT NULL REFERENCES milestones(id),
		contractor_id UUID NOT NULL,
		agent_id UUID NOT NULL,
		amount BIGINT NOT NULL CHECK (amount > 0),
		tax_amount BIGINT NOT NULL DEFAULT 0,
		total_amount BIGINT NOT NULL,
		status VARCHAR(32) NOT NULL DEFAULT 'DRAFT',
		issued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		due_date TIMESTAMPTZ NOT NULL,
		version BIGINT NOT NULL DEFAULT 1
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_invoices_milestone_id ON invoices (milestone_id);`,
	`CREATE INDEX IF NOT EXISTS idx_invoices_agent_id ON invoices (agent_id);`,
	`CREATE TABLE IF NOT EXISTS auctions (
		id UUID PRIMARY KEY,
		agent_id UUID NOT NULL,
		project_id UUID NOT NULL REFERENCES projects(id),
		type VARCHAR(16) NOT NULL,
		start_date TIMESTAMPTZ NOT NULL,
		end_date TIMESTAMPTZ NOT NULL,
		winner_id UUID,
		winning_amount BIGINT NOT NULL DEFAULT 0,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CHECK (end_date > start_date)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_auctions_project_id ON auctions (project_id);`,
	`CREATE TABLE IF NOT EXISTS bids (
		id UUID PRIMARY KEY,
		auction_id UUID NOT NULL REFERENCES auctions(id),
		contractor_id UUID NOT NULL,
		amount BIGINT NOT NULL CHECK (amount > 0),
		submitted_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_bids_auction_id ON bids (auction_id);`,
	`CREATE INDEX IF NOT EXISTS idx_bids_contractor_id ON bids (contractor_id);`,
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
