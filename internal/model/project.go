package model

import (
	"time"

	"github.com/google/uuid"
)

type ProjectStatus string

const (
	ProjectStatusDraft      ProjectStatus = "DRAFT"
	ProjectStatusActive     ProjectStatus = "ACTIVE"
	ProjectStatusInProgress ProjectStatus = "IN_PROGRESS"
	ProjectStatusCompleted  ProjectStatus = "COMPLETED"
	ProjectStatusClosed     ProjectStatus = "CLOSED"
)

type Project struct {
	ID            uuid.UUID
	AgentID       uuid.UUID
	ContractorID  *uuid.UUID // set once, on auction award
	Title         string
	Description   string
	EscrowEnabled bool
	Status        ProjectStatus
	Version       int64
	CreatedAt     time.Time
}
