package model

import "github.com/google/uuid"

const (
	RoleAgent      = "AGENT"
	RoleContractor = "CONTRACTOR"
	RoleEscrow     = "ESCROW"
)

// Principal is the verified actor identity supplied by the identity
// provider. It is trusted input; this service never authenticates.
type Principal struct {
	UserID uuid.UUID
	Role   string
}

func (p Principal) IsAgent() bool      { return p.Role == RoleAgent }
func (p Principal) IsContractor() bool { return p.Role == RoleContractor }
func (p Principal) IsEscrow() bool     { return p.Role == RoleEscrow }
