package auth

import "slices"

// Principal is the identity performing an evaluation run.
type Principal interface {
	GetID() string
	GetRoles() []string
	HasRole(role string) bool
}

// BasePrincipal is a Principal built from FUNDAUDIT_ACTOR or token claims.
type BasePrincipal struct {
	ID    string
	Roles []string
}

func (b *BasePrincipal) GetID() string      { return b.ID }
func (b *BasePrincipal) GetRoles() []string { return b.Roles }

func (b *BasePrincipal) HasRole(role string) bool { return slices.Contains(b.Roles, role) }
