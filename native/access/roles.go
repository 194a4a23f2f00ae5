package access

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Protocol roles. Grant rights over every role are vested exclusively in
// default-admin; there is no inheritance between the others.
const (
	RoleDefaultAdmin      = "DEFAULT_ADMIN"
	RolePoolAdmin         = "POOL_ADMIN"
	RoleAssetListingAdmin = "ASSET_LISTING_ADMIN"
	RoleRiskAdmin         = "RISK_ADMIN"
	RoleEmergencyAdmin    = "EMERGENCY_ADMIN"
)

var (
	ErrUnknownRole = errors.New("access: unknown role")
	ErrMissingRole = errors.New("access: caller lacks required role")
)

var knownRoles = map[string]struct{}{
	RoleDefaultAdmin:      {},
	RolePoolAdmin:         {},
	RoleAssetListingAdmin: {},
	RoleRiskAdmin:         {},
	RoleEmergencyAdmin:    {},
}

// Registry is the role store gating admin operations.
type Registry struct {
	mu    sync.RWMutex
	roles map[string]map[common.Address]struct{}
}

// NewRegistry seeds the registry with an initial default-admin.
func NewRegistry(admin common.Address) *Registry {
	r := &Registry{roles: make(map[string]map[common.Address]struct{})}
	r.roles[RoleDefaultAdmin] = map[common.Address]struct{}{admin: {}}
	return r
}

// HasRole reports role membership.
func (r *Registry) HasRole(role string, principal common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members, ok := r.roles[role]
	if !ok {
		return false
	}
	_, ok = members[principal]
	return ok
}

// Require fails with ErrMissingRole unless the principal holds the role.
func (r *Registry) Require(role string, principal common.Address) error {
	if !r.HasRole(role, principal) {
		return ErrMissingRole
	}
	return nil
}

// GrantRole adds a principal to a role. Only default-admin holders may grant.
func (r *Registry) GrantRole(caller common.Address, role string, principal common.Address) error {
	if _, ok := knownRoles[role]; !ok {
		return ErrUnknownRole
	}
	if !r.HasRole(RoleDefaultAdmin, caller) {
		return ErrMissingRole
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.roles[role]
	if !ok {
		members = make(map[common.Address]struct{})
		r.roles[role] = members
	}
	members[principal] = struct{}{}
	return nil
}

// RevokeRole removes a principal from a role. Only default-admin may revoke.
func (r *Registry) RevokeRole(caller common.Address, role string, principal common.Address) error {
	if _, ok := knownRoles[role]; !ok {
		return ErrUnknownRole
	}
	if !r.HasRole(RoleDefaultAdmin, caller) {
		return ErrMissingRole
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if members, ok := r.roles[role]; ok {
		delete(members, principal)
	}
	return nil
}

// RenounceRole lets any holder drop one of their own roles.
func (r *Registry) RenounceRole(caller common.Address, role string) error {
	if _, ok := knownRoles[role]; !ok {
		return ErrUnknownRole
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.roles[role]
	if !ok {
		return nil
	}
	delete(members, caller)
	return nil
}

// Members lists the principals holding a role, for the query surface.
func (r *Registry) Members(role string) []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members, ok := r.roles[role]
	if !ok {
		return nil
	}
	out := make([]common.Address, 0, len(members))
	for principal := range members {
		out = append(out, principal)
	}
	return out
}
