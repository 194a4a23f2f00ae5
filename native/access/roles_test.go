package access

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	admin    = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	operator = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	outsider = common.HexToAddress("0x00000000000000000000000000000000000000c2")
)

func TestGrantRequiresDefaultAdmin(t *testing.T) {
	r := NewRegistry(admin)
	if err := r.GrantRole(outsider, RoleRiskAdmin, operator); !errors.Is(err, ErrMissingRole) {
		t.Fatalf("grant by outsider: got %v, want ErrMissingRole", err)
	}
	if err := r.GrantRole(admin, RoleRiskAdmin, operator); err != nil {
		t.Fatalf("grant by admin: %v", err)
	}
	if !r.HasRole(RoleRiskAdmin, operator) {
		t.Fatalf("role not granted")
	}
	// Holding risk-admin confers no grant rights.
	if err := r.GrantRole(operator, RoleRiskAdmin, outsider); !errors.Is(err, ErrMissingRole) {
		t.Fatalf("grant by non-default-admin holder: got %v", err)
	}
}

func TestRevokeAndRenounce(t *testing.T) {
	r := NewRegistry(admin)
	if err := r.GrantRole(admin, RoleEmergencyAdmin, operator); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := r.RevokeRole(operator, RoleEmergencyAdmin, operator); !errors.Is(err, ErrMissingRole) {
		t.Fatalf("revoke by holder: got %v", err)
	}
	if err := r.RevokeRole(admin, RoleEmergencyAdmin, operator); err != nil {
		t.Fatalf("revoke by admin: %v", err)
	}
	if r.HasRole(RoleEmergencyAdmin, operator) {
		t.Fatalf("role survived revoke")
	}

	if err := r.GrantRole(admin, RolePoolAdmin, operator); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := r.RenounceRole(operator, RolePoolAdmin); err != nil {
		t.Fatalf("renounce: %v", err)
	}
	if r.HasRole(RolePoolAdmin, operator) {
		t.Fatalf("role survived renounce")
	}
}

func TestUnknownRoleRejected(t *testing.T) {
	r := NewRegistry(admin)
	if err := r.GrantRole(admin, "JANITOR", operator); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("got %v, want ErrUnknownRole", err)
	}
}

func TestRequire(t *testing.T) {
	r := NewRegistry(admin)
	if err := r.Require(RoleDefaultAdmin, admin); err != nil {
		t.Fatalf("require admin: %v", err)
	}
	if err := r.Require(RoleDefaultAdmin, outsider); !errors.Is(err, ErrMissingRole) {
		t.Fatalf("require outsider: got %v", err)
	}
}
