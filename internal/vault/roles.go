package vault

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

type Role string

const (
	RoleOwner    Role = "owner"
	RoleOperator Role = "operator"
	RoleGateway  Role = "gateway"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleOwner, RoleOperator, RoleGateway:
		return r, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidArgument, s)
	}
}

// Roles is the role registry of one vault. Each role is held by exactly one
// address.
type Roles struct {
	Owner    common.Address
	Operator common.Address
	Gateway  common.Address
}

func (r Roles) Holder(role Role) common.Address {
	switch role {
	case RoleOwner:
		return r.Owner
	case RoleOperator:
		return r.Operator
	case RoleGateway:
		return r.Gateway
	default:
		return common.Address{}
	}
}

func (r Roles) Has(role Role, caller common.Address) bool {
	holder := r.Holder(role)
	return holder != (common.Address{}) && holder == caller
}

func (r Roles) Require(role Role, caller common.Address) error {
	if !r.Has(role, caller) {
		return fmt.Errorf("%w: %s is not %s", ErrUnauthorized, caller.Hex(), role)
	}
	return nil
}

func (r *Roles) set(role Role, holder common.Address) {
	switch role {
	case RoleOwner:
		r.Owner = holder
	case RoleOperator:
		r.Operator = holder
	case RoleGateway:
		r.Gateway = holder
	}
}
