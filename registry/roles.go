package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/abdoulaahmad/transcrypt2/ident"
	"github.com/abdoulaahmad/transcrypt2/storage"
)

func roleKey(role Role, addr ident.Address) string {
	return string(role) + "|" + addr.String()
}

// GrantRole gives role to addr. Admin only; granting a held role is a no-op.
func (r *Registry) GrantRole(ctx context.Context, caller ident.Address, role Role, addr ident.Address) error {
	if _, ok := ParseRole(string(role)); !ok || addr.IsZero() {
		return fmt.Errorf("role %q for %q: %w", role, addr, ErrInvalidArgument)
	}
	_, err := r.apply(ctx, func(tx storage.BatchTx, ev *Event) (bool, error) {
		if err := requireRoleTx(tx, caller, RoleAdmin); err != nil {
			return false, err
		}
		held, err := hasRoleTx(tx, role, addr)
		if err != nil || held {
			return false, err
		}
		if err := putRoleTx(tx, role, addr); err != nil {
			return false, err
		}
		ev.Type, ev.Actor, ev.Accessor, ev.Role = EventRoleGranted, caller, addr, role
		return true, nil
	})
	return err
}

// RevokeRole removes role from addr. Admin only; revoking an absent role is
// a no-op.
func (r *Registry) RevokeRole(ctx context.Context, caller ident.Address, role Role, addr ident.Address) error {
	if _, ok := ParseRole(string(role)); !ok || addr.IsZero() {
		return fmt.Errorf("role %q for %q: %w", role, addr, ErrInvalidArgument)
	}
	_, err := r.apply(ctx, func(tx storage.BatchTx, ev *Event) (bool, error) {
		if err := requireRoleTx(tx, caller, RoleAdmin); err != nil {
			return false, err
		}
		err := tx.Delete(recordRole, roleKey(role, addr))
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		ev.Type, ev.Actor, ev.Accessor, ev.Role = EventRoleRevoked, caller, addr, role
		return true, nil
	})
	return err
}

func (r *Registry) HasRole(ctx context.Context, role Role, addr ident.Address) (bool, error) {
	_, err := r.repo.Get(ctx, r.namespace, recordRole, roleKey(role, addr))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RolesOf lists the roles held by addr in declaration order.
func (r *Registry) RolesOf(ctx context.Context, addr ident.Address) ([]Role, error) {
	var held []Role
	for _, role := range Roles {
		ok, err := r.HasRole(ctx, role, addr)
		if err != nil {
			return nil, err
		}
		if ok {
			held = append(held, role)
		}
	}
	return held, nil
}

// Members lists the addresses holding role.
func (r *Registry) Members(ctx context.Context, role Role) ([]ident.Address, error) {
	ids, err := r.repo.List(ctx, r.namespace, recordRole)
	if err != nil {
		return nil, err
	}
	prefix := string(role) + "|"
	var out []ident.Address
	for _, id := range ids {
		if len(id) > len(prefix) && id[:len(prefix)] == prefix {
			out = append(out, ident.Address(id[len(prefix):]))
		}
	}
	return out, nil
}

func (r *Registry) requireAnyRole(ctx context.Context, caller ident.Address, roles ...Role) error {
	for _, role := range roles {
		ok, err := r.HasRole(ctx, role, caller)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("caller %s needs one of %v: %w", caller, roles, ErrMissingRole)
}

func requireRoleTx(tx storage.BatchTx, caller ident.Address, role Role) error {
	ok, err := hasRoleTx(tx, role, caller)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("caller %s needs %s: %w", caller, role, ErrMissingRole)
	}
	return nil
}

func hasRoleTx(tx storage.BatchTx, role Role, addr ident.Address) (bool, error) {
	_, err := tx.Get(recordRole, roleKey(role, addr))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func putRoleTx(tx storage.BatchTx, role Role, addr ident.Address) error {
	env, err := storage.PlainRecord(struct {
		Role    Role          `json:"role"`
		Address ident.Address `json:"address"`
	}{role, addr}, 1)
	if err != nil {
		return err
	}
	return tx.Put(recordRole, roleKey(role, addr), env)
}
