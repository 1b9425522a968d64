package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ovaphlow/pitchfork/service-account/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-account/internal/account/repo"
	"github.com/ovaphlow/pitchfork/service-account/internal/role"
)

// Store is the backing store contract. Lookups by id and profile writes
// only see live (non-deleted) accounts; GetByEmail sees every status so that
// email uniqueness holds across deletions. RecordLoginFailure and
// RecordLoginSuccess must each be a single atomic read-modify-write; they
// report applied=false, with the current state, when the account is locked
// at the given time.
type Store interface {
	Create(ctx context.Context, a *entity.Account) error
	GetByID(ctx context.Context, id string) (*entity.Account, error)
	GetByEmail(ctx context.Context, email string) (*entity.Account, error)
	UpdateProfile(ctx context.Context, a *entity.Account) error
	SoftDelete(ctx context.Context, id, actorID string, at time.Time) error
	SetCredential(ctx context.Context, id string, c entity.CredentialChange) error
	RecordLoginFailure(ctx context.Context, id string, at time.Time, threshold int, lockFor time.Duration) (entity.LoginState, bool, error)
	RecordLoginSuccess(ctx context.Context, id string, at time.Time, address string) (entity.LoginState, bool, error)
	ConsumeVerification(ctx context.Context, token string, at time.Time) (*entity.Account, error)
	List(ctx context.Context, q entity.ListQuery) ([]*entity.Account, int, error)
}

// RoleResolver returns the permissions granted by a role and lists the
// roles an account can be assigned.
type RoleResolver interface {
	Permissions(ctx context.Context, roleID string) ([]string, error)
	List(ctx context.Context) ([]role.Role, error)
}

// storeError maps store failures onto the service error kinds.
func storeError(err error) error {
	var dup *repo.DuplicateError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repo.ErrNotFound):
		return ErrNotFound
	case errors.As(err, &dup) && dup.Field == repo.FieldEmail:
		return ErrDuplicateEmail
	case errors.As(err, &dup) && dup.Field == repo.FieldEmployeeID:
		return fmt.Errorf("%w: employeeId already in use", ErrConflict)
	case errors.Is(err, repo.ErrDuplicate):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: timed out: %w", ErrStoreUnavailable, err)
	default:
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
}
