package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ovaphlow/pitchfork/service-account/internal/account/entity"
)

// liveFilter excludes soft-deleted rows. Every lookup that must not see
// deleted accounts appends it explicitly.
const liveFilter = `status <> 'deleted'`

const accountColumns = `id, email, employee_id, first_name, last_name, phone_number, department, position,
	credential_hash, must_change_credential, credential_changed_at, credential_reset_at, credential_reset_by,
	role_id, permissions, status, is_verified, verification_token, verification_expires_at,
	last_login_at, last_login_address, failed_login_count, locked_until,
	created_by, updated_by, deleted_at, deleted_by, created_at, updated_at`

// AccountRepo stores accounts in postgres using sqlx.
type AccountRepo struct {
	db *sqlx.DB
}

func NewAccountRepo(db *sqlx.DB) *AccountRepo { return &AccountRepo{db: db} }

// Create inserts a. The unique constraints on email, employee_id and
// verification_token surface as *DuplicateError.
func (r *AccountRepo) Create(ctx context.Context, a *entity.Account) error {
	const q = `INSERT INTO accounts (id, email, employee_id, first_name, last_name, phone_number, department, position,
	credential_hash, must_change_credential, role_id, permissions, status, is_verified,
	verification_token, verification_expires_at, created_by, updated_by, created_at, updated_at)
VALUES (:id, :email, :employee_id, :first_name, :last_name, :phone_number, :department, :position,
	:credential_hash, :must_change_credential, :role_id, :permissions, :status, :is_verified,
	:verification_token, :verification_expires_at, :created_by, :updated_by, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, q, a); err != nil {
		return mapErr(err)
	}
	return nil
}

// GetByID returns a live account.
func (r *AccountRepo) GetByID(ctx context.Context, id string) (*entity.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 AND ` + liveFilter
	var a entity.Account
	if err := r.db.GetContext(ctx, &a, q, id); err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

// GetByEmail matches case-insensitively (citext) and includes deleted rows.
func (r *AccountRepo) GetByEmail(ctx context.Context, email string) (*entity.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE email = $1`
	var a entity.Account
	if err := r.db.GetContext(ctx, &a, q, email); err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

func (r *AccountRepo) UpdateProfile(ctx context.Context, a *entity.Account) error {
	q := `UPDATE accounts SET first_name = :first_name, last_name = :last_name, phone_number = :phone_number,
	department = :department, position = :position, employee_id = :employee_id, role_id = :role_id,
	permissions = :permissions, status = :status, updated_by = :updated_by, updated_at = :updated_at
WHERE id = :id AND ` + liveFilter
	res, err := r.db.NamedExecContext(ctx, q, a)
	if err != nil {
		return mapErr(err)
	}
	return expectRow(res)
}

// SoftDelete marks a live account deleted and drops its verification token.
func (r *AccountRepo) SoftDelete(ctx context.Context, id, actorID string, at time.Time) error {
	q := `UPDATE accounts SET status = 'deleted', deleted_at = $3, deleted_by = $2, updated_at = $3, updated_by = $2,
	verification_token = NULL, verification_expires_at = NULL
WHERE id = $1 AND ` + liveFilter
	res, err := r.db.ExecContext(ctx, q, id, actorID, at)
	if err != nil {
		return mapErr(err)
	}
	return expectRow(res)
}

// SetCredential stores a new hash and clears any lockout. Administrative
// resets (ResetBy set) stamp credential_reset_*, self-service changes stamp
// credential_changed_at.
func (r *AccountRepo) SetCredential(ctx context.Context, id string, c entity.CredentialChange) error {
	var (
		res sql.Result
		err error
	)
	if c.ResetBy != nil {
		q := `UPDATE accounts SET credential_hash = $2, must_change_credential = $3, credential_reset_at = $4,
	credential_reset_by = $5, failed_login_count = 0, locked_until = NULL, updated_at = $4, updated_by = $5
WHERE id = $1 AND ` + liveFilter
		res, err = r.db.ExecContext(ctx, q, id, c.Hash, c.MustChange, c.At, *c.ResetBy)
	} else {
		q := `UPDATE accounts SET credential_hash = $2, must_change_credential = $3, credential_changed_at = $4,
	failed_login_count = 0, locked_until = NULL, updated_at = $4, updated_by = $1
WHERE id = $1 AND ` + liveFilter
		res, err = r.db.ExecContext(ctx, q, id, c.Hash, c.MustChange, c.At)
	}
	if err != nil {
		return mapErr(err)
	}
	return expectRow(res)
}

// RecordLoginFailure applies one failed attempt in a single statement. The
// CASE expressions see the pre-update row, so an expired lock restarts the
// count at 1 and concurrent failures serialise on the row lock. applied is
// false when the account is locked at `at`.
func (r *AccountRepo) RecordLoginFailure(ctx context.Context, id string, at time.Time, threshold int, lockFor time.Duration) (entity.LoginState, bool, error) {
	q := `UPDATE accounts SET
	failed_login_count = CASE WHEN locked_until IS NOT NULL AND locked_until <= $2 THEN 1 ELSE failed_login_count + 1 END,
	locked_until = CASE
		WHEN (CASE WHEN locked_until IS NOT NULL AND locked_until <= $2 THEN 1 ELSE failed_login_count + 1 END) >= $3
		THEN $4::timestamptz ELSE NULL END,
	updated_at = $2
WHERE id = $1 AND ` + liveFilter + ` AND (locked_until IS NULL OR locked_until <= $2)
RETURNING failed_login_count, locked_until`
	var st entity.LoginState
	err := r.db.GetContext(ctx, &st, q, id, at, threshold, at.Add(lockFor))
	if err == nil {
		return st, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return st, false, mapErr(err)
	}
	st, err = r.loginState(ctx, id)
	return st, false, err
}

// RecordLoginSuccess resets the counter and records the login unless the
// account is locked at `at`.
func (r *AccountRepo) RecordLoginSuccess(ctx context.Context, id string, at time.Time, address string) (entity.LoginState, bool, error) {
	q := `UPDATE accounts SET failed_login_count = 0, locked_until = NULL, last_login_at = $2,
	last_login_address = $3, updated_at = $2
WHERE id = $1 AND ` + liveFilter + ` AND (locked_until IS NULL OR locked_until <= $2)
RETURNING failed_login_count, locked_until`
	var st entity.LoginState
	err := r.db.GetContext(ctx, &st, q, id, at, address)
	if err == nil {
		return st, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return st, false, mapErr(err)
	}
	st, err = r.loginState(ctx, id)
	return st, false, err
}

func (r *AccountRepo) loginState(ctx context.Context, id string) (entity.LoginState, error) {
	var st entity.LoginState
	q := `SELECT failed_login_count, locked_until FROM accounts WHERE id = $1 AND ` + liveFilter
	if err := r.db.GetContext(ctx, &st, q, id); err != nil {
		return st, mapErr(err)
	}
	return st, nil
}

// ConsumeVerification marks the owner of an unexpired token verified and
// clears the token in the same statement, so a token verifies at most once.
func (r *AccountRepo) ConsumeVerification(ctx context.Context, token string, at time.Time) (*entity.Account, error) {
	q := `UPDATE accounts SET is_verified = true, verification_token = NULL, verification_expires_at = NULL, updated_at = $2
WHERE verification_token = $1 AND verification_expires_at > $2 AND ` + liveFilter + `
RETURNING ` + accountColumns
	var a entity.Account
	if err := r.db.GetContext(ctx, &a, q, token, at); err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

var sortColumns = map[string]string{
	entity.SortCreatedAt:   "created_at",
	entity.SortEmail:       "email",
	entity.SortLastName:    "last_name",
	entity.SortLastLoginAt: "last_login_at",
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// List returns one page of accounts matching q and the total match count.
// q must already be normalized.
func (r *AccountRepo) List(ctx context.Context, q entity.ListQuery) ([]*entity.Account, int, error) {
	var (
		where []string
		args  []any
	)
	if q.Status == "" {
		where = append(where, liveFilter)
	} else {
		args = append(args, q.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if q.RoleID != "" {
		args = append(args, q.RoleID)
		where = append(where, fmt.Sprintf("role_id = $%d", len(args)))
	}
	if q.Search != "" {
		args = append(args, "%"+likeEscaper.Replace(q.Search)+"%")
		n := len(args)
		where = append(where, fmt.Sprintf("(first_name ILIKE $%d OR last_name ILIKE $%d OR email ILIKE $%d)", n, n, n))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM accounts WHERE `+cond, args...); err != nil {
		return nil, 0, mapErr(err)
	}

	col, ok := sortColumns[q.SortBy]
	if !ok {
		col = "created_at"
	}
	dir := "ASC"
	if q.SortDesc {
		dir = "DESC"
	}
	args = append(args, q.Limit, q.Offset())
	query := fmt.Sprintf(`SELECT %s FROM accounts WHERE %s ORDER BY %s %s NULLS LAST, id LIMIT $%d OFFSET $%d`,
		accountColumns, cond, col, dir, len(args)-1, len(args))

	var rows []*entity.Account
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, mapErr(err)
	}
	return rows, total, nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

var uniqueFields = map[string]string{
	"accounts_email_key":              FieldEmail,
	"accounts_employee_id_key":        FieldEmployeeID,
	"accounts_verification_token_key": FieldVerificationToken,
}

func mapErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		if f, ok := uniqueFields[pqErr.Constraint]; ok {
			return &DuplicateError{Field: f}
		}
		return &DuplicateError{Field: pqErr.Constraint}
	}
	return err
}
