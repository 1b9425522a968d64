package entity

import (
	"time"

	"github.com/lib/pq"
)

// Status is the closed set of account states. StatusDeleted is terminal.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusSuspended, StatusDeleted:
		return true
	}
	return false
}

// Capabilities gating the lifecycle operations.
const (
	CapCreate          = "account:create"
	CapEdit            = "account:edit"
	CapDelete          = "account:delete"
	CapResetCredential = "account:reset-credential"
	CapView            = "account:view"
)

// AllCapabilities is granted to the bootstrap administrator.
var AllCapabilities = []string{CapCreate, CapEdit, CapDelete, CapResetCredential, CapView}

// Account is a row of the accounts table. CredentialHash and the
// verification token never leave the service; callers get a View.
type Account struct {
	ID                    string         `db:"id"`
	Email                 string         `db:"email"`
	EmployeeID            *string        `db:"employee_id"`
	FirstName             string         `db:"first_name"`
	LastName              string         `db:"last_name"`
	PhoneNumber           *string        `db:"phone_number"`
	Department            *string        `db:"department"`
	Position              *string        `db:"position"`
	CredentialHash        string         `db:"credential_hash"`
	MustChangeCredential  bool           `db:"must_change_credential"`
	CredentialChangedAt   *time.Time     `db:"credential_changed_at"`
	CredentialResetAt     *time.Time     `db:"credential_reset_at"`
	CredentialResetBy     *string        `db:"credential_reset_by"`
	RoleID                string         `db:"role_id"`
	Permissions           pq.StringArray `db:"permissions"`
	Status                Status         `db:"status"`
	IsVerified            bool           `db:"is_verified"`
	VerificationToken     *string        `db:"verification_token"`
	VerificationExpiresAt *time.Time     `db:"verification_expires_at"`
	LastLoginAt           *time.Time     `db:"last_login_at"`
	LastLoginAddress      *string        `db:"last_login_address"`
	FailedLoginCount      int            `db:"failed_login_count"`
	LockedUntil           *time.Time     `db:"locked_until"`
	CreatedBy             *string        `db:"created_by"`
	UpdatedBy             *string        `db:"updated_by"`
	DeletedAt             *time.Time     `db:"deleted_at"`
	DeletedBy             *string        `db:"deleted_by"`
	CreatedAt             time.Time      `db:"created_at"`
	UpdatedAt             time.Time      `db:"updated_at"`
}

// IsLocked reports whether a lock is in force at now. An expired
// LockedUntil does not count.
func (a *Account) IsLocked(now time.Time) bool {
	return a.LockedUntil != nil && a.LockedUntil.After(now)
}

func (a *Account) FullName() string {
	return a.FirstName + " " + a.LastName
}

// LoginState is the lockout bookkeeping returned by the store after an
// authentication attempt has been applied.
type LoginState struct {
	FailedLoginCount int        `db:"failed_login_count"`
	LockedUntil      *time.Time `db:"locked_until"`
}

// View is the externally visible projection of an Account.
type View struct {
	ID                   string     `json:"id"`
	Email                string     `json:"email"`
	EmployeeID           *string    `json:"employeeId,omitempty"`
	FirstName            string     `json:"firstName"`
	LastName             string     `json:"lastName"`
	FullName             string     `json:"fullName"`
	PhoneNumber          *string    `json:"phoneNumber,omitempty"`
	Department           *string    `json:"department,omitempty"`
	Position             *string    `json:"position,omitempty"`
	RoleID               string     `json:"roleId"`
	Permissions          []string   `json:"permissions"`
	Status               Status     `json:"status"`
	IsVerified           bool       `json:"isVerified"`
	IsLocked             bool       `json:"isLocked"`
	MustChangeCredential bool       `json:"mustChangeCredential"`
	CredentialChangedAt  *time.Time `json:"credentialChangedAt,omitempty"`
	LastLoginAt          *time.Time `json:"lastLoginAt,omitempty"`
	LastLoginAddress     *string    `json:"lastLoginAddress,omitempty"`
	FailedLoginCount     int        `json:"failedLoginCount"`
	LockedUntil          *time.Time `json:"lockedUntil,omitempty"`
	CreatedBy            *string    `json:"createdBy,omitempty"`
	UpdatedBy            *string    `json:"updatedBy,omitempty"`
	DeletedAt            *time.Time `json:"deletedAt,omitempty"`
	DeletedBy            *string    `json:"deletedBy,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// ToView projects a onto its public shape as seen at now.
func (a *Account) ToView(now time.Time) View {
	perms := make([]string, len(a.Permissions))
	copy(perms, a.Permissions)
	return View{
		ID:                   a.ID,
		Email:                a.Email,
		EmployeeID:           a.EmployeeID,
		FirstName:            a.FirstName,
		LastName:             a.LastName,
		FullName:             a.FullName(),
		PhoneNumber:          a.PhoneNumber,
		Department:           a.Department,
		Position:             a.Position,
		RoleID:               a.RoleID,
		Permissions:          perms,
		Status:               a.Status,
		IsVerified:           a.IsVerified,
		IsLocked:             a.IsLocked(now),
		MustChangeCredential: a.MustChangeCredential,
		CredentialChangedAt:  a.CredentialChangedAt,
		LastLoginAt:          a.LastLoginAt,
		LastLoginAddress:     a.LastLoginAddress,
		FailedLoginCount:     a.FailedLoginCount,
		LockedUntil:          a.LockedUntil,
		CreatedBy:            a.CreatedBy,
		UpdatedBy:            a.UpdatedBy,
		DeletedAt:            a.DeletedAt,
		DeletedBy:            a.DeletedBy,
		CreatedAt:            a.CreatedAt,
		UpdatedAt:            a.UpdatedAt,
	}
}

// CredentialChange is a new credential hash plus its bookkeeping. ResetBy
// is set for administrative resets and nil for self-service changes.
type CredentialChange struct {
	Hash       string
	MustChange bool
	At         time.Time
	ResetBy    *string
}
