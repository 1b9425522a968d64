package entity

import "time"

// Actor is the resolved caller of a lifecycle operation.
type Actor struct {
	ID           string
	Capabilities []string
	Address      string
}

// Can reports whether the actor holds capability c.
func (a Actor) Can(c string) bool {
	for _, have := range a.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// CreateAttrs are the administrator-supplied fields for a new account.
type CreateAttrs struct {
	FirstName   string   `json:"firstName" validate:"required,max=50"`
	LastName    string   `json:"lastName" validate:"required,max=50"`
	Email       string   `json:"email" validate:"required,email,max=254"`
	RoleID      string   `json:"roleId" validate:"required"`
	Department  *string  `json:"department,omitempty" validate:"omitempty,max=100"`
	Position    *string  `json:"position,omitempty" validate:"omitempty,max=100"`
	PhoneNumber *string  `json:"phoneNumber,omitempty" validate:"omitempty,phone"`
	EmployeeID  *string  `json:"employeeId,omitempty" validate:"omitempty,min=1,max=64"`
	Permissions []string `json:"permissions,omitempty" validate:"omitempty,dive,required,max=64"`
	SkipWelcome bool     `json:"skipWelcome,omitempty"`
}

// Patch is a partial update. Nil fields are left untouched and an empty
// string clears an optional field. Email,
// Credential and the audit fields exist only so that attempts to change
// them through Update can be rejected instead of silently dropped.
type Patch struct {
	FirstName   *string   `json:"firstName,omitempty"`
	LastName    *string   `json:"lastName,omitempty"`
	Department  *string   `json:"department,omitempty"`
	Position    *string   `json:"position,omitempty"`
	PhoneNumber *string   `json:"phoneNumber,omitempty"`
	EmployeeID  *string   `json:"employeeId,omitempty"`
	RoleID      *string   `json:"roleId,omitempty"`
	Permissions *[]string `json:"permissions,omitempty"`
	Status      *Status   `json:"status,omitempty"`

	Email      *string    `json:"email,omitempty"`
	Credential *string    `json:"password,omitempty"`
	CreatedBy  *string    `json:"createdBy,omitempty"`
	CreatedAt  *time.Time `json:"createdAt,omitempty"`
	UpdatedBy  *string    `json:"updatedBy,omitempty"`
	DeletedAt  *time.Time `json:"deletedAt,omitempty"`
	DeletedBy  *string    `json:"deletedBy,omitempty"`
}

// ProtectedFields lists the fields of p that Update refuses to change.
func (p Patch) ProtectedFields() []string {
	var out []string
	if p.Email != nil {
		out = append(out, "email")
	}
	if p.Credential != nil {
		out = append(out, "password")
	}
	if p.CreatedBy != nil {
		out = append(out, "createdBy")
	}
	if p.CreatedAt != nil {
		out = append(out, "createdAt")
	}
	if p.UpdatedBy != nil {
		out = append(out, "updatedBy")
	}
	if p.DeletedAt != nil {
		out = append(out, "deletedAt")
	}
	if p.DeletedBy != nil {
		out = append(out, "deletedBy")
	}
	return out
}

// AuthResult is returned by a successful authentication.
type AuthResult struct {
	AccountID            string     `json:"accountId"`
	Email                string     `json:"email"`
	RoleID               string     `json:"roleId"`
	Permissions          []string   `json:"permissions"`
	MustChangeCredential bool       `json:"mustChangeCredential"`
	LastLoginAt          *time.Time `json:"lastLoginAt,omitempty"`
}

// CreateResult carries the new account and an advisory flag set when the
// welcome notification could not be delivered.
type CreateResult struct {
	Account            View `json:"account"`
	NotificationFailed bool `json:"notificationFailed"`
}

// Sort keys accepted by ListQuery.
const (
	SortCreatedAt   = "createdAt"
	SortEmail       = "email"
	SortLastName    = "lastName"
	SortLastLoginAt = "lastLoginAt"
)

// ListQuery filters and paginates account listings. Deleted accounts are
// excluded unless Status is StatusDeleted.
type ListQuery struct {
	Page     int
	Limit    int
	Search   string
	RoleID   string
	Status   Status
	SortBy   string
	SortDesc bool
}

// Normalize fills defaults and clamps out-of-range values.
func (q ListQuery) Normalize() ListQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = 10
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	switch q.SortBy {
	case SortCreatedAt, SortEmail, SortLastName, SortLastLoginAt:
	default:
		q.SortBy = SortCreatedAt
		q.SortDesc = true
	}
	return q
}

func (q ListQuery) Offset() int { return (q.Page - 1) * q.Limit }

// Page is one page of a listing.
type Page struct {
	Accounts    []View `json:"accounts"`
	CurrentPage int    `json:"currentPage"`
	TotalPages  int    `json:"totalPages"`
	Total       int    `json:"total"`
	HasNext     bool   `json:"hasNextPage"`
	HasPrev     bool   `json:"hasPrevPage"`
}

// NewPage computes pagination fields for total matches of q.
func NewPage(views []View, total int, q ListQuery) Page {
	pages := 0
	if q.Limit > 0 {
		pages = (total + q.Limit - 1) / q.Limit
	}
	if views == nil {
		views = []View{}
	}
	return Page{
		Accounts:    views,
		CurrentPage: q.Page,
		TotalPages:  pages,
		Total:       total,
		HasNext:     q.Page < pages,
		HasPrev:     q.Page > 1,
	}
}
