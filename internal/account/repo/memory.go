package repo

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/ovaphlow/pitchfork/service-account/internal/account/entity"
)

// MemoryStore is an in-process account store. A single mutex makes every
// method atomic, which gives the same per-account linearizability as the
// guarded UPDATE statements of AccountRepo. Values are copied on the way in
// and out.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*entity.Account
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*entity.Account)}
}

func (m *MemoryStore) Create(_ context.Context, a *entity.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[a.ID]; ok {
		return &DuplicateError{Field: "id"}
	}
	for _, other := range m.accounts {
		if err := conflicts(other, a); err != nil {
			return err
		}
	}
	m.accounts[a.ID] = clone(a)
	return nil
}

func conflicts(existing, a *entity.Account) error {
	if strings.EqualFold(existing.Email, a.Email) {
		return &DuplicateError{Field: FieldEmail}
	}
	if existing.ID == a.ID {
		return nil
	}
	if existing.EmployeeID != nil && a.EmployeeID != nil && *existing.EmployeeID == *a.EmployeeID {
		return &DuplicateError{Field: FieldEmployeeID}
	}
	if existing.VerificationToken != nil && a.VerificationToken != nil && *existing.VerificationToken == *a.VerificationToken {
		return &DuplicateError{Field: FieldVerificationToken}
	}
	return nil
}

// live returns the stored account for id unless it is missing or deleted.
// Callers hold m.mu.
func (m *MemoryStore) live(id string) (*entity.Account, error) {
	a, ok := m.accounts[id]
	if !ok || a.Status == entity.StatusDeleted {
		return nil, ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (*entity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.live(id)
	if err != nil {
		return nil, err
	}
	return clone(a), nil
}

func (m *MemoryStore) GetByEmail(_ context.Context, email string) (*entity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if strings.EqualFold(a.Email, email) {
			return clone(a), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpdateProfile(_ context.Context, a *entity.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.live(a.ID)
	if err != nil {
		return err
	}
	if a.EmployeeID != nil {
		for _, other := range m.accounts {
			if other.ID != a.ID && other.EmployeeID != nil && *other.EmployeeID == *a.EmployeeID {
				return &DuplicateError{Field: FieldEmployeeID}
			}
		}
	}
	cur.FirstName = a.FirstName
	cur.LastName = a.LastName
	cur.PhoneNumber = copyStr(a.PhoneNumber)
	cur.Department = copyStr(a.Department)
	cur.Position = copyStr(a.Position)
	cur.EmployeeID = copyStr(a.EmployeeID)
	cur.RoleID = a.RoleID
	cur.Permissions = append(pq.StringArray{}, a.Permissions...)
	cur.Status = a.Status
	cur.UpdatedBy = copyStr(a.UpdatedBy)
	cur.UpdatedAt = a.UpdatedAt
	return nil
}

func (m *MemoryStore) SoftDelete(_ context.Context, id, actorID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.live(id)
	if err != nil {
		return err
	}
	a.Status = entity.StatusDeleted
	a.DeletedAt = &at
	a.DeletedBy = &actorID
	a.UpdatedAt = at
	a.UpdatedBy = &actorID
	a.VerificationToken = nil
	a.VerificationExpiresAt = nil
	return nil
}

func (m *MemoryStore) SetCredential(_ context.Context, id string, c entity.CredentialChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.live(id)
	if err != nil {
		return err
	}
	at := c.At
	a.CredentialHash = c.Hash
	a.MustChangeCredential = c.MustChange
	if c.ResetBy != nil {
		a.CredentialResetAt = &at
		a.CredentialResetBy = copyStr(c.ResetBy)
		a.UpdatedBy = copyStr(c.ResetBy)
	} else {
		a.CredentialChangedAt = &at
		a.UpdatedBy = copyStr(&id)
	}
	a.FailedLoginCount = 0
	a.LockedUntil = nil
	a.UpdatedAt = at
	return nil
}

func (m *MemoryStore) RecordLoginFailure(_ context.Context, id string, at time.Time, threshold int, lockFor time.Duration) (entity.LoginState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.live(id)
	if err != nil {
		return entity.LoginState{}, false, err
	}
	if a.IsLocked(at) {
		return stateOf(a), false, nil
	}
	if a.LockedUntil != nil {
		a.FailedLoginCount = 1
	} else {
		a.FailedLoginCount++
	}
	a.LockedUntil = nil
	if a.FailedLoginCount >= threshold {
		until := at.Add(lockFor)
		a.LockedUntil = &until
	}
	a.UpdatedAt = at
	return stateOf(a), true, nil
}

func (m *MemoryStore) RecordLoginSuccess(_ context.Context, id string, at time.Time, address string) (entity.LoginState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.live(id)
	if err != nil {
		return entity.LoginState{}, false, err
	}
	if a.IsLocked(at) {
		return stateOf(a), false, nil
	}
	a.FailedLoginCount = 0
	a.LockedUntil = nil
	a.LastLoginAt = &at
	a.LastLoginAddress = &address
	a.UpdatedAt = at
	return stateOf(a), true, nil
}

func (m *MemoryStore) ConsumeVerification(_ context.Context, token string, at time.Time) (*entity.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Status == entity.StatusDeleted || a.VerificationToken == nil || *a.VerificationToken != token {
			continue
		}
		if a.VerificationExpiresAt == nil || !a.VerificationExpiresAt.After(at) {
			return nil, ErrNotFound
		}
		a.IsVerified = true
		a.VerificationToken = nil
		a.VerificationExpiresAt = nil
		a.UpdatedAt = at
		return clone(a), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) List(_ context.Context, q entity.ListQuery) ([]*entity.Account, int, error) {
	m.mu.Lock()
	matched := make([]*entity.Account, 0, len(m.accounts))
	search := strings.ToLower(q.Search)
	for _, a := range m.accounts {
		if q.Status == "" && a.Status == entity.StatusDeleted {
			continue
		}
		if q.Status != "" && a.Status != q.Status {
			continue
		}
		if q.RoleID != "" && a.RoleID != q.RoleID {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(a.FirstName), search) &&
			!strings.Contains(strings.ToLower(a.LastName), search) &&
			!strings.Contains(strings.ToLower(a.Email), search) {
			continue
		}
		matched = append(matched, clone(a))
	}
	m.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if q.SortBy == entity.SortLastLoginAt && (a.LastLoginAt == nil) != (b.LastLoginAt == nil) {
			// nulls last in both directions
			return b.LastLoginAt == nil
		}
		c := compare(a, b, q.SortBy)
		if c == 0 {
			return a.ID < b.ID
		}
		if q.SortDesc {
			return c > 0
		}
		return c < 0
	})

	total := len(matched)
	start := q.Offset()
	if start < 0 || start > total {
		start = total
	}
	end := start + q.Limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func compare(a, b *entity.Account, sortBy string) int {
	switch sortBy {
	case entity.SortEmail:
		return strings.Compare(a.Email, b.Email)
	case entity.SortLastName:
		return strings.Compare(a.LastName, b.LastName)
	case entity.SortLastLoginAt:
		return compareTime(a.LastLoginAt, b.LastLoginAt)
	default:
		return a.CreatedAt.Compare(b.CreatedAt)
	}
}

func compareTime(a, b *time.Time) int {
	if a == nil || b == nil {
		return 0
	}
	return a.Compare(*b)
}

func stateOf(a *entity.Account) entity.LoginState {
	return entity.LoginState{FailedLoginCount: a.FailedLoginCount, LockedUntil: copyTime(a.LockedUntil)}
}

func clone(a *entity.Account) *entity.Account {
	c := *a
	c.Permissions = append(pq.StringArray{}, a.Permissions...)
	c.EmployeeID = copyStr(a.EmployeeID)
	c.PhoneNumber = copyStr(a.PhoneNumber)
	c.Department = copyStr(a.Department)
	c.Position = copyStr(a.Position)
	c.CredentialResetBy = copyStr(a.CredentialResetBy)
	c.VerificationToken = copyStr(a.VerificationToken)
	c.LastLoginAddress = copyStr(a.LastLoginAddress)
	c.CreatedBy = copyStr(a.CreatedBy)
	c.UpdatedBy = copyStr(a.UpdatedBy)
	c.DeletedBy = copyStr(a.DeletedBy)
	c.CredentialChangedAt = copyTime(a.CredentialChangedAt)
	c.CredentialResetAt = copyTime(a.CredentialResetAt)
	c.VerificationExpiresAt = copyTime(a.VerificationExpiresAt)
	c.LastLoginAt = copyTime(a.LastLoginAt)
	c.LockedUntil = copyTime(a.LockedUntil)
	c.DeletedAt = copyTime(a.DeletedAt)
	return &c
}

func copyStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
