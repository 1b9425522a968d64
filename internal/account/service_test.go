package account

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ovaphlow/pitchfork/service-account/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-account/internal/account/repo"
	"github.com/ovaphlow/pitchfork/service-account/internal/activity"
	"github.com/ovaphlow/pitchfork/service-account/internal/notify"
	"github.com/ovaphlow/pitchfork/service-account/internal/role"
)

type fakeHasher struct {
	mu       sync.Mutex
	hashes   int
	verifies int
}

func (h *fakeHasher) Hash(p string) (string, error) {
	h.mu.Lock()
	h.hashes++
	h.mu.Unlock()
	return "h:" + p, nil
}

func (h *fakeHasher) Verify(hash, p string) bool {
	h.mu.Lock()
	h.verifies++
	h.mu.Unlock()
	return hash == "h:"+p
}

func (h *fakeHasher) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.verifies
}

func (h *fakeHasher) hashCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hashes
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Message
	fail bool
}

func (n *fakeNotifier) Send(_ context.Context, m notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, m)
	if n.fail {
		return &notify.DeliveryError{Template: m.Template, To: m.To, Err: errors.New("smtp down")}
	}
	return nil
}

func (n *fakeNotifier) last() notify.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent[len(n.sent)-1]
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []activity.Entry
}

func (r *fakeRecorder) Record(_ context.Context, e activity.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *fakeRecorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Action)
	}
	return out
}

type fixture struct {
	svc      *Service
	store    *repo.MemoryStore
	hasher   *fakeHasher
	notifier *fakeNotifier
	recorder *fakeRecorder
	now      time.Time
	admin    entity.Actor
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    repo.NewMemoryStore(),
		hasher:   &fakeHasher{},
		notifier: &fakeNotifier{},
		recorder: &fakeRecorder{},
		now:      time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	roles := role.NewCachedResolver(role.NewMemorySource(
		role.Role{ID: "admin", Permissions: pq.StringArray(entity.AllCapabilities)},
		role.Role{ID: "staff", Permissions: pq.StringArray{"inventory:view"}},
	), time.Minute)

	f.svc = NewService(f.store, roles, f.notifier, f.recorder, zaptest.NewLogger(t).Sugar())
	f.svc.Hasher = f.hasher
	f.svc.Now = func() time.Time { return f.now }
	ids := 0
	f.svc.NewID = func() string {
		ids++
		return string(rune('a'+ids-1)) + "-id"
	}
	f.svc.LoginURL = "https://erp.example.com/login"
	f.admin = entity.Actor{ID: "admin-0", Capabilities: entity.AllCapabilities, Address: "10.0.0.1"}
	return f
}

func (f *fixture) create(t *testing.T, email string) (entity.View, string) {
	t.Helper()
	res, err := f.svc.Create(context.Background(), f.admin, entity.CreateAttrs{
		FirstName: "Ada",
		LastName:  "Lovelace",
		Email:     email,
		RoleID:    "staff",
	})
	require.NoError(t, err)
	return res.Account, f.notifier.last().Data["temporaryPassword"]
}

func TestCreateThenAuthenticateWithDeliveredSecret(t *testing.T) {
	f := newFixture(t)
	view, secret := f.create(t, "  A@X.com ")
	require.NotEmpty(t, secret)

	assert.Equal(t, "a@x.com", view.Email)
	assert.Equal(t, entity.StatusActive, view.Status)
	assert.False(t, view.IsVerified)
	assert.True(t, view.MustChangeCredential)
	require.NotNil(t, view.CreatedBy)
	assert.Equal(t, "admin-0", *view.CreatedBy)

	msg := f.notifier.last()
	assert.Equal(t, notify.TemplateWelcome, msg.Template)
	assert.Equal(t, "a@x.com", msg.To)
	assert.NotEmpty(t, msg.Data["verificationToken"])

	stored, err := f.store.GetByID(context.Background(), view.ID)
	require.NoError(t, err)
	assert.NotEqual(t, secret, stored.CredentialHash)

	res, err := f.svc.Authenticate(context.Background(), "a@x.com", secret, "192.0.2.1")
	require.NoError(t, err)
	assert.True(t, res.MustChangeCredential)
	assert.Equal(t, view.ID, res.AccountID)
	assert.Equal(t, []string{"inventory:view"}, res.Permissions)
	assert.Contains(t, f.recorder.actions(), activity.ActionAccountCreated)
	assert.Contains(t, f.recorder.actions(), activity.ActionLoginSucceeded)
}

func TestCreateRequiresCapability(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), entity.Actor{ID: "x"}, entity.CreateAttrs{FirstName: "A", LastName: "B", Email: "a@x.com", RoleID: "staff"})
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, f.notifier.sent)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	phone := "not-a-phone"
	_, err := f.svc.Create(context.Background(), f.admin, entity.CreateAttrs{
		FirstName:   "",
		LastName:    "B",
		Email:       "nope",
		RoleID:      "staff",
		PhoneNumber: &phone,
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "firstName")
	assert.Contains(t, verr.Fields, "email")
	assert.Contains(t, verr.Fields, "phoneNumber")
	assert.Equal(t, CodeValidationFailed, CodeOf(err))

	_, err = f.svc.Create(context.Background(), f.admin, entity.CreateAttrs{FirstName: "A", LastName: "B", Email: "a@x.com", RoleID: "ghost"})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "roleId")
}

func TestCreateDuplicateEmailIgnoresCase(t *testing.T) {
	f := newFixture(t)
	f.create(t, "a@x.com")

	_, err := f.svc.Create(context.Background(), f.admin, entity.CreateAttrs{FirstName: "A", LastName: "B", Email: "A@X.COM", RoleID: "staff"})
	assert.ErrorIs(t, err, ErrDuplicateEmail)
	assert.Equal(t, CodeDuplicateEmail, CodeOf(err))
}

func TestCreateDuplicateEmailOfDeletedAccount(t *testing.T) {
	f := newFixture(t)
	view, _ := f.create(t, "a@x.com")
	require.NoError(t, f.svc.SoftDelete(context.Background(), f.admin, view.ID))

	_, err := f.svc.Create(context.Background(), f.admin, entity.CreateAttrs{FirstName: "A", LastName: "B", Email: "a@x.com", RoleID: "staff"})
	assert.ErrorIs(t, err, ErrDuplicateEmail)
}

func TestCreateNotificationFailureIsAdvisory(t *testing.T) {
	f := newFixture(t)
	f.notifier.fail = true

	res, err := f.svc.Create(context.Background(), f.admin, entity.CreateAttrs{FirstName: "A", LastName: "B", Email: "a@x.com", RoleID: "staff"})
	require.NoError(t, err)
	assert.True(t, res.NotificationFailed)

	_, err = f.store.GetByID(context.Background(), res.Account.ID)
	assert.NoError(t, err)
}

func TestLockoutScenario(t *testing.T) {
	f := newFixture(t)
	view, secret := f.create(t, "a@x.com")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.svc.Authenticate(ctx, "a@x.com", "wrong", "192.0.2.1")
		assert.ErrorIs(t, err, ErrAccountNotFound, "attempt %d", i+1)
	}
	verifies := f.hasher.count()

	_, err := f.svc.Authenticate(ctx, "a@x.com", secret, "192.0.2.1")
	var locked *LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, f.now.Add(2*time.Hour), locked.Until)
	assert.Equal(t, CodeAccountLocked, CodeOf(err))
	assert.Equal(t, verifies, f.hasher.count(), "locked account must not be hash-compared")

	stored, err := f.store.GetByID(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.FailedLoginCount)
	assert.Contains(t, f.recorder.actions(), activity.ActionAccountLocked)

	f.advance(2*time.Hour + time.Minute)
	res, err := f.svc.Authenticate(ctx, "a@x.com", secret, "192.0.2.1")
	require.NoError(t, err)
	assert.Equal(t, view.ID, res.AccountID)

	stored, err = f.store.GetByID(ctx, view.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.FailedLoginCount)
	assert.Nil(t, stored.LockedUntil)
}

func TestExpiredLockFailureRestartsCount(t *testing.T) {
	f := newFixture(t)
	view, _ := f.create(t, "a@x.com")
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = f.svc.Authenticate(ctx, "a@x.com", "wrong", "")
	}

	f.advance(3 * time.Hour)
	verifies := f.hasher.count()
	_, err := f.svc.Authenticate(ctx, "a@x.com", "wrong", "")
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.Equal(t, verifies+1, f.hasher.count(), "expired lock is evaluated normally")

	stored, err := f.store.GetByID(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.FailedLoginCount)
	assert.Nil(t, stored.LockedUntil)
}

func TestConcurrentFailuresCannotUndercount(t *testing.T) {
	f := newFixture(t)
	view, _ := f.create(t, "a@x.com")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.Authenticate(context.Background(), "a@x.com", "wrong", "")
		}()
	}
	wg.Wait()

	stored, err := f.store.GetByID(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.FailedLoginCount)
	assert.True(t, stored.IsLocked(f.now))
}

func TestAuthenticateUnknownEmailLooksLikeWrongSecret(t *testing.T) {
	f := newFixture(t)
	f.create(t, "a@x.com")

	before := f.hasher.count()
	_, unknownErr := f.svc.Authenticate(context.Background(), "ghost@x.com", "whatever", "")
	assert.Equal(t, before+1, f.hasher.count(), "dummy hash compared")

	_, wrongErr := f.svc.Authenticate(context.Background(), "a@x.com", "whatever", "")
	assert.ErrorIs(t, unknownErr, ErrAccountNotFound)
	assert.Equal(t, unknownErr.Error(), wrongErr.Error())
	assert.Equal(t, CodeOf(unknownErr), CodeOf(wrongErr))
}

func TestWarmPrecomputesUnknownEmailHash(t *testing.T) {
	f := newFixture(t)
	f.svc.Warm()
	hashes, verifies := f.hasher.hashCount(), f.hasher.count()

	_, err := f.svc.Authenticate(context.Background(), "ghost@x.com", "whatever", "")
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.Equal(t, hashes, f.hasher.hashCount(), "no hash on the login path")
	assert.Equal(t, verifies+1, f.hasher.count())
}

func TestAuthenticateDisabledStatuses(t *testing.T) {
	for _, st := range []entity.Status{entity.StatusInactive, entity.StatusSuspended} {
		t.Run(string(st), func(t *testing.T) {
			f := newFixture(t)
			view, secret := f.create(t, "a@x.com")
			status := st
			_, err := f.svc.Update(context.Background(), f.admin, view.ID, entity.Patch{Status: &status})
			require.NoError(t, err)

			_, err = f.svc.Authenticate(context.Background(), "a@x.com", secret, "")
			assert.ErrorIs(t, err, ErrAccountDisabled)
		})
	}

	t.Run("deleted", func(t *testing.T) {
		f := newFixture(t)
		view, secret := f.create(t, "a@x.com")
		require.NoError(t, f.svc.SoftDelete(context.Background(), f.admin, view.ID))

		_, err := f.svc.Authenticate(context.Background(), "a@x.com", secret, "")
		assert.ErrorIs(t, err, ErrAccountDisabled)
	})
}

func TestSoftDelete(t *testing.T) {
	f := newFixture(t)
	view, _ := f.create(t, "a@x.com")
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.SoftDelete(ctx, entity.Actor{ID: "x"}, view.ID), ErrUnauthorized)

	require.NoError(t, f.svc.SoftDelete(ctx, f.admin, view.ID))
	assert.ErrorIs(t, f.svc.SoftDelete(ctx, f.admin, view.ID), ErrNotFound)

	_, err := f.svc.Get(ctx, f.admin, view.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	deleted, err := f.store.GetByEmail(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, entity.StatusDeleted, deleted.Status)
	require.NotNil(t, deleted.DeletedBy)
	assert.Equal(t, f.admin.ID, *deleted.DeletedBy)

	n := 0
	for _, a := range f.recorder.actions() {
		if a == activity.ActionAccountDeleted {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestSoftDeleteSelfForbidden(t *testing.T) {
	f := newFixture(t)
	err := f.svc.SoftDelete(context.Background(), f.admin, f.admin.ID)
	assert.ErrorIs(t, err, ErrSelfDeletionForbidden)
	assert.Equal(t, CodeSelfDeletionForbidden, CodeOf(err))
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	view, _ := f.create(t, "a@x.com")
	ctx := context.Background()

	dept, name, roleID := "Finance", " Grace ", "admin"
	f.advance(time.Minute)
	updated, err := f.svc.Update(ctx, f.admin, view.ID, entity.Patch{Department: &dept, FirstName: &name, RoleID: &roleID})
	require.NoError(t, err)
	assert.Equal(t, "Grace", updated.FirstName)
	require.NotNil(t, updated.Department)
	assert.Equal(t, "Finance", *updated.Department)
	assert.Equal(t, "admin", updated.RoleID)
	assert.Equal(t, f.now, updated.UpdatedAt)

	empty := ""
	cleared, err := f.svc.Update(ctx, f.admin, view.ID, entity.Patch{Department: &empty})
	require.NoError(t, err)
	assert.Nil(t, cleared.Department)
}

func TestUpdateRejectsProtectedFields(t *testing.T) {
	f := newFixture(t)
	view, secret := f.create(t, "a@x.com")
	ctx := context.Background()

	email, pw := "b@x.com", "hunter22"
	_, err := f.svc.Update(ctx, f.admin, view.ID, entity.Patch{Email: &email, Credential: &pw})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "email")
	assert.Contains(t, verr.Fields, "password")

	stored, err := f.store.GetByID(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", stored.Email)
	assert.Equal(t, "h:"+secret, stored.CredentialHash)
}

func TestUpdateErrors(t *testing.T) {
	f := newFixture(t)
	view, _ := f.create(t, "a@x.com")
	ctx := context.Background()
	name := "X"

	_, err := f.svc.Update(ctx, entity.Actor{ID: "x"}, view.ID, entity.Patch{FirstName: &name})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.Update(ctx, f.admin, "missing", entity.Patch{FirstName: &name})
	assert.ErrorIs(t, err, ErrNotFound)

	blank := "  "
	_, err = f.svc.Update(ctx, f.admin, view.ID, entity.Patch{FirstName: &blank})
	assert.ErrorIs(t, err, ErrValidationFailed)

	deleted := entity.StatusDeleted
	_, err = f.svc.Update(ctx, f.admin, view.ID, entity.Patch{Status: &deleted})
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestResetCredentialNotificationFailureKeepsRotation(t *testing.T) {
	f := newFixture(t)
	view, oldSecret := f.create(t, "a@x.com")
	ctx := context.Background()

	f.notifier.fail = true
	err := f.svc.ResetCredential(ctx, f.admin, view.ID)
	assert.ErrorIs(t, err, ErrNotificationFailed)
	assert.Equal(t, CodeNotificationFailed, CodeOf(err))

	msg := f.notifier.last()
	assert.Equal(t, notify.TemplateCredentialReset, msg.Template)
	rotated := msg.Data["temporaryPassword"]
	require.NotEqual(t, oldSecret, rotated)

	res, err := f.svc.Authenticate(ctx, "a@x.com", rotated, "")
	require.NoError(t, err)
	assert.True(t, res.MustChangeCredential)

	_, err = f.svc.Authenticate(ctx, "a@x.com", oldSecret, "")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	stored, err := f.store.GetByID(ctx, view.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.CredentialResetBy)
	assert.Equal(t, f.admin.ID, *stored.CredentialResetBy)
}

func TestResetCredentialErrors(t *testing.T) {
	f := newFixture(t)
	view, _ := f.create(t, "a@x.com")
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.ResetCredential(ctx, entity.Actor{ID: "x"}, view.ID), ErrUnauthorized)
	assert.ErrorIs(t, f.svc.ResetCredential(ctx, f.admin, "missing"), ErrNotFound)
	require.NoError(t, f.svc.ResetCredential(ctx, f.admin, view.ID))
}

func TestResetCredentialUnlocks(t *testing.T) {
	f := newFixture(t)
	view, _ := f.create(t, "a@x.com")
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = f.svc.Authenticate(ctx, "a@x.com", "wrong", "")
	}
	require.NoError(t, f.svc.ResetCredential(ctx, f.admin, view.ID))

	_, err := f.svc.Authenticate(ctx, "a@x.com", f.notifier.last().Data["temporaryPassword"], "")
	assert.NoError(t, err)
}

func TestChangeCredential(t *testing.T) {
	f := newFixture(t)
	view, secret := f.create(t, "a@x.com")
	ctx := context.Background()
	self := entity.Actor{ID: view.ID}

	err := f.svc.ChangeCredential(ctx, self, "wrong-current", "a-new-secret")
	assert.ErrorIs(t, err, ErrValidationFailed)

	err = f.svc.ChangeCredential(ctx, self, secret, "short")
	assert.ErrorIs(t, err, ErrValidationFailed)

	require.NoError(t, f.svc.ChangeCredential(ctx, self, secret, "a-new-secret"))
	res, err := f.svc.Authenticate(ctx, "a@x.com", "a-new-secret", "")
	require.NoError(t, err)
	assert.False(t, res.MustChangeCredential)
	assert.Contains(t, f.recorder.actions(), activity.ActionCredentialChanged)
}

func TestVerify(t *testing.T) {
	f := newFixture(t)
	view, _ := f.create(t, "a@x.com")
	token := f.notifier.last().Data["verificationToken"]
	ctx := context.Background()

	verified, err := f.svc.Verify(ctx, token)
	require.NoError(t, err)
	assert.True(t, verified.IsVerified)
	assert.Equal(t, view.ID, verified.ID)

	_, err = f.svc.Verify(ctx, token)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.Verify(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVerifyExpired(t *testing.T) {
	f := newFixture(t)
	f.create(t, "a@x.com")
	token := f.notifier.last().Data["verificationToken"]

	f.advance(73 * time.Hour)
	_, err := f.svc.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetAndPermissions(t *testing.T) {
	f := newFixture(t)
	view, _ := f.create(t, "a@x.com")
	ctx := context.Background()
	self := entity.Actor{ID: view.ID}
	other := entity.Actor{ID: "someone"}

	got, err := f.svc.Get(ctx, self, view.ID)
	require.NoError(t, err)
	assert.Equal(t, view.Email, got.Email)

	_, err = f.svc.Get(ctx, other, view.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	perms := []string{"reports:view", "inventory:view"}
	_, err = f.svc.Update(ctx, f.admin, view.ID, entity.Patch{Permissions: &perms})
	require.NoError(t, err)

	effective, err := f.svc.Permissions(ctx, f.admin, view.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"inventory:view", "reports:view"}, effective)
}

func TestRoles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	roles, err := f.svc.Roles(ctx, f.admin)
	require.NoError(t, err)
	require.Len(t, roles, 2)
	assert.Equal(t, "admin", roles[0].ID)
	assert.Equal(t, "staff", roles[1].ID)

	editor := entity.Actor{ID: "e", Capabilities: []string{entity.CapEdit}}
	_, err = f.svc.Roles(ctx, editor)
	assert.NoError(t, err)

	_, err = f.svc.Roles(ctx, entity.Actor{ID: "x", Capabilities: []string{"inventory:view"}})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, e := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		f.create(t, e)
		f.advance(time.Minute)
	}

	page, err := f.svc.List(ctx, f.admin, entity.ListQuery{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	assert.True(t, page.HasNext)
	assert.False(t, page.HasPrev)
	require.Len(t, page.Accounts, 2)
	assert.Equal(t, "c@x.com", page.Accounts[0].Email, "default sort is newest first")

	_, err = f.svc.List(ctx, entity.Actor{ID: "x"}, entity.ListQuery{})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.List(ctx, f.admin, entity.ListQuery{Status: "bogus"})
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestListRejectsPageBeyondAddressableOffset(t *testing.T) {
	f := newFixture(t)
	f.create(t, "a@x.com")

	_, err := f.svc.List(context.Background(), f.admin, entity.ListQuery{Page: math.MaxInt / 5, Limit: 10})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "page")

	page, err := f.svc.List(context.Background(), f.admin, entity.ListQuery{Page: 1000, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, page.Accounts)
	assert.Equal(t, 1, page.Total)
}

func TestResolveActor(t *testing.T) {
	f := newFixture(t)
	view, _ := f.create(t, "a@x.com")
	ctx := context.Background()

	actor, err := f.svc.ResolveActor(ctx, view.ID, "192.0.2.1")
	require.NoError(t, err)
	assert.Equal(t, view.ID, actor.ID)
	assert.True(t, actor.Can("inventory:view"))
	assert.False(t, actor.Can(entity.CapCreate))

	suspended := entity.StatusSuspended
	_, err = f.svc.Update(ctx, f.admin, view.ID, entity.Patch{Status: &suspended})
	require.NoError(t, err)
	_, err = f.svc.ResolveActor(ctx, view.ID, "")
	assert.ErrorIs(t, err, ErrAccountDisabled)
}

func TestBootstrapReturnsSecretWithoutNotifying(t *testing.T) {
	f := newFixture(t)
	view, secret, err := f.svc.Bootstrap(context.Background(), entity.CreateAttrs{FirstName: "Root", LastName: "Admin", Email: "root@x.com", RoleID: "admin"})
	require.NoError(t, err)
	assert.Empty(t, f.notifier.sent)
	require.NotNil(t, view.CreatedBy)
	assert.Equal(t, SystemActorID, *view.CreatedBy)

	res, err := f.svc.Authenticate(context.Background(), "root@x.com", secret, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, entity.AllCapabilities, res.Permissions)
}

// blockingStore never answers until its context is done.
type blockingStore struct {
	*repo.MemoryStore
}

func (blockingStore) GetByEmail(ctx context.Context, _ string) (*entity.Account, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStoreCallsAreBounded(t *testing.T) {
	f := newFixture(t)
	f.svc.store = blockingStore{MemoryStore: f.store}
	f.svc.StoreTimeout = 20 * time.Millisecond

	_, err := f.svc.Authenticate(context.Background(), "a@x.com", "x", "")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, CodeStoreUnavailable, CodeOf(err))
}

func TestStoreErrorMapping(t *testing.T) {
	cases := []struct {
		in   error
		want Code
	}{
		{repo.ErrNotFound, CodeNotFound},
		{&repo.DuplicateError{Field: repo.FieldEmail}, CodeDuplicateEmail},
		{&repo.DuplicateError{Field: repo.FieldEmployeeID}, CodeConflict},
		{&repo.DuplicateError{Field: "other"}, CodeConflict},
		{context.DeadlineExceeded, CodeStoreUnavailable},
		{errors.New("boom"), CodeStoreUnavailable},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CodeOf(storeError(c.in)), "%v", c.in)
	}
	assert.NoError(t, storeError(nil))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("unmapped")))
}
