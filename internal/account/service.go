package account

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-account/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-account/internal/activity"
	"github.com/ovaphlow/pitchfork/service-account/internal/notify"
	"github.com/ovaphlow/pitchfork/service-account/internal/role"
	"github.com/ovaphlow/pitchfork/service-account/pkg/utilities"
)

// Service is the account lifecycle manager. Every operation that takes an
// Actor checks its capabilities itself; callers are not trusted to have
// done so.
type Service struct {
	store    Store
	roles    RoleResolver
	notifier notify.Notifier
	recorder activity.Recorder
	logger   *zap.SugaredLogger

	// configuration knobs
	Hasher          Hasher
	NewSecret       SecretGenerator
	NewID           func() string
	Now             func() time.Time
	LockThreshold   int
	LockDuration    time.Duration
	StoreTimeout    time.Duration
	NotifyTimeout   time.Duration
	VerificationTTL time.Duration
	LoginURL        string

	dummyOnce sync.Once
	dummyHash string
}

func NewService(store Store, roles RoleResolver, notifier notify.Notifier, recorder activity.Recorder, logger *zap.SugaredLogger) *Service {
	return &Service{
		store:           store,
		roles:           roles,
		notifier:        notifier,
		recorder:        recorder,
		logger:          logger,
		Hasher:          BcryptHasher{Cost: 12},
		NewSecret:       GenerateTempSecret,
		NewID:           utilities.NewIDGenerator(utilities.NodeFromEnv()).NewID,
		Now:             time.Now,
		LockThreshold:   5,
		LockDuration:    2 * time.Hour,
		StoreTimeout:    5 * time.Second,
		NotifyTimeout:   5 * time.Second,
		VerificationTTL: 72 * time.Hour,
	}
}

// Create provisions an account with a temporary credential and sends the
// welcome notification. A failed notification only sets
// CreateResult.NotificationFailed.
func (s *Service) Create(ctx context.Context, actor entity.Actor, attrs entity.CreateAttrs) (entity.CreateResult, error) {
	res, _, err := s.create(ctx, actor, attrs)
	return res, err
}

func (s *Service) create(ctx context.Context, actor entity.Actor, attrs entity.CreateAttrs) (entity.CreateResult, string, error) {
	var res entity.CreateResult
	if !actor.Can(entity.CapCreate) {
		return res, "", ErrUnauthorized
	}
	attrs = normalizeAttrs(attrs)
	if err := validateAttrs(attrs); err != nil {
		return res, "", err
	}
	if err := s.checkRole(ctx, attrs.RoleID); err != nil {
		return res, "", err
	}
	if _, err := s.getByEmail(ctx, attrs.Email); err == nil {
		return res, "", ErrDuplicateEmail
	} else if !errors.Is(err, ErrNotFound) {
		return res, "", err
	}

	secret, err := s.NewSecret()
	if err != nil {
		return res, "", fmt.Errorf("generate temporary secret: %w", err)
	}
	hash, err := s.Hasher.Hash(secret)
	if err != nil {
		return res, "", fmt.Errorf("hash temporary secret: %w", err)
	}

	now := s.Now()
	token := uuid.NewString()
	expires := now.Add(s.VerificationTTL)
	a := &entity.Account{
		ID:                    s.NewID(),
		Email:                 attrs.Email,
		EmployeeID:            attrs.EmployeeID,
		FirstName:             attrs.FirstName,
		LastName:              attrs.LastName,
		PhoneNumber:           attrs.PhoneNumber,
		Department:            attrs.Department,
		Position:              attrs.Position,
		CredentialHash:        hash,
		MustChangeCredential:  true,
		RoleID:                attrs.RoleID,
		Permissions:           pq.StringArray(attrs.Permissions),
		Status:                entity.StatusActive,
		VerificationToken:     &token,
		VerificationExpiresAt: &expires,
		CreatedBy:             &actor.ID,
		UpdatedBy:             &actor.ID,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	sctx, cancel := s.storeContext(ctx)
	err = s.store.Create(sctx, a)
	cancel()
	if err != nil {
		return res, "", storeError(err)
	}
	s.record(ctx, actor, activity.ActionAccountCreated, fmt.Sprintf("created account %s (%s)", a.ID, a.Email))
	s.logger.Infow("account created", "account", a.ID, "actor", actor.ID)

	res.Account = a.ToView(now)
	if !attrs.SkipWelcome {
		err := s.send(ctx, notify.Message{
			To:       a.Email,
			Template: notify.TemplateWelcome,
			Data: map[string]string{
				"firstName":         a.FirstName,
				"email":             a.Email,
				"temporaryPassword": secret,
				"verificationToken": token,
				"loginUrl":          s.LoginURL,
			},
		})
		if err != nil {
			s.logger.Warnw("welcome notification failed", "account", a.ID, "err", err)
			res.NotificationFailed = true
		}
	}
	return res, secret, nil
}

// Update applies a partial profile change to a live account.
func (s *Service) Update(ctx context.Context, actor entity.Actor, id string, p entity.Patch) (entity.View, error) {
	if !actor.Can(entity.CapEdit) {
		return entity.View{}, ErrUnauthorized
	}
	p = normalizePatch(p)
	if err := validatePatch(p); err != nil {
		return entity.View{}, err
	}
	a, err := s.getByID(ctx, id)
	if err != nil {
		return entity.View{}, err
	}
	if p.RoleID != nil && *p.RoleID != a.RoleID {
		if err := s.checkRole(ctx, *p.RoleID); err != nil {
			return entity.View{}, err
		}
	}

	now := s.Now()
	changed := applyPatch(a, p)
	a.UpdatedBy = &actor.ID
	a.UpdatedAt = now

	sctx, cancel := s.storeContext(ctx)
	err = s.store.UpdateProfile(sctx, a)
	cancel()
	if err != nil {
		return entity.View{}, storeError(err)
	}
	s.record(ctx, actor, activity.ActionAccountUpdated, fmt.Sprintf("updated account %s: %s", a.ID, strings.Join(changed, ",")))
	return a.ToView(now), nil
}

// applyPatch copies the set fields of p onto a and returns their names.
func applyPatch(a *entity.Account, p entity.Patch) []string {
	var changed []string
	if p.FirstName != nil {
		a.FirstName = *p.FirstName
		changed = append(changed, "firstName")
	}
	if p.LastName != nil {
		a.LastName = *p.LastName
		changed = append(changed, "lastName")
	}
	if p.Department != nil {
		a.Department = nilIfBlank(p.Department)
		changed = append(changed, "department")
	}
	if p.Position != nil {
		a.Position = nilIfBlank(p.Position)
		changed = append(changed, "position")
	}
	if p.PhoneNumber != nil {
		a.PhoneNumber = nilIfBlank(p.PhoneNumber)
		changed = append(changed, "phoneNumber")
	}
	if p.EmployeeID != nil {
		a.EmployeeID = nilIfBlank(p.EmployeeID)
		changed = append(changed, "employeeId")
	}
	if p.RoleID != nil {
		a.RoleID = *p.RoleID
		changed = append(changed, "roleId")
	}
	if p.Permissions != nil {
		a.Permissions = pq.StringArray(*p.Permissions)
		changed = append(changed, "permissions")
	}
	if p.Status != nil {
		a.Status = *p.Status
		changed = append(changed, "status")
	}
	return changed
}

// SoftDelete marks a live account deleted. A second call on the same id
// fails with ErrNotFound.
func (s *Service) SoftDelete(ctx context.Context, actor entity.Actor, id string) error {
	if id == actor.ID {
		return ErrSelfDeletionForbidden
	}
	if !actor.Can(entity.CapDelete) {
		return ErrUnauthorized
	}
	sctx, cancel := s.storeContext(ctx)
	err := s.store.SoftDelete(sctx, id, actor.ID, s.Now())
	cancel()
	if err != nil {
		return storeError(err)
	}
	s.record(ctx, actor, activity.ActionAccountDeleted, "deleted account "+id)
	s.logger.Infow("account deleted", "account", id, "actor", actor.ID)
	return nil
}

// ResetCredential rotates the credential of a live account and delivers
// the new temporary secret. If delivery fails the rotation stays in place
// and ErrNotificationFailed is returned.
func (s *Service) ResetCredential(ctx context.Context, actor entity.Actor, id string) error {
	if !actor.Can(entity.CapResetCredential) {
		return ErrUnauthorized
	}
	a, err := s.getByID(ctx, id)
	if err != nil {
		return err
	}
	secret, err := s.NewSecret()
	if err != nil {
		return fmt.Errorf("generate temporary secret: %w", err)
	}
	hash, err := s.Hasher.Hash(secret)
	if err != nil {
		return fmt.Errorf("hash temporary secret: %w", err)
	}

	sctx, cancel := s.storeContext(ctx)
	err = s.store.SetCredential(sctx, a.ID, entity.CredentialChange{
		Hash:       hash,
		MustChange: true,
		At:         s.Now(),
		ResetBy:    &actor.ID,
	})
	cancel()
	if err != nil {
		return storeError(err)
	}
	s.record(ctx, actor, activity.ActionCredentialReset, "reset credential of account "+a.ID)

	err = s.send(ctx, notify.Message{
		To:       a.Email,
		Template: notify.TemplateCredentialReset,
		Data: map[string]string{
			"firstName":         a.FirstName,
			"temporaryPassword": secret,
			"loginUrl":          s.LoginURL,
		},
	})
	if err != nil {
		s.logger.Errorw("credential rotated but not delivered", "account", a.ID, "actor", actor.ID, "err", err)
		return fmt.Errorf("%w: credential of account %s was rotated: %w", ErrNotificationFailed, a.ID, err)
	}
	return nil
}

// Authenticate checks email and secret and drives the lockout state
// machine. Unknown emails and wrong secrets both yield ErrAccountNotFound.
func (s *Service) Authenticate(ctx context.Context, email, secret, address string) (res entity.AuthResult, err error) {
	defer func() { observeAuth(err) }()

	now := s.Now()
	a, err := s.getByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, ErrNotFound) {
		s.Hasher.Verify(s.dummy(), secret)
		return res, ErrAccountNotFound
	}
	if err != nil {
		return res, err
	}
	if a.Status != entity.StatusActive {
		return res, ErrAccountDisabled
	}
	if a.IsLocked(now) {
		return res, &LockedError{Until: *a.LockedUntil}
	}

	if !s.Hasher.Verify(a.CredentialHash, secret) {
		return res, s.loginFailed(ctx, a, now, address)
	}

	sctx, cancel := s.storeContext(ctx)
	state, applied, err := s.store.RecordLoginSuccess(sctx, a.ID, now, address)
	cancel()
	if err != nil {
		return res, storeError(err)
	}
	if !applied {
		return res, lockedError(state)
	}
	self := entity.Actor{ID: a.ID, Address: address}
	s.record(ctx, self, activity.ActionLoginSucceeded, "login")

	perms, err := s.effectivePermissions(ctx, a)
	if err != nil {
		return res, err
	}
	return entity.AuthResult{
		AccountID:            a.ID,
		Email:                a.Email,
		RoleID:               a.RoleID,
		Permissions:          perms,
		MustChangeCredential: a.MustChangeCredential,
		LastLoginAt:          &now,
	}, nil
}

func (s *Service) loginFailed(ctx context.Context, a *entity.Account, now time.Time, address string) error {
	sctx, cancel := s.storeContext(ctx)
	state, applied, err := s.store.RecordLoginFailure(sctx, a.ID, now, s.LockThreshold, s.LockDuration)
	cancel()
	if err != nil {
		return storeError(err)
	}
	if !applied {
		return lockedError(state)
	}
	if state.LockedUntil != nil && state.LockedUntil.After(now) {
		lockouts.Inc()
		self := entity.Actor{ID: a.ID, Address: address}
		s.record(ctx, self, activity.ActionAccountLocked,
			fmt.Sprintf("locked after %d failed attempts until %s", state.FailedLoginCount, state.LockedUntil.UTC().Format(time.RFC3339)))
		s.logger.Warnw("account locked", "account", a.ID, "until", *state.LockedUntil, "address", address)
	}
	return ErrAccountNotFound
}

func lockedError(state entity.LoginState) error {
	if state.LockedUntil == nil {
		return ErrAccountLocked
	}
	return &LockedError{Until: *state.LockedUntil}
}

// Warm computes the hash compared against unknown emails, so that the
// first such login does not pay for a hash on top of the comparison.
// Call it once Hasher is configured.
func (s *Service) Warm() {
	s.dummy()
}

// dummy returns a hash to compare against when the email is unknown, so
// that both failure paths cost one hash comparison.
func (s *Service) dummy() string {
	s.dummyOnce.Do(func() {
		h, err := s.Hasher.Hash(uuid.NewString())
		if err != nil {
			s.logger.Warnw("dummy hash unavailable", "err", err)
			return
		}
		s.dummyHash = h
	})
	return s.dummyHash
}

// ChangeCredential replaces the actor's own credential and clears the
// must-change flag.
func (s *Service) ChangeCredential(ctx context.Context, actor entity.Actor, current, next string) error {
	if err := validateNewSecret(current, next); err != nil {
		return err
	}
	a, err := s.getByID(ctx, actor.ID)
	if err != nil {
		return err
	}
	if a.Status != entity.StatusActive {
		return ErrAccountDisabled
	}
	if !s.Hasher.Verify(a.CredentialHash, current) {
		return invalid("currentPassword", "is incorrect")
	}
	hash, err := s.Hasher.Hash(next)
	if err != nil {
		return fmt.Errorf("hash credential: %w", err)
	}
	sctx, cancel := s.storeContext(ctx)
	err = s.store.SetCredential(sctx, a.ID, entity.CredentialChange{Hash: hash, At: s.Now()})
	cancel()
	if err != nil {
		return storeError(err)
	}
	s.record(ctx, actor, activity.ActionCredentialChanged, "changed own credential")
	return nil
}

// Verify consumes a single-use verification token.
func (s *Service) Verify(ctx context.Context, token string) (entity.View, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return entity.View{}, ErrNotFound
	}
	now := s.Now()
	sctx, cancel := s.storeContext(ctx)
	a, err := s.store.ConsumeVerification(sctx, token, now)
	cancel()
	if err != nil {
		return entity.View{}, storeError(err)
	}
	s.record(ctx, entity.Actor{ID: a.ID}, activity.ActionAccountVerified, "verified email "+a.Email)
	return a.ToView(now), nil
}

func (s *Service) Get(ctx context.Context, actor entity.Actor, id string) (entity.View, error) {
	if actor.ID != id && !actor.Can(entity.CapView) {
		return entity.View{}, ErrUnauthorized
	}
	a, err := s.getByID(ctx, id)
	if err != nil {
		return entity.View{}, err
	}
	return a.ToView(s.Now()), nil
}

func (s *Service) List(ctx context.Context, actor entity.Actor, q entity.ListQuery) (entity.Page, error) {
	if !actor.Can(entity.CapView) {
		return entity.Page{}, ErrUnauthorized
	}
	q = q.Normalize()
	q.Search = strings.TrimSpace(q.Search)
	if q.Page > math.MaxInt/q.Limit {
		return entity.Page{}, invalid("page", "is out of range")
	}
	if q.Status != "" && !q.Status.Valid() {
		return entity.Page{}, invalid("status", "is not a known status")
	}
	sctx, cancel := s.storeContext(ctx)
	accounts, total, err := s.store.List(sctx, q)
	cancel()
	if err != nil {
		return entity.Page{}, storeError(err)
	}
	now := s.Now()
	views := make([]entity.View, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, a.ToView(now))
	}
	return entity.NewPage(views, total, q), nil
}

// Roles lists the assignable roles. Anyone who can view, create or edit
// accounts may read them.
func (s *Service) Roles(ctx context.Context, actor entity.Actor) ([]role.Role, error) {
	if !actor.Can(entity.CapView) && !actor.Can(entity.CapCreate) && !actor.Can(entity.CapEdit) {
		return nil, ErrUnauthorized
	}
	sctx, cancel := s.storeContext(ctx)
	defer cancel()
	roles, err := s.roles.List(sctx)
	if err != nil {
		return nil, storeError(err)
	}
	return roles, nil
}

// Permissions returns the effective permission set of an account.
func (s *Service) Permissions(ctx context.Context, actor entity.Actor, id string) ([]string, error) {
	if actor.ID != id && !actor.Can(entity.CapView) {
		return nil, ErrUnauthorized
	}
	a, err := s.getByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.effectivePermissions(ctx, a)
}

// ResolveActor builds the Actor for an authenticated account id. Only
// active accounts can act.
func (s *Service) ResolveActor(ctx context.Context, id, address string) (entity.Actor, error) {
	a, err := s.getByID(ctx, id)
	if err != nil {
		return entity.Actor{}, err
	}
	if a.Status != entity.StatusActive {
		return entity.Actor{}, ErrAccountDisabled
	}
	perms, err := s.effectivePermissions(ctx, a)
	if err != nil {
		return entity.Actor{}, err
	}
	return entity.Actor{ID: a.ID, Capabilities: perms, Address: address}, nil
}

// effectivePermissions is the sorted union of role and account grants.
func (s *Service) effectivePermissions(ctx context.Context, a *entity.Account) ([]string, error) {
	sctx, cancel := s.storeContext(ctx)
	rolePerms, err := s.roles.Permissions(sctx, a.RoleID)
	cancel()
	switch {
	case errors.Is(err, role.ErrNotFound):
		s.logger.Warnw("account references missing role", "account", a.ID, "role", a.RoleID)
	case err != nil:
		return nil, storeError(err)
	}
	set := make(map[string]struct{}, len(rolePerms)+len(a.Permissions))
	for _, p := range rolePerms {
		set[p] = struct{}{}
	}
	for _, p := range a.Permissions {
		set[p] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Service) checkRole(ctx context.Context, roleID string) error {
	sctx, cancel := s.storeContext(ctx)
	defer cancel()
	_, err := s.roles.Permissions(sctx, roleID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, role.ErrNotFound):
		return invalid("roleId", "does not exist")
	default:
		return storeError(err)
	}
}

func (s *Service) getByID(ctx context.Context, id string) (*entity.Account, error) {
	sctx, cancel := s.storeContext(ctx)
	defer cancel()
	a, err := s.store.GetByID(sctx, id)
	return a, storeError(err)
}

func (s *Service) getByEmail(ctx context.Context, email string) (*entity.Account, error) {
	sctx, cancel := s.storeContext(ctx)
	defer cancel()
	a, err := s.store.GetByEmail(sctx, email)
	return a, storeError(err)
}

func (s *Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.StoreTimeout)
}

func (s *Service) send(ctx context.Context, m notify.Message) error {
	nctx := ctx
	if s.NotifyTimeout > 0 {
		var cancel context.CancelFunc
		nctx, cancel = context.WithTimeout(ctx, s.NotifyTimeout)
		defer cancel()
	}
	err := s.notifier.Send(nctx, m)
	if err != nil {
		notificationFailures.WithLabelValues(m.Template).Inc()
	}
	return err
}

func (s *Service) record(ctx context.Context, actor entity.Actor, action, details string) {
	s.recorder.Record(ctx, activity.Entry{
		ActorID:       actor.ID,
		Action:        action,
		Details:       details,
		SourceAddress: actor.Address,
		CreatedAt:     s.Now(),
	})
}
