// Package role resolves the permissions granted by an account's role.
package role

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/patrickmn/go-cache"
)

var ErrNotFound = errors.New("role not found")

type Role struct {
	ID          string         `db:"id" json:"id"`
	Name        string         `db:"name" json:"name"`
	Permissions pq.StringArray `db:"permissions" json:"permissions"`
	CreatedAt   time.Time      `db:"created_at" json:"createdAt"`
}

// Source stores roles. Get returns ErrNotFound when the role does not exist.
type Source interface {
	Get(ctx context.Context, id string) (*Role, error)
	List(ctx context.Context) ([]Role, error)
	Upsert(ctx context.Context, role *Role) error
}

// Repo reads and writes the roles table.
type Repo struct {
	db *sqlx.DB
}

func NewRepo(db *sqlx.DB) *Repo { return &Repo{db: db} }

func (r *Repo) Get(ctx context.Context, id string) (*Role, error) {
	var out Role
	err := r.db.GetContext(ctx, &out, `SELECT id, name, permissions, created_at FROM roles WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get role: %w", err)
	}
	return &out, nil
}

// List returns every role ordered by id.
func (r *Repo) List(ctx context.Context) ([]Role, error) {
	out := []Role{}
	if err := r.db.SelectContext(ctx, &out, `SELECT id, name, permissions, created_at FROM roles ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	return out, nil
}

// Upsert creates the role or replaces its name and permissions.
func (r *Repo) Upsert(ctx context.Context, role *Role) error {
	const q = `INSERT INTO roles (id, name, permissions) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, permissions = EXCLUDED.permissions`
	if _, err := r.db.ExecContext(ctx, q, role.ID, role.Name, role.Permissions); err != nil {
		return fmt.Errorf("upsert role: %w", err)
	}
	return nil
}

// MemorySource keeps roles in process, for running without a database.
type MemorySource struct {
	mu    sync.RWMutex
	roles map[string]Role
}

func NewMemorySource(roles ...Role) *MemorySource {
	m := &MemorySource{roles: make(map[string]Role, len(roles))}
	for _, r := range roles {
		m.roles[r.ID] = r
	}
	return m
}

func (m *MemorySource) Get(_ context.Context, id string) (*Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	r.Permissions = append(pq.StringArray(nil), r.Permissions...)
	return &r, nil
}

func (m *MemorySource) List(_ context.Context) ([]Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Role, 0, len(m.roles))
	for _, r := range m.roles {
		r.Permissions = append(pq.StringArray(nil), r.Permissions...)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemorySource) Upsert(_ context.Context, role *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := *role
	r.Permissions = append(pq.StringArray(nil), role.Permissions...)
	if existing, ok := m.roles[r.ID]; ok {
		r.CreatedAt = existing.CreatedAt
	} else if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	m.roles[r.ID] = r
	return nil
}

// CachedResolver serves role permissions from a TTL cache in front of a
// Source. Misses are not cached.
type CachedResolver struct {
	src   Source
	cache *cache.Cache
}

func NewCachedResolver(src Source, ttl time.Duration) *CachedResolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedResolver{src: src, cache: cache.New(ttl, 2*ttl)}
}

func (c *CachedResolver) Permissions(ctx context.Context, roleID string) ([]string, error) {
	if v, ok := c.cache.Get(roleID); ok {
		return append([]string(nil), v.([]string)...), nil
	}
	r, err := c.src.Get(ctx, roleID)
	if err != nil {
		return nil, err
	}
	perms := append([]string(nil), r.Permissions...)
	c.cache.SetDefault(roleID, perms)
	return append([]string(nil), perms...), nil
}

// List returns every role straight from the source.
func (c *CachedResolver) List(ctx context.Context) ([]Role, error) {
	return c.src.List(ctx)
}

// Upsert writes the role through to the source and drops its cached
// permissions.
func (c *CachedResolver) Upsert(ctx context.Context, role *Role) error {
	if err := c.src.Upsert(ctx, role); err != nil {
		return err
	}
	c.Invalidate(role.ID)
	return nil
}

// Invalidate drops a cached role so the next lookup reloads it.
func (c *CachedResolver) Invalidate(roleID string) {
	c.cache.Delete(roleID)
}
