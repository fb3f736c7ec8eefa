package rbac

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// MOCK REPOSITORY
// ============================================================================

type mockState struct {
	// Catalog storage
	roles       map[int64]Role
	permissions map[int64]Permission
	grants      map[int64]map[int64]RolePermissionGrant
	nextRoleID  int64
	nextPermID  int64

	// Assignment ledger
	assignments      map[int64]ActorRoleAssignment
	nextAssignmentID int64
	// staleLocks makes LockAssignment miss rows, as when another transaction
	// inserts between the lock and the insert.
	staleLocks bool
}

type mockRepository struct {
	mu    sync.Mutex
	state *mockState

	// Error injection
	resolveErr error
	txError    error
	resolves   int
}

func newMockRepository() *mockRepository {
	return &mockRepository{state: &mockState{
		roles:            make(map[int64]Role),
		permissions:      make(map[int64]Permission),
		grants:           make(map[int64]map[int64]RolePermissionGrant),
		assignments:      make(map[int64]ActorRoleAssignment),
		nextRoleID:       1,
		nextPermID:       1,
		nextAssignmentID: 1,
	}}
}

func (s *mockState) clone() *mockState {
	c := *s
	c.roles = make(map[int64]Role, len(s.roles))
	for k, v := range s.roles {
		c.roles[k] = v
	}
	c.permissions = make(map[int64]Permission, len(s.permissions))
	for k, v := range s.permissions {
		c.permissions[k] = v
	}
	c.grants = make(map[int64]map[int64]RolePermissionGrant, len(s.grants))
	for k, v := range s.grants {
		inner := make(map[int64]RolePermissionGrant, len(v))
		for pk, pv := range v {
			inner[pk] = pv
		}
		c.grants[k] = inner
	}
	c.assignments = make(map[int64]ActorRoleAssignment, len(s.assignments))
	for k, v := range s.assignments {
		c.assignments[k] = v
	}
	return &c
}

func (m *mockRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if m.txError != nil {
		return m.txError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.state.clone()
	if err := fn(ctx, work); err != nil {
		return err
	}
	m.state = work
	return nil
}

// ----------------------------------------------------------------------------
// Resolver
// ----------------------------------------------------------------------------

func (m *mockRepository) resolve() error {
	m.resolves++
	return m.resolveErr
}

func (m *mockRepository) HasAnyPermission(ctx context.Context, actorID int64, names []PermissionName, asOf time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.resolve(); err != nil {
		return false, err
	}
	want := make(map[PermissionName]struct{}, len(names))
	for _, n := range names {
		want[n] = struct{}{}
	}
	for _, p := range m.state.chainPermissions(actorID, asOf) {
		if _, ok := want[p.Name]; ok {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockRepository) HasRole(ctx context.Context, actorID int64, role string, asOf time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.resolve(); err != nil {
		return false, err
	}
	for _, ra := range m.state.chainRoles(actorID, asOf) {
		if ra.Role.Name == role {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockRepository) ListActorPermissions(ctx context.Context, actorID int64, asOf time.Time) ([]Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.resolve(); err != nil {
		return nil, err
	}
	return m.state.chainPermissions(actorID, asOf), nil
}

func (m *mockRepository) ListActorRoles(ctx context.Context, actorID int64, asOf time.Time) ([]RoleAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.resolve(); err != nil {
		return nil, err
	}
	return m.state.chainRoles(actorID, asOf), nil
}

func (s *mockState) chainRoles(actorID int64, asOf time.Time) []RoleAssignment {
	var out []RoleAssignment
	for _, a := range s.assignments {
		if a.ActorID != actorID || !a.IsActive {
			continue
		}
		if !asOf.IsZero() && a.Expired(asOf) {
			continue
		}
		role, ok := s.roles[a.RoleID]
		if !ok || !role.IsActive {
			continue
		}
		out = append(out, RoleAssignment{Assignment: a, Role: role})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role.Name < out[j].Role.Name })
	return out
}

// chainPermissions keeps duplicates across roles so callers must deduplicate.
func (s *mockState) chainPermissions(actorID int64, asOf time.Time) []Permission {
	var out []Permission
	for _, ra := range s.chainRoles(actorID, asOf) {
		for permID := range s.grants[ra.Role.ID] {
			p, ok := s.permissions[permID]
			if !ok || !p.IsActive {
				continue
			}
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ----------------------------------------------------------------------------
// CatalogReader on the pool
// ----------------------------------------------------------------------------

func (m *mockRepository) GetRole(ctx context.Context, id int64) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetRole(ctx, id)
}

func (m *mockRepository) GetRoleByName(ctx context.Context, name string) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetRoleByName(ctx, name)
}

func (m *mockRepository) GetPermission(ctx context.Context, id int64) (Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetPermission(ctx, id)
}

func (m *mockRepository) GetPermissionByName(ctx context.Context, name PermissionName) (Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetPermissionByName(ctx, name)
}

func (m *mockRepository) ListRoles(ctx context.Context) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ListRoles(ctx)
}

func (m *mockRepository) ListPermissions(ctx context.Context) ([]Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ListPermissions(ctx)
}

func (m *mockRepository) ListRolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ListRolePermissions(ctx, roleID)
}

func (m *mockRepository) ListAssignments(ctx context.Context, actorID int64, includeRevoked bool) ([]RoleAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ListAssignments(ctx, actorID, includeRevoked)
}

// ----------------------------------------------------------------------------
// mockState implements TxRepository
// ----------------------------------------------------------------------------

func (s *mockState) GetRole(_ context.Context, id int64) (Role, error) {
	r, ok := s.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return r, nil
}

func (s *mockState) GetRoleByName(_ context.Context, name string) (Role, error) {
	for _, r := range s.roles {
		if r.Name == name {
			return r, nil
		}
	}
	return Role{}, ErrNotFound
}

func (s *mockState) GetPermission(_ context.Context, id int64) (Permission, error) {
	p, ok := s.permissions[id]
	if !ok {
		return Permission{}, ErrNotFound
	}
	return p, nil
}

func (s *mockState) GetPermissionByName(_ context.Context, name PermissionName) (Permission, error) {
	for _, p := range s.permissions {
		if p.Name == name {
			return p, nil
		}
	}
	return Permission{}, ErrNotFound
}

func (s *mockState) ListRoles(context.Context) ([]Role, error) {
	out := make([]Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *mockState) ListPermissions(context.Context) ([]Permission, error) {
	out := make([]Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *mockState) ListRolePermissions(_ context.Context, roleID int64) ([]Permission, error) {
	out := make([]Permission, 0, len(s.grants[roleID]))
	for permID := range s.grants[roleID] {
		out = append(out, s.permissions[permID])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *mockState) ListAssignments(_ context.Context, actorID int64, includeRevoked bool) ([]RoleAssignment, error) {
	var out []RoleAssignment
	for _, a := range s.assignments {
		if a.ActorID != actorID || (!a.IsActive && !includeRevoked) {
			continue
		}
		out = append(out, RoleAssignment{Assignment: a, Role: s.roles[a.RoleID]})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Assignment.AssignedAt.Equal(out[j].Assignment.AssignedAt) {
			return out[i].Assignment.AssignedAt.After(out[j].Assignment.AssignedAt)
		}
		return out[i].Assignment.ID > out[j].Assignment.ID
	})
	return out, nil
}

func (s *mockState) CreateRole(_ context.Context, role Role) (Role, error) {
	for _, r := range s.roles {
		if r.Name == role.Name {
			return Role{}, ErrConflict
		}
	}
	role.ID = s.nextRoleID
	s.nextRoleID++
	role.CreatedAt = time.Now().UTC()
	role.UpdatedAt = role.CreatedAt
	s.roles[role.ID] = role
	return role, nil
}

func (s *mockState) UpdateRole(_ context.Context, role Role) (Role, error) {
	if _, ok := s.roles[role.ID]; !ok {
		return Role{}, ErrNotFound
	}
	role.UpdatedAt = time.Now().UTC()
	s.roles[role.ID] = role
	return role, nil
}

func (s *mockState) DeleteRole(_ context.Context, id int64) error {
	if _, ok := s.roles[id]; !ok {
		return ErrNotFound
	}
	delete(s.roles, id)
	return nil
}

func (s *mockState) CreatePermission(_ context.Context, perm Permission) (Permission, error) {
	for _, p := range s.permissions {
		if p.Name == perm.Name {
			return Permission{}, ErrConflict
		}
	}
	perm.ID = s.nextPermID
	s.nextPermID++
	perm.CreatedAt = time.Now().UTC()
	s.permissions[perm.ID] = perm
	return perm, nil
}

func (s *mockState) SetPermissionActive(_ context.Context, id int64, active bool) (Permission, error) {
	p, ok := s.permissions[id]
	if !ok {
		return Permission{}, ErrNotFound
	}
	p.IsActive = active
	s.permissions[id] = p
	return p, nil
}

func (s *mockState) InsertGrant(_ context.Context, grant RolePermissionGrant) error {
	if _, ok := s.roles[grant.RoleID]; !ok {
		return ErrNotFound
	}
	if _, ok := s.permissions[grant.PermissionID]; !ok {
		return ErrNotFound
	}
	if s.grants[grant.RoleID] == nil {
		s.grants[grant.RoleID] = make(map[int64]RolePermissionGrant)
	}
	if _, exists := s.grants[grant.RoleID][grant.PermissionID]; exists {
		return nil
	}
	s.grants[grant.RoleID][grant.PermissionID] = grant
	return nil
}

func (s *mockState) DeleteRoleGrants(_ context.Context, roleID int64) error {
	delete(s.grants, roleID)
	return nil
}

func (s *mockState) LockAssignment(_ context.Context, actorID, roleID int64) (ActorRoleAssignment, error) {
	if s.staleLocks {
		return ActorRoleAssignment{}, ErrNotFound
	}
	for _, a := range s.assignments {
		if a.ActorID == actorID && a.RoleID == roleID {
			return a, nil
		}
	}
	return ActorRoleAssignment{}, ErrNotFound
}

func (s *mockState) InsertAssignment(_ context.Context, a ActorRoleAssignment) (ActorRoleAssignment, error) {
	for _, existing := range s.assignments {
		if existing.ActorID == a.ActorID && existing.RoleID == a.RoleID {
			return ActorRoleAssignment{}, ErrAlreadyAssigned
		}
	}
	a.ID = s.nextAssignmentID
	s.nextAssignmentID++
	s.assignments[a.ID] = a
	return a, nil
}

func (s *mockState) SaveAssignment(_ context.Context, a ActorRoleAssignment) (ActorRoleAssignment, error) {
	if _, ok := s.assignments[a.ID]; !ok {
		return ActorRoleAssignment{}, ErrNotFound
	}
	s.assignments[a.ID] = a
	return a, nil
}

func (s *mockState) DeleteRoleAssignments(_ context.Context, roleID int64) error {
	for id, a := range s.assignments {
		if a.RoleID == roleID {
			delete(s.assignments, id)
		}
	}
	return nil
}

func (s *mockState) DeactivateExpired(_ context.Context, asOf time.Time) (int64, error) {
	var n int64
	for id, a := range s.assignments {
		if a.IsActive && a.Expired(asOf) {
			a.IsActive = false
			s.assignments[id] = a
			n++
		}
	}
	return n, nil
}

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

// assignmentRows counts ledger rows for an actor/role pair.
func (m *mockRepository) assignmentRows(actorID, roleID int64) []ActorRoleAssignment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ActorRoleAssignment
	for _, a := range m.state.assignments {
		if a.ActorID == actorID && a.RoleID == roleID {
			out = append(out, a)
		}
	}
	return out
}

func (m *mockRepository) grantCount(roleID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.grants[roleID])
}

type mockActors struct {
	known map[int64]bool
	err   error
}

func (a mockActors) ActorExists(_ context.Context, actorID int64) (bool, error) {
	if a.err != nil {
		return false, a.err
	}
	return a.known[actorID], nil
}

type recordedDecision struct {
	check   string
	outcome string
}

type mockRecorder struct {
	mu        sync.Mutex
	decisions []recordedDecision
}

func (r *mockRecorder) ObserveDecision(check, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, recordedDecision{check: check, outcome: outcome})
}

func (r *mockRecorder) last() recordedDecision {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.decisions) == 0 {
		return recordedDecision{}
	}
	return r.decisions[len(r.decisions)-1]
}

var errStoreDown = errors.New("connection refused")
