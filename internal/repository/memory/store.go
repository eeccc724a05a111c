// Package memory provides an in-process implementation of the repository
// interfaces, used by tests and by STORAGE_DRIVER=memory deployments.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/referral-service/internal/domain"
	"github.com/spec-kit/referral-service/internal/repository"
)

var (
	_ repository.UserRepository    = (*Store)(nil)
	_ repository.ClosureRepository = (*Store)(nil)
	_ repository.PrivacyRepository = (*Store)(nil)
	_ repository.TxManager         = (*Store)(nil)
)

type closureKey struct {
	ancestor   string
	descendant string
}

type state struct {
	users   map[string]domain.User
	byRef   map[string]string
	closure map[closureKey]int
	privacy map[string]map[string]string
}

func newState() state {
	return state{
		users:   make(map[string]domain.User),
		byRef:   make(map[string]string),
		closure: make(map[closureKey]int),
		privacy: make(map[string]map[string]string),
	}
}

// Store keeps users, closure rows and privacy settings in maps.
type Store struct {
	mu    sync.RWMutex
	txMu  sync.Mutex
	state state
	now   func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{state: newState(), now: time.Now}
}

type txKey struct{}

// txLog collects the inverse of every write made inside one transaction.
// Entries are appended and replayed under Store.mu.
type txLog struct {
	undo []func(*state)
}

// RunInTx serializes transactions and, when fn fails or panics, reverts only
// the writes fn made. Writes outside the transaction are left alone.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*txLog); ok {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	log := &txLog{}
	committed := false
	defer func() {
		if !committed {
			s.rollback(log)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, log)); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *Store) rollback(log *txLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(log.undo) - 1; i >= 0; i-- {
		log.undo[i](&s.state)
	}
}

// remember records undo for the current transaction. Callers hold s.mu.
func (s *Store) remember(ctx context.Context, undo func(*state)) {
	if log, ok := ctx.Value(txKey{}).(*txLog); ok {
		log.undo = append(log.undo, undo)
	}
}

func (s *Store) Create(ctx context.Context, user *domain.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.state.byRef[user.ReferenceCode]; exists {
		return &repository.DuplicateError{Constraint: repository.ConstraintUserReferenceCode}
	}
	for _, existing := range s.state.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return &repository.DuplicateError{Constraint: repository.ConstraintUserEmail}
		}
	}

	now := s.now()
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	s.state.users[user.ID] = *user
	s.state.byRef[user.ReferenceCode] = user.ID

	id, ref := user.ID, user.ReferenceCode
	s.remember(ctx, func(st *state) {
		delete(st.users, id)
		delete(st.byRef, ref)
	})
	return nil
}

func (s *Store) Update(ctx context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.state.users[user.ID]
	if !ok || existing.DeletedAt != nil {
		return pgx.ErrNoRows
	}
	prior := existing
	copyMutable(&existing, *user)
	existing.UpdatedAt = s.now()
	s.state.users[user.ID] = existing

	s.remember(ctx, func(st *state) {
		if cur, ok := st.users[prior.ID]; ok {
			copyMutable(&cur, prior)
			cur.UpdatedAt = prior.UpdatedAt
			st.users[prior.ID] = cur
		}
	})
	return nil
}

// copyMutable copies the fields Update is allowed to change.
func copyMutable(dst *domain.User, src domain.User) {
	dst.Status = src.Status
	dst.Name = src.Name
	dst.Phone = src.Phone
	dst.AvatarURL = src.AvatarURL
	dst.BirthDate = src.BirthDate
	dst.Gender = src.Gender
	dst.Country = src.Country
	dst.Bio = src.Bio
	dst.Website = src.Website
	dst.PasswordHash = src.PasswordHash
	dst.VerifiedAt = src.VerifiedAt
}

func (s *Store) UpdateRole(ctx context.Context, id string, role domain.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.state.users[id]
	if !ok || existing.DeletedAt != nil {
		return pgx.ErrNoRows
	}
	priorRole, priorUpdated := existing.Role, existing.UpdatedAt
	existing.Role = role
	existing.UpdatedAt = s.now()
	s.state.users[id] = existing

	s.remember(ctx, func(st *state) {
		if cur, ok := st.users[id]; ok {
			cur.Role = priorRole
			cur.UpdatedAt = priorUpdated
			st.users[id] = cur
		}
	})
	return nil
}

func (s *Store) SoftDelete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.state.users[id]
	if !ok || existing.DeletedAt != nil {
		return pgx.ErrNoRows
	}
	priorUpdated := existing.UpdatedAt
	now := s.now()
	existing.DeletedAt = &now
	existing.UpdatedAt = now
	s.state.users[id] = existing

	s.remember(ctx, func(st *state) {
		if cur, ok := st.users[id]; ok {
			cur.DeletedAt = nil
			cur.UpdatedAt = priorUpdated
			st.users[id] = cur
		}
	})
	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*domain.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, pgx.ErrNoRows
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.state.users[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &user, nil
}

func (s *Store) GetByReferenceCode(ctx context.Context, ref string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.state.byRef[ref]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	user := s.state.users[id]
	return &user, nil
}

func (s *Store) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.state.users {
		if strings.EqualFold(user.Email, email) {
			u := user
			return &u, nil
		}
	}
	return nil, pgx.ErrNoRows
}

// ListReferrals mirrors the Postgres scan: closure range, filters, ordering, then the page.
func (s *Store) ListReferrals(ctx context.Context, filter repository.ReferralFilter) ([]domain.ReferralRecord, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	depths := make(map[int]bool, len(filter.Depths))
	for _, d := range filter.Depths {
		depths[d] = true
	}
	var allowed map[string]bool
	if filter.AllowedRefs != nil {
		allowed = make(map[string]bool, len(filter.AllowedRefs))
		for _, ref := range filter.AllowedRefs {
			allowed[ref] = true
		}
	}
	search := ""
	if filter.SearchTerm != nil {
		search = strings.ToLower(strings.TrimSpace(*filter.SearchTerm))
	}

	var records []domain.ReferralRecord
	for key, depth := range s.state.closure {
		if key.ancestor != filter.TargetRef || !depths[depth] {
			continue
		}
		id, ok := s.state.byRef[key.descendant]
		if !ok {
			continue
		}
		user := s.state.users[id]
		if user.DeletedAt != nil {
			continue
		}
		if depth > 1 && !s.referrerLiveLocked(user) {
			continue
		}
		if filter.Status != nil && user.Status != *filter.Status {
			continue
		}
		if search != "" && !matchesSearch(user, search) {
			continue
		}
		if allowed != nil && !allowed[user.ReferenceCode] {
			continue
		}
		records = append(records, domain.ReferralRecord{
			User:            user,
			Depth:           depth,
			DirectReferrals: s.directReferralsLocked(user.ReferenceCode),
		})
	}

	sort.SliceStable(records, func(i, j int) bool {
		return referralLess(records[i], records[j])
	})

	total := len(records)
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []domain.ReferralRecord{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return records[offset:end], total, nil
}

func (s *Store) ListAfter(ctx context.Context, afterID string, limit int) ([]domain.User, error) {
	if limit <= 0 {
		limit = 500
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.state.users))
	for id := range s.state.users {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]domain.User, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.state.users[id])
	}
	return out, nil
}

func (s *Store) InsertRows(ctx context.Context, rows []domain.ClosureRow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var inserted []closureKey
	for _, row := range rows {
		key := closureKey{ancestor: row.AncestorRef, descendant: row.DescendantRef}
		if _, exists := s.state.closure[key]; exists {
			continue
		}
		s.state.closure[key] = row.Depth
		inserted = append(inserted, key)
	}
	if len(inserted) > 0 {
		s.remember(ctx, func(st *state) {
			for _, key := range inserted {
				delete(st.closure, key)
			}
		})
	}
	return nil
}

func (s *Store) Lookup(ctx context.Context, ancestorRef, descendantRef string, maxDepth int) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	depth, ok := s.state.closure[closureKey{ancestor: ancestorRef, descendant: descendantRef}]
	if !ok || depth > maxDepth {
		return 0, false, nil
	}
	return depth, true, nil
}

func (s *Store) Ancestors(ctx context.Context, descendantRef string, maxDepth int) ([]domain.ClosureRow, error) {
	return s.closureRows(func(key closureKey, depth int) bool {
		return key.descendant == descendantRef && depth <= maxDepth
	}), nil
}

func (s *Store) Descendants(ctx context.Context, ancestorRef string, maxDepth int) ([]domain.ClosureRow, error) {
	return s.closureRows(func(key closureKey, depth int) bool {
		return key.ancestor == ancestorRef && depth <= maxDepth
	}), nil
}

// ClosureSize returns the number of stored closure rows.
func (s *Store) ClosureSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.closure)
}

func (s *Store) Get(ctx context.Context, userID string) (domain.PrivacyConfig, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	settings, ok := s.state.privacy[userID]
	if !ok {
		return domain.PrivacyConfig{}, false, nil
	}
	return domain.PrivacyConfig{UserID: userID, Settings: copySettings(settings)}, true, nil
}

func (s *Store) GetOrCreate(ctx context.Context, userID string, defaults map[string]string) (domain.PrivacyConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings, ok := s.state.privacy[userID]
	if !ok {
		settings = copySettings(defaults)
		s.state.privacy[userID] = settings
		s.remember(ctx, func(st *state) {
			delete(st.privacy, userID)
		})
	}
	return domain.PrivacyConfig{UserID: userID, Settings: copySettings(settings)}, nil
}

func (s *Store) GetMany(ctx context.Context, userIDs []string) (map[string]domain.PrivacyConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]domain.PrivacyConfig, len(userIDs))
	for _, id := range userIDs {
		if settings, ok := s.state.privacy[id]; ok {
			out[id] = domain.PrivacyConfig{UserID: id, Settings: copySettings(settings)}
		}
	}
	return out, nil
}

func (s *Store) Upsert(ctx context.Context, userID string, settings map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, existed := s.state.privacy[userID]
	if !existed {
		existing = map[string]string{}
	}
	prior := make(map[string]*string, len(settings))
	for k, v := range settings {
		if old, had := existing[k]; had {
			prior[k] = &old
		} else {
			prior[k] = nil
		}
		existing[k] = v
	}
	s.state.privacy[userID] = existing

	s.remember(ctx, func(st *state) {
		cur, ok := st.privacy[userID]
		if !ok {
			return
		}
		for k, old := range prior {
			if old == nil {
				delete(cur, k)
			} else {
				cur[k] = *old
			}
		}
		if !existed && len(cur) == 0 {
			delete(st.privacy, userID)
		}
	})
	return nil
}

func (s *Store) closureRows(match func(closureKey, int) bool) []domain.ClosureRow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.ClosureRow
	for key, depth := range s.state.closure {
		if match(key, depth) {
			out = append(out, domain.ClosureRow{AncestorRef: key.ancestor, DescendantRef: key.descendant, Depth: depth})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		if out[i].AncestorRef != out[j].AncestorRef {
			return out[i].AncestorRef < out[j].AncestorRef
		}
		return out[i].DescendantRef < out[j].DescendantRef
	})
	return out
}

// referrerLiveLocked reports whether user's direct referrer exists and is not deleted.
func (s *Store) referrerLiveLocked(user domain.User) bool {
	if user.ReferrerRef == nil {
		return false
	}
	id, ok := s.state.byRef[*user.ReferrerRef]
	if !ok {
		return false
	}
	return s.state.users[id].DeletedAt == nil
}

func (s *Store) directReferralsLocked(ref string) int {
	count := 0
	for _, user := range s.state.users {
		if user.DeletedAt == nil && user.ReferrerRef != nil && *user.ReferrerRef == ref {
			count++
		}
	}
	return count
}

func matchesSearch(user domain.User, term string) bool {
	phone := ""
	if user.Phone != nil {
		phone = *user.Phone
	}
	for _, field := range []string{user.Name, user.Email, phone, user.ReferenceCode} {
		if strings.Contains(strings.ToLower(field), term) {
			return true
		}
	}
	return false
}

// referralLess orders by status asc, direct referrals desc, verified desc (nulls last),
// created desc, id asc.
func referralLess(a, b domain.ReferralRecord) bool {
	if a.User.Status != b.User.Status {
		return a.User.Status < b.User.Status
	}
	if a.DirectReferrals != b.DirectReferrals {
		return a.DirectReferrals > b.DirectReferrals
	}
	av, bv := a.User.VerifiedAt, b.User.VerifiedAt
	switch {
	case av != nil && bv == nil:
		return true
	case av == nil && bv != nil:
		return false
	case av != nil && bv != nil && !av.Equal(*bv):
		return av.After(*bv)
	}
	if !a.User.CreatedAt.Equal(b.User.CreatedAt) {
		return a.User.CreatedAt.After(b.User.CreatedAt)
	}
	return a.User.ID < b.User.ID
}

func copySettings(src map[string]string) map[string]string {
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
