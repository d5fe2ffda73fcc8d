package store

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"lookup/internal/directory/models"
	"lookup/pkg/platform/sentinel"
)

// InMemoryStore keeps the directory in process memory. All operations are
// serialized by one mutex; RunInTx holds it for the whole callback and rolls
// back to a snapshot when the callback fails.
type InMemoryStore struct {
	mu     sync.Mutex
	nextID int64
	data   memoryData
}

type memoryData struct {
	identities    map[int64]models.Identity
	byFederation  map[models.FederationID]int64
	attributes    map[int64]models.Attribute
	pending       map[int64]models.PendingVerification
	confirmations map[int64]models.EmailConfirmation
	instances     map[string]models.Instance
}

type memTxKey struct{}

// NewInMemory creates an empty in-memory directory store.
func NewInMemory() *InMemoryStore {
	return &InMemoryStore{data: newMemoryData()}
}

func newMemoryData() memoryData {
	return memoryData{
		identities:    make(map[int64]models.Identity),
		byFederation:  make(map[models.FederationID]int64),
		attributes:    make(map[int64]models.Attribute),
		pending:       make(map[int64]models.PendingVerification),
		confirmations: make(map[int64]models.EmailConfirmation),
		instances:     make(map[string]models.Instance),
	}
}

func (d memoryData) clone() memoryData {
	c := newMemoryData()
	for k, v := range d.identities {
		c.identities[k] = v
	}
	for k, v := range d.byFederation {
		c.byFederation[k] = v
	}
	for k, v := range d.attributes {
		c.attributes[k] = v
	}
	for k, v := range d.pending {
		c.pending[k] = v
	}
	for k, v := range d.confirmations {
		c.confirmations[k] = v
	}
	for k, v := range d.instances {
		c.instances[k] = v
	}
	return c
}

// RunInTx runs fn while holding the store lock. Store calls made with the
// context passed to fn do not lock again.
func (s *InMemoryStore) RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	nextID := s.nextID
	if err := fn(context.WithValue(ctx, memTxKey{}, s)); err != nil {
		s.data = snapshot
		s.nextID = nextID
		return err
	}
	return nil
}

func (s *InMemoryStore) inTx(ctx context.Context) bool {
	owner, ok := ctx.Value(memTxKey{}).(*InMemoryStore)
	return ok && owner == s
}

func (s *InMemoryStore) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *InMemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

// -----------------------------------------------------------------------------
// Identities
// -----------------------------------------------------------------------------

func (s *InMemoryStore) FindIdentity(ctx context.Context, fid models.FederationID) (*models.Identity, error) {
	defer s.lock(ctx)()
	id, ok := s.data.byFederation[fid]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	identity := s.data.identities[id]
	return &identity, nil
}

func (s *InMemoryStore) GetIdentity(ctx context.Context, id int64) (*models.Identity, error) {
	defer s.lock(ctx)()
	identity, ok := s.data.identities[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &identity, nil
}

func (s *InMemoryStore) CreateIdentity(ctx context.Context, fid models.FederationID, lastModified int64) (*models.Identity, error) {
	defer s.lock(ctx)()
	if _, ok := s.data.byFederation[fid]; ok {
		return nil, fmt.Errorf("create identity %s: %w", fid, sentinel.ErrConflict)
	}
	identity := models.Identity{ID: s.id(), FederationID: fid, LastModified: lastModified}
	s.data.identities[identity.ID] = identity
	s.data.byFederation[fid] = identity.ID
	return &identity, nil
}

func (s *InMemoryStore) AdvanceLastModified(ctx context.Context, id int64, timestamp int64) (bool, error) {
	defer s.lock(ctx)()
	identity, ok := s.data.identities[id]
	if !ok {
		return false, sentinel.ErrNotFound
	}
	if identity.LastModified >= timestamp {
		return false, nil
	}
	identity.LastModified = timestamp
	s.data.identities[id] = identity
	return true, nil
}

func (s *InMemoryStore) DeleteIdentity(ctx context.Context, id int64) error {
	defer s.lock(ctx)()
	identity, ok := s.data.identities[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	s.deleteAttributesLocked(id)
	delete(s.data.identities, id)
	delete(s.data.byFederation, identity.FederationID)
	return nil
}

func (s *InMemoryStore) ListFederationIDs(ctx context.Context) ([]models.FederationID, error) {
	defer s.lock(ctx)()
	out := make([]models.FederationID, 0, len(s.data.byFederation))
	for fid := range s.data.byFederation {
		out = append(out, fid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *InMemoryStore) ListIdentitiesOnHost(ctx context.Context, host string) ([]models.Identity, error) {
	defer s.lock(ctx)()
	var out []models.Identity
	for _, identity := range s.sortedIdentities() {
		if strings.HasSuffix(string(identity.FederationID), "@"+host) {
			out = append(out, identity)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListModifiedSince(ctx context.Context, since int64, offset, limit int) ([]models.Identity, error) {
	defer s.lock(ctx)()
	var matched []models.Identity
	for _, identity := range s.data.identities {
		if identity.LastModified >= since {
			matched = append(matched, identity)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].LastModified != matched[j].LastModified {
			return matched[i].LastModified < matched[j].LastModified
		}
		return matched[i].ID < matched[j].ID
	})
	return page(matched, offset, limit), nil
}

func (s *InMemoryStore) sortedIdentities() []models.Identity {
	out := make([]models.Identity, 0, len(s.data.identities))
	for _, identity := range s.data.identities {
		out = append(out, identity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

// -----------------------------------------------------------------------------
// Attributes
// -----------------------------------------------------------------------------

func (s *InMemoryStore) ListAttributes(ctx context.Context, identityID int64) ([]models.Attribute, error) {
	defer s.lock(ctx)()
	return s.attributesOf(identityID), nil
}

func (s *InMemoryStore) ListAttributesFor(ctx context.Context, identityIDs []int64) (map[int64][]models.Attribute, error) {
	defer s.lock(ctx)()
	out := make(map[int64][]models.Attribute, len(identityIDs))
	for _, id := range identityIDs {
		out[id] = s.attributesOf(id)
	}
	return out, nil
}

func (s *InMemoryStore) attributesOf(identityID int64) []models.Attribute {
	var out []models.Attribute
	for _, a := range s.data.attributes {
		if a.IdentityID == identityID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *InMemoryStore) GetAttribute(ctx context.Context, id int64) (*models.Attribute, error) {
	defer s.lock(ctx)()
	a, ok := s.data.attributes[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &a, nil
}

func (s *InMemoryStore) InsertAttribute(ctx context.Context, a *models.Attribute) error {
	defer s.lock(ctx)()
	if _, ok := s.data.identities[a.IdentityID]; !ok {
		return fmt.Errorf("insert attribute: identity %d: %w", a.IdentityID, sentinel.ErrNotFound)
	}
	for _, existing := range s.data.attributes {
		if existing.IdentityID == a.IdentityID && existing.Key == a.Key {
			return fmt.Errorf("insert attribute %s: %w", a.Key, sentinel.ErrConflict)
		}
	}
	a.ID = s.id()
	s.data.attributes[a.ID] = *a
	return nil
}

func (s *InMemoryStore) UpdateAttributeValue(ctx context.Context, id int64, value string) error {
	defer s.lock(ctx)()
	a, ok := s.data.attributes[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	a.Value = value
	a.Verified = false
	s.data.attributes[id] = a
	return nil
}

func (s *InMemoryStore) SetAttributeVerified(ctx context.Context, id int64, verified bool) error {
	defer s.lock(ctx)()
	a, ok := s.data.attributes[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	a.Verified = verified
	s.data.attributes[id] = a
	return nil
}

func (s *InMemoryStore) DeleteAttribute(ctx context.Context, id int64) error {
	defer s.lock(ctx)()
	if _, ok := s.data.attributes[id]; !ok {
		return sentinel.ErrNotFound
	}
	s.deleteAttributeLocked(id)
	return nil
}

func (s *InMemoryStore) DeleteAttributes(ctx context.Context, identityID int64) error {
	defer s.lock(ctx)()
	s.deleteAttributesLocked(identityID)
	return nil
}

func (s *InMemoryStore) deleteAttributesLocked(identityID int64) {
	for id, a := range s.data.attributes {
		if a.IdentityID == identityID {
			s.deleteAttributeLocked(id)
		}
	}
}

// deleteAttributeLocked mirrors the ON DELETE CASCADE of the relational schema.
func (s *InMemoryStore) deleteAttributeLocked(id int64) {
	delete(s.data.attributes, id)
	for pid, p := range s.data.pending {
		if p.AttributeID == id {
			delete(s.data.pending, pid)
		}
	}
	for cid, c := range s.data.confirmations {
		if c.AttributeID == id {
			delete(s.data.confirmations, cid)
		}
	}
}

func (s *InMemoryStore) CountAttributeValue(ctx context.Context, key models.AttributeKey, value string) (int, error) {
	defer s.lock(ctx)()
	n := 0
	for _, a := range s.data.attributes {
		if a.Key == key && strings.EqualFold(a.Value, value) {
			n++
		}
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Pending verifications
// -----------------------------------------------------------------------------

func (s *InMemoryStore) FindPendingByAttribute(ctx context.Context, attributeID int64) (*models.PendingVerification, error) {
	defer s.lock(ctx)()
	for _, p := range s.data.pending {
		if p.AttributeID == attributeID {
			return &p, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemoryStore) InsertPending(ctx context.Context, p *models.PendingVerification) error {
	defer s.lock(ctx)()
	if _, ok := s.data.attributes[p.AttributeID]; !ok {
		return fmt.Errorf("insert pending: attribute %d: %w", p.AttributeID, sentinel.ErrNotFound)
	}
	for _, existing := range s.data.pending {
		if existing.AttributeID == p.AttributeID {
			return fmt.Errorf("insert pending for attribute %d: %w", p.AttributeID, sentinel.ErrConflict)
		}
	}
	p.ID = s.id()
	s.data.pending[p.ID] = *p
	return nil
}

func (s *InMemoryStore) DeletePendingByAttribute(ctx context.Context, attributeID int64) error {
	defer s.lock(ctx)()
	for id, p := range s.data.pending {
		if p.AttributeID == attributeID {
			delete(s.data.pending, id)
		}
	}
	return nil
}

func (s *InMemoryStore) ListPending(ctx context.Context, limit int) ([]models.PendingVerification, error) {
	defer s.lock(ctx)()
	out := make([]models.PendingVerification, 0, len(s.data.pending))
	for _, p := range s.data.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, 0, limit), nil
}

func (s *InMemoryStore) UpdatePendingTries(ctx context.Context, id int64, tries int) error {
	defer s.lock(ctx)()
	p, ok := s.data.pending[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	p.Tries = tries
	s.data.pending[id] = p
	return nil
}

func (s *InMemoryStore) DeletePending(ctx context.Context, id int64) error {
	defer s.lock(ctx)()
	delete(s.data.pending, id)
	return nil
}

// -----------------------------------------------------------------------------
// Email confirmations
// -----------------------------------------------------------------------------

func (s *InMemoryStore) ReplaceEmailConfirmation(ctx context.Context, attributeID int64, token string) error {
	defer s.lock(ctx)()
	if _, ok := s.data.attributes[attributeID]; !ok {
		return fmt.Errorf("replace email confirmation: attribute %d: %w", attributeID, sentinel.ErrNotFound)
	}
	for id, c := range s.data.confirmations {
		if c.AttributeID == attributeID {
			delete(s.data.confirmations, id)
		}
	}
	c := models.EmailConfirmation{ID: s.id(), AttributeID: attributeID, Token: token}
	s.data.confirmations[c.ID] = c
	return nil
}

func (s *InMemoryStore) FindEmailConfirmation(ctx context.Context, token string) (*models.EmailConfirmation, error) {
	defer s.lock(ctx)()
	for _, c := range s.data.confirmations {
		if c.Token == token {
			return &c, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemoryStore) DeleteEmailConfirmation(ctx context.Context, id int64) error {
	defer s.lock(ctx)()
	if _, ok := s.data.confirmations[id]; !ok {
		return sentinel.ErrNotFound
	}
	delete(s.data.confirmations, id)
	return nil
}

// -----------------------------------------------------------------------------
// Instances
// -----------------------------------------------------------------------------

func (s *InMemoryStore) ListInstances(ctx context.Context) ([]string, error) {
	defer s.lock(ctx)()
	out := make([]string, 0, len(s.data.instances))
	for _, in := range s.data.instances {
		out = append(out, in.Instance)
	}
	sort.Strings(out)
	return out, nil
}

func (s *InMemoryStore) InsertInstance(ctx context.Context, instance string) error {
	defer s.lock(ctx)()
	if _, ok := s.data.instances[instance]; ok {
		return nil
	}
	s.data.instances[instance] = models.Instance{ID: s.id(), Instance: instance}
	return nil
}

func (s *InMemoryStore) DeleteInstance(ctx context.Context, instance string) error {
	defer s.lock(ctx)()
	delete(s.data.instances, instance)
	return nil
}

// -----------------------------------------------------------------------------
// Search
// -----------------------------------------------------------------------------

func (s *InMemoryStore) SearchIdentities(ctx context.Context, q models.SearchQuery) ([]models.SearchHit, error) {
	defer s.lock(ctx)()
	match, err := valueMatcher(q)
	if err != nil {
		return nil, err
	}
	keys := make(map[models.AttributeKey]bool, len(q.Keys))
	for _, k := range q.Keys {
		keys[k] = true
	}

	candidates := make(map[int64]bool)
	for _, a := range s.data.attributes {
		if keys[a.Key] && match(a.Value) {
			candidates[a.IdentityID] = true
		}
	}

	hits := make([]models.SearchHit, 0, len(candidates))
	for id := range candidates {
		karma := 0
		for _, a := range s.data.attributes {
			if a.IdentityID == id && a.Verified {
				karma++
			}
		}
		if karma < q.MinKarma {
			continue
		}
		hits = append(hits, models.SearchHit{Identity: s.data.identities[id], Karma: karma})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Karma != hits[j].Karma {
			if q.Order == models.KarmaDescending {
				return hits[i].Karma > hits[j].Karma
			}
			return hits[i].Karma < hits[j].Karma
		}
		return hits[i].Identity.ID < hits[j].Identity.ID
	})
	return page(hits, 0, q.Limit), nil
}

func valueMatcher(q models.SearchQuery) (func(string) bool, error) {
	if q.Mode == models.MatchExact {
		return func(v string) bool { return strings.EqualFold(v, q.Pattern) }, nil
	}
	re, err := likeToRegexp(q.Pattern)
	if err != nil {
		return nil, fmt.Errorf("compile search pattern: %w", err)
	}
	return re.MatchString, nil
}

// likeToRegexp translates a LIKE pattern with '\' escapes into a
// case-insensitive anchored regular expression.
func likeToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?is)^")
	escaped := false
	for _, r := range pattern {
		switch {
		case escaped:
			b.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
		case r == '\\':
			escaped = true
		case r == '%':
			b.WriteString(".*")
		case r == '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
