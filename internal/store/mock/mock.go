// Package mock provides an in-memory implementation of the store interfaces
// for tests. It keeps the Postgres implementation's semantics — status-guarded
// transitions, settle-once contacts, frozen counters — without a database.
package mock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dialvox/dialvox/internal/store"
	"github.com/dialvox/dialvox/pkg/types"
)

// Store is an in-memory stand-in for the Postgres store. Safe for concurrent
// use. The zero value is not usable; call NewStore.
type Store struct {
	mu sync.Mutex

	campaigns   map[string]*store.Campaign
	contacts    map[string]*store.Contact
	sessions    map[string]*store.CallSession
	transcripts map[string][]types.TranscriptEntry
	agents      map[string]*store.Agent
	phones      map[string]*store.Phone

	// seq orders rows the way created_at does in Postgres, immune to
	// clock-resolution ties in fast tests.
	seq    int
	rowSeq map[string]int
}

var (
	_ store.CampaignStore = (*Store)(nil)
	_ store.ContactStore  = (*Store)(nil)
	_ store.SessionStore  = (*Store)(nil)
	_ store.AgentStore    = (*Store)(nil)
	_ store.PhoneStore    = (*Store)(nil)
)

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		campaigns:   make(map[string]*store.Campaign),
		contacts:    make(map[string]*store.Contact),
		sessions:    make(map[string]*store.CallSession),
		transcripts: make(map[string][]types.TranscriptEntry),
		agents:      make(map[string]*store.Agent),
		phones:      make(map[string]*store.Phone),
		rowSeq:      make(map[string]int),
	}
}

// SeedAgent registers an agent row. Agents are read-only to this repo, so
// tests seed them directly.
func (m *Store) SeedAgent(a *store.Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.agents[a.ID] = &cp
}

// SeedPhone registers a phone row.
func (m *Store) SeedPhone(p *store.Phone) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.phones[p.ID] = &cp
}

func (m *Store) nextSeq(id string) {
	m.seq++
	m.rowSeq[id] = m.seq
}

// ─────────────────────────────────────────────────────────────────────────────
// CampaignStore
// ─────────────────────────────────────────────────────────────────────────────

func (m *Store) CreateCampaign(_ context.Context, c *store.Campaign) error {
	c.Settings.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Status == "" {
		c.Status = store.CampaignDraft
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.campaigns[c.ID]; ok {
		return fmt.Errorf("store: campaign %q already exists", c.ID)
	}
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	cp := *c
	m.campaigns[c.ID] = &cp
	m.nextSeq(c.ID)
	return nil
}

func (m *Store) GetCampaign(_ context.Context, id string) (*store.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("store: campaign %q: %w", id, store.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (m *Store) ListCampaigns(_ context.Context, userID string) ([]*store.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Campaign
	for _, c := range m.campaigns {
		if c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.rowSeq[out[i].ID] > m.rowSeq[out[j].ID] })
	return out, nil
}

func (m *Store) ListCampaignsByStatus(_ context.Context, statuses ...store.CampaignStatus) ([]*store.Campaign, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	want := make(map[store.CampaignStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Campaign
	for _, c := range m.campaigns {
		if want[c.Status] {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.rowSeq[out[i].ID] < m.rowSeq[out[j].ID] })
	return out, nil
}

func (m *Store) UpdateCampaign(_ context.Context, c *store.Campaign) error {
	if err := c.Settings.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.campaigns[c.ID]
	if !ok {
		return fmt.Errorf("store: campaign %q: %w", c.ID, store.ErrNotFound)
	}
	cur.Name = c.Name
	cur.ScheduledAt = c.ScheduledAt
	cur.Settings = c.Settings
	cur.Metadata = c.Metadata
	cur.UpdatedAt = time.Now()
	c.UpdatedAt = cur.UpdatedAt
	return nil
}

func (m *Store) DeleteCampaign(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.campaigns[id]; !ok {
		return fmt.Errorf("store: campaign %q: %w", id, store.ErrNotFound)
	}
	for cid, contact := range m.contacts {
		if contact.CampaignID == id {
			delete(m.contacts, cid)
		}
	}
	delete(m.campaigns, id)
	return nil
}

func (m *Store) TransitionCampaign(_ context.Context, id string, to store.CampaignStatus, from ...store.CampaignStatus) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("store: transition requires at least one source status")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = to
			c.UpdatedAt = time.Now()
			return true, nil
		}
	}
	return false, nil
}

func (m *Store) UpdateCampaignSettings(_ context.Context, id string, s store.CampaignSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return fmt.Errorf("store: campaign %q: %w", id, store.ErrNotFound)
	}
	c.Settings = s
	c.UpdatedAt = time.Now()
	return nil
}

func (m *Store) AdjustCounters(_ context.Context, id string, d store.CounterDelta) error {
	if d.Zero() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || c.Status.Frozen() {
		return nil
	}
	applyDelta(&c.Counters, d)
	c.UpdatedAt = time.Now()
	return nil
}

func (m *Store) DueScheduledCampaigns(_ context.Context, now time.Time) ([]*store.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Campaign
	for _, c := range m.campaigns {
		if c.Status == store.CampaignScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(*out[j].ScheduledAt) })
	return out, nil
}

func applyDelta(c *store.CampaignCounters, d store.CounterDelta) {
	c.TotalContacts += d.TotalContacts
	c.QueuedCalls += d.QueuedCalls
	c.ActiveCalls += d.ActiveCalls
	c.CompletedCalls += d.CompletedCalls
	c.FailedCalls += d.FailedCalls
	c.VoicemailCalls += d.VoicemailCalls
}

// ─────────────────────────────────────────────────────────────────────────────
// ContactStore
// ─────────────────────────────────────────────────────────────────────────────

func (m *Store) AddContact(_ context.Context, c *store.Contact) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Status == "" {
		c.Status = store.ContactPending
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.contacts {
		if existing.CampaignID == c.CampaignID && existing.Phone == c.Phone {
			return fmt.Errorf("store: %s in campaign %s: %w", c.Phone, c.CampaignID, store.ErrDuplicatePhone)
		}
	}
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	cp := *c
	m.contacts[c.ID] = &cp
	m.nextSeq(c.ID)
	return nil
}

func (m *Store) AddContacts(ctx context.Context, contacts []*store.Contact) (added, duplicates int, err error) {
	for _, c := range contacts {
		switch err := m.AddContact(ctx, c); {
		case err == nil:
			added++
		case errors.Is(err, store.ErrDuplicatePhone):
			duplicates++
		default:
			return added, duplicates, err
		}
	}
	return added, duplicates, nil
}

func (m *Store) GetContact(_ context.Context, id string) (*store.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[id]
	if !ok {
		return nil, fmt.Errorf("store: contact %q: %w", id, store.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (m *Store) PendingContacts(_ context.Context, campaignID string, mode store.PriorityMode, limit int) ([]*store.Contact, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Contact
	for _, c := range m.contacts {
		if c.CampaignID != campaignID || c.Status != store.ContactPending {
			continue
		}
		if c.NextRetryAt != nil && c.NextRetryAt.After(now) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}

	switch mode {
	case store.PriorityLIFO:
		sort.Slice(out, func(i, j int) bool { return m.rowSeq[out[i].ID] > m.rowSeq[out[j].ID] })
	case store.PriorityCustom:
		sort.Slice(out, func(i, j int) bool {
			if out[i].Priority != out[j].Priority {
				return out[i].Priority > out[j].Priority
			}
			return m.rowSeq[out[i].ID] < m.rowSeq[out[j].ID]
		})
	default:
		sort.Slice(out, func(i, j int) bool { return m.rowSeq[out[i].ID] < m.rowSeq[out[j].ID] })
	}

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Store) MarkContactsQueued(_ context.Context, ids []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range ids {
		if c, ok := m.contacts[id]; ok && c.Status == store.ContactPending {
			c.Status = store.ContactQueued
			c.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (m *Store) QueuedContacts(_ context.Context, campaignID string, limit int) ([]*store.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Contact
	for _, c := range m.contacts {
		if c.CampaignID == campaignID && c.Status == store.ContactQueued {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.rowSeq[out[i].ID] < m.rowSeq[out[j].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Store) MarkContactCalling(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[id]
	if !ok || c.Status != store.ContactQueued {
		return false, nil
	}
	now := time.Now()
	c.Status = store.ContactCalling
	c.LastAttemptAt = &now
	c.UpdatedAt = now
	return true, nil
}

func (m *Store) SettleContact(_ context.Context, campaignID, contactID string, s store.Settlement) (store.SettleResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res store.SettleResult
	c, ok := m.contacts[contactID]
	if ok && c.CampaignID == campaignID &&
		(c.Status == store.ContactQueued || c.Status == store.ContactCalling) {
		c.Status = s.Status
		c.FailureReason = s.FailureReason
		if s.IncrementRetry {
			c.RetryCount++
		}
		c.NextRetryAt = s.NextRetryAt
		c.UpdatedAt = time.Now()
		res.Applied = true

		if !s.Counters.Zero() {
			if camp, ok := m.campaigns[campaignID]; ok && !camp.Status.Frozen() {
				applyDelta(&camp.Counters, s.Counters)
				camp.UpdatedAt = time.Now()
			}
		}
	}

	for _, other := range m.contacts {
		if other.CampaignID != campaignID {
			continue
		}
		switch other.Status {
		case store.ContactPending, store.ContactQueued, store.ContactCalling:
			res.Unsettled++
		}
	}
	return res, nil
}

func (m *Store) RequeueFailed(_ context.Context, campaignID string, maxRetries int, delay time.Duration) (int, error) {
	next := time.Now().Add(delay)

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.contacts {
		if c.CampaignID == campaignID && c.Status == store.ContactFailed && c.RetryCount < maxRetries {
			c.Status = store.ContactPending
			c.NextRetryAt = &next
			c.FailureReason = ""
			c.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (m *Store) SkipUnsettled(_ context.Context, campaignID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.contacts {
		if c.CampaignID != campaignID {
			continue
		}
		if c.Status == store.ContactPending || c.Status == store.ContactQueued {
			c.Status = store.ContactSkipped
			c.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (m *Store) ContactStatusCounts(_ context.Context, campaignID string) (map[store.ContactStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[store.ContactStatus]int)
	for _, c := range m.contacts {
		if c.CampaignID == campaignID {
			counts[c.Status]++
		}
	}
	return counts, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// SessionStore
// ─────────────────────────────────────────────────────────────────────────────

func (m *Store) CreateSession(_ context.Context, s *store.CallSession) error {
	if s.ID == "" {
		return errors.New("store: session id is required")
	}
	if s.Status == "" {
		s.Status = store.SessionInitiated
	}
	if s.OutboundStatus == "" {
		s.OutboundStatus = store.OutboundQueued
	}
	if s.Direction == "" {
		s.Direction = store.DirectionOutbound
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("store: session %q already exists", s.ID)
	}
	now := time.Now()
	s.CreatedAt, s.UpdatedAt = now, now
	cp := *s
	m.sessions[s.ID] = &cp
	m.nextSeq(s.ID)
	return nil
}

func (m *Store) GetSession(_ context.Context, id string) (*store.CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("store: session %q: %w", id, store.ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (m *Store) GetSessionByExternalID(_ context.Context, externalID string) (*store.CallSession, error) {
	if externalID == "" {
		return nil, fmt.Errorf("store: empty external call id: %w", store.ErrNotFound)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *store.CallSession
	for _, s := range m.sessions {
		if s.ExternalCallID != externalID {
			continue
		}
		if found == nil || m.rowSeq[s.ID] > m.rowSeq[found.ID] {
			found = s
		}
	}
	if found == nil {
		return nil, fmt.Errorf("store: session with call id %q: %w", externalID, store.ErrNotFound)
	}
	cp := *found
	return &cp, nil
}

func (m *Store) FindRecentSession(_ context.Context, from, to string, since time.Time) (*store.CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *store.CallSession
	for _, s := range m.sessions {
		if s.FromNumber != from || s.ToNumber != to || s.CreatedAt.Before(since) {
			continue
		}
		if found == nil || better(m.rowSeq, s, found) {
			found = s
		}
	}
	if found == nil {
		return nil, fmt.Errorf("store: session %s→%s: %w", from, to, store.ErrNotFound)
	}
	cp := *found
	return &cp, nil
}

// better prefers in-flight sessions, then newer ones, matching the Postgres
// ORDER BY.
func better(seq map[string]int, a, b *store.CallSession) bool {
	aLive, bLive := !a.Status.Terminal(), !b.Status.Terminal()
	if aLive != bLive {
		return aLive
	}
	return seq[a.ID] > seq[b.ID]
}

func (m *Store) MarkRinging(_ context.Context, id, externalID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status != store.SessionInitiated {
		return false, nil
	}
	now := time.Now()
	s.Status = store.SessionRinging
	s.OutboundStatus = store.OutboundRinging
	s.ExternalCallID = externalID
	if s.InitiatedAt == nil {
		s.InitiatedAt = &now
	}
	s.UpdatedAt = now
	return true, nil
}

func (m *Store) MarkConnected(_ context.Context, id string, startedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || (s.Status != store.SessionInitiated && s.Status != store.SessionRinging) {
		return false, nil
	}
	s.Status = store.SessionInProgress
	s.OutboundStatus = store.OutboundConnected
	s.StartedAt = &startedAt
	s.UpdatedAt = time.Now()
	return true, nil
}

func (m *Store) FinishSession(_ context.Context, id string, fin store.SessionFinish) (bool, error) {
	if !fin.Status.Terminal() {
		return false, fmt.Errorf("store: finish session %q: %s is not terminal", id, fin.Status)
	}
	endedAt := fin.EndedAt
	if endedAt.IsZero() {
		endedAt = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status.Terminal() {
		return false, nil
	}
	s.Status = fin.Status
	if fin.OutboundStatus != "" {
		s.OutboundStatus = fin.OutboundStatus
	}
	if fin.FailureReason != "" {
		s.FailureReason = fin.FailureReason
	}
	if fin.RecordingURL != "" {
		s.RecordingURL = fin.RecordingURL
	}
	s.EndedAt = &endedAt
	switch {
	case fin.DurationSec != nil:
		s.DurationSec = *fin.DurationSec
	case s.StartedAt != nil:
		if d := int(endedAt.Sub(*s.StartedAt).Seconds()); d > 0 {
			s.DurationSec = d
		} else {
			s.DurationSec = 0
		}
	default:
		s.DurationSec = 0
	}
	s.UpdatedAt = time.Now()
	return true, nil
}

func (m *Store) SetSessionMeta(_ context.Context, id, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("store: session %q: %w", id, store.ErrNotFound)
	}
	if s.Metadata == nil {
		s.Metadata = make(map[string]any)
	}
	s.Metadata[key] = value
	s.UpdatedAt = time.Now()
	return nil
}

func (m *Store) AppendLanguageSwitch(_ context.Context, id string, sw types.LanguageSwitch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("store: session %q: %w", id, store.ErrNotFound)
	}
	s.LanguageSwitches = append(s.LanguageSwitches, sw)
	s.UpdatedAt = time.Now()
	return nil
}

func (m *Store) UpdateSessionCost(_ context.Context, id string, cost types.CostBreakdown) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("store: session %q: %w", id, store.ErrNotFound)
	}
	s.Cost = cost
	s.UpdatedAt = time.Now()
	return nil
}

func (m *Store) AppendTranscript(_ context.Context, sessionID string, entries []types.TranscriptEntry) error {
	if len(entries) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	have := make(map[int]bool)
	for _, e := range m.transcripts[sessionID] {
		have[e.Seq] = true
	}
	for _, e := range entries {
		if have[e.Seq] {
			continue
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now()
		}
		m.transcripts[sessionID] = append(m.transcripts[sessionID], e)
		have[e.Seq] = true
	}
	return nil
}

func (m *Store) ListTranscript(_ context.Context, sessionID string) ([]types.TranscriptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]types.TranscriptEntry(nil), m.transcripts[sessionID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *Store) ListActiveSessions(_ context.Context, campaignID string) ([]*store.CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.CallSession
	for _, s := range m.sessions {
		if s.CampaignID == campaignID && !s.Status.Terminal() {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.rowSeq[out[i].ID] < m.rowSeq[out[j].ID] })
	return out, nil
}

func (m *Store) ListStuckSessions(_ context.Context, updatedBefore time.Time) ([]*store.CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.CallSession
	for _, s := range m.sessions {
		if !s.Status.Terminal() && s.UpdatedAt.Before(updatedBefore) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// AgentStore / PhoneStore
// ─────────────────────────────────────────────────────────────────────────────

func (m *Store) GetAgent(_ context.Context, id string) (*store.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("store: agent %q: %w", id, store.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (m *Store) GetPhone(_ context.Context, id string) (*store.Phone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.phones[id]
	if !ok {
		return nil, fmt.Errorf("store: phone %q: %w", id, store.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}
