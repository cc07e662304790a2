package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-memory Gateway for tests and early development. It mirrors
// the Postgres semantics: idempotent InsertCall, ordered messages, atomic
// prompt activation, pending-only schedule cancellation.
type Memory struct {
	mu sync.Mutex

	calls    map[string]*Call
	messages map[string][]CallMessage

	prompts      map[int64]*Prompt
	nextPromptID int64

	campaigns      map[int64]*Campaign
	nextCampaignID int64
	contacts       map[int64]*CampaignContact
	nextContactID  int64

	schedules      map[int64]*ScheduledCall
	nextScheduleID int64

	webhooks      map[int64]*WebhookConfig
	nextWebhookID int64
	deliveries    []WebhookDelivery

	settings map[string]Setting
}

func NewMemory() *Memory {
	return &Memory{
		calls:     map[string]*Call{},
		messages:  map[string][]CallMessage{},
		prompts:   map[int64]*Prompt{},
		campaigns: map[int64]*Campaign{},
		contacts:  map[int64]*CampaignContact{},
		schedules: map[int64]*ScheduledCall{},
		webhooks:  map[int64]*WebhookConfig{},
		settings:  map[string]Setting{},
	}
}

var _ Gateway = (*Memory)(nil)

/* ===================== CALLS ===================== */

func (m *Memory) InsertCall(ctx context.Context, c Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.calls[c.CallID]; ok {
		return nil
	}
	c.ID = int64(len(m.calls) + 1)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	cp := c
	m.calls[c.CallID] = &cp
	return nil
}

func (m *Memory) SetCallSwitchUUID(ctx context.Context, callID, switchUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return ErrNotFound
	}
	c.SwitchUUID = switchUUID
	return nil
}

func (m *Memory) AppendMessage(ctx context.Context, msg CallMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.ID = int64(len(m.messages[msg.CallID]) + 1)
	m.messages[msg.CallID] = append(m.messages[msg.CallID], msg)
	return nil
}

func (m *Memory) FinalizeCall(ctx context.Context, callID string, outcome CallStatus, endTime time.Time, durationSeconds float64, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return ErrNotFound
	}
	c.Status = outcome
	c.EndTime = &endTime
	c.DurationSeconds = durationSeconds
	if summary != "" {
		c.Summary = summary
	}
	return nil
}

func (m *Memory) GetCall(ctx context.Context, callID string) (Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return Call{}, ErrNotFound
	}
	out := *c
	out.Messages = append([]CallMessage(nil), m.messages[callID]...)
	return out, nil
}

func (m *Memory) ListCalls(ctx context.Context, q ListCallsQuery) ([]Call, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.PerPage <= 0 {
		q.PerPage = 50
	}
	var all []Call
	for _, c := range m.calls {
		if q.Status != "" && c.Status != q.Status {
			continue
		}
		all = append(all, *c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartTime.After(all[j].StartTime) })
	total := len(all)
	start := (q.Page - 1) * q.PerPage
	if start >= len(all) {
		return nil, total, nil
	}
	end := start + q.PerPage
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

func (m *Memory) DeleteCall(ctx context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.calls[callID]; !ok {
		return ErrNotFound
	}
	delete(m.calls, callID)
	delete(m.messages, callID)
	return nil
}

func (m *Memory) FailInFlightCalls(ctx context.Context, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Status == CallStatusActive {
			c.Status = CallStatusFailed
			c.EndTime = &at
			n++
		}
	}
	return n, nil
}

/* ===================== PROMPTS ===================== */

func (m *Memory) CreatePrompt(ctx context.Context, p Prompt) (Prompt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPromptID++
	p.ID = m.nextPromptID
	p.IsActive = false
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	cp := p
	m.prompts[p.ID] = &cp
	return p, nil
}

func (m *Memory) UpdatePrompt(ctx context.Context, p Prompt) (Prompt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.prompts[p.ID]
	if !ok {
		return Prompt{}, ErrNotFound
	}
	p.IsActive = cur.IsActive
	p.CreatedAt = cur.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	cp := p
	m.prompts[p.ID] = &cp
	return p, nil
}

func (m *Memory) DeletePrompt(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.prompts[id]; !ok {
		return ErrNotFound
	}
	delete(m.prompts, id)
	return nil
}

func (m *Memory) GetPrompt(ctx context.Context, id int64) (Prompt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prompts[id]
	if !ok {
		return Prompt{}, ErrNotFound
	}
	return *p, nil
}

func (m *Memory) ListPrompts(ctx context.Context) ([]Prompt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Prompt, 0, len(m.prompts))
	for _, p := range m.prompts {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ActivatePrompt(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.prompts[id]
	if !ok {
		return ErrNotFound
	}
	for _, p := range m.prompts {
		p.IsActive = false
	}
	target.IsActive = true
	return nil
}

func (m *Memory) GetActivePrompt(ctx context.Context) (Prompt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.prompts {
		if p.IsActive {
			return *p, nil
		}
	}
	return Prompt{}, ErrNotFound
}

func (m *Memory) SetGreetingDuration(ctx context.Context, id int64, ms float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prompts[id]
	if !ok {
		return ErrNotFound
	}
	p.GreetingDurationMS = ms
	return nil
}

/* ===================== CAMPAIGNS ===================== */

func (m *Memory) CreateCampaign(ctx context.Context, c Campaign) (Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextCampaignID++
	c.ID = m.nextCampaignID
	c.Status = CampaignPending
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	cp := c
	m.campaigns[c.ID] = &cp
	return c, nil
}

func (m *Memory) GetCampaign(ctx context.Context, id int64) (Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return *c, nil
}

func (m *Memory) ListCampaigns(ctx context.Context) ([]Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Campaign, 0, len(m.campaigns))
	for _, c := range m.campaigns {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *Memory) SetCampaignStatus(ctx context.Context, id int64, status CampaignStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = at
	switch status {
	case CampaignRunning:
		if c.StartedAt == nil {
			t := at
			c.StartedAt = &t
		}
	case CampaignCompleted:
		t := at
		c.CompletedAt = &t
	}
	return nil
}

func (m *Memory) DeleteCampaign(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.campaigns[id]; !ok {
		return ErrNotFound
	}
	delete(m.campaigns, id)
	for cid, c := range m.contacts {
		if c.CampaignID == id {
			delete(m.contacts, cid)
		}
	}
	return nil
}

func (m *Memory) AddContacts(ctx context.Context, campaignID int64, contacts []CampaignContact) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	camp, ok := m.campaigns[campaignID]
	if !ok {
		return 0, 0, ErrNotFound
	}
	existing := map[string]bool{}
	for _, c := range m.contacts {
		if c.CampaignID == campaignID {
			existing[c.PhoneNumber] = true
		}
	}
	imported, duplicates := 0, 0
	for _, c := range contacts {
		if existing[c.PhoneNumber] {
			duplicates++
			continue
		}
		existing[c.PhoneNumber] = true
		m.nextContactID++
		c.ID = m.nextContactID
		c.CampaignID = campaignID
		c.Status = ContactPending
		cp := c
		m.contacts[c.ID] = &cp
		imported++
	}
	camp.TotalContacts += imported
	return imported, duplicates, nil
}

func (m *Memory) ClaimPendingContacts(ctx context.Context, campaignID int64, limit int, at time.Time) ([]CampaignContact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		return nil, nil
	}
	var ids []int64
	for id, c := range m.contacts {
		if c.CampaignID == campaignID && c.Status == ContactPending {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]CampaignContact, 0, len(ids))
	for _, id := range ids {
		c := m.contacts[id]
		c.Status = ContactCalling
		c.Attempts++
		t := at
		c.LastAttemptAt = &t
		out = append(out, *c)
	}
	return out, nil
}

func (m *Memory) RequeueContact(ctx context.Context, contactID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[contactID]
	if !ok {
		return ErrNotFound
	}
	c.Status = ContactPending
	c.CallID = ""
	return nil
}

func (m *Memory) UpdateContact(ctx context.Context, contactID int64, u ContactUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[contactID]
	if !ok {
		return ErrNotFound
	}
	if u.Status != nil {
		c.Status = *u.Status
	}
	if u.CallID != nil {
		c.CallID = *u.CallID
	}
	if u.ErrorMessage != nil {
		c.ErrorMessage = *u.ErrorMessage
	}
	if u.CompletedAt != nil {
		c.CompletedAt = u.CompletedAt
	}
	return nil
}

func (m *Memory) CountContacts(ctx context.Context, campaignID int64, status ContactStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.contacts {
		if c.CampaignID == campaignID && c.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListContacts(ctx context.Context, campaignID int64) ([]CampaignContact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []CampaignContact
	for _, c := range m.contacts {
		if c.CampaignID == campaignID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) RefreshCampaignCounters(ctx context.Context, campaignID int64) (Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	camp, ok := m.campaigns[campaignID]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	completed, failed := 0, 0
	for _, c := range m.contacts {
		if c.CampaignID != campaignID {
			continue
		}
		switch c.Status {
		case ContactCompleted:
			completed++
		case ContactFailed:
			failed++
		}
	}
	camp.CompletedContacts = completed
	camp.FailedContacts = failed
	camp.UpdatedAt = time.Now().UTC()
	return *camp, nil
}

/* ===================== SCHEDULES ===================== */

func (m *Memory) CreateScheduledCall(ctx context.Context, s ScheduledCall) (ScheduledCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextScheduleID++
	s.ID = m.nextScheduleID
	s.Status = SchedulePending
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	cp := s
	m.schedules[s.ID] = &cp
	return s, nil
}

func (m *Memory) ListScheduledCalls(ctx context.Context) ([]ScheduledCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ScheduledCall, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Before(out[j].ScheduledTime) })
	return out, nil
}

func (m *Memory) DueScheduledCalls(ctx context.Context, now time.Time) ([]ScheduledCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ScheduledCall
	for _, s := range m.schedules {
		if s.Status == SchedulePending && !s.ScheduledTime.After(now) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Before(out[j].ScheduledTime) })
	return out, nil
}

func (m *Memory) SetScheduledCallStatus(ctx context.Context, id int64, status ScheduleStatus, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	if callID != "" {
		s.CallID = callID
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) CancelScheduledCall(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status != SchedulePending {
		return ErrConflict
	}
	s.Status = ScheduleCancelled
	s.UpdatedAt = time.Now().UTC()
	return nil
}

/* ===================== WEBHOOKS ===================== */

func (m *Memory) CreateWebhook(ctx context.Context, w WebhookConfig) (WebhookConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextWebhookID++
	w.ID = m.nextWebhookID
	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now
	cp := w
	m.webhooks[w.ID] = &cp
	return w, nil
}

func (m *Memory) UpdateWebhook(ctx context.Context, w WebhookConfig) (WebhookConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.webhooks[w.ID]
	if !ok {
		return WebhookConfig{}, ErrNotFound
	}
	w.CreatedAt = cur.CreatedAt
	w.UpdatedAt = time.Now().UTC()
	cp := w
	m.webhooks[w.ID] = &cp
	return w, nil
}

func (m *Memory) DeleteWebhook(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.webhooks[id]; !ok {
		return ErrNotFound
	}
	delete(m.webhooks, id)
	return nil
}

func (m *Memory) GetWebhook(ctx context.Context, id int64) (WebhookConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.webhooks[id]
	if !ok {
		return WebhookConfig{}, ErrNotFound
	}
	return *w, nil
}

func (m *Memory) ListWebhooks(ctx context.Context) ([]WebhookConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WebhookConfig, 0, len(m.webhooks))
	for _, w := range m.webhooks {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ActiveWebhooksForEvent(ctx context.Context, event string) ([]WebhookConfig, error) {
	all, err := m.ListWebhooks(ctx)
	if err != nil {
		return nil, err
	}
	var out []WebhookConfig
	for _, w := range all {
		if w.IsActive && w.SubscribedTo(event) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *Memory) LogWebhookDelivery(ctx context.Context, d WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.ID = int64(len(m.deliveries) + 1)
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	m.deliveries = append(m.deliveries, d)
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, configID int64, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []WebhookDelivery
	for i := len(m.deliveries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.deliveries[i].ConfigID == configID {
			out = append(out, m.deliveries[i])
		}
	}
	return out, nil
}

/* ===================== SETTINGS ===================== */

func (m *Memory) GetSetting(ctx context.Context, key string) (Setting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settings[strings.TrimSpace(key)]
	if !ok {
		return Setting{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) SetSetting(ctx context.Context, key, value string, secret bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[strings.TrimSpace(key)] = Setting{
		Key: strings.TrimSpace(key), Value: value, IsSecret: secret, UpdatedAt: time.Now().UTC(),
	}
	return nil
}

func (m *Memory) AllSettings(ctx context.Context) ([]Setting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Setting, 0, len(m.settings))
	for _, s := range m.settings {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
