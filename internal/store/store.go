package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrConflict signals an illegal state transition or duplicate identifier.
	ErrConflict = errors.New("store: conflict")
)

// ListCallsQuery filters call history pages.
type ListCallsQuery struct {
	Page    int
	PerPage int
	Status  CallStatus
}

// ContactUpdate carries the mutable fields of a campaign contact. Nil fields
// are left untouched.
type ContactUpdate struct {
	Status       *ContactStatus
	CallID       *string
	ErrorMessage *string
	CompletedAt  *time.Time
}

// Gateway is the narrow persistence interface the engine depends on.
// Implementations must make InsertCall idempotent on call_id and preserve
// per-call insertion order in AppendMessage.
type Gateway interface {
	// Calls
	InsertCall(ctx context.Context, c Call) error
	SetCallSwitchUUID(ctx context.Context, callID, switchUUID string) error
	AppendMessage(ctx context.Context, m CallMessage) error
	FinalizeCall(ctx context.Context, callID string, outcome CallStatus, endTime time.Time, durationSeconds float64, summary string) error
	GetCall(ctx context.Context, callID string) (Call, error)
	ListCalls(ctx context.Context, q ListCallsQuery) ([]Call, int, error)
	DeleteCall(ctx context.Context, callID string) error
	// FailInFlightCalls marks every row still "active" as failed. Called once
	// on startup: in-memory sessions do not survive a restart.
	FailInFlightCalls(ctx context.Context, at time.Time) (int, error)

	// Prompts
	CreatePrompt(ctx context.Context, p Prompt) (Prompt, error)
	UpdatePrompt(ctx context.Context, p Prompt) (Prompt, error)
	DeletePrompt(ctx context.Context, id int64) error
	GetPrompt(ctx context.Context, id int64) (Prompt, error)
	ListPrompts(ctx context.Context) ([]Prompt, error)
	// ActivatePrompt atomically swaps the single active prompt.
	ActivatePrompt(ctx context.Context, id int64) error
	GetActivePrompt(ctx context.Context) (Prompt, error)
	SetGreetingDuration(ctx context.Context, id int64, ms float64) error

	// Campaigns
	CreateCampaign(ctx context.Context, c Campaign) (Campaign, error)
	GetCampaign(ctx context.Context, id int64) (Campaign, error)
	ListCampaigns(ctx context.Context) ([]Campaign, error)
	SetCampaignStatus(ctx context.Context, id int64, status CampaignStatus, at time.Time) error
	DeleteCampaign(ctx context.Context, id int64) error
	// AddContacts inserts contacts, silently skipping numbers already present
	// in the campaign. Returns (imported, duplicates).
	AddContacts(ctx context.Context, campaignID int64, contacts []CampaignContact) (int, int, error)
	// ClaimPendingContacts atomically moves up to limit pending contacts to
	// "calling" (attempts incremented) and returns them.
	ClaimPendingContacts(ctx context.Context, campaignID int64, limit int, at time.Time) ([]CampaignContact, error)
	// RequeueContact returns a claimed contact to pending for a later retry.
	RequeueContact(ctx context.Context, contactID int64) error
	UpdateContact(ctx context.Context, contactID int64, u ContactUpdate) error
	CountContacts(ctx context.Context, campaignID int64, status ContactStatus) (int, error)
	ListContacts(ctx context.Context, campaignID int64) ([]CampaignContact, error)
	RefreshCampaignCounters(ctx context.Context, campaignID int64) (Campaign, error)

	// Schedules
	CreateScheduledCall(ctx context.Context, s ScheduledCall) (ScheduledCall, error)
	ListScheduledCalls(ctx context.Context) ([]ScheduledCall, error)
	// DueScheduledCalls returns pending rows with scheduled_time <= now.
	DueScheduledCalls(ctx context.Context, now time.Time) ([]ScheduledCall, error)
	SetScheduledCallStatus(ctx context.Context, id int64, status ScheduleStatus, callID string) error
	// CancelScheduledCall succeeds only while the row is still pending.
	CancelScheduledCall(ctx context.Context, id int64) error

	// Webhooks
	CreateWebhook(ctx context.Context, w WebhookConfig) (WebhookConfig, error)
	UpdateWebhook(ctx context.Context, w WebhookConfig) (WebhookConfig, error)
	DeleteWebhook(ctx context.Context, id int64) error
	GetWebhook(ctx context.Context, id int64) (WebhookConfig, error)
	ListWebhooks(ctx context.Context) ([]WebhookConfig, error)
	ActiveWebhooksForEvent(ctx context.Context, event string) ([]WebhookConfig, error)
	LogWebhookDelivery(ctx context.Context, d WebhookDelivery) error
	ListWebhookDeliveries(ctx context.Context, configID int64, limit int) ([]WebhookDelivery, error)

	// Settings
	GetSetting(ctx context.Context, key string) (Setting, error)
	SetSetting(ctx context.Context, key, value string, secret bool) error
	AllSettings(ctx context.Context) ([]Setting, error)
}
