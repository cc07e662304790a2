package store

import (
	"encoding/json"
	"time"
)

// Domain rows persisted by the gateway. Provider-specific payloads never land
// here; the switch UUID is the only piece of switch metadata kept on a call.

type CallStatus string

const (
	CallStatusActive    CallStatus = "active"
	CallStatusCompleted CallStatus = "completed"
	CallStatusFailed    CallStatus = "failed"
)

type CallDirection string

const (
	DirectionInbound  CallDirection = "inbound"
	DirectionOutbound CallDirection = "outbound"
)

type Call struct {
	ID           int64         `json:"id" db:"id"`
	CallID       string        `json:"call_id" db:"call_id"`
	SwitchUUID   string        `json:"switch_uuid,omitempty" db:"switch_uuid"`
	CallerNumber string        `json:"caller_number,omitempty" db:"caller_number"`
	CalledNumber string        `json:"called_number,omitempty" db:"called_number"`
	PromptID     int64         `json:"prompt_id,omitempty" db:"prompt_id"`
	Status       CallStatus    `json:"status" db:"status"`
	Direction    CallDirection `json:"direction" db:"direction"`

	StartTime       time.Time  `json:"start_time" db:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty" db:"end_time"`
	DurationSeconds float64    `json:"duration_seconds,omitempty" db:"duration_seconds"`
	Summary         string     `json:"summary,omitempty" db:"summary"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`

	// Messages is populated only by GetCall.
	Messages []CallMessage `json:"messages,omitempty" db:"-"`
}

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

type CallMessage struct {
	ID              int64       `json:"id" db:"id"`
	CallID          string      `json:"call_id" db:"call_id"`
	Role            MessageRole `json:"role" db:"role"`
	Content         string      `json:"content" db:"content"`
	AudioDurationMS int         `json:"audio_duration_ms,omitempty" db:"audio_duration_ms"`
	Timestamp       time.Time   `json:"timestamp" db:"timestamp"`
}

type Prompt struct {
	ID           int64   `json:"id" db:"id"`
	Name         string  `json:"name" db:"name"`
	Description  string  `json:"description,omitempty" db:"description"`
	SystemPrompt string  `json:"system_prompt" db:"system_prompt"`
	VoiceID      string  `json:"voice_id" db:"voice_id"`
	LLMModel     string  `json:"llm_model" db:"llm_model"`
	Temperature  float64 `json:"temperature" db:"temperature"`
	GreetingText string  `json:"greeting_text,omitempty" db:"greeting_text"`

	// GreetingDurationMS caches the measured greeting length from the first
	// synthesis so the UI can show expected talk time.
	GreetingDurationMS float64   `json:"greeting_duration_ms,omitempty" db:"greeting_duration_ms"`
	IsActive           bool      `json:"is_active" db:"is_active"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

type Setting struct {
	Key       string    `json:"key" db:"key"`
	Value     string    `json:"value" db:"value"`
	IsSecret  bool      `json:"is_secret" db:"is_secret"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// MaskedValue renders a secret setting for API responses: only the last four
// characters survive.
func (s Setting) MaskedValue() string {
	if !s.IsSecret || s.Value == "" {
		return s.Value
	}
	if len(s.Value) <= 4 {
		return "****"
	}
	return "****************" + s.Value[len(s.Value)-4:]
}

type CampaignStatus string

const (
	CampaignPending   CampaignStatus = "pending"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

type Campaign struct {
	ID            int64          `json:"id" db:"id"`
	Name          string         `json:"name" db:"name"`
	Description   string         `json:"description,omitempty" db:"description"`
	PromptID      int64          `json:"prompt_id,omitempty" db:"prompt_id"`
	Status        CampaignStatus `json:"status" db:"status"`
	MaxConcurrent int            `json:"max_concurrent" db:"max_concurrent"`

	TotalContacts     int `json:"total_contacts" db:"total_contacts"`
	CompletedContacts int `json:"completed_contacts" db:"completed_contacts"`
	FailedContacts    int `json:"failed_contacts" db:"failed_contacts"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

type ContactStatus string

const (
	ContactPending   ContactStatus = "pending"
	ContactCalling   ContactStatus = "calling"
	ContactCompleted ContactStatus = "completed"
	ContactFailed    ContactStatus = "failed"
)

type CampaignContact struct {
	ID          int64         `json:"id" db:"id"`
	CampaignID  int64         `json:"campaign_id" db:"campaign_id"`
	PhoneNumber string        `json:"phone_number" db:"phone_number"`
	Name        string        `json:"name,omitempty" db:"name"`
	ExtraData   string        `json:"-" db:"extra_data"`
	Status      ContactStatus `json:"status" db:"status"`
	CallID      string        `json:"call_id,omitempty" db:"call_id"`
	Attempts    int           `json:"attempts" db:"attempts"`

	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	ErrorMessage  string     `json:"error_message,omitempty" db:"error_message"`
}

// Extra decodes the metadata columns carried over from CSV import.
func (c CampaignContact) Extra() map[string]string {
	if c.ExtraData == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(c.ExtraData), &m); err != nil {
		return nil
	}
	return m
}

type ScheduleStatus string

const (
	SchedulePending   ScheduleStatus = "pending"
	ScheduleExecuting ScheduleStatus = "executing"
	ScheduleCompleted ScheduleStatus = "completed"
	ScheduleCancelled ScheduleStatus = "cancelled"
	ScheduleFailed    ScheduleStatus = "failed"
)

type ScheduledCall struct {
	ID            int64          `json:"id" db:"id"`
	PhoneNumber   string         `json:"phone_number" db:"phone_number"`
	PromptID      int64          `json:"prompt_id,omitempty" db:"prompt_id"`
	ScheduledTime time.Time      `json:"scheduled_time" db:"scheduled_time"`
	Status        ScheduleStatus `json:"status" db:"status"`
	CallID        string         `json:"call_id,omitempty" db:"call_id"`
	Notes         string         `json:"notes,omitempty" db:"notes"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`
}

type WebhookConfig struct {
	ID        int64     `json:"id" db:"id"`
	URL       string    `json:"url" db:"url"`
	Events    []string  `json:"events" db:"events"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	Secret    string    `json:"-" db:"secret"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// SubscribedTo reports whether the config wants the given event. An empty
// event list means "all events".
func (w WebhookConfig) SubscribedTo(event string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

type WebhookDelivery struct {
	ID           int64     `json:"id" db:"id"`
	ConfigID     int64     `json:"config_id" db:"config_id"`
	EventType    string    `json:"event_type" db:"event_type"`
	Payload      string    `json:"-" db:"payload"`
	StatusCode   int       `json:"status_code,omitempty" db:"status_code"`
	ResponseBody string    `json:"-" db:"response_body"`
	Attempt      int       `json:"attempt" db:"attempt"`
	Success      bool      `json:"success" db:"success"`
	ErrorMessage string    `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
