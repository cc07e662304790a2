package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"voicebridge/pkg/utils"
)

// Postgres implements Gateway on database/sql with the pgx stdlib driver.
//
// Expected schema (managed outside this binary):
//
//	calls(id bigserial pk, call_id text unique, switch_uuid text, caller_number text,
//	      called_number text, prompt_id bigint, status text, direction text,
//	      start_time timestamptz, end_time timestamptz, duration_seconds double precision,
//	      summary text, created_at timestamptz default now())
//	call_messages(id bigserial pk, call_id text references calls(call_id) on delete cascade,
//	      role text, content text, audio_duration_ms int, ts timestamptz)
//	prompts(id bigserial pk, name text unique, description text, system_prompt text,
//	      voice_id text, llm_model text, temperature double precision, greeting_text text,
//	      greeting_duration_ms double precision, is_active bool, created_at, updated_at)
//	settings(key text pk, value text, is_secret bool, updated_at timestamptz)
//	campaigns(id bigserial pk, name, description, prompt_id, status, max_concurrent int,
//	      total_contacts int, completed_contacts int, failed_contacts int,
//	      created_at, updated_at, started_at, completed_at)
//	campaign_contacts(id bigserial pk, campaign_id bigint references campaigns on delete cascade,
//	      phone_number text, name text, extra_data text, status text, call_id text,
//	      attempts int, last_attempt_at, completed_at, error_message text,
//	      unique(campaign_id, phone_number))
//	scheduled_calls(id bigserial pk, phone_number, prompt_id, scheduled_time timestamptz,
//	      status text, call_id text, notes text, created_at, updated_at)
//	webhook_configs(id bigserial pk, url text, events text, is_active bool, secret text,
//	      created_at, updated_at)
//	webhook_logs(id bigserial pk, config_id bigint references webhook_configs on delete cascade,
//	      event_type text, payload text, status_code int, response_body text,
//	      attempt int, success bool, error_message text, created_at timestamptz)
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

var _ Gateway = (*Postgres)(nil)

/* ===================== CALLS ===================== */

func (p *Postgres) InsertCall(ctx context.Context, c Call) error {
	if c.CallID == "" {
		return fmt.Errorf("%w: call_id required", ErrConflict)
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO calls (call_id, switch_uuid, caller_number, called_number, prompt_id,
		                   status, direction, start_time, created_at)
		VALUES ($1, NULLIF($2,''), NULLIF($3,''), NULLIF($4,''), NULLIF($5,0),
		        $6, $7, $8, $9)
		ON CONFLICT (call_id) DO NOTHING`,
		c.CallID, c.SwitchUUID, c.CallerNumber, c.CalledNumber, c.PromptID,
		c.Status, c.Direction, c.StartTime, time.Now().UTC())
	return err
}

func (p *Postgres) SetCallSwitchUUID(ctx context.Context, callID, switchUUID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE calls SET switch_uuid = $2 WHERE call_id = $1`, callID, switchUUID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *Postgres) AppendMessage(ctx context.Context, m CallMessage) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO call_messages (call_id, role, content, audio_duration_ms, ts)
		VALUES ($1, $2, $3, NULLIF($4,0), $5)`,
		m.CallID, m.Role, m.Content, m.AudioDurationMS, m.Timestamp)
	return err
}

func (p *Postgres) FinalizeCall(ctx context.Context, callID string, outcome CallStatus, endTime time.Time, durationSeconds float64, summary string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE calls
		SET status = $2, end_time = $3, duration_seconds = $4, summary = NULLIF($5,'')
		WHERE call_id = $1`,
		callID, outcome, endTime, durationSeconds, summary)
	if err != nil {
		return err
	}
	return requireRow(res)
}

const callColumns = `id, call_id, COALESCE(switch_uuid,''), COALESCE(caller_number,''),
	COALESCE(called_number,''), COALESCE(prompt_id,0), status, direction,
	start_time, end_time, COALESCE(duration_seconds,0), COALESCE(summary,''), created_at`

func scanCall(row interface{ Scan(...any) error }) (Call, error) {
	var c Call
	var end sql.NullTime
	err := row.Scan(&c.ID, &c.CallID, &c.SwitchUUID, &c.CallerNumber, &c.CalledNumber,
		&c.PromptID, &c.Status, &c.Direction, &c.StartTime, &end,
		&c.DurationSeconds, &c.Summary, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Call{}, ErrNotFound
	}
	if err != nil {
		return Call{}, err
	}
	if end.Valid {
		c.EndTime = &end.Time
	}
	return c, nil
}

func (p *Postgres) GetCall(ctx context.Context, callID string) (Call, error) {
	c, err := scanCall(p.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE call_id = $1`, callID))
	if err != nil {
		return Call{}, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, call_id, role, content, COALESCE(audio_duration_ms,0), ts
		FROM call_messages WHERE call_id = $1 ORDER BY id`, callID)
	if err != nil {
		return Call{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var m CallMessage
		if err := rows.Scan(&m.ID, &m.CallID, &m.Role, &m.Content, &m.AudioDurationMS, &m.Timestamp); err != nil {
			return Call{}, err
		}
		c.Messages = append(c.Messages, m)
	}
	return c, rows.Err()
}

func (p *Postgres) ListCalls(ctx context.Context, q ListCallsQuery) ([]Call, int, error) {
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.PerPage <= 0 || q.PerPage > 200 {
		q.PerPage = 50
	}

	where, args := "", []any{}
	if q.Status != "" {
		where = " WHERE status = $1"
		args = append(args, q.Status)
	}

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM calls`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, q.PerPage, (q.Page-1)*q.PerPage)
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+callColumns+` FROM calls`+where+
			fmt.Sprintf(` ORDER BY start_time DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]Call, 0, q.PerPage)
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

func (p *Postgres) DeleteCall(ctx context.Context, callID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM calls WHERE call_id = $1`, callID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *Postgres) FailInFlightCalls(ctx context.Context, at time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE calls SET status = $1, end_time = $2
		WHERE status = $3`,
		CallStatusFailed, at, CallStatusActive)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

/* ===================== PROMPTS ===================== */

const promptColumns = `id, name, COALESCE(description,''), system_prompt, voice_id, llm_model,
	temperature, COALESCE(greeting_text,''), COALESCE(greeting_duration_ms,0),
	is_active, created_at, updated_at`

func scanPrompt(row interface{ Scan(...any) error }) (Prompt, error) {
	var pr Prompt
	err := row.Scan(&pr.ID, &pr.Name, &pr.Description, &pr.SystemPrompt, &pr.VoiceID,
		&pr.LLMModel, &pr.Temperature, &pr.GreetingText, &pr.GreetingDurationMS,
		&pr.IsActive, &pr.CreatedAt, &pr.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Prompt{}, ErrNotFound
	}
	return pr, err
}

func (p *Postgres) CreatePrompt(ctx context.Context, pr Prompt) (Prompt, error) {
	now := time.Now().UTC()
	return scanPrompt(p.db.QueryRowContext(ctx, `
		INSERT INTO prompts (name, description, system_prompt, voice_id, llm_model,
		                     temperature, greeting_text, is_active, created_at, updated_at)
		VALUES ($1, NULLIF($2,''), $3, $4, $5, $6, NULLIF($7,''), false, $8, $8)
		RETURNING `+promptColumns,
		pr.Name, pr.Description, pr.SystemPrompt, pr.VoiceID, pr.LLMModel,
		pr.Temperature, pr.GreetingText, now))
}

func (p *Postgres) UpdatePrompt(ctx context.Context, pr Prompt) (Prompt, error) {
	return scanPrompt(p.db.QueryRowContext(ctx, `
		UPDATE prompts
		SET name = $2, description = NULLIF($3,''), system_prompt = $4, voice_id = $5,
		    llm_model = $6, temperature = $7, greeting_text = NULLIF($8,''), updated_at = $9
		WHERE id = $1
		RETURNING `+promptColumns,
		pr.ID, pr.Name, pr.Description, pr.SystemPrompt, pr.VoiceID,
		pr.LLMModel, pr.Temperature, pr.GreetingText, time.Now().UTC()))
}

func (p *Postgres) DeletePrompt(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM prompts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *Postgres) GetPrompt(ctx context.Context, id int64) (Prompt, error) {
	return scanPrompt(p.db.QueryRowContext(ctx,
		`SELECT `+promptColumns+` FROM prompts WHERE id = $1`, id))
}

func (p *Postgres) ListPrompts(ctx context.Context) ([]Prompt, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+promptColumns+` FROM prompts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Prompt
	for rows.Next() {
		pr, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

// ActivatePrompt swaps the single active prompt inside one transaction.
func (p *Postgres) ActivatePrompt(ctx context.Context, id int64) error {
	return utils.WithTx(ctx, p.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE prompts SET is_active = false WHERE is_active`); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE prompts SET is_active = true, updated_at = $2 WHERE id = $1`,
			id, time.Now().UTC())
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

func (p *Postgres) GetActivePrompt(ctx context.Context) (Prompt, error) {
	return scanPrompt(p.db.QueryRowContext(ctx,
		`SELECT `+promptColumns+` FROM prompts WHERE is_active LIMIT 1`))
}

func (p *Postgres) SetGreetingDuration(ctx context.Context, id int64, ms float64) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE prompts SET greeting_duration_ms = $2 WHERE id = $1`, id, ms)
	return err
}

/* ===================== CAMPAIGNS ===================== */

const campaignColumns = `id, name, COALESCE(description,''), COALESCE(prompt_id,0), status,
	max_concurrent, total_contacts, completed_contacts, failed_contacts,
	created_at, updated_at, started_at, completed_at`

func scanCampaign(row interface{ Scan(...any) error }) (Campaign, error) {
	var c Campaign
	var started, completed sql.NullTime
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.PromptID, &c.Status,
		&c.MaxConcurrent, &c.TotalContacts, &c.CompletedContacts, &c.FailedContacts,
		&c.CreatedAt, &c.UpdatedAt, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, ErrNotFound
	}
	if err != nil {
		return Campaign{}, err
	}
	if started.Valid {
		c.StartedAt = &started.Time
	}
	if completed.Valid {
		c.CompletedAt = &completed.Time
	}
	return c, nil
}

func (p *Postgres) CreateCampaign(ctx context.Context, c Campaign) (Campaign, error) {
	now := time.Now().UTC()
	return scanCampaign(p.db.QueryRowContext(ctx, `
		INSERT INTO campaigns (name, description, prompt_id, status, max_concurrent,
		                       total_contacts, completed_contacts, failed_contacts,
		                       created_at, updated_at)
		VALUES ($1, NULLIF($2,''), NULLIF($3,0), $4, $5, 0, 0, 0, $6, $6)
		RETURNING `+campaignColumns,
		c.Name, c.Description, c.PromptID, CampaignPending, c.MaxConcurrent, now))
}

func (p *Postgres) GetCampaign(ctx context.Context, id int64) (Campaign, error) {
	return scanCampaign(p.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
}

func (p *Postgres) ListCampaigns(ctx context.Context) ([]Campaign, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) SetCampaignStatus(ctx context.Context, id int64, status CampaignStatus, at time.Time) error {
	q := `UPDATE campaigns SET status = $2, updated_at = $3`
	switch status {
	case CampaignRunning:
		q += `, started_at = COALESCE(started_at, $3)`
	case CampaignCompleted:
		q += `, completed_at = $3`
	}
	q += ` WHERE id = $1`
	res, err := p.db.ExecContext(ctx, q, id, status, at)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *Postgres) DeleteCampaign(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *Postgres) AddContacts(ctx context.Context, campaignID int64, contacts []CampaignContact) (int, int, error) {
	imported, duplicates := 0, 0
	err := utils.WithTx(ctx, p.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		for _, c := range contacts {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO campaign_contacts (campaign_id, phone_number, name, extra_data, status, attempts)
				VALUES ($1, $2, NULLIF($3,''), NULLIF($4,''), $5, 0)
				ON CONFLICT (campaign_id, phone_number) DO NOTHING`,
				campaignID, c.PhoneNumber, c.Name, c.ExtraData, ContactPending)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 1 {
				imported++
			} else {
				duplicates++
			}
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE campaigns
			SET total_contacts = (SELECT COUNT(*) FROM campaign_contacts WHERE campaign_id = $1),
			    updated_at = $2
			WHERE id = $1`,
			campaignID, time.Now().UTC())
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	return imported, duplicates, nil
}

const contactColumns = `id, campaign_id, phone_number, COALESCE(name,''), COALESCE(extra_data,''),
	status, COALESCE(call_id,''), attempts, last_attempt_at, completed_at, COALESCE(error_message,'')`

func scanContact(row interface{ Scan(...any) error }) (CampaignContact, error) {
	var c CampaignContact
	var lastAttempt, completed sql.NullTime
	err := row.Scan(&c.ID, &c.CampaignID, &c.PhoneNumber, &c.Name, &c.ExtraData,
		&c.Status, &c.CallID, &c.Attempts, &lastAttempt, &completed, &c.ErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return CampaignContact{}, ErrNotFound
	}
	if err != nil {
		return CampaignContact{}, err
	}
	if lastAttempt.Valid {
		c.LastAttemptAt = &lastAttempt.Time
	}
	if completed.Valid {
		c.CompletedAt = &completed.Time
	}
	return c, nil
}

func (p *Postgres) ClaimPendingContacts(ctx context.Context, campaignID int64, limit int, at time.Time) ([]CampaignContact, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx, `
		UPDATE campaign_contacts
		SET status = $4, attempts = attempts + 1, last_attempt_at = $3
		WHERE id IN (
			SELECT id FROM campaign_contacts
			WHERE campaign_id = $1 AND status = $5
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+contactColumns,
		campaignID, limit, at, ContactCalling, ContactPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CampaignContact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) RequeueContact(ctx context.Context, contactID int64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE campaign_contacts SET status = $2, call_id = NULL WHERE id = $1`,
		contactID, ContactPending)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *Postgres) UpdateContact(ctx context.Context, contactID int64, u ContactUpdate) error {
	set, args := []string{}, []any{contactID}
	add := func(expr string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf(expr, len(args)))
	}
	if u.Status != nil {
		add("status = $%d", *u.Status)
	}
	if u.CallID != nil {
		add("call_id = NULLIF($%d,'')", *u.CallID)
	}
	if u.ErrorMessage != nil {
		add("error_message = NULLIF($%d,'')", *u.ErrorMessage)
	}
	if u.CompletedAt != nil {
		add("completed_at = $%d", *u.CompletedAt)
	}
	if len(set) == 0 {
		return nil
	}
	q := "UPDATE campaign_contacts SET " + joinSet(set) + " WHERE id = $1"
	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *Postgres) CountContacts(ctx context.Context, campaignID int64, status ContactStatus) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM campaign_contacts WHERE campaign_id = $1 AND status = $2`,
		campaignID, status).Scan(&n)
	return n, err
}

func (p *Postgres) ListContacts(ctx context.Context, campaignID int64) ([]CampaignContact, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM campaign_contacts WHERE campaign_id = $1 ORDER BY id`,
		campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CampaignContact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) RefreshCampaignCounters(ctx context.Context, campaignID int64) (Campaign, error) {
	return scanCampaign(p.db.QueryRowContext(ctx, `
		UPDATE campaigns SET
			completed_contacts = (SELECT COUNT(*) FROM campaign_contacts WHERE campaign_id = $1 AND status = $2),
			failed_contacts    = (SELECT COUNT(*) FROM campaign_contacts WHERE campaign_id = $1 AND status = $3),
			updated_at = $4
		WHERE id = $1
		RETURNING `+campaignColumns,
		campaignID, ContactCompleted, ContactFailed, time.Now().UTC()))
}

/* ===================== SCHEDULES ===================== */

const scheduleColumns = `id, phone_number, COALESCE(prompt_id,0), scheduled_time, status,
	COALESCE(call_id,''), COALESCE(notes,''), created_at, updated_at`

func scanSchedule(row interface{ Scan(...any) error }) (ScheduledCall, error) {
	var s ScheduledCall
	err := row.Scan(&s.ID, &s.PhoneNumber, &s.PromptID, &s.ScheduledTime, &s.Status,
		&s.CallID, &s.Notes, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledCall{}, ErrNotFound
	}
	return s, err
}

func (p *Postgres) CreateScheduledCall(ctx context.Context, s ScheduledCall) (ScheduledCall, error) {
	now := time.Now().UTC()
	return scanSchedule(p.db.QueryRowContext(ctx, `
		INSERT INTO scheduled_calls (phone_number, prompt_id, scheduled_time, status, notes, created_at, updated_at)
		VALUES ($1, NULLIF($2,0), $3, $4, NULLIF($5,''), $6, $6)
		RETURNING `+scheduleColumns,
		s.PhoneNumber, s.PromptID, s.ScheduledTime, SchedulePending, s.Notes, now))
}

func (p *Postgres) ListScheduledCalls(ctx context.Context) ([]ScheduledCall, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM scheduled_calls ORDER BY scheduled_time`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ScheduledCall
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) DueScheduledCalls(ctx context.Context, now time.Time) ([]ScheduledCall, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM scheduled_calls
		WHERE status = $1 AND scheduled_time <= $2
		ORDER BY scheduled_time`,
		SchedulePending, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ScheduledCall
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) SetScheduledCallStatus(ctx context.Context, id int64, status ScheduleStatus, callID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE scheduled_calls
		SET status = $2, call_id = COALESCE(NULLIF($3,''), call_id), updated_at = $4
		WHERE id = $1`,
		id, status, callID, time.Now().UTC())
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *Postgres) CancelScheduledCall(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE scheduled_calls SET status = $2, updated_at = $3
		WHERE id = $1 AND status = $4`,
		id, ScheduleCancelled, time.Now().UTC(), SchedulePending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	// Distinguish missing row from an illegal transition.
	if _, err := scanSchedule(p.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM scheduled_calls WHERE id = $1`, id)); err != nil {
		return err
	}
	return ErrConflict
}

/* ===================== WEBHOOKS ===================== */

const webhookColumns = `id, url, COALESCE(events,'[]'), is_active, COALESCE(secret,''), created_at, updated_at`

func scanWebhook(row interface{ Scan(...any) error }) (WebhookConfig, error) {
	var w WebhookConfig
	var events string
	err := row.Scan(&w.ID, &w.URL, &events, &w.IsActive, &w.Secret, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return WebhookConfig{}, ErrNotFound
	}
	if err != nil {
		return WebhookConfig{}, err
	}
	if err := json.Unmarshal([]byte(events), &w.Events); err != nil {
		w.Events = nil
	}
	return w, nil
}

func (p *Postgres) CreateWebhook(ctx context.Context, w WebhookConfig) (WebhookConfig, error) {
	events, _ := json.Marshal(w.Events)
	now := time.Now().UTC()
	return scanWebhook(p.db.QueryRowContext(ctx, `
		INSERT INTO webhook_configs (url, events, is_active, secret, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4,''), $5, $5)
		RETURNING `+webhookColumns,
		w.URL, string(events), w.IsActive, w.Secret, now))
}

func (p *Postgres) UpdateWebhook(ctx context.Context, w WebhookConfig) (WebhookConfig, error) {
	events, _ := json.Marshal(w.Events)
	return scanWebhook(p.db.QueryRowContext(ctx, `
		UPDATE webhook_configs
		SET url = $2, events = $3, is_active = $4, secret = NULLIF($5,''), updated_at = $6
		WHERE id = $1
		RETURNING `+webhookColumns,
		w.ID, w.URL, string(events), w.IsActive, w.Secret, time.Now().UTC()))
}

func (p *Postgres) DeleteWebhook(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhook_configs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *Postgres) GetWebhook(ctx context.Context, id int64) (WebhookConfig, error) {
	return scanWebhook(p.db.QueryRowContext(ctx,
		`SELECT `+webhookColumns+` FROM webhook_configs WHERE id = $1`, id))
}

func (p *Postgres) ListWebhooks(ctx context.Context) ([]WebhookConfig, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+webhookColumns+` FROM webhook_configs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WebhookConfig
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (p *Postgres) ActiveWebhooksForEvent(ctx context.Context, event string) ([]WebhookConfig, error) {
	all, err := p.ListWebhooks(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, w := range all {
		if w.IsActive && w.SubscribedTo(event) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (p *Postgres) LogWebhookDelivery(ctx context.Context, d WebhookDelivery) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_logs (config_id, event_type, payload, status_code, response_body,
		                          attempt, success, error_message, created_at)
		VALUES ($1, $2, $3, NULLIF($4,0), NULLIF($5,''), $6, $7, NULLIF($8,''), $9)`,
		d.ConfigID, d.EventType, d.Payload, d.StatusCode, truncate(d.ResponseBody, 1000),
		d.Attempt, d.Success, d.ErrorMessage, time.Now().UTC())
	return err
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, configID int64, limit int) ([]WebhookDelivery, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, config_id, event_type, payload, COALESCE(status_code,0),
		       COALESCE(response_body,''), attempt, success, COALESCE(error_message,''), created_at
		FROM webhook_logs WHERE config_id = $1 ORDER BY id DESC LIMIT $2`,
		configID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WebhookDelivery
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.ConfigID, &d.EventType, &d.Payload, &d.StatusCode,
			&d.ResponseBody, &d.Attempt, &d.Success, &d.ErrorMessage, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

/* ===================== SETTINGS ===================== */

func (p *Postgres) GetSetting(ctx context.Context, key string) (Setting, error) {
	var s Setting
	err := p.db.QueryRowContext(ctx,
		`SELECT key, value, is_secret, updated_at FROM settings WHERE key = $1`, key).
		Scan(&s.Key, &s.Value, &s.IsSecret, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Setting{}, ErrNotFound
	}
	return s, err
}

func (p *Postgres) SetSetting(ctx context.Context, key, value string, secret bool) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, is_secret, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET value = $2, is_secret = $3, updated_at = $4`,
		key, value, secret, time.Now().UTC())
	return err
}

func (p *Postgres) AllSettings(ctx context.Context) ([]Setting, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT key, value, is_secret, updated_at FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Setting
	for rows.Next() {
		var s Setting
		if err := rows.Scan(&s.Key, &s.Value, &s.IsSecret, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

/* ===================== helpers ===================== */

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func joinSet(set []string) string {
	out := ""
	for i, s := range set {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
