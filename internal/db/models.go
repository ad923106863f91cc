package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Friend is a contact of an account owner on the messaging platform.
type Friend struct {
	ID             uuid.UUID  `json:"id"`
	OwnerID        uuid.UUID  `json:"owner_id"`
	PlatformUserID string     `json:"platform_user_id"`
	DisplayName    string     `json:"display_name"`
	ShortUID       string     `json:"short_uid"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Scenario is a named, ordered sequence of timed message steps.
type Scenario struct {
	ID              uuid.UUID `json:"id"`
	OwnerID         uuid.UUID `json:"owner_id"`
	Name            string    `json:"name"`
	IsActive        bool      `json:"is_active"`
	PreventAutoExit bool      `json:"prevent_auto_exit"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Step is one timed message within a scenario. DelaySeconds is measured
// from the moment of enrollment, not from the previous step.
type Step struct {
	ID                   uuid.UUID       `json:"id"`
	ScenarioID           uuid.UUID       `json:"scenario_id"`
	Order                int             `json:"step_order"`
	DelaySeconds         int64           `json:"delay_seconds"`
	Message              json.RawMessage `json:"message"`
	TransitionScenarioID *uuid.UUID      `json:"transition_scenario_id,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

// InviteCode maps a short redeemable code to a scenario.
type InviteCode struct {
	Code       string    `json:"code"`
	OwnerID    uuid.UUID `json:"owner_id"`
	ScenarioID uuid.UUID `json:"scenario_id"`
	IsActive   bool      `json:"is_active"`
	UsageCount int       `json:"usage_count"`
	MaxUsage   *int      `json:"max_usage,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Enrollment is a friend's membership in one scenario's delivery timeline.
type Enrollment struct {
	ID            uuid.UUID  `json:"id"`
	FriendID      uuid.UUID  `json:"friend_id"`
	ScenarioID    uuid.UUID  `json:"scenario_id"`
	Status        string     `json:"status"`
	Source        string     `json:"source"`
	NextStepOrder int        `json:"next_step_order"`
	EnrolledAt    time.Time  `json:"enrolled_at"`
	ExitedAt      *time.Time `json:"exited_at,omitempty"`
	ExitReason    *string    `json:"exit_reason,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// DeliveryAttempt is one send attempt of one step for one enrollment.
type DeliveryAttempt struct {
	ID           uuid.UUID  `json:"id"`
	EnrollmentID uuid.UUID  `json:"enrollment_id"`
	StepID       uuid.UUID  `json:"step_id"`
	StepOrder    int        `json:"step_order"`
	DueAt        time.Time  `json:"due_at"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	Outcome      string     `json:"outcome"`
	Attempt      int        `json:"attempt"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// FriendEvent records a status change on a friend's enrollments, consumed
// by analytics and the operator UI.
type FriendEvent struct {
	ID           uuid.UUID  `json:"id"`
	FriendID     uuid.UUID  `json:"friend_id"`
	EnrollmentID *uuid.UUID `json:"enrollment_id,omitempty"`
	EventType    string     `json:"event_type"`
	Detail       *string    `json:"detail,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Enrollment status constants
const (
	EnrollmentActive    = "active"
	EnrollmentExited    = "exited"
	EnrollmentCompleted = "completed"
	EnrollmentBlocked   = "blocked"
)

// Exit reason constants
const (
	ExitReasonManual     = "manual"
	ExitReasonSuperseded = "superseded"
	ExitReasonCascaded   = "cascaded"
)

// Enrollment source constants
const (
	SourceFollow         = "follow"
	SourceInvite         = "invite"
	SourceManual         = "manual"
	SourceManualReassign = "manual_reassign"
	SourceTransition     = "transition"
)

// Attempt outcome constants. "sending" is the in-flight guard state; an
// attempt must leave "pending" before the transport is called.
const (
	AttemptPending = "pending"
	AttemptSending = "sending"
	AttemptSent    = "sent"
	AttemptFailed  = "failed"
	AttemptSkipped = "skipped"
)

// Friend event type constants
const (
	EventEnrolled    = "enrolled"
	EventExited      = "exited"
	EventCompleted   = "completed"
	EventBlocked     = "blocked"
	EventMessageSent = "message_sent"
)
