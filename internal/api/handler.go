package api

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/db"
	"github.com/stepline/stepline/internal/engine"
	"github.com/stepline/stepline/internal/redis"
)

// Repository defines the read/write surface the handlers need from the
// database layer.
type Repository interface {
	GetOrCreateFriend(ctx context.Context, ownerID uuid.UUID, platformUserID, displayName string) (*db.Friend, error)
	GetFriend(ctx context.Context, id uuid.UUID) (*db.Friend, error)
	GetFriendByShortUID(ctx context.Context, ownerID uuid.UUID, shortUID string) (*db.Friend, error)
	SoftDeleteFriend(ctx context.Context, id uuid.UUID) error

	GetScenario(ctx context.Context, id uuid.UUID) (*db.Scenario, error)
	GetSteps(ctx context.Context, scenarioID uuid.UUID) ([]*db.Step, error)
	CreateScenario(ctx context.Context, scenario *db.Scenario, steps []*db.Step) error
	SetScenarioActive(ctx context.Context, id uuid.UUID, active bool) error

	GetEnrollment(ctx context.Context, id uuid.UUID) (*db.Enrollment, error)
	ListEnrollmentsByFriend(ctx context.Context, friendID uuid.UUID) ([]*db.Enrollment, error)
	ListAttemptsByEnrollment(ctx context.Context, enrollmentID uuid.UUID) ([]*db.DeliveryAttempt, error)
	ListFriendEvents(ctx context.Context, friendID uuid.UUID, limit int) ([]*db.FriendEvent, error)

	CreateInviteCode(ctx context.Context, invite *db.InviteCode) error
	GetInviteCode(ctx context.Context, code string) (*db.InviteCode, error)
	DeactivateInviteCode(ctx context.Context, code string) error
}

// EnrollmentService is the enrollment manager surface used by handlers.
// Satisfied by *engine.Manager.
type EnrollmentService interface {
	Enroll(ctx context.Context, friendID, scenarioID uuid.UUID, source string) (*db.Enrollment, error)
	ManualExit(ctx context.Context, enrollmentID uuid.UUID) error
}

// InviteService is the invite resolver surface used by handlers.
// Satisfied by *engine.Resolver.
type InviteService interface {
	Resolve(ctx context.Context, code string) (*db.InviteCode, error)
	Redeem(ctx context.Context, code string, friendID uuid.UUID) (*db.Enrollment, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger          *zap.Logger
	repo            Repository
	enrollments     EnrollmentService
	invites         InviteService
	deduper         *redis.Deduper // nil if Redis not configured
	ownerID         uuid.UUID
	channelSecret   string
	defaultScenario *uuid.UUID
}

// Option configures optional handler dependencies.
type Option func(*Handler)

// WithDeduper enables webhook event deduplication.
func WithDeduper(d *redis.Deduper) Option {
	return func(h *Handler) { h.deduper = d }
}

// WithChannelSecret enables webhook signature verification.
func WithChannelSecret(secret string) Option {
	return func(h *Handler) { h.channelSecret = secret }
}

// WithDefaultScenario enrolls newly followed friends into the given
// scenario.
func WithDefaultScenario(id uuid.UUID) Option {
	return func(h *Handler) { h.defaultScenario = &id }
}

// NewHandler creates a new API handler.
func NewHandler(logger *zap.Logger, repo Repository, enrollments EnrollmentService, invites InviteService, ownerID uuid.UUID, opts ...Option) *Handler {
	h := &Handler{
		logger:      logger,
		repo:        repo,
		enrollments: enrollments,
		invites:     invites,
		ownerID:     ownerID,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

var inviteCodePattern = regexp.MustCompile(`^[A-Za-z0-9]{8,32}$`)

// CreateEnrollment handles POST /v1/enrollments, the operator's manual
// assignment entry point.
func (h *Handler) CreateEnrollment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		FriendID   string `json:"friend_id"`
		ScenarioID string `json:"scenario_id"`
		Reassign   bool   `json:"reassign"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	friendID, err := uuid.Parse(req.FriendID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid friend_id", "friend_id must be a valid UUID")
		return
	}
	scenarioID, err := uuid.Parse(req.ScenarioID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid scenario_id", "scenario_id must be a valid UUID")
		return
	}

	source := db.SourceManual
	if req.Reassign {
		source = db.SourceManualReassign
	}

	enrollment, err := h.enrollments.Enroll(ctx, friendID, scenarioID, source)
	if err != nil {
		h.writeEnrollError(w, err)
		return
	}

	h.logger.Info("manual enrollment",
		zap.String("enrollment_id", enrollment.ID.String()),
		zap.String("friend_id", req.FriendID),
		zap.String("scenario_id", req.ScenarioID),
		zap.String("source", source),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(enrollment)
}

// ExitEnrollment handles POST /v1/enrollments/{id}/exit
func (h *Handler) ExitEnrollment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	enrollmentID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid enrollment ID", "ID must be a valid UUID")
		return
	}

	if err := h.enrollments.ManualExit(ctx, enrollmentID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Active enrollment not found", "")
			return
		}
		h.logger.Error("failed to exit enrollment", zap.Error(err), zap.String("id", idStr))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to exit enrollment", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     idStr,
		"status": db.EnrollmentExited,
	})
}

// GetEnrollment handles GET /v1/enrollments/{id} and includes the
// enrollment's delivery attempts.
func (h *Handler) GetEnrollment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	enrollmentID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid enrollment ID", "ID must be a valid UUID")
		return
	}

	enrollment, err := h.repo.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Enrollment not found", "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get enrollment", "")
		return
	}

	attempts, err := h.repo.ListAttemptsByEnrollment(ctx, enrollmentID)
	if err != nil {
		h.logger.Error("failed to list attempts", zap.Error(err), zap.String("id", idStr))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list attempts", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"enrollment": enrollment,
		"attempts":   attempts,
	})
}

// ListEnrollments handles GET /v1/enrollments?friend_id=xxx
func (h *Handler) ListEnrollments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	friendIDStr := r.URL.Query().Get("friend_id")
	if friendIDStr == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing friend_id", "friend_id query parameter is required")
		return
	}
	friendID, err := uuid.Parse(friendIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid friend_id", "friend_id must be a valid UUID")
		return
	}

	enrollments, err := h.repo.ListEnrollmentsByFriend(ctx, friendID)
	if err != nil {
		h.logger.Error("failed to list enrollments", zap.Error(err), zap.String("friend_id", friendIDStr))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list enrollments", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":  enrollments,
		"count": len(enrollments),
	})
}

// GetFriend handles GET /v1/friends/{shortUID}. Lookup is by the
// human-shareable alias and includes the friend's recent activity log.
func (h *Handler) GetFriend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	shortUID := chi.URLParam(r, "shortUID")

	friend, err := h.repo.GetFriendByShortUID(ctx, h.ownerID, shortUID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Friend not found", "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get friend", "")
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 200 {
			limit = l
		}
	}

	events, err := h.repo.ListFriendEvents(ctx, friend.ID, limit)
	if err != nil {
		h.logger.Error("failed to list friend events", zap.Error(err), zap.String("friend_id", friend.ID.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list friend events", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"friend": friend,
		"events": events,
	})
}

// stepRequest is one step of a scenario creation request.
type stepRequest struct {
	Order                int             `json:"step_order"`
	DelaySeconds         int64           `json:"delay_seconds"`
	Message              json.RawMessage `json:"message"`
	TransitionScenarioID *string         `json:"transition_scenario_id,omitempty"`
}

// CreateScenario handles POST /v1/scenarios
func (h *Handler) CreateScenario(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Name            string        `json:"name"`
		PreventAutoExit bool          `json:"prevent_auto_exit"`
		Steps           []stepRequest `json:"steps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Name == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing name", "name is required")
		return
	}
	if len(req.Steps) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing steps", "at least one step is required")
		return
	}

	scenario := &db.Scenario{
		ID:              uuid.New(),
		OwnerID:         h.ownerID,
		Name:            req.Name,
		IsActive:        true,
		PreventAutoExit: req.PreventAutoExit,
	}

	steps := make([]*db.Step, 0, len(req.Steps))
	seenOrders := make(map[int]bool)
	lastDelay := int64(-1)
	for i, sr := range req.Steps {
		if seenOrders[sr.Order] {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Duplicate step order",
				"step_order must be unique within the scenario")
			return
		}
		seenOrders[sr.Order] = true

		if i > 0 && req.Steps[i-1].Order >= sr.Order {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Steps out of order",
				"steps must be listed in ascending step_order")
			return
		}
		if sr.DelaySeconds < lastDelay {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Decreasing step delay",
				"delay_seconds must be non-decreasing with step_order")
			return
		}
		lastDelay = sr.DelaySeconds

		if !json.Valid(sr.Message) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid step message", "message must be valid JSON")
			return
		}

		step := &db.Step{
			ID:           uuid.New(),
			ScenarioID:   scenario.ID,
			Order:        sr.Order,
			DelaySeconds: sr.DelaySeconds,
			Message:      sr.Message,
		}
		if sr.TransitionScenarioID != nil {
			target, err := uuid.Parse(*sr.TransitionScenarioID)
			if err != nil {
				h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid transition_scenario_id",
					"transition_scenario_id must be a valid UUID")
				return
			}
			step.TransitionScenarioID = &target
		}
		steps = append(steps, step)
	}

	if err := h.repo.CreateScenario(ctx, scenario, steps); err != nil {
		h.logger.Error("failed to create scenario", zap.Error(err), zap.String("name", req.Name))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create scenario", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"scenario": scenario,
		"steps":    steps,
	})
}

// GetScenario handles GET /v1/scenarios/{id}
func (h *Handler) GetScenario(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	scenarioID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid scenario ID", "ID must be a valid UUID")
		return
	}

	scenario, err := h.repo.GetScenario(ctx, scenarioID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Scenario not found", "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get scenario", "")
		return
	}

	steps, err := h.repo.GetSteps(ctx, scenarioID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get steps", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"scenario": scenario,
		"steps":    steps,
	})
}

// SetScenarioActive handles POST /v1/scenarios/{id}/activate and
// POST /v1/scenarios/{id}/deactivate
func (h *Handler) SetScenarioActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		idStr := chi.URLParam(r, "id")
		scenarioID, err := uuid.Parse(idStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid scenario ID", "ID must be a valid UUID")
			return
		}

		if err := h.repo.SetScenarioActive(ctx, scenarioID, active); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				h.writeError(w, http.StatusNotFound, "not_found", "Scenario not found", "")
				return
			}
			h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update scenario", "")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":        idStr,
			"is_active": active,
		})
	}
}

// CreateInvite handles POST /v1/invites. A missing code is generated.
func (h *Handler) CreateInvite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Code       string `json:"code"`
		ScenarioID string `json:"scenario_id"`
		MaxUsage   *int   `json:"max_usage,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	scenarioID, err := uuid.Parse(req.ScenarioID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid scenario_id", "scenario_id must be a valid UUID")
		return
	}

	if req.Code == "" {
		code, err := generateInviteCode()
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to generate code", "")
			return
		}
		req.Code = code
	}
	if !inviteCodePattern.MatchString(req.Code) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid code",
			"code must be 8-32 alphanumeric characters")
		return
	}
	if req.MaxUsage != nil && *req.MaxUsage < 1 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid max_usage", "max_usage must be >= 1")
		return
	}

	invite := &db.InviteCode{
		Code:       req.Code,
		OwnerID:    h.ownerID,
		ScenarioID: scenarioID,
		IsActive:   true,
		MaxUsage:   req.MaxUsage,
	}

	if err := h.repo.CreateInviteCode(ctx, invite); err != nil {
		h.logger.Error("failed to create invite code", zap.Error(err), zap.String("code", req.Code))
		h.writeError(w, http.StatusConflict, "conflict", "Failed to create invite code", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(invite)
}

// DeactivateInvite handles POST /v1/invites/{code}/deactivate
func (h *Handler) DeactivateInvite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	code := chi.URLParam(r, "code")

	if err := h.repo.DeactivateInviteCode(ctx, code); err != nil {
		if errors.Is(err, db.ErrInvalidCode) {
			h.writeError(w, http.StatusNotFound, "not_found", "Invite code not found", "")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to deactivate invite code", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":      code,
		"is_active": false,
	})
}

// RedeemInvite handles POST /v1/invites/{code}/redeem, the operator-side
// redemption entry point.
func (h *Handler) RedeemInvite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	code := chi.URLParam(r, "code")

	var req struct {
		FriendID string `json:"friend_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	friendID, err := uuid.Parse(req.FriendID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid friend_id", "friend_id must be a valid UUID")
		return
	}

	enrollment, err := h.invites.Redeem(ctx, code, friendID)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrInvalidCode):
			h.writeError(w, http.StatusNotFound, "invalid_code", "Invite code not found or inactive", "")
		case errors.Is(err, db.ErrCodeExhausted):
			h.writeError(w, http.StatusConflict, "code_exhausted", "Invite code has no uses left", "")
		default:
			h.writeEnrollError(w, err)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(enrollment)
}

func (h *Handler) writeEnrollError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrScenarioInactive):
		h.writeError(w, http.StatusUnprocessableEntity, "scenario_inactive", "Scenario is not active", "")
	case errors.Is(err, engine.ErrFriendNotFound):
		h.writeError(w, http.StatusNotFound, "friend_not_found", "Friend not found", "")
	default:
		h.logger.Error("enrollment failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Enrollment failed", "")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

const inviteCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func generateInviteCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = inviteCodeAlphabet[int(b)%len(inviteCodeAlphabet)]
	}
	return string(buf), nil
}
