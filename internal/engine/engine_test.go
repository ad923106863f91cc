package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stepline/stepline/internal/db"
)

// fakeStore is an in-memory Store with the same sentinel-error and state
// transition semantics as db.Repository.
type fakeStore struct {
	mu          sync.Mutex
	friends     map[uuid.UUID]*db.Friend
	scenarios   map[uuid.UUID]*db.Scenario
	steps       map[uuid.UUID][]*db.Step
	enrollments map[uuid.UUID]*db.Enrollment
	attempts    map[uuid.UUID]*db.DeliveryAttempt
	invites     map[string]*db.InviteCode
	events      []*db.FriendEvent

	getFriendErr error
}

var _ Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		friends:     make(map[uuid.UUID]*db.Friend),
		scenarios:   make(map[uuid.UUID]*db.Scenario),
		steps:       make(map[uuid.UUID][]*db.Step),
		enrollments: make(map[uuid.UUID]*db.Enrollment),
		attempts:    make(map[uuid.UUID]*db.DeliveryAttempt),
		invites:     make(map[string]*db.InviteCode),
	}
}

func strp(s string) *string { return &s }

func (f *fakeStore) addFriend() *db.Friend {
	f.mu.Lock()
	defer f.mu.Unlock()
	friend := &db.Friend{
		ID:             uuid.New(),
		OwnerID:        uuid.New(),
		PlatformUserID: "U" + uuid.NewString(),
		DisplayName:    "Taro",
		ShortUID:       "abcd2345",
	}
	f.friends[friend.ID] = friend
	return friend
}

// addScenario registers a scenario whose steps use the given delays, one
// step per delay, with a plain text message.
func (f *fakeStore) addScenario(active, preventAutoExit bool, delays ...int64) *db.Scenario {
	f.mu.Lock()
	defer f.mu.Unlock()
	scenario := &db.Scenario{
		ID:              uuid.New(),
		OwnerID:         uuid.New(),
		Name:            "drip",
		IsActive:        active,
		PreventAutoExit: preventAutoExit,
	}
	f.scenarios[scenario.ID] = scenario
	for i, delay := range delays {
		f.steps[scenario.ID] = append(f.steps[scenario.ID], &db.Step{
			ID:           uuid.New(),
			ScenarioID:   scenario.ID,
			Order:        i,
			DelaySeconds: delay,
			Message:      []byte(`{"type":"text","text":"hello {display_name}"}`),
		})
	}
	return scenario
}

// addScenarioWithOrders registers an active scenario whose steps carry the
// given step orders, all with zero delay.
func (f *fakeStore) addScenarioWithOrders(orders ...int) *db.Scenario {
	f.mu.Lock()
	defer f.mu.Unlock()
	scenario := &db.Scenario{
		ID:       uuid.New(),
		OwnerID:  uuid.New(),
		Name:     "drip",
		IsActive: true,
	}
	f.scenarios[scenario.ID] = scenario
	for _, order := range orders {
		f.steps[scenario.ID] = append(f.steps[scenario.ID], &db.Step{
			ID:         uuid.New(),
			ScenarioID: scenario.ID,
			Order:      order,
			Message:    []byte(`{"type":"text","text":"hello {display_name}"}`),
		})
	}
	return scenario
}

func (f *fakeStore) attemptsFor(enrollmentID uuid.UUID) []*db.DeliveryAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*db.DeliveryAttempt
	for _, a := range f.attempts {
		if a.EnrollmentID == enrollmentID {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out
}

func (f *fakeStore) GetFriend(_ context.Context, id uuid.UUID) (*db.Friend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getFriendErr != nil {
		return nil, f.getFriendErr
	}
	friend, ok := f.friends[id]
	if !ok || friend.DeletedAt != nil {
		return nil, db.ErrNotFound
	}
	c := *friend
	return &c, nil
}

func (f *fakeStore) GetScenario(_ context.Context, id uuid.UUID) (*db.Scenario, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	scenario, ok := f.scenarios[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	c := *scenario
	return &c, nil
}

func (f *fakeStore) GetSteps(_ context.Context, scenarioID uuid.UUID) ([]*db.Step, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	steps := make([]*db.Step, len(f.steps[scenarioID]))
	copy(steps, f.steps[scenarioID])
	sort.Slice(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return steps, nil
}

func (f *fakeStore) FindActiveEnrollment(_ context.Context, friendID, scenarioID uuid.UUID) (*db.Enrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.enrollments {
		if e.FriendID == friendID && e.ScenarioID == scenarioID && e.Status == db.EnrollmentActive {
			c := *e
			return &c, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetEnrollment(_ context.Context, id uuid.UUID) (*db.Enrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.enrollments[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	c := *e
	return &c, nil
}

func (f *fakeStore) CreateEnrollmentSuperseding(_ context.Context, e *db.Enrollment) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, existing := range f.enrollments {
		if existing.FriendID == e.FriendID && existing.ScenarioID == e.ScenarioID &&
			existing.Status == db.EnrollmentActive {
			return db.ErrDuplicateEnrollment
		}
	}

	now := time.Now()
	for _, existing := range f.enrollments {
		if existing.FriendID != e.FriendID || existing.Status != db.EnrollmentActive {
			continue
		}
		if scenario := f.scenarios[existing.ScenarioID]; scenario != nil && scenario.PreventAutoExit {
			continue
		}
		existing.Status = db.EnrollmentExited
		existing.ExitReason = strp(db.ExitReasonSuperseded)
		existing.ExitedAt = &now
		f.skipPendingLocked(existing.ID)
		f.events = append(f.events, &db.FriendEvent{
			ID:           uuid.New(),
			FriendID:     existing.FriendID,
			EnrollmentID: &existing.ID,
			EventType:    db.EventExited,
			Detail:       strp(db.ExitReasonSuperseded),
		})
	}

	c := *e
	f.enrollments[e.ID] = &c
	f.events = append(f.events, &db.FriendEvent{
		ID:           uuid.New(),
		FriendID:     e.FriendID,
		EnrollmentID: &e.ID,
		EventType:    db.EventEnrolled,
		Detail:       strp(e.Source),
	})
	return nil
}

func (f *fakeStore) ResetEnrollment(_ context.Context, id uuid.UUID) (*db.Enrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.enrollments[id]
	if !ok || e.Status != db.EnrollmentActive {
		return nil, db.ErrNotFound
	}
	e.NextStepOrder = 0
	e.EnrolledAt = time.Now()
	e.LastError = nil
	for aid, a := range f.attempts {
		if a.EnrollmentID == id {
			delete(f.attempts, aid)
		}
	}
	c := *e
	return &c, nil
}

func (f *fakeStore) ExitEnrollment(_ context.Context, id uuid.UUID, reason string) error {
	return f.terminate(id, db.EnrollmentExited, strp(reason), nil, db.EventExited)
}

func (f *fakeStore) CompleteEnrollment(_ context.Context, id uuid.UUID) error {
	return f.terminate(id, db.EnrollmentCompleted, nil, nil, db.EventCompleted)
}

func (f *fakeStore) BlockEnrollment(_ context.Context, id uuid.UUID, lastError string) error {
	return f.terminate(id, db.EnrollmentBlocked, nil, strp(lastError), db.EventBlocked)
}

func (f *fakeStore) terminate(id uuid.UUID, status string, reason, lastError *string, eventType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.enrollments[id]
	if !ok || e.Status != db.EnrollmentActive {
		return db.ErrNotFound
	}
	now := time.Now()
	e.Status = status
	e.ExitReason = reason
	e.ExitedAt = &now
	if lastError != nil {
		e.LastError = lastError
	}
	f.skipPendingLocked(id)
	f.events = append(f.events, &db.FriendEvent{
		ID:           uuid.New(),
		FriendID:     e.FriendID,
		EnrollmentID: &id,
		EventType:    eventType,
		Detail:       reason,
	})
	return nil
}

func (f *fakeStore) AdvanceEnrollment(_ context.Context, id uuid.UUID, nextStepOrder int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.enrollments[id]
	if !ok || e.Status != db.EnrollmentActive {
		return db.ErrNotFound
	}
	e.NextStepOrder = nextStepOrder
	e.LastError = nil
	return nil
}

func (f *fakeStore) SetEnrollmentError(_ context.Context, id uuid.UUID, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.enrollments[id]; ok {
		e.LastError = strp(lastError)
	}
	return nil
}

func (f *fakeStore) SchedulableEnrollments(_ context.Context, now time.Time, limit int) ([]*db.ScheduleCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var candidates []*db.ScheduleCandidate
	for _, e := range f.enrollments {
		if e.Status != db.EnrollmentActive {
			continue
		}
		var current *db.Step
		for _, s := range f.steps[e.ScenarioID] {
			if s.Order < e.NextStepOrder {
				continue
			}
			if current == nil || s.Order < current.Order {
				current = s
			}
		}
		if current == nil {
			continue
		}
		if e.EnrolledAt.Add(time.Duration(current.DelaySeconds) * time.Second).After(now) {
			continue
		}
		live := false
		for _, a := range f.attempts {
			if a.EnrollmentID == e.ID && a.StepID == current.ID && a.Outcome != db.AttemptSkipped {
				live = true
				break
			}
		}
		if live {
			continue
		}
		ec, sc := *e, *current
		candidates = append(candidates, &db.ScheduleCandidate{Enrollment: &ec, Step: &sc})
		if len(candidates) >= limit {
			break
		}
	}
	return candidates, nil
}

func (f *fakeStore) CreateAttempt(_ context.Context, a *db.DeliveryAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.attempts {
		if existing.EnrollmentID == a.EnrollmentID && existing.StepID == a.StepID &&
			existing.Outcome != db.AttemptSkipped {
			return db.ErrDuplicateAttempt
		}
	}
	c := *a
	f.attempts[a.ID] = &c
	return nil
}

func (f *fakeStore) DuePendingAttempts(_ context.Context, now time.Time, limit int) ([]*db.DeliveryAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*db.DeliveryAttempt
	for _, a := range f.attempts {
		if a.Outcome != db.AttemptPending || a.DueAt.After(now) {
			continue
		}
		if a.NextRetryAt != nil && a.NextRetryAt.After(now) {
			continue
		}
		c := *a
		out = append(out, &c)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) MarkAttemptSending(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attempts[id]
	if !ok || a.Outcome != db.AttemptPending {
		return false, nil
	}
	a.Outcome = db.AttemptSending
	a.UpdatedAt = time.Now()
	return true, nil
}

func (f *fakeStore) ReleaseStaleSending(_ context.Context, cutoff time.Time, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	released := 0
	for _, a := range f.attempts {
		if a.Outcome != db.AttemptSending || !a.UpdatedAt.Before(cutoff) {
			continue
		}
		a.Outcome = db.AttemptPending
		a.UpdatedAt = time.Now()
		released++
		if released >= limit {
			break
		}
	}
	return released, nil
}

func (f *fakeStore) MarkAttemptSent(_ context.Context, id uuid.UUID, attempt int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attempts[id]
	if !ok {
		return db.ErrNotFound
	}
	now := time.Now()
	a.Outcome = db.AttemptSent
	a.Attempt = attempt
	a.SentAt = &now
	return nil
}

func (f *fakeStore) MarkAttemptFailed(_ context.Context, id uuid.UUID, attempt int, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attempts[id]
	if !ok {
		return db.ErrNotFound
	}
	a.Outcome = db.AttemptFailed
	a.Attempt = attempt
	a.ErrorMessage = strp(errMsg)
	return nil
}

func (f *fakeStore) RescheduleAttempt(_ context.Context, id uuid.UUID, attempt int, errMsg string, nextRetryAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attempts[id]
	if !ok {
		return db.ErrNotFound
	}
	a.Outcome = db.AttemptPending
	a.Attempt = attempt
	a.ErrorMessage = strp(errMsg)
	a.NextRetryAt = &nextRetryAt
	return nil
}

func (f *fakeStore) SkipAttempt(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attempts[id]
	if !ok || (a.Outcome != db.AttemptPending && a.Outcome != db.AttemptSending) {
		return db.ErrNotFound
	}
	a.Outcome = db.AttemptSkipped
	return nil
}

func (f *fakeStore) skipPendingLocked(enrollmentID uuid.UUID) {
	for _, a := range f.attempts {
		if a.EnrollmentID == enrollmentID && a.Outcome == db.AttemptPending {
			a.Outcome = db.AttemptSkipped
		}
	}
}

func (f *fakeStore) GetInviteCode(_ context.Context, code string) (*db.InviteCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	invite, ok := f.invites[code]
	if !ok {
		return nil, db.ErrNotFound
	}
	c := *invite
	return &c, nil
}

func (f *fakeStore) RedeemInviteCode(_ context.Context, code string) (*db.InviteCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	invite, ok := f.invites[code]
	if !ok {
		return nil, db.ErrInvalidCode
	}
	exhausted := invite.MaxUsage != nil && invite.UsageCount >= *invite.MaxUsage
	if !invite.IsActive || exhausted {
		if exhausted {
			return nil, db.ErrCodeExhausted
		}
		return nil, db.ErrInvalidCode
	}
	invite.UsageCount++
	if invite.MaxUsage != nil && invite.UsageCount >= *invite.MaxUsage {
		invite.IsActive = false
	}
	c := *invite
	return &c, nil
}

func (f *fakeStore) AppendFriendEvent(_ context.Context, friendID uuid.UUID, enrollmentID *uuid.UUID, eventType string, detail *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, &db.FriendEvent{
		ID:           uuid.New(),
		FriendID:     friendID,
		EnrollmentID: enrollmentID,
		EventType:    eventType,
		Detail:       detail,
	})
	return nil
}
