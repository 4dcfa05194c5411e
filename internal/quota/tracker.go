package quota

import (
	"context"
	"log/slog"
	"time"

	"github.com/DEVector-it/Mythai/internal/plans"
	"github.com/DEVector-it/Mythai/internal/store"
)

const dateFormat = "2006-01-02"

// Denial reasons carried on a rejecting Decision.
const (
	ReasonDailyLimit = "daily_limit"
	ReasonBurst      = "burst_limit"
)

// Decision is the outcome of an admission check. Remaining counts the turn
// being admitted; plans.Unlimited means no cap applies.
type Decision struct {
	Allow     bool   `json:"allow"`
	Remaining int    `json:"remaining"`
	Limit     int    `json:"limit"`
	Reason    string `json:"reason,omitempty"`
}

// Status is the quota snapshot exposed to clients.
type Status struct {
	Plan              string `json:"plan"`
	DailyMessageCount int    `json:"daily_message_count"`
	Limit             int    `json:"limit"`
	Remaining         int    `json:"remaining"`
	StreakDays        int    `json:"streak_days"`
	BurstLimit        int    `json:"burst_limit,omitempty"`
	BurstUsed         int    `json:"burst_used,omitempty"`
}

// Tracker enforces per-user daily message quotas against the store and an
// optional Redis burst limiter. The daily counter lives on the user record,
// so increments go through Store.UpdateUser and serialize with every other
// writer; concurrent turns from one user can never lose a count.
type Tracker struct {
	store          store.Store
	catalog        *plans.Catalog
	burst          *BurstLimiter
	burstPerMinute int

	// now is a seam for date-rollover tests.
	now func() time.Time
}

// NewTracker creates a Tracker. burst may be nil to disable burst limiting.
func NewTracker(st store.Store, catalog *plans.Catalog, burst *BurstLimiter, burstPerMinute int) *Tracker {
	return &Tracker{
		store:          st,
		catalog:        catalog,
		burst:          burst,
		burstPerMinute: burstPerMinute,
		now:            time.Now,
	}
}

// Admit decides whether the user may start one more chat turn today. The
// stored counter is lazily reset on the first check after the date rolls
// over. A burst-limiter outage fails open: a cache being down must never
// block chat.
func (t *Tracker) Admit(ctx context.Context, userID string) (Decision, error) {
	if t.burst != nil && t.burstPerMinute > 0 {
		allowed, err := t.burst.CheckAndIncrement(ctx, userID, t.burstPerMinute)
		if err != nil {
			slog.Warn("burst limiter unavailable, allowing request", "error", err)
		} else if !allowed {
			return Decision{Allow: false, Reason: ReasonBurst}, nil
		}
	}

	u, err := t.ensureFresh(ctx, userID)
	if err != nil {
		return Decision{}, err
	}

	limit := t.effectiveLimit(u)
	if limit == plans.Unlimited {
		return Decision{Allow: true, Remaining: plans.Unlimited, Limit: plans.Unlimited}, nil
	}

	remaining := limit - u.DailyMessageCount
	if remaining <= 0 {
		return Decision{Allow: false, Remaining: 0, Limit: limit, Reason: ReasonDailyLimit}, nil
	}
	return Decision{Allow: true, Remaining: remaining, Limit: limit}, nil
}

// Commit records one successfully completed exchange: the counter goes up by
// exactly one and the activity streak advances. Callers invoke it at most
// once per completed turn, after the exchange is persisted.
func (t *Tracker) Commit(ctx context.Context, userID string) error {
	now := t.now()
	today := now.Format(dateFormat)
	yesterday := now.AddDate(0, 0, -1).Format(dateFormat)

	return t.store.UpdateUser(ctx, userID, func(u *store.User) error {
		refresh(u, now)
		u.DailyMessageCount++

		switch u.LastStreakDate {
		case today:
			// already counted for today
		case yesterday:
			u.StreakDays++
			u.LastStreakDate = today
		default:
			u.StreakDays = 1
			u.LastStreakDate = today
		}
		return nil
	})
}

// Snapshot reports current usage and limits for display.
func (t *Tracker) Snapshot(ctx context.Context, userID string) (*Status, error) {
	u, err := t.ensureFresh(ctx, userID)
	if err != nil {
		return nil, err
	}

	limit := t.effectiveLimit(u)
	remaining := plans.Unlimited
	if limit != plans.Unlimited {
		remaining = limit - u.DailyMessageCount
		if remaining < 0 {
			remaining = 0
		}
	}

	st := &Status{
		Plan:              u.Plan,
		DailyMessageCount: u.DailyMessageCount,
		Limit:             limit,
		Remaining:         remaining,
		StreakDays:        u.StreakDays,
	}
	if t.burst != nil && t.burstPerMinute > 0 {
		st.BurstLimit = t.burstPerMinute
		used, err := t.burst.Usage(ctx, userID)
		if err != nil {
			slog.Warn("reading burst usage", "error", err)
		} else {
			st.BurstUsed = used
		}
	}
	return st, nil
}

// ensureFresh returns the user with day-boundary housekeeping applied,
// persisting the reset only when one was actually due.
func (t *Tracker) ensureFresh(ctx context.Context, userID string) (*store.User, error) {
	u, err := t.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, store.ErrNotFound
	}

	now := t.now()
	if !needsRefresh(u, now) {
		return u, nil
	}

	if err := t.store.UpdateUser(ctx, userID, func(su *store.User) error {
		refresh(su, now)
		return nil
	}); err != nil {
		return nil, err
	}

	u, err = t.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func (t *Tracker) effectiveLimit(u *store.User) int {
	if u.MessageLimitOverride != nil {
		return *u.MessageLimitOverride
	}
	return t.catalog.Limits(plans.Plan(u.Plan)).MessageLimit
}

func needsRefresh(u *store.User, now time.Time) bool {
	if u.LastCountResetDate != now.Format(dateFormat) {
		return true
	}
	return u.StreakDays != 0 && streakStale(u.LastStreakDate, now)
}

// refresh applies the once-per-day reset: zero the counter, drop any
// per-user override, and zero a streak that has gone cold. Idempotent
// within a day.
func refresh(u *store.User, now time.Time) {
	today := now.Format(dateFormat)
	if u.LastCountResetDate != today {
		u.LastCountResetDate = today
		u.DailyMessageCount = 0
		u.MessageLimitOverride = nil
	}
	if u.StreakDays != 0 && streakStale(u.LastStreakDate, now) {
		u.StreakDays = 0
	}
}

// streakStale reports whether the last streak activity is at least two days
// old. ISO dates compare lexicographically.
func streakStale(lastDate string, now time.Time) bool {
	if lastDate == "" {
		return true
	}
	yesterday := now.AddDate(0, 0, -1).Format(dateFormat)
	return lastDate < yesterday
}
