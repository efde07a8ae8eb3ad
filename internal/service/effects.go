package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/pesio-ai/be-fee-governance/internal/domain"
	"github.com/pesio-ai/be-fee-governance/internal/metrics"
	"github.com/pesio-ai/be-fee-governance/pkg/errors"
	"github.com/pesio-ai/be-fee-governance/pkg/logger"
)

// recordLocks serializes writers of the same record inside this process.
// Row locks taken inside the transaction cover other replicas.
type recordLocks struct {
	m *xsync.Map[string, *sync.Mutex]
}

func newRecordLocks() *recordLocks {
	return &recordLocks{m: xsync.NewMap[string, *sync.Mutex]()}
}

// lock acquires the mutex for key and returns its release func.
func (l *recordLocks) lock(key string) func() {
	mu, _ := l.m.Compute(key, func(old *sync.Mutex, loaded bool) (*sync.Mutex, xsync.ComputeOp) {
		if loaded {
			return old, xsync.CancelOp
		}
		return &sync.Mutex{}, xsync.UpdateOp
	})
	mu.Lock()
	return mu.Unlock
}

// effects bundles the collaborators every service needs besides its stores:
// the directory for actor checks and the best-effort audit and notification
// sinks.
type effects struct {
	directory Directory
	notifier  Notifier
	audit     AuditSink
	metrics   *metrics.Metrics
	log       *logger.Logger
}

// ── Actor checks ──────────────────────────────────────────────────────────────

// authorize loads the acting user and checks they may perform op.
func (e *effects) authorize(ctx context.Context, userID string, op domain.Operation) (*domain.User, error) {
	user, err := e.actor(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.Role.CanPerform(op) {
		return nil, errors.Forbidden(fmt.Sprintf("role %s may not %s (allowed: %s)", user.Role, op, joinRoles(domain.RolesFor(op))))
	}
	return user, nil
}

func joinRoles(roles []domain.Role) string {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return strings.Join(names, ", ")
}

// actor loads the acting user. Unknown or inactive users are forbidden.
func (e *effects) actor(ctx context.Context, userID string) (*domain.User, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New(errors.ErrCodeUnauthorized, "no acting user")
	}
	user, err := e.directory.GetUser(ctx, userID)
	if errors.Is(err, errors.ErrCodeNotFound) {
		return nil, errors.Forbidden("unknown user")
	}
	if err != nil {
		return nil, err
	}
	if !user.Active() {
		return nil, errors.Forbidden("user is not active")
	}
	return user, nil
}

// requireID rejects ids that are not UUIDs before they reach storage.
func requireID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.InvalidInput(field, "is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return errors.InvalidInput(field, "must be a UUID")
	}
	return nil
}

func optionalText(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// ── Side effects ──────────────────────────────────────────────────────────────

// appendAudit writes an audit entry and logs a warning on failure (never
// returns error). It runs after the triggering transaction has committed.
func (e *effects) appendAudit(ctx context.Context, ev domain.AuditEvent) {
	if err := e.audit.Record(context.WithoutCancel(ctx), ev); err != nil {
		e.metrics.SideEffectFailed("audit")
		e.log.Warn().Err(err).
			Str("event_type", ev.EventType).
			Str("entity_id", ev.EntityID).
			Msg("Failed to record audit event")
	}
}

// notifyUsers sends n to every distinct user in userIDs. Failures are logged
// and never reach the caller.
func (e *effects) notifyUsers(ctx context.Context, userIDs []string, n domain.Notification) int {
	seen := make(map[string]struct{}, len(userIDs))
	sent := 0
	for _, id := range userIDs {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}

		msg := n
		msg.UserID = id
		if err := e.notifier.Notify(context.WithoutCancel(ctx), msg); err != nil {
			e.metrics.SideEffectFailed("notification")
			e.log.Warn().Err(err).
				Str("user_id", id).
				Str("notification_type", string(n.Type)).
				Msg("Failed to queue notification")
			continue
		}
		sent++
	}
	return sent
}

// notifyRoles sends n to every active user holding one of roles.
func (e *effects) notifyRoles(ctx context.Context, n domain.Notification, roles ...domain.Role) int {
	users, err := e.directory.UsersWithRoles(context.WithoutCancel(ctx), roles...)
	if err != nil {
		e.metrics.SideEffectFailed("notification")
		e.log.Warn().Err(err).
			Str("notification_type", string(n.Type)).
			Msg("Could not resolve notification recipients")
		return 0
	}
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	return e.notifyUsers(ctx, ids, n)
}

// today returns the calendar date of now in UTC.
func today(now func() time.Time) time.Time {
	return domain.DateOf(now().UTC())
}
