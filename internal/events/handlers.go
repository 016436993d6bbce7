package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/workbench-io/workbench-go/internal/cache"
	"github.com/workbench-io/workbench-go/internal/models"
)

// AuditHandler writes every published event to audit.audit_logs.
type AuditHandler struct {
	db *sqlx.DB
}

// NewAuditHandler builds the audit handler over the event store's
// connection.
func NewAuditHandler(db *sqlx.DB) *AuditHandler {
	return &AuditHandler{db: db}
}

func (h *AuditHandler) Name() string { return "audit" }

func (h *AuditHandler) Handle(ctx context.Context, event *models.DomainEvent) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO audit.audit_logs
			(event_id, event_type, aggregate_id, aggregate_type, user_id, occurred_at, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.EventID, event.EventType, event.AggregateID, event.AggregateType,
		event.UserID, event.OccurredAt, []byte(event.Payload))
	if err != nil {
		return fmt.Errorf("failed to write audit log for event %s: %w", event.EventID, err)
	}
	return nil
}

// CacheInvalidationHandler deletes cached keys affected by an event.
// Patterns are keyed by aggregate type so dataset-level events sweep
// every key under that dataset.
type CacheInvalidationHandler struct {
	cache  *cache.Client
	logger *slog.Logger
}

// NewCacheInvalidationHandler builds the handler over a redis client.
func NewCacheInvalidationHandler(c *cache.Client) *CacheInvalidationHandler {
	return &CacheInvalidationHandler{
		cache:  c,
		logger: slog.Default().With("component", "cache-invalidation"),
	}
}

func (h *CacheInvalidationHandler) Name() string { return "cache-invalidation" }

func (h *CacheInvalidationHandler) Handle(ctx context.Context, event *models.DomainEvent) error {
	var patterns []string
	switch event.AggregateType {
	case AggregateDataset:
		patterns = []string{fmt.Sprintf("wkbh:dataset:%s:*", event.AggregateID)}
	case AggregateCommit:
		patterns = []string{fmt.Sprintf("wkbh:commit:%s:*", event.AggregateID)}
	case AggregateJob:
		patterns = []string{fmt.Sprintf("wkbh:progress:%s", event.AggregateID)}
	default:
		return nil
	}

	for _, pattern := range patterns {
		if _, err := h.cache.DeletePattern(ctx, pattern); err != nil {
			return err
		}
	}
	return nil
}

// NotificationRule resolves recipients for one event type.
type NotificationRule struct {
	Template   string
	Recipients func(event *models.DomainEvent) []string
}

// NotificationHandler dispatches templated notifications per event
// type. Delivery is log-only; outer transports hang off the same rules.
type NotificationHandler struct {
	rules  map[string]NotificationRule
	logger *logrus.Logger
}

// NewNotificationHandler builds a handler with the default rules:
// job terminal states notify the submitting user.
func NewNotificationHandler(logger *logrus.Logger) *NotificationHandler {
	h := &NotificationHandler{
		rules:  make(map[string]NotificationRule),
		logger: logger,
	}

	ownerOnly := func(event *models.DomainEvent) []string {
		if event.UserID != nil {
			return []string{*event.UserID}
		}
		return nil
	}
	h.Register(TypeJobCompleted, NotificationRule{
		Template:   "Your %s job finished successfully.",
		Recipients: ownerOnly,
	})
	h.Register(TypeJobFailed, NotificationRule{
		Template:   "Your %s job failed.",
		Recipients: ownerOnly,
	})
	return h
}

// Register adds or replaces the rule for one event type.
func (h *NotificationHandler) Register(eventType string, rule NotificationRule) {
	h.rules[eventType] = rule
}

func (h *NotificationHandler) Name() string { return "notifications" }

func (h *NotificationHandler) Handle(ctx context.Context, event *models.DomainEvent) error {
	rule, ok := h.rules[event.EventType]
	if !ok {
		return nil
	}
	recipients := rule.Recipients(event)
	if len(recipients) == 0 {
		return nil
	}

	h.logger.WithFields(logrus.Fields{
		"event_type": event.EventType,
		"recipients": recipients,
		"message":    fmt.Sprintf(rule.Template, event.AggregateType),
	}).Info("notification dispatched")
	return nil
}
