// Package access enforces the two-role authorization model and the
// anti-forgery token check required before any state-changing operation.
// Denials are appended to the access log and rate-limit their log output so
// a misbehaving caller cannot flood the logs.
package access

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/c360/confhub/errors"
	"github.com/c360/confhub/store"
)

// Role is a principal's capability level.
type Role string

// The two roles. Write implies read.
const (
	RoleRead  Role = "read"
	RoleWrite Role = "write"
)

// Action identifies an operation for permission checks and audit records.
type Action string

// Actions, grouped by the role they require.
const (
	ActionRead            Action = "read"
	ActionSearch          Action = "search"
	ActionUpdate          Action = "update"
	ActionRevealSecret    Action = "reveal-secret"
	ActionStoreSecret     Action = "store-secret"
	ActionRebuild         Action = "rebuild"
	ActionRotateKey       Action = "rotate-key"
	ActionProfileSave     Action = "profile-save"
	ActionProfileActivate Action = "profile-activate"
	ActionProfileDelete   Action = "profile-delete"
)

// RequiresWrite reports whether the action mutates state or reveals secrets.
func (a Action) RequiresWrite() bool {
	switch a {
	case ActionRead, ActionSearch:
		return false
	default:
		return true
	}
}

// AuditSink receives access log entries. *store.Store satisfies it.
type AuditSink interface {
	AppendAccessLog(ctx context.Context, entry store.AccessLogEntry) error
}

// Controller holds principal role assignments and performs permission and
// token checks.
type Controller struct {
	mu     sync.RWMutex
	roles  map[string]Role
	tokens *TokenIssuer
	audit  AuditSink
	logger *slog.Logger

	// denialLog throttles denial log lines; the audit trail itself is
	// never throttled.
	denialLog *rate.Limiter
}

// NewController creates a controller. Unknown principals default to RoleRead.
func NewController(tokens *TokenIssuer, audit AuditSink, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		roles:     make(map[string]Role),
		tokens:    tokens,
		audit:     audit,
		logger:    logger,
		denialLog: rate.NewLimiter(rate.Limit(5), 10),
	}
}

// SetRole assigns a role to a principal.
func (c *Controller) SetRole(principal string, role Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roles[principal] = role
}

// RoleOf returns the principal's role, defaulting to RoleRead.
func (c *Controller) RoleOf(principal string) Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if role, ok := c.roles[principal]; ok {
		return role
	}
	return RoleRead
}

// RequirePermission checks that the principal's role covers the action.
// A denial is appended to the access log and returns ErrForbidden.
func (c *Controller) RequirePermission(ctx context.Context, principal string, action Action, service, key string) error {
	if !action.RequiresWrite() {
		return nil
	}
	if c.RoleOf(principal) == RoleWrite {
		return nil
	}

	c.deny(ctx, principal, action, service, key, "write role required")
	return errors.ErrForbidden
}

// RequireToken validates the anti-forgery token for a state-changing call.
// It runs before any business logic; a missing or invalid token is denied
// and audited the same way a role failure is.
func (c *Controller) RequireToken(ctx context.Context, principal, session, token string, action Action, service, key string) error {
	if !action.RequiresWrite() {
		return nil
	}
	if c.tokens == nil {
		return nil
	}
	if err := c.tokens.Verify(session, token); err != nil {
		c.deny(ctx, principal, action, service, key, "anti-forgery token invalid")
		return errors.ErrTokenInvalid
	}
	return nil
}

// Authorize runs both checks in order: token first, then role.
func (c *Controller) Authorize(ctx context.Context, principal, session, token string, action Action, service, key string) error {
	if err := c.RequireToken(ctx, principal, session, token, action, service, key); err != nil {
		return err
	}
	return c.RequirePermission(ctx, principal, action, service, key)
}

// Record appends a successful-operation audit entry.
func (c *Controller) Record(ctx context.Context, principal string, action Action, service, key string) {
	if c.audit == nil {
		return
	}
	if err := c.audit.AppendAccessLog(ctx, store.AccessLogEntry{
		Principal: principal,
		Action:    string(action),
		Service:   service,
		Key:       key,
		Success:   true,
	}); err != nil {
		c.logger.Warn("failed to append access log entry", "error", err)
	}
}

func (c *Controller) deny(ctx context.Context, principal string, action Action, service, key, reason string) {
	if c.denialLog.Allow() {
		c.logger.Warn("access denied",
			"principal", principal,
			"action", string(action),
			"service", service,
			"reason", reason)
	}

	if c.audit == nil {
		return
	}
	if err := c.audit.AppendAccessLog(ctx, store.AccessLogEntry{
		Principal: principal,
		Action:    string(action),
		Service:   service,
		Key:       key,
		Success:   false,
		Reason:    reason,
	}); err != nil {
		c.logger.Warn("failed to append access log entry", "error", err)
	}
}
