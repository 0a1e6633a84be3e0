package service

import (
	"context"
	"log/slog"

	"github.com/web-casa/proxyfleet/internal/model"
	"github.com/web-casa/proxyfleet/internal/repository"
)

// Audit actions
const (
	ActionCreate = "CREATE"
	ActionUpdate = "UPDATE"
	ActionDelete = "DELETE"
	ActionSSLOn  = "SSL_ON"
	ActionSSLOff = "SSL_OFF"
	ActionReload = "RELOAD"
	ActionIssue  = "ISSUE"
	ActionUpload = "UPLOAD"
	ActionRenew  = "RENEW"
)

// Audit target types
const (
	TargetSite        = "site"
	TargetCertificate = "certificate"
	TargetProxy       = "proxy"
)

// ActivityLogger writes audit entries. Write failures are logged and
// swallowed; they never fail the operation being audited.
type ActivityLogger struct {
	repo   *repository.Repository
	logger *slog.Logger
}

// NewActivityLogger creates an ActivityLogger
func NewActivityLogger(repo *repository.Repository, logger *slog.Logger) *ActivityLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActivityLogger{repo: repo, logger: logger.With("module", "activity")}
}

// Log records one audit entry
func (a *ActivityLogger) Log(ctx context.Context, entry model.AuditLog) {
	if a == nil {
		return
	}
	if entry.Actor == "" {
		entry.Actor = SystemActor
	}
	// the request may already be gone; the entry should still land
	if err := a.repo.CreateAuditLog(context.WithoutCancel(ctx), &entry); err != nil {
		a.logger.Warn("failed to write audit log",
			"action", entry.Action, "target", entry.TargetType, "target_id", entry.TargetID, "error", err)
	}
}

// List returns a page of audit entries, newest first
func (a *ActivityLogger) List(ctx context.Context, page, perPage int) ([]model.AuditLog, int64, error) {
	return a.repo.ListAuditLogs(ctx, page, perPage)
}
