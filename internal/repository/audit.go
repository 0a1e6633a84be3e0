package repository

import (
	"context"

	"github.com/web-casa/proxyfleet/internal/model"
)

// CreateAuditLog inserts an audit entry
func (r *Repository) CreateAuditLog(ctx context.Context, entry *model.AuditLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// ListAuditLogs returns audit logs newest first with pagination
func (r *Repository) ListAuditLogs(ctx context.Context, page, perPage int) ([]model.AuditLog, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&model.AuditLog{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var logs []model.AuditLog
	err := r.db.WithContext(ctx).Order("created_at DESC, id DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&logs).Error
	return logs, total, err
}
