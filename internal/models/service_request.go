package models

import "time"

const (
	RequestPending  = "pending"
	RequestResolved = "resolved"
)

type ServiceRequest struct {
	RequestID  string     `json:"request_id"`
	TenantID   string     `json:"tenant_id"`
	TableLabel string     `json:"table_label"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}
