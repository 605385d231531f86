package audit

import "time"

// EventType classifies a security audit entry.
type EventType string

const (
	EventPermissionDenied     EventType = "permission_denied"
	EventPermissionGranted    EventType = "permission_granted"
	EventBulkPermissionDenied EventType = "bulk_permission_denied"
	EventRoleAssigned         EventType = "role_assigned"
	EventRoleRevoked          EventType = "role_revoked"
	EventOverrideCreated      EventType = "override_created"
	EventPermissionRequested  EventType = "permission_requested"
	EventRequestApproved      EventType = "request_approved"
	EventRequestDenied        EventType = "request_denied"
	EventRequestExpired       EventType = "request_expired"
	EventLoginSucceeded       EventType = "login_succeeded"
	EventLoginFailed          EventType = "login_failed"
	EventMFAVerified          EventType = "mfa_verified"
	EventMFAFailed            EventType = "mfa_failed"
)

// RiskLevel grades how much attention an entry deserves.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// SecurityEvent is an append-only audit record. It is never mutated once written.
type SecurityEvent struct {
	ID          string         `json:"id"`
	UserID      int64          `json:"user_id"`
	CompanyID   int64          `json:"company_id"`
	EventType   EventType      `json:"event_type"`
	Description string         `json:"description"`
	IPAddress   string         `json:"ip_address,omitempty"`
	UserAgent   string         `json:"user_agent,omitempty"`
	RiskLevel   RiskLevel      `json:"risk_level"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// TimelineFilters narrows timeline queries. Zero values mean "any".
type TimelineFilters struct {
	From      time.Time
	To        time.Time
	UserID    int64
	CompanyID int64
	EventType string
	RiskLevel string
	Page      int
	PageSize  int
}

// PagingInfo menyimpan metadata pagination sederhana.
type PagingInfo struct {
	Page     int  `json:"page"`
	HasNext  bool `json:"has_next"`
	PageSize int  `json:"page_size"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// Result membungkus hasil timeline dengan informasi paging.
type Result struct {
	Rows   []SecurityEvent `json:"rows"`
	Paging PagingInfo      `json:"paging"`
}
