package models

import "time"

// AuditAction constants represent actions to be logged.
const (
	AuditActionLogin          = "LOGIN"
	AuditActionRegister       = "REGISTER"
	AuditActionUserApprove    = "USER_APPROVE"
	AuditActionUserBlock      = "USER_BLOCK"
	AuditActionUserUnblock    = "USER_UNBLOCK"
	AuditActionUserRoleChange = "USER_ROLE_CHANGE"
	AuditActionGroupCreate    = "GROUP_CREATE"
	AuditActionGroupUpdate    = "GROUP_UPDATE"
	AuditActionGroupMembers   = "GROUP_MEMBERS"
	AuditActionTranscript     = "TRANSCRIPT_EXPORT"
	AuditActionTranscriptGet  = "TRANSCRIPT_DOWNLOAD"
)

// AuditLog represents an audit trail record.
type AuditLog struct {
	ID         string    `db:"id" json:"id"`
	UserID     *string   `db:"user_id" json:"user_id,omitempty"`
	Action     string    `db:"action" json:"action"`
	Resource   string    `db:"resource" json:"resource"`
	ResourceID *string   `db:"resource_id" json:"resource_id,omitempty"`
	OldValues  []byte    `db:"old_values" json:"old_values,omitempty"`
	NewValues  []byte    `db:"new_values" json:"new_values,omitempty"`
	IPAddress  string    `db:"ip_address" json:"ip_address"`
	UserAgent  string    `db:"user_agent" json:"user_agent"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// RequestMeta carries caller details recorded alongside audit entries.
type RequestMeta struct {
	IP        string
	UserAgent string
}
