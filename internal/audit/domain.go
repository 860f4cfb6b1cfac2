package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Severity mengklasifikasikan tingkat kepentingan catatan audit.
type Severity string

const (
	SeverityInfo     Severity = "Info"
	SeverityWarning  Severity = "Warning"
	SeverityCritical Severity = "Critical"
)

// ParseSeverity menerima nama severity tanpa memperhatikan huruf besar/kecil.
func ParseSeverity(raw string) (Severity, error) {
	for _, s := range []Severity{SeverityInfo, SeverityWarning, SeverityCritical} {
		if strings.EqualFold(strings.TrimSpace(raw), string(s)) {
			return s, nil
		}
	}
	return "", fmt.Errorf("audit: unknown severity %q", raw)
}

// Action yang ditulis oleh inti otorisasi.
const (
	ActionImpersonationStarted = "ImpersonationStarted"
	ActionImpersonationStopped = "ImpersonationStopped"
	ActionImpersonationExpired = "ImpersonationExpired"
	ActionPermissionDenied     = "PermissionDenied"
	ActionAuditPurged          = "AuditLogPurged"
)

// Record adalah satu baris audit trail. Setelah tersimpan tidak pernah diubah.
type Record struct {
	ID          int64           `json:"id"`
	UserID      int64           `json:"userId"`
	UserEmail   string          `json:"userEmail,omitempty"`
	TenantID    int64           `json:"tenantId"`
	Action      string          `json:"action"`
	EntityType  string          `json:"entityType"`
	EntityID    string          `json:"entityId,omitempty"`
	EntityName  string          `json:"entityName,omitempty"`
	OldValues   json.RawMessage `json:"oldValues,omitempty"`
	NewValues   json.RawMessage `json:"newValues,omitempty"`
	IPAddress   string          `json:"ipAddress,omitempty"`
	UserAgent   string          `json:"userAgent,omitempty"`
	Description string          `json:"description,omitempty"`
	Severity    Severity        `json:"severity"`
	IsSuccess   bool            `json:"isSuccess"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Validate memastikan field wajib terisi sebelum ditulis.
func (r Record) Validate() error {
	switch {
	case r.TenantID <= 0:
		return fmt.Errorf("audit: tenant id required")
	case strings.TrimSpace(r.Action) == "":
		return fmt.Errorf("audit: action required")
	case strings.TrimSpace(r.EntityType) == "":
		return fmt.Errorf("audit: entity type required")
	}
	if _, err := ParseSeverity(string(r.Severity)); err != nil {
		return err
	}
	for _, raw := range []json.RawMessage{r.OldValues, r.NewValues} {
		if len(raw) > 0 && !json.Valid(raw) {
			return fmt.Errorf("audit: snapshot is not valid json")
		}
	}
	return nil
}

// Snapshot menserialisasi v sebagai nilai oldValues/newValues.
func Snapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// Filter menampung kriteria query audit. Field kosong berarti tidak difilter.
type Filter struct {
	UserID     *int64
	TenantID   *int64
	Action     string
	EntityType string
	Severity   *Severity
	IsSuccess  *bool
	Search     string
	From       *time.Time
	To         *time.Time
}

// Page adalah hasil query audit yang dipaginasi.
type Page struct {
	Records    []Record `json:"records"`
	TotalCount int64    `json:"totalCount"`
	Page       int      `json:"page"`
	PageSize   int      `json:"pageSize"`
	TotalPages int      `json:"totalPages"`
}

// Stats merangkum jumlah catatan audit.
type Stats struct {
	Today        int64            `json:"today"`
	Last7Days    int64            `json:"last7Days"`
	Last30Days   int64            `json:"last30Days"`
	Failed       int64            `json:"failed"`
	ByAction     map[string]int64 `json:"byAction"`
	ByEntityType map[string]int64 `json:"byEntityType"`
	BySeverity   map[string]int64 `json:"bySeverity"`
}

// Dimension adalah kolom pengelompokan untuk statistik.
type Dimension string

const (
	DimensionAction     Dimension = "action"
	DimensionEntityType Dimension = "entity_type"
	DimensionSeverity   Dimension = "severity"
)
