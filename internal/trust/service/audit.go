package service

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aussiebroadwan/trustcore/internal/trust/domain"
	"github.com/aussiebroadwan/trustcore/internal/trust/obs"
	"github.com/aussiebroadwan/trustcore/internal/trust/store"
	"github.com/aussiebroadwan/trustcore/pkg/idx"
	"github.com/aussiebroadwan/trustcore/pkg/slogx"
)

// redactedValue replaces sensitive values at write time. Redaction is
// irreversible: the original value is never persisted.
const redactedValue = "[REDACTED]"

// sensitiveKeys are matched as case-insensitive substrings of change keys.
// Email addresses are always redacted, even inside nested structures.
var sensitiveKeys = []string{
	"password",
	"secret",
	"token",
	"authorization",
	"api_key",
	"apikey",
	"recovery_code",
	"private_key",
	"email",
}

// AuditService is the append-only security trail. Entries are redacted before
// they hit the store and are never updated or deleted afterwards.
type AuditService struct {
	Store   store.Store
	Metrics *obs.Metrics
}

// RecordInput carries one audit event. Changes may nest maps and slices; the
// whole structure is walked for sensitive keys.
type RecordInput struct {
	ActorID    string // platform user, empty for anonymous (failed logins)
	TenantID   string
	Action     string
	Resource   string
	ResourceID string
	Changes    map[string]any
	IPAddress  string
	UserAgent  string
}

// Record redacts and appends one entry. Audit failures are surfaced to the
// caller: a security-relevant action that cannot be recorded should not
// silently succeed.
func (s *AuditService) Record(ctx context.Context, in RecordInput) error {
	entry := domain.AuditEntry{
		ID:         idx.New().String(),
		Action:     in.Action,
		Resource:   in.Resource,
		ResourceID: in.ResourceID,
		Changes:    redactMap(in.Changes),
		IPAddress:  in.IPAddress,
		UserAgent:  in.UserAgent,
		CreatedAt:  time.Now().UTC(),
	}
	if in.ActorID != "" {
		entry.PlatformUserID = &in.ActorID
	}
	if in.TenantID != "" {
		entry.TenantID = &in.TenantID
	}

	if err := s.Store.Audit().AppendAuditEntry(ctx, entry); err != nil {
		slogx.FromContext(ctx).Error("failed to append audit entry",
			slog.String("action", in.Action),
			slog.Any("error", err))
		return err
	}
	if s.Metrics != nil {
		s.Metrics.AuditEntries.Inc()
	}
	return nil
}

// List returns entries matching the filter, newest first.
func (s *AuditService) List(ctx context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	return s.Store.Audit().ListAuditEntries(ctx, f)
}

// ExportCSV streams matching entries as CSV. The changes column carries the
// redacted JSON document.
func (s *AuditService) ExportCSV(ctx context.Context, w io.Writer, f domain.AuditFilter) error {
	if f.Limit <= 0 {
		f.Limit = 10000
	}
	entries, err := s.Store.Audit().ListAuditEntries(ctx, f)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	header := []string{"id", "created_at", "platform_user_id", "tenant_id",
		"action", "resource", "resource_id", "changes", "ip_address", "user_agent"}
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, e := range entries {
		changes, err := json.Marshal(e.Changes)
		if err != nil {
			return fmt.Errorf("marshal changes for entry %s: %w", e.ID, err)
		}
		record := []string{
			e.ID,
			e.CreatedAt.UTC().Format(time.RFC3339),
			deref(e.PlatformUserID),
			deref(e.TenantID),
			e.Action,
			e.Resource,
			e.ResourceID,
			string(changes),
			e.IPAddress,
			e.UserAgent,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// redactMap walks the structure depth-first. Values under sensitive keys are
// replaced wholesale, including nested containers.
func redactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			out[k] = redactedValue
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return redactMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = redactValue(item)
		}
		return out
	default:
		return v
	}
}
