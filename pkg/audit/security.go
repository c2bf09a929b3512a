// Package audit provides security audit logging for SIEM consumption.
// It logs sandbox security events in structured JSON format for easy parsing
// and integration with security information and event management systems.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SecurityEventType categorizes security-relevant events for filtering and alerting.
type SecurityEventType string

const (
	// EventValidationRejected is logged when stored query text fails the safety rules at run time.
	EventValidationRejected SecurityEventType = "query_validation_rejected"
	// EventSQLInjectionAttempt is logged when libinjection flags a variable value.
	EventSQLInjectionAttempt SecurityEventType = "sql_injection_attempt"
	// EventIsolationDegraded is logged when a read-preferred connection is served by the primary.
	EventIsolationDegraded SecurityEventType = "isolation_degraded"
	// EventQueryExecution is logged for successful executions (can be high volume).
	EventQueryExecution SecurityEventType = "query_execution"
)

type clientIPKey struct{}

// WithClientIP attaches the caller address to ctx for audit events.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// ClientIPFromContext returns the caller address set by WithClientIP.
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

// SecurityEvent represents an auditable security event with all relevant context
// for SIEM ingestion and analysis.
type SecurityEvent struct {
	Timestamp    time.Time         `json:"timestamp"`
	EventType    SecurityEventType `json:"event_type"`
	DefinitionID uuid.UUID         `json:"definition_id,omitempty"`
	ClientIP     string            `json:"client_ip,omitempty"`
	Details      any               `json:"details"`
	Severity     string            `json:"severity"` // info, warning, critical
}

// InjectionDetails contains specifics of a detected SQL injection attempt.
type InjectionDetails struct {
	Variable       string `json:"variable"`
	Fingerprint    string `json:"fingerprint"` // libinjection fingerprint for pattern analysis
	DefinitionName string `json:"definition_name"`
}

// SecurityAuditor logs security events for SIEM consumption.
type SecurityAuditor struct {
	logger *zap.Logger
}

// NewSecurityAuditor creates a new security auditor with a dedicated
// "security_audit" logger namespace.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit")}
}

func (a *SecurityAuditor) event(ctx context.Context, t SecurityEventType, definitionID uuid.UUID, severity string, details any) (SecurityEvent, string) {
	event := SecurityEvent{
		Timestamp:    time.Now().UTC(),
		EventType:    t,
		DefinitionID: definitionID,
		ClientIP:     ClientIPFromContext(ctx),
		Details:      details,
		Severity:     severity,
	}
	// Ignoring error as marshaling known types should never fail
	eventJSON, _ := json.Marshal(event)
	return event, string(eventJSON)
}

// LogValidationRejected records stored query text that failed the safety
// rules right before execution. Logged at ERROR: either the rules tightened
// since the definition was saved or the stored text was tampered with.
func (a *SecurityAuditor) LogValidationRejected(ctx context.Context, definitionID uuid.UUID, definitionName string, violations []string) {
	event, eventJSON := a.event(ctx, EventValidationRejected, definitionID, "critical", map[string]any{
		"definition_name": definitionName,
		"violations":      violations,
	})

	a.logger.Error("Query rejected by safety validation",
		zap.String("event_json", eventJSON),
		zap.String("definition_id", definitionID.String()),
		zap.String("definition_name", definitionName),
		zap.Strings("violations", violations),
		zap.String("client_ip", event.ClientIP),
		zap.String("severity", event.Severity),
	)
}

// LogInjectionAttempt records a variable value flagged by libinjection.
func (a *SecurityAuditor) LogInjectionAttempt(ctx context.Context, definitionID uuid.UUID, details InjectionDetails) {
	event, eventJSON := a.event(ctx, EventSQLInjectionAttempt, definitionID, "critical", details)

	a.logger.Error("SQL injection attempt detected",
		zap.String("event_json", eventJSON),
		zap.String("definition_id", definitionID.String()),
		zap.String("variable", details.Variable),
		zap.String("fingerprint", details.Fingerprint),
		zap.String("client_ip", event.ClientIP),
		zap.String("severity", event.Severity),
	)
}

// LogIsolationDegraded records that sandboxed reads ran on the primary.
func (a *SecurityAuditor) LogIsolationDegraded(ctx context.Context, reason string) {
	event, eventJSON := a.event(ctx, EventIsolationDegraded, uuid.Nil, "warning", map[string]string{
		"reason": reason,
	})

	a.logger.Warn("Sandbox read isolation degraded",
		zap.String("event_json", eventJSON),
		zap.String("reason", reason),
		zap.String("severity", event.Severity),
	)
}

// LogQueryExecution records a successful execution for the audit trail.
func (a *SecurityAuditor) LogQueryExecution(ctx context.Context, definitionID uuid.UUID, definitionName string, endpoint string, userCount int) {
	event, eventJSON := a.event(ctx, EventQueryExecution, definitionID, "info", map[string]any{
		"definition_name": definitionName,
		"endpoint":        endpoint,
		"user_count":      userCount,
	})

	a.logger.Info("Query executed",
		zap.String("event_json", eventJSON),
		zap.String("definition_id", definitionID.String()),
		zap.String("definition_name", definitionName),
		zap.String("endpoint", endpoint),
		zap.Int("user_count", userCount),
		zap.String("client_ip", event.ClientIP),
	)
}
