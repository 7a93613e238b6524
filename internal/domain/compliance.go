package domain

import "time"

// Channel identifies a named output surface that content can be
// emitted on. The set is fixed; policies are resolved per channel.
type Channel string

const (
	ChannelAPIResponse  Channel = "api_response"
	ChannelUIMessage    Channel = "ui_message"
	ChannelChatResponse Channel = "chat_response"
	ChannelLogMessage   Channel = "log_message"
	ChannelErrorMessage Channel = "error_message"
	ChannelStatusUpdate Channel = "status_update"
	ChannelEmail        Channel = "email"
	ChannelNotification Channel = "notification"
	ChannelCLIOutput    Channel = "cli_output"
	ChannelSystemAlert  Channel = "system_alert"
)

// Level is the enforcement strictness applied to a channel.
type Level string

const (
	// LevelStrict blocks violating content outright unless a valid
	// confirmation accompanies it.
	LevelStrict Level = "strict"
	// LevelModerate lets violating content through with an appended
	// warning annotation.
	LevelModerate Level = "moderate"
	// LevelPermissive logs violations but never touches the content.
	LevelPermissive Level = "permissive"
)

// ChannelPolicy is the resolved enforcement policy for one channel.
// Every channel resolves to exactly one policy at validation time.
type ChannelPolicy struct {
	Channel             Channel `json:"channel"`
	Level               Level   `json:"level"`
	RequireConfirmation bool    `json:"require_confirmation"`
}

// ConfirmationMethod names a mechanism by which a completion claim is
// considered verified.
type ConfirmationMethod string

const (
	ConfirmAPIEndpointCheck     ConfirmationMethod = "api_endpoint_check"
	ConfirmBackendValidation    ConfirmationMethod = "backend_validation"
	ConfirmHuman                ConfirmationMethod = "human_confirmation"
	ConfirmSystemVerification   ConfirmationMethod = "system_verification"
	ConfirmConnectionValidation ConfirmationMethod = "connection_validation"
)

// ConfirmationStatus carries proof that a claimed action actually
// happened. It is valid only when Confirmed is set and Method is one
// of the recognized confirmation methods.
type ConfirmationStatus struct {
	Confirmed bool               `json:"confirmed"`
	Method    ConfirmationMethod `json:"confirmation_method"`
	Timestamp time.Time          `json:"timestamp"`
}

// Valid reports whether the status counts as verified proof.
func (c *ConfirmationStatus) Valid() bool {
	if c == nil || !c.Confirmed {
		return false
	}
	switch c.Method {
	case ConfirmAPIEndpointCheck, ConfirmBackendValidation, ConfirmHuman,
		ConfirmSystemVerification, ConfirmConnectionValidation:
		return true
	}
	return false
}

// OutputContext describes one output attempt. Callers construct it
// explicitly at the call site; it is immutable after creation.
type OutputContext struct {
	Channel        Channel             `json:"channel"`
	SourceFunction string              `json:"source_function"`
	SourceFile     string              `json:"source_file"`
	SourceLine     int                 `json:"source_line"`
	Timestamp      time.Time           `json:"timestamp"`
	UserID         string              `json:"user_id,omitempty"`
	SessionID      string              `json:"session_id,omitempty"`
	RequestID      string              `json:"request_id,omitempty"`
	Confirmation   *ConfirmationStatus `json:"confirmation_status,omitempty"`
}

// ViolationCategory groups trigger phrases by the kind of claim they
// indicate.
type ViolationCategory string

const (
	CategoryActionLanguage  ViolationCategory = "action_language"
	CategoryCompletionClaim ViolationCategory = "completion_claim"
	CategoryStatusClaim     ViolationCategory = "status_claim"
	CategoryFeatureClaim    ViolationCategory = "feature_claim"
)

// Violation is one detected trigger phrase. Violations are
// deduplicated by the exact matched substring.
type Violation struct {
	Category ViolationCategory `json:"category"`
	Match    string            `json:"matched_text"`
}

// Describe renders the violation for notices and audit records.
func (v Violation) Describe() string {
	return string(v.Category) + ": " + v.Match
}

// ComplianceResult is returned by every decision-engine invocation.
//
// IsCompliant reflects detection alone (no violations found) and is
// independent of Blocked: content can be non-compliant yet pass
// unblocked on a moderate or permissive channel. Both fields are kept
// deliberately.
type ComplianceResult struct {
	IsCompliant      bool        `json:"is_compliant"`
	ProcessedContent string      `json:"processed_content"`
	Violations       []Violation `json:"violations"`
	Warnings         []string    `json:"warnings"`
	Blocked          bool        `json:"blocked"`
	Level            Level       `json:"compliance_level"`
	AuditLogID       string      `json:"audit_log_id"`
}
