// Package intercept is the single choke point through which all
// user-facing text must pass. It wraps output-producing functions,
// funnels their textual payload through the decision engine, and
// rewrites the payload when the verdict demands it.
package intercept

import (
	"context"
	"runtime"
	"time"

	"github.com/memoryos/outputguard/internal/domain"
	"github.com/memoryos/outputguard/internal/engine"
)

// OutputPayload is the explicit rewrite target for intercepted output:
// Text is what the user sees, Metadata carries everything else. Using
// a tagged type keeps the rewrite unambiguous instead of guessing
// which field of an arbitrary result holds the message.
type OutputPayload struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Ack is the structured acknowledgement returned by LogAndRespond.
type Ack struct {
	Status              string   `json:"status"`
	Type                string   `json:"type"`
	Logged              bool     `json:"logged"`
	ComplianceValidated bool     `json:"compliance_validated"`
	Blocked             bool     `json:"blocked"`
	Warnings            []string `json:"warnings,omitempty"`
}

// Interceptor funnels output through the decision engine.
type Interceptor struct {
	engine *engine.Engine
}

// New creates an interceptor around the given engine.
func New(e *engine.Engine) *Interceptor {
	return &Interceptor{engine: e}
}

// NewContext builds an OutputContext for the immediate caller. Callers
// that need exact source attribution should construct the context
// themselves; this helper reads one frame up the stack as a
// convenience for the common case.
func NewContext(channel domain.Channel, confirmation *domain.ConfirmationStatus) domain.OutputContext {
	octx := domain.OutputContext{
		Channel:      channel,
		Timestamp:    time.Now().UTC(),
		Confirmation: confirmation,
	}
	if pc, file, line, ok := runtime.Caller(2); ok {
		octx.SourceFile = file
		octx.SourceLine = line
		if fn := runtime.FuncForPC(pc); fn != nil {
			octx.SourceFunction = fn.Name()
		}
	}
	return octx
}

// Wrap runs fn and validates its payload's Text on the given channel.
// On a blocked verdict the Text is replaced with the engine's notice
// and blocking metadata is attached; on warnings the metadata is
// attached without touching the Text.
func (i *Interceptor) Wrap(ctx context.Context, channel domain.Channel, fn func(context.Context) (OutputPayload, error)) (OutputPayload, error) {
	payload, err := fn(ctx)
	if err != nil {
		return payload, err
	}

	octx := NewContext(channel, confirmationFrom(payload.Metadata))
	result := i.engine.ValidateOutput(ctx, payload.Text, octx)

	if payload.Metadata == nil {
		payload.Metadata = make(map[string]any)
	}
	payload.Metadata["audit_log_id"] = result.AuditLogID

	if result.Blocked {
		payload.Text = result.ProcessedContent
		payload.Metadata["compliance_blocked"] = true
		payload.Metadata["compliance_violations"] = result.Violations
		payload.Metadata["pending_confirmation"] = true
		return payload, nil
	}

	payload.Text = result.ProcessedContent
	if len(result.Warnings) > 0 {
		payload.Metadata["compliance_warnings"] = result.Warnings
	} else {
		payload.Metadata["compliance_validated"] = true
	}
	return payload, nil
}

// SendOutput validates content on the given channel and returns the
// processed text. This is the synchronous entry point for code that
// does not want the wrapper.
func (i *Interceptor) SendOutput(ctx context.Context, content string, channel domain.Channel, confirmation *domain.ConfirmationStatus) string {
	octx := NewContext(channel, confirmation)
	result := i.engine.ValidateOutput(ctx, content, octx)
	return result.ProcessedContent
}

// SendOutputWithContext validates content with a caller-built context,
// for call sites that carry request/session attribution.
func (i *Interceptor) SendOutputWithContext(ctx context.Context, content string, octx domain.OutputContext) domain.ComplianceResult {
	return i.engine.ValidateOutput(ctx, content, octx)
}

// LogAndRespond validates the same content against the logging channel
// and the API response channel and returns a structured
// acknowledgement carrying the response-channel verdict.
func (i *Interceptor) LogAndRespond(ctx context.Context, content string, responseType string, confirmation *domain.ConfirmationStatus) Ack {
	logCtx := NewContext(domain.ChannelLogMessage, confirmation)
	i.engine.ValidateOutput(ctx, content, logCtx)

	respCtx := NewContext(domain.ChannelAPIResponse, confirmation)
	result := i.engine.ValidateOutput(ctx, content, respCtx)

	if responseType == "" {
		responseType = "info"
	}
	return Ack{
		Status:              result.ProcessedContent,
		Type:                responseType,
		Logged:              true,
		ComplianceValidated: true,
		Blocked:             result.Blocked,
		Warnings:            result.Warnings,
	}
}

func confirmationFrom(metadata map[string]any) *domain.ConfirmationStatus {
	if metadata == nil {
		return nil
	}
	if status, ok := metadata["confirmation_status"].(*domain.ConfirmationStatus); ok {
		return status
	}
	return nil
}
