// Package policy resolves the enforcement policy for each output
// channel from configuration, falling back to a default for channels
// the configuration does not name.
package policy

import (
	"github.com/memoryos/outputguard/internal/config"
	"github.com/memoryos/outputguard/internal/domain"
)

// Registry maps channels to their resolved policies. Resolve never
// fails: unknown channels get the configured default.
type Registry struct {
	channels       map[domain.Channel]domain.ChannelPolicy
	defaultLevel   domain.Level
	defaultConfirm bool
}

// NewRegistry builds a registry from configuration. Unrecognized level
// strings degrade to strict, the safest interpretation.
func NewRegistry(cfg config.ComplianceConfig) *Registry {
	r := &Registry{
		channels:       make(map[domain.Channel]domain.ChannelPolicy, len(cfg.Channels)),
		defaultLevel:   parseLevel(cfg.DefaultLevel),
		defaultConfirm: cfg.DefaultRequireConfirmation,
	}
	for name, ch := range cfg.Channels {
		channel := domain.Channel(name)
		r.channels[channel] = domain.ChannelPolicy{
			Channel:             channel,
			Level:               parseLevel(ch.Level),
			RequireConfirmation: ch.RequireConfirmation,
		}
	}
	return r
}

// Resolve returns the policy for channel, or the default policy when
// the channel is not configured.
func (r *Registry) Resolve(channel domain.Channel) domain.ChannelPolicy {
	if p, ok := r.channels[channel]; ok {
		return p
	}
	return domain.ChannelPolicy{
		Channel:             channel,
		Level:               r.defaultLevel,
		RequireConfirmation: r.defaultConfirm,
	}
}

func parseLevel(s string) domain.Level {
	switch domain.Level(s) {
	case domain.LevelModerate:
		return domain.LevelModerate
	case domain.LevelPermissive:
		return domain.LevelPermissive
	default:
		return domain.LevelStrict
	}
}
