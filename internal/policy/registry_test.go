package policy

import (
	"testing"

	"github.com/memoryos/outputguard/internal/config"
	"github.com/memoryos/outputguard/internal/domain"
)

func testConfig() config.ComplianceConfig {
	return config.ComplianceConfig{
		DefaultLevel:               "strict",
		DefaultRequireConfirmation: true,
		Channels: map[string]config.ChannelConfig{
			"api_response":  {Level: "strict", RequireConfirmation: true},
			"log_message":   {Level: "moderate", RequireConfirmation: false},
			"error_message": {Level: "permissive", RequireConfirmation: false},
		},
	}
}

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry(testConfig())

	tests := []struct {
		name        string
		channel     domain.Channel
		wantLevel   domain.Level
		wantConfirm bool
	}{
		{"api response is strict", domain.ChannelAPIResponse, domain.LevelStrict, true},
		{"log message is moderate", domain.ChannelLogMessage, domain.LevelModerate, false},
		{"error message is permissive", domain.ChannelErrorMessage, domain.LevelPermissive, false},
		{"unknown channel gets default", domain.Channel("carrier_pigeon"), domain.LevelStrict, true},
		{"unconfigured named channel gets default", domain.ChannelEmail, domain.LevelStrict, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Resolve(tt.channel)
			if got.Channel != tt.channel {
				t.Errorf("Channel = %q, want %q", got.Channel, tt.channel)
			}
			if got.Level != tt.wantLevel {
				t.Errorf("Level = %q, want %q", got.Level, tt.wantLevel)
			}
			if got.RequireConfirmation != tt.wantConfirm {
				t.Errorf("RequireConfirmation = %v, want %v", got.RequireConfirmation, tt.wantConfirm)
			}
		})
	}
}

func TestRegistry_UnrecognizedLevelDegradesToStrict(t *testing.T) {
	cfg := testConfig()
	cfg.Channels["chat_response"] = config.ChannelConfig{Level: "lenient", RequireConfirmation: true}

	r := NewRegistry(cfg)
	got := r.Resolve(domain.ChannelChatResponse)
	if got.Level != domain.LevelStrict {
		t.Errorf("Level = %q, want strict for unrecognized level string", got.Level)
	}
}

func TestRegistry_PermissiveDefault(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultLevel = "permissive"
	cfg.DefaultRequireConfirmation = false

	r := NewRegistry(cfg)
	got := r.Resolve(domain.Channel("unlisted"))
	if got.Level != domain.LevelPermissive {
		t.Errorf("Level = %q, want permissive", got.Level)
	}
	if got.RequireConfirmation {
		t.Error("RequireConfirmation = true, want false")
	}
}
