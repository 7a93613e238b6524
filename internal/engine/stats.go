package engine

import (
	"context"
	"log/slog"

	"github.com/memoryos/outputguard/internal/domain"
)

// recentWindow is how many trailing audit entries count toward the
// recent-violation figure.
const recentWindow = 100

// ChannelStats is the per-channel slice of the compliance statistics.
type ChannelStats struct {
	Total      int `json:"total"`
	Blocked    int `json:"blocked"`
	Violations int `json:"violations"`
}

// Stats summarizes the audit log.
type Stats struct {
	TotalOutputs     int                             `json:"total_outputs"`
	BlockedOutputs   int                             `json:"blocked_outputs"`
	TotalViolations  int                             `json:"total_violations"`
	ComplianceRate   float64                         `json:"compliance_rate"` // percent
	ChannelBreakdown map[domain.Channel]ChannelStats `json:"channel_breakdown"`
	RecentViolations int                             `json:"recent_violations"`
	BypassAttempts   int                             `json:"bypass_attempts"`
}

// Stats computes compliance statistics from the audit and bypass logs.
// Store read errors degrade to empty logs rather than failing the
// query.
func (e *Engine) Stats(ctx context.Context) Stats {
	entries, err := e.store.ListAudit(ctx)
	if err != nil {
		e.logger.Error("stats: audit log unreadable", slog.String("error", err.Error()))
		entries = nil
	}

	stats := Stats{
		ComplianceRate:   100,
		ChannelBreakdown: make(map[domain.Channel]ChannelStats),
	}
	stats.TotalOutputs = len(entries)

	for _, entry := range entries {
		ch := stats.ChannelBreakdown[entry.Channel]
		ch.Total++
		if entry.Blocked {
			stats.BlockedOutputs++
			ch.Blocked++
		}
		stats.TotalViolations += len(entry.Violations)
		ch.Violations += len(entry.Violations)
		stats.ChannelBreakdown[entry.Channel] = ch
	}

	if stats.TotalOutputs > 0 {
		stats.ComplianceRate = float64(stats.TotalOutputs-stats.TotalViolations) / float64(stats.TotalOutputs) * 100
	}

	start := len(entries) - recentWindow
	if start < 0 {
		start = 0
	}
	for _, entry := range entries[start:] {
		if len(entry.Violations) > 0 {
			stats.RecentViolations++
		}
	}

	bypasses, err := e.store.ListBypasses(ctx)
	if err != nil {
		e.logger.Error("stats: bypass log unreadable", slog.String("error", err.Error()))
	}
	stats.BypassAttempts = len(bypasses)

	return stats
}
