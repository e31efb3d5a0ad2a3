package engine

import "time"

// Statistics is an on-demand aggregation over registered tools and recorded
// executions. It is recomputed from the current record set on every call;
// no incremental bookkeeping is needed for correctness.
type Statistics struct {
	TotalTools       int                  `json:"total_tools"`
	ToolsByCategory  map[ToolCategory]int `json:"tools_by_category"`
	ToolsByRiskLevel map[string]int       `json:"tools_by_risk_level"`

	TotalExecutions  int `json:"total_executions"`
	ActiveExecutions int `json:"active_executions"`
	Completed        int `json:"completed"`
	Failed           int `json:"failed"`
	TimedOut         int `json:"timed_out"`
	Cancelled        int `json:"cancelled"`

	// AverageDuration is the mean duration over completed executions.
	AverageDuration time.Duration `json:"average_duration"`

	CacheSize          int `json:"cache_size"`
	PendingPermissions int `json:"pending_permissions"`
}

// Statistics computes current engine statistics
func (e *Engine) Statistics() Statistics {
	stats := Statistics{
		ToolsByCategory:  make(map[ToolCategory]int),
		ToolsByRiskLevel: make(map[string]int),
	}

	for _, def := range e.registry.List() {
		stats.TotalTools++
		stats.ToolsByCategory[def.Category]++
		stats.ToolsByRiskLevel[def.RiskLevel.String()]++
	}

	e.mu.RLock()
	records := make([]*ExecutionRecord, 0, len(e.records))
	for _, rec := range e.records {
		records = append(records, rec)
	}
	e.mu.RUnlock()

	var completedTotal time.Duration
	for _, rec := range records {
		snap := rec.Snapshot()
		stats.TotalExecutions++
		switch snap.Status {
		case StatusCompleted:
			stats.Completed++
			if snap.EndedAt != nil {
				completedTotal += snap.EndedAt.Sub(snap.StartedAt)
			}
		case StatusFailed:
			stats.Failed++
		case StatusTimeout:
			stats.TimedOut++
		case StatusCancelled:
			stats.Cancelled++
		default:
			stats.ActiveExecutions++
		}
	}
	if stats.Completed > 0 {
		stats.AverageDuration = completedTotal / time.Duration(stats.Completed)
	}

	if e.cache != nil {
		stats.CacheSize = e.cache.Size()
	}
	stats.PendingPermissions = e.arbiter.PendingCount()

	return stats
}
