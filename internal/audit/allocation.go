package audit

import (
	"context"
	"fmt"
	"time"
)

// Utilization levels for AllocationReport.
const (
	WarningUtilization  = 0.75
	CriticalUtilization = 0.90
)

// Allocation statuses.
const (
	AllocationHealthy  = "healthy"
	AllocationWarning  = "warning"
	AllocationCritical = "critical"
)

// ShardAllocation is one shard's capacity picture.
type ShardAllocation struct {
	ID           string  `json:"id"`
	Index        int     `json:"index"`
	SizeBytes    int64   `json:"size_bytes"`
	MaxSizeBytes int64   `json:"max_size_bytes"`
	Utilization  float64 `json:"utilization"`
	RecordCount  int64   `json:"record_count"`
	Status       string  `json:"status"`
	Active       bool    `json:"active"`
	Eligible     bool    `json:"eligible"`
}

// Allocation summarises capacity across shards.
type Allocation struct {
	GeneratedAt     time.Time         `json:"generated_at"`
	Shards          []ShardAllocation `json:"shards"`
	TotalSizeBytes  int64             `json:"total_size_bytes"`
	TotalCapacity   int64             `json:"total_capacity_bytes"`
	Utilization     float64           `json:"utilization"`
	TotalRecords    int64             `json:"total_records"`
	ActiveShard     string            `json:"active_shard"`
	NextShardNeeded bool              `json:"next_shard_needed"`
	Recommendations []string          `json:"recommendations"`
}

func allocationStatus(u float64) string {
	switch {
	case u >= CriticalUtilization:
		return AllocationCritical
	case u >= WarningUtilization:
		return AllocationWarning
	default:
		return AllocationHealthy
	}
}

// AllocationReport refreshes every shard and reports utilization. A new
// shard is needed when no write-eligible shard is below the warning level.
func (a *Auditor) AllocationReport(ctx context.Context) (Allocation, error) {
	metas, err := a.registry().RefreshAll(ctx)
	if err != nil {
		return Allocation{}, fmt.Errorf("allocation report: %w", err)
	}
	threshold := a.registry().Threshold()

	out := Allocation{
		GeneratedAt:     a.clock.Now(),
		Shards:          make([]ShardAllocation, 0, len(metas)),
		Recommendations: []string{},
	}
	if active, ok := a.registry().Active(); ok {
		out.ActiveShard = active.ID
	}

	roomy := false
	for _, m := range metas {
		u := m.Utilization()
		sa := ShardAllocation{
			ID:           m.ID,
			Index:        m.Index,
			SizeBytes:    m.SizeBytes,
			MaxSizeBytes: m.MaxSizeBytes,
			Utilization:  u,
			RecordCount:  m.RecordCount,
			Status:       allocationStatus(u),
			Active:       m.Active,
			Eligible:     m.Eligible(threshold),
		}
		out.Shards = append(out.Shards, sa)
		out.TotalSizeBytes += m.SizeBytes
		out.TotalCapacity += m.MaxSizeBytes
		out.TotalRecords += m.RecordCount
		if sa.Eligible && u < WarningUtilization {
			roomy = true
		}

		switch sa.Status {
		case AllocationCritical:
			out.Recommendations = append(out.Recommendations,
				fmt.Sprintf("%s is at %.1f%% of capacity and no longer receives writes", m.ID, u*100))
		case AllocationWarning:
			out.Recommendations = append(out.Recommendations,
				fmt.Sprintf("%s is at %.1f%% of capacity; plan for it to fill", m.ID, u*100))
		}
	}
	if out.TotalCapacity > 0 {
		out.Utilization = float64(out.TotalSizeBytes) / float64(out.TotalCapacity)
	}
	out.NextShardNeeded = !roomy
	if out.NextShardNeeded {
		out.Recommendations = append(out.Recommendations,
			"provision a new shard: every write-eligible shard is above 75% of capacity")
	}
	return out, nil
}
