// Package main provides a monitoring service for pollq deployments.
package main

import (
	"context"
	"fmt"

	"github.com/hemant/pollq"
)

// Source is the read-only view of the broker the monitor renders.
// *pollq.Inspector implements it.
type Source interface {
	Mode() pollq.Mode
	Types(ctx context.Context) ([]*pollq.TypeInfo, error)
	Pending(ctx context.Context) (int64, error)
	Servers(ctx context.Context) ([]*pollq.ServerInfo, error)
	Archived(ctx context.Context, n int) ([]*pollq.ArchivedTask, error)
}

// DashboardStats holds dashboard statistics.
type DashboardStats struct {
	Mode          string `json:"mode"`
	TotalTypes    int    `json:"total_types"`
	TotalPending  int64  `json:"total_pending"`
	TotalArchived int    `json:"total_archived"`
	ActiveServers int    `json:"active_servers"`
	ActiveWorkers int    `json:"active_workers"`
}

// archiveWindow bounds how many archived tasks the dashboard counts.
const archiveWindow = 1000

// GetDashboardStats aggregates the broker state for the dashboard.
func GetDashboardStats(ctx context.Context, src Source) (*DashboardStats, error) {
	stats := &DashboardStats{Mode: src.Mode().String()}

	types, err := src.Types(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get types: %w", err)
	}
	stats.TotalTypes = len(types)

	if stats.TotalPending, err = src.Pending(ctx); err != nil {
		return nil, fmt.Errorf("failed to count pending tasks: %w", err)
	}

	servers, err := src.Servers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get servers: %w", err)
	}
	stats.ActiveServers = len(servers)
	for _, s := range servers {
		stats.ActiveWorkers += len(s.Workers)
	}

	archived, err := src.Archived(ctx, archiveWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to get archived tasks: %w", err)
	}
	stats.TotalArchived = len(archived)
	return stats, nil
}
