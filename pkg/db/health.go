// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package db

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HealthStatus classifies the manager's recent error rate.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"  // error rate < 5%
	StatusDegraded HealthStatus = "degraded" // error rate < 15%
	StatusFailed   HealthStatus = "failed"   // error rate >= 15%
)

// Stats is a snapshot of manager activity, readable by introspection.
type Stats struct {
	TotalQueries int64
	TotalErrors  int64
	LastCheck    time.Time
	Status       HealthStatus
}

var (
	queriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bastion_db_queries_total",
		Help: "Total statements executed through the database manager.",
	})
	errorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bastion_db_errors_total",
		Help: "Total statement errors observed by the database manager.",
	})
	healthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bastion_db_health",
		Help: "Database health status (0 healthy, 1 degraded, 2 failed).",
	})
)

func (m *Manager) recordQuery(err error) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	m.stats.TotalQueries++
	queriesTotal.Inc()
	if err != nil {
		m.stats.TotalErrors++
		errorsTotal.Inc()
	}
}

// Stats returns a snapshot of the current statistics.
func (m *Manager) Stats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

// Status returns the current health classification.
func (m *Manager) Status() HealthStatus {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats.Status
}

// healthLoop probes the database every HealthCheckInterval and reclassifies
// the error rate.
func (m *Manager) healthLoop() {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkHealth()
		}
	}
}

func (m *Manager) checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CommandTimeout)
	defer cancel()

	var probe int
	err := m.pool.QueryRowContext(ctx, "SELECT 1").Scan(&probe)

	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	m.stats.TotalQueries++
	if err != nil {
		m.stats.TotalErrors++
	}
	m.stats.LastCheck = time.Now()

	errorRate := 0.0
	if m.stats.TotalQueries > 0 {
		errorRate = float64(m.stats.TotalErrors) / float64(m.stats.TotalQueries)
	}

	previous := m.stats.Status
	switch {
	case errorRate < 0.05:
		m.stats.Status = StatusHealthy
		healthGauge.Set(0)
	case errorRate < 0.15:
		m.stats.Status = StatusDegraded
		healthGauge.Set(1)
	default:
		m.stats.Status = StatusFailed
		healthGauge.Set(2)
	}

	if m.stats.Status != previous {
		slog.Warn("Database health changed",
			"from", previous,
			"to", m.stats.Status,
			"error_rate", errorRate)
	}
}
