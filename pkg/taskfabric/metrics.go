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

package taskfabric

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bastion_tasks_submitted_total",
		Help: "Tasks accepted by the fabric, by name.",
	}, []string{"name"})

	tasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bastion_tasks_completed_total",
		Help: "Tasks reaching a terminal state, by name and state.",
	}, []string{"name", "state"})

	tasksInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bastion_tasks_inflight",
		Help: "Tasks currently executing on a worker.",
	})
)
