package resource

import (
	"math"

	"github.com/poppobuilder/poppo/internal/log"
)

// ReallocationReport describes what a Reallocate pass decided.
type ReallocationReport struct {
	Triggered bool               `json:"triggered"`
	Spread    float64            `json:"spread"` // stddev of CPU utilisation
	Targets   map[string]Quota   `json:"targets,omitempty"`
	Weights   map[string]float64 `json:"weights,omitempty"`
}

// Reallocate recomputes project quotas from observed utilisation and
// throughput. It triggers only when the standard deviation of CPU
// utilisation across projects exceeds the configured spread. Targets are
// proportional to w_i = priority_i * (1 + throughput_i/100), applied with
// the smoothing factor; the system reserve is always withheld.
func (m *Manager) Reallocate(metrics map[string]Metrics) ReallocationReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.projects) < 2 {
		return ReallocationReport{}
	}

	spread := m.cpuUtilizationSpread()
	report := ReallocationReport{Spread: spread}
	if spread <= m.cfg.UtilizationSpread {
		return report
	}
	report.Triggered = true
	report.Targets = make(map[string]Quota, len(m.projects))
	report.Weights = make(map[string]float64, len(m.projects))

	// Weights: priority scaled by recent throughput.
	var weightSum float64
	for id, st := range m.projects {
		prio := float64(st.quota.Priority)
		if prio <= 0 {
			prio = 1
		}
		w := prio * (1 + metrics[id].Throughput/100)
		report.Weights[id] = w
		weightSum += w
	}
	if weightSum <= 0 {
		return ReallocationReport{Spread: spread}
	}

	distributableCPU := m.cfg.SystemCPU * (1 - m.cfg.Reserve)
	distributableMem := float64(m.cfg.SystemMemory) * (1 - m.cfg.Reserve)

	var totalConcurrent int
	for _, st := range m.projects {
		totalConcurrent += st.quota.MaxConcurrent
	}

	s := m.cfg.Smoothing
	for id, st := range m.projects {
		share := report.Weights[id] / weightSum

		targetCPU := distributableCPU * share
		targetMem := int64(distributableMem * share)
		targetConc := int(math.Round(float64(totalConcurrent) * share))

		newQuota := st.quota
		newQuota.CPU = (1-s)*st.quota.CPU + s*targetCPU
		newQuota.Memory = int64((1-s)*float64(st.quota.Memory) + s*float64(targetMem))
		newQuota.MaxConcurrent = int(math.Round((1-s)*float64(st.quota.MaxConcurrent) + s*float64(targetConc)))
		if newQuota.MaxConcurrent < 1 {
			newQuota.MaxConcurrent = 1
		}

		st.quota = newQuota
		report.Targets[id] = newQuota
		m.log.Debug(log.CatQuota, "reallocated", "project", id,
			"cpu", newQuota.CPU, "memory", newQuota.Memory, "maxConcurrent", newQuota.MaxConcurrent)
	}

	m.log.Info(log.CatQuota, "reallocation applied", "spread", spread, "projects", len(m.projects))
	return report
}

// cpuUtilizationSpread computes the population stddev of per-project CPU
// utilisation. Caller holds m.mu.
func (m *Manager) cpuUtilizationSpread() float64 {
	utils := make([]float64, 0, len(m.projects))
	for _, st := range m.projects {
		if st.quota.CPU <= 0 {
			utils = append(utils, 0)
			continue
		}
		utils = append(utils, st.usedCPU/st.quota.CPU)
	}
	if len(utils) == 0 {
		return 0
	}
	var mean float64
	for _, u := range utils {
		mean += u
	}
	mean /= float64(len(utils))

	var variance float64
	for _, u := range utils {
		variance += (u - mean) * (u - mean)
	}
	variance /= float64(len(utils))
	return math.Sqrt(variance)
}
