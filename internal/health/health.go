// Package health composes point-in-time component statuses into one overall
// verdict. The mapping is a priority cascade: the first disqualifying
// condition wins, and the aggregation itself has no side effects.
package health

import (
	"context"
	"time"

	"github.com/filemill/cachelife/internal/monitor"
	"github.com/filemill/cachelife/internal/store"
)

// State is the overall verdict served to external callers.
type State string

const (
	Healthy   State = "healthy"
	Degraded  State = "degraded"
	Unhealthy State = "unhealthy"
)

// ComponentStatus is one component's contribution to the verdict.
type ComponentStatus struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Report is the aggregated health snapshot.
type Report struct {
	State      State             `json:"status"`
	Components []ComponentStatus `json:"components"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Probe checks an external collaborator, such as a CDN or a distributed
// cache tier. A nil error means healthy.
type Probe func(ctx context.Context) error

// Aggregator composes store reachability, monitor status, and any attached
// external probes.
type Aggregator struct {
	store   store.Store
	monitor *monitor.Monitor
	probes  map[string]Probe
}

// New builds an Aggregator. Probes are optional named checks evaluated on
// every Check call.
func New(st store.Store, mon *monitor.Monitor, probes map[string]Probe) *Aggregator {
	return &Aggregator{store: st, monitor: mon, probes: probes}
}

// Check evaluates every component and applies the cascade:
// store unreachable means unhealthy; a monitor with a critical alert means
// unhealthy; a monitor that is merely unhealthy means degraded; anything
// else is healthy. Failing external probes degrade but never disqualify.
func (a *Aggregator) Check(ctx context.Context) Report {
	report := Report{State: Healthy, Timestamp: time.Now().UTC()}

	storeOK := true
	detail := ""
	if err := a.store.Ping(ctx); err != nil {
		storeOK = false
		detail = err.Error()
	}
	report.Components = append(report.Components, ComponentStatus{
		Name: "store", Healthy: storeOK, Detail: detail,
	})

	monitorOK := true
	critical := false
	if a.monitor != nil {
		status := a.monitor.CurrentStatus()
		monitorOK = status.Healthy
		for _, alert := range a.monitor.ActiveAlerts() {
			if alert.Severity == monitor.SeverityCritical {
				critical = true
				break
			}
		}
		report.Components = append(report.Components, ComponentStatus{
			Name: "monitoring", Healthy: monitorOK,
		})
	}

	probesOK := true
	for name, probe := range a.probes {
		detail := ""
		ok := true
		if err := probe(ctx); err != nil {
			ok = false
			probesOK = false
			detail = err.Error()
		}
		report.Components = append(report.Components, ComponentStatus{
			Name: name, Healthy: ok, Detail: detail,
		})
	}

	switch {
	case !storeOK:
		report.State = Unhealthy
	case !monitorOK && critical:
		report.State = Unhealthy
	case !monitorOK || !probesOK:
		report.State = Degraded
	}
	return report
}
