// Package health probes the configured bridges for the readiness endpoint.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mautrix/manager/pkg/manager/bridge"
)

// Probe identifies one bridge to check for reachability.
type Probe struct {
	Name string
	URL  string
}

// FromRoutes builds probes for every enabled bridge. Disabled bridges are
// not part of the deployment and never count against readiness.
func FromRoutes(routes []bridge.Route) []Probe {
	probes := make([]Probe, 0, len(routes))
	for _, route := range routes {
		if !route.Enabled() {
			continue
		}
		probes = append(probes, Probe{Name: route.Name, URL: route.Upstream.String()})
	}
	return probes
}

// BridgeReport captures the outcome of probing a single bridge.
type BridgeReport struct {
	Name       string    `json:"name"`
	Healthy    bool      `json:"healthy"`
	StatusCode int       `json:"statusCode,omitempty"`
	Error      string    `json:"error,omitempty"`
	CheckedAt  time.Time `json:"checkedAt"`
}

// Report aggregates readiness across bridges.
type Report struct {
	Status    string         `json:"status"`
	CheckedAt time.Time      `json:"checkedAt"`
	Bridges   []BridgeReport `json:"bridges"`
}

// Checker evaluates reachability of the bridges the manager fronts.
type Checker struct {
	client    *http.Client
	probes    []Probe
	timeout   time.Duration
	userAgent string
}

// NewChecker returns a checker for the given probes.
func NewChecker(client *http.Client, probes []Probe, timeout time.Duration) *Checker {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return &Checker{
		client:    client,
		probes:    probes,
		timeout:   timeout,
		userAgent: "mautrix-manager/readyz",
	}
}

// Readiness probes all bridges concurrently and returns an aggregated
// report. A manager with no enabled bridges is trivially ready.
func (c *Checker) Readiness(ctx context.Context) Report {
	if len(c.probes) == 0 {
		return Report{Status: "ready", CheckedAt: time.Now().UTC()}
	}

	results := make([]BridgeReport, len(c.probes))
	var wg sync.WaitGroup

	for idx, probe := range c.probes {
		wg.Add(1)
		go func(i int, p Probe) {
			defer wg.Done()
			results[i] = c.probe(ctx, p)
		}(idx, probe)
	}

	wg.Wait()

	report := Report{
		CheckedAt: time.Now().UTC(),
		Bridges:   results,
	}

	report.Status = "ready"
	for _, r := range results {
		if !r.Healthy {
			// An unreachable bridge degrades readiness but the manager
			// itself keeps serving: other bridges still work.
			report.Status = "degraded"
			break
		}
	}

	return report
}

func (c *Checker) probe(ctx context.Context, probe Probe) BridgeReport {
	report := BridgeReport{
		Name:      probe.Name,
		CheckedAt: time.Now().UTC(),
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, probe.URL, nil)
	if err != nil {
		report.Error = fmt.Sprintf("failed to create request: %v", err)
		return report
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		select {
		case <-reqCtx.Done():
			report.Error = reqCtx.Err().Error()
		default:
			report.Error = err.Error()
		}
		return report
	}
	defer resp.Body.Close()

	// Any response at all means the bridge process is up. Provisioning
	// APIs answer their root path with 404 or 401 depending on the bridge,
	// so only 5xx counts as unhealthy.
	report.StatusCode = resp.StatusCode
	report.Healthy = resp.StatusCode < 500
	if !report.Healthy {
		report.Error = fmt.Sprintf("bridge responded with status %d", resp.StatusCode)
	}

	return report
}
