// Package health runs the agent's startup self-checks.
package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/perimeterlab/attest/pkg/oracle"
)

type Status struct {
	ServerReachable bool     `json:"server_reachable"`
	OracleAvailable bool     `json:"oracle_available"`
	OracleKeyExists bool     `json:"oracle_key_exists"`
	TimeDrift       int      `json:"time_drift_seconds"`
	Healthy         bool     `json:"healthy"`
	Issues          []string `json:"issues,omitempty"`
}

// Check probes server connectivity, the signing oracle, and clock drift. A
// failed check is reported as an issue; the agent still starts, but posture
// submissions will fail until the issues clear.
func Check(ctx context.Context, serverURL string, signer oracle.Signer, maxTimeDrift int) *Status {
	status := &Status{Healthy: true, Issues: []string{}}

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+"/v1/health", nil)
	if err != nil {
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("bad server URL: %v", err))
		return status
	}
	resp, err := client.Do(req)
	if err != nil {
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("cannot reach server: %v", err))
	} else {
		status.ServerReachable = resp.StatusCode == http.StatusOK
		if !status.ServerReachable {
			status.Healthy = false
			status.Issues = append(status.Issues, fmt.Sprintf("server unhealthy: %d", resp.StatusCode))
		}
		status.TimeDrift = driftFromDateHeader(resp)
		resp.Body.Close()
		if status.TimeDrift > maxTimeDrift {
			status.Healthy = false
			status.Issues = append(status.Issues, fmt.Sprintf("time drift %ds exceeds max %ds", status.TimeDrift, maxTimeDrift))
		}
	}

	if signer != nil {
		oracleStatus, err := signer.Status(ctx)
		if err != nil {
			status.Healthy = false
			status.Issues = append(status.Issues, fmt.Sprintf("oracle unavailable: %v", err))
		} else {
			status.OracleAvailable = oracleStatus.Available
			status.OracleKeyExists = oracleStatus.KeyExists
			if !oracleStatus.Available {
				status.Healthy = false
				status.Issues = append(status.Issues, "signing oracle not available")
			}
			if !oracleStatus.KeyExists {
				status.Issues = append(status.Issues, "signing oracle has no key yet")
			}
		}
	}

	return status
}

// driftFromDateHeader compares the server's Date header to local time. It
// is a coarse heuristic, good enough to flag a badly skewed clock before
// the first challenge expires unexpectedly.
func driftFromDateHeader(resp *http.Response) int {
	raw := resp.Header.Get("Date")
	if raw == "" {
		return 0
	}
	serverTime, err := http.ParseTime(raw)
	if err != nil {
		return 0
	}
	drift := time.Since(serverTime)
	if drift < 0 {
		drift = -drift
	}
	return int(drift.Seconds())
}
