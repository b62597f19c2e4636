package posture

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

func (c *Collector) probeFirewall(ctx context.Context, facts *Facts) error {
	var err error
	switch runtime.GOOS {
	case "windows":
		facts.Firewall, err = collectWindowsFirewall(ctx)
	case "darwin":
		facts.Firewall, err = collectDarwinFirewall(ctx)
	default:
		facts.Firewall, err = collectLinuxFirewall(ctx)
	}
	return err
}

func collectLinuxFirewall(ctx context.Context) (FirewallFact, error) {
	if out, err := exec.CommandContext(ctx, "ufw", "status").Output(); err == nil {
		return FirewallFact{
			Enabled: strings.Contains(string(out), "Status: active"),
			Type:    "ufw",
		}, nil
	}

	if out, err := exec.CommandContext(ctx, "nft", "list", "ruleset").Output(); err == nil && len(out) > 0 {
		return FirewallFact{Enabled: true, Type: "nftables"}, nil
	}

	out, err := exec.CommandContext(ctx, "iptables", "-L", "-n").Output()
	if err != nil {
		return FirewallFact{Type: "unknown"}, fmt.Errorf("no usable firewall tool: %w", err)
	}
	// Bare default chains print a short header; actual rules push the
	// output well past that.
	return FirewallFact{Enabled: len(out) > 200, Type: "iptables"}, nil
}

func collectDarwinFirewall(ctx context.Context) (FirewallFact, error) {
	out, err := exec.CommandContext(ctx, "defaults", "read",
		"/Library/Preferences/com.apple.alf", "globalstate").Output()
	if err != nil {
		return FirewallFact{Type: "pf"}, fmt.Errorf("alf globalstate: %w", err)
	}
	state := strings.TrimSpace(string(out))
	return FirewallFact{Enabled: state == "1" || state == "2", Type: "pf"}, nil
}

func collectWindowsFirewall(ctx context.Context) (FirewallFact, error) {
	out, err := exec.CommandContext(ctx, "powershell", "-Command",
		"Get-NetFirewallProfile | Select-Object Name,Enabled | ConvertTo-Json").Output()
	if err != nil {
		return FirewallFact{Type: "windows-defender"}, fmt.Errorf("firewall profiles: %w", err)
	}
	var profiles []struct {
		Name    string
		Enabled bool
	}
	if err := json.Unmarshal(out, &profiles); err != nil {
		return FirewallFact{Type: "windows-defender"}, fmt.Errorf("firewall profiles: %w", err)
	}
	for _, p := range profiles {
		if p.Enabled {
			return FirewallFact{Enabled: true, Type: "windows-defender"}, nil
		}
	}
	return FirewallFact{Type: "windows-defender"}, nil
}
