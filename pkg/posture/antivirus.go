package posture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

func (c *Collector) probeAntivirus(ctx context.Context, facts *Facts) error {
	var err error
	switch runtime.GOOS {
	case "windows":
		facts.Antivirus, err = collectWindowsAntivirus(ctx)
	case "darwin":
		facts.Antivirus, err = collectDarwinAntivirus(ctx)
	default:
		facts.Antivirus, err = collectLinuxAntivirus(ctx)
	}
	return err
}

func collectLinuxAntivirus(ctx context.Context) (AntivirusFact, error) {
	fact := AntivirusFact{}

	// clamav is the common case; freshclam presence counts as installed.
	if _, err := exec.LookPath("clamscan"); err == nil {
		fact.Installed = true
	} else if _, err := os.Stat("/etc/clamav"); err == nil {
		fact.Installed = true
	}
	if !fact.Installed {
		return fact, nil
	}

	out, err := exec.CommandContext(ctx, "systemctl", "is-active", "clamav-daemon").Output()
	if err == nil && strings.TrimSpace(string(out)) == "active" {
		fact.Running = true
		return fact, nil
	}
	out, err = exec.CommandContext(ctx, "pgrep", "-x", "clamd").Output()
	if err == nil {
		fact.Running = len(out) > 0
		return fact, nil
	}
	// pgrep exits 1 when no process matches; that is a finding, not a
	// probe failure.
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fact, nil
	}
	return fact, fmt.Errorf("antivirus status: %w", err)
}

func collectDarwinAntivirus(ctx context.Context) (AntivirusFact, error) {
	// XProtect ships with macOS; treat its presence as installed and its
	// launchd registration as running.
	if _, err := os.Stat("/Library/Apple/System/Library/CoreServices/XProtect.app"); err != nil {
		return AntivirusFact{}, nil
	}
	out, err := exec.CommandContext(ctx, "launchctl", "list").Output()
	if err != nil {
		return AntivirusFact{Installed: true}, fmt.Errorf("launchctl list: %w", err)
	}
	running := strings.Contains(string(out), "com.apple.XProtect")
	return AntivirusFact{Installed: true, Running: running}, nil
}

func collectWindowsAntivirus(ctx context.Context) (AntivirusFact, error) {
	out, err := exec.CommandContext(ctx, "powershell", "-Command",
		"Get-MpComputerStatus | Select-Object AMServiceEnabled,RealTimeProtectionEnabled | ConvertTo-Json").Output()
	if err != nil {
		return AntivirusFact{}, fmt.Errorf("defender status: %w", err)
	}
	text := string(out)
	installed := strings.Contains(text, "AMServiceEnabled")
	running := strings.Contains(text, `"AMServiceEnabled":  true`) ||
		strings.Contains(text, `"AMServiceEnabled": true`)
	return AntivirusFact{Installed: installed, Running: running}, nil
}
