package posture

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

func (c *Collector) probeUpdates(ctx context.Context, facts *Facts) error {
	var err error
	switch runtime.GOOS {
	case "windows":
		facts.PendingUpdates, err = collectWindowsUpdates(ctx)
	case "darwin":
		facts.PendingUpdates, err = collectDarwinUpdates(ctx)
	default:
		facts.PendingUpdates, err = collectLinuxUpdates(ctx)
	}
	return err
}

func collectLinuxUpdates(ctx context.Context) (int, error) {
	if out, err := exec.CommandContext(ctx, "apt-get", "--just-print", "upgrade").Output(); err == nil {
		count := 0
		for _, line := range strings.Split(string(out), "\n") {
			if strings.HasPrefix(line, "Inst ") {
				count++
			}
		}
		return count, nil
	}

	out, err := exec.CommandContext(ctx, "dnf", "check-update", "-q").Output()
	if err != nil {
		// dnf exits 100 when updates are available.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 100 {
			return countNonEmptyLines(string(out)), nil
		}
		return 0, fmt.Errorf("no usable package manager: %w", err)
	}
	return countNonEmptyLines(string(out)), nil
}

func collectDarwinUpdates(ctx context.Context) (int, error) {
	out, err := exec.CommandContext(ctx, "softwareupdate", "-l").CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("softwareupdate: %w", err)
	}
	count := 0
	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, "* Label:") {
			count++
		}
	}
	return count, nil
}

func collectWindowsUpdates(ctx context.Context) (int, error) {
	out, err := exec.CommandContext(ctx, "powershell", "-Command",
		"(New-Object -ComObject Microsoft.Update.Session).CreateUpdateSearcher().Search('IsInstalled=0').Updates.Count").Output()
	if err != nil {
		return 0, fmt.Errorf("update searcher: %w", err)
	}
	count, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, fmt.Errorf("update searcher: %w", err)
	}
	return count, nil
}

func countNonEmptyLines(s string) int {
	count := 0
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count
}
