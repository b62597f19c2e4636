package posture

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

func (c *Collector) probeDiskEncryption(ctx context.Context, facts *Facts) error {
	var err error
	switch runtime.GOOS {
	case "windows":
		facts.DiskEncryption, err = collectWindowsDiskEncryption(ctx)
	case "darwin":
		facts.DiskEncryption, err = collectDarwinDiskEncryption(ctx)
	default:
		facts.DiskEncryption, err = collectLinuxDiskEncryption(ctx)
	}
	return err
}

func collectLinuxDiskEncryption(ctx context.Context) (DiskEncryptionFact, error) {
	out, err := exec.CommandContext(ctx, "lsblk", "-o", "TYPE", "-n").Output()
	if err != nil {
		return DiskEncryptionFact{}, fmt.Errorf("lsblk: %w", err)
	}
	if strings.Contains(string(out), "crypt") {
		return DiskEncryptionFact{Enabled: true, Type: "luks"}, nil
	}
	return DiskEncryptionFact{}, nil
}

func collectDarwinDiskEncryption(ctx context.Context) (DiskEncryptionFact, error) {
	out, err := exec.CommandContext(ctx, "fdesetup", "status").Output()
	if err != nil {
		return DiskEncryptionFact{Type: "filevault"}, fmt.Errorf("fdesetup status: %w", err)
	}
	if strings.Contains(string(out), "FileVault is On") {
		return DiskEncryptionFact{Enabled: true, Type: "filevault"}, nil
	}
	return DiskEncryptionFact{Type: "filevault"}, nil
}

func collectWindowsDiskEncryption(ctx context.Context) (DiskEncryptionFact, error) {
	out, err := exec.CommandContext(ctx, "powershell", "-Command",
		"(Get-BitLockerVolume -MountPoint C:).ProtectionStatus").Output()
	if err != nil {
		return DiskEncryptionFact{}, fmt.Errorf("bitlocker status: %w", err)
	}
	if strings.TrimSpace(string(out)) == "On" {
		return DiskEncryptionFact{Enabled: true, Type: "bitlocker"}, nil
	}
	return DiskEncryptionFact{Type: "bitlocker"}, nil
}
