package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleRules = `
rules:
  - id: deny-contractors-offhours
    name: deny-contractors-offhours
    priority: 90
    mode: enforce
    action: deny
    condition:
      kind: all_of
      all:
        - kind: role
          role: contractor
        - kind: time_window
          start: "18:00"
          end: "08:00"
  - id: allow-compliant-engineers
    name: allow-compliant-engineers
    priority: 50
    mode: enforce
    action: allow
    condition:
      kind: all_of
      all:
        - kind: role
          role: engineer
        - kind: compliance
          min_score: 70
`

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	rules, err := LoadFile(writeRules(t, sampleRules))
	require.NoError(t, err)
	require.Len(t, rules, 2)
	require.Equal(t, 90, rules[0].Priority)
	require.Equal(t, KindAllOf, rules[0].Condition.Kind)
}

func TestLoadFileRejectsInvalidRule(t *testing.T) {
	bad := `
rules:
  - name: broken
    priority: 10
    mode: enforce
    action: deny
    condition:
      kind: regex
`
	_, err := LoadFile(writeRules(t, bad))
	require.Error(t, err)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
