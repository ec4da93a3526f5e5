package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghalamif/aegisreactor/internal/app/capacity"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestPlanProvisionsForTarget(t *testing.T) {
	out, err := execute(t, "plan", "--arrival-rate", "120", "--service-rate", "40", "--target", "0.8", "--format", "json")
	require.NoError(t, err)

	var p capacity.Plan
	require.NoError(t, json.Unmarshal([]byte(out), &p))
	assert.Equal(t, 4, p.Workers)
	assert.True(t, p.Stable)
	assert.InDelta(t, 0.75, p.Utilization, 1e-9)
	assert.InDelta(t, 128.0, p.SafeAdmitted, 1e-9)
}

func TestPlanRequiresRates(t *testing.T) {
	_, err := execute(t, "plan", "--arrival-rate", "10")
	assert.Error(t, err)
}

func TestValidateReportsAdmissionWarning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := []byte(`policy:
  workers: 2
  service_rate: 10
admission:
  capacity: 50
  refill_rate: 40
commit_sink:
  type: file
  dir: ` + t.TempDir() + `
`)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	out, err := execute(t, "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "looks good")
	assert.Contains(t, out, "warning: admission refill rate")
}

func TestValidateRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("policy:\n  overload: spill\n"), 0o600))

	_, err := execute(t, "validate", "--config", path)
	assert.ErrorContains(t, err, "overload")
}

func TestRejectsUnknownFormat(t *testing.T) {
	_, err := execute(t, "plan", "--arrival-rate", "1", "--service-rate", "1", "--format", "xml")
	assert.ErrorContains(t, err, "invalid format")
}
