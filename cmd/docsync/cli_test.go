package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "docsync dev (commit none")
}

func TestServe_RejectsMissingConfigFile(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"serve", "--config", filepath.Join(t.TempDir(), "missing.yaml")})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")

	// main reports the returned error once; cobra stays quiet.
	assert.Empty(t, stdout.String())
	assert.Empty(t, stderr.String())
}

func TestServe_RejectsPositionalArgs(t *testing.T) {
	t.Parallel()

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"serve", "extra"})

	require.Error(t, cmd.Execute())
}
