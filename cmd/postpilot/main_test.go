package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRejectsUnknownFormat(t *testing.T) {
	_, err := run(t, "--format", "xml", "jobs", "list")
	require.ErrorContains(t, err, "invalid format")
}

func TestPostCreateJSON(t *testing.T) {
	cfg := writeConfig(t, "logging:\n  level: error\n")

	out, err := run(t, "-c", cfg, "--format", "json", "post", "create", "--owner", "u1", "-p", "x", "--draft", "hello")
	require.NoError(t, err)

	var p struct {
		ID      string
		OwnerID string
		Status  string
	}
	require.NoError(t, json.Unmarshal([]byte(out), &p))
	require.NotEmpty(t, p.ID)
	require.Equal(t, "u1", p.OwnerID)
	require.Equal(t, "draft", p.Status)
}

func TestPostCreateValidation(t *testing.T) {
	cfg := writeConfig(t, "logging:\n  level: error\n")

	_, err := run(t, "-c", cfg, "post", "create", "--owner", "u1", "-p", "myspace", "hello")
	require.Error(t, err)

	_, err = run(t, "-c", cfg, "post", "create", "--owner", "u1", "-p", "x", "--at", "tomorrow", "hello")
	require.ErrorContains(t, err, "--at")
}

func TestMigrateNeedsSQLStore(t *testing.T) {
	cfg := writeConfig(t, "storage:\n  driver: memory\n")
	_, err := run(t, "-c", cfg, "migrate")
	require.ErrorContains(t, err, "not supported")
}

func TestJobsListEmpty(t *testing.T) {
	cfg := writeConfig(t, "logging:\n  level: error\n")
	out, err := run(t, "-c", cfg, "--format", "json", "jobs", "list")
	require.NoError(t, err)
	require.JSONEq(t, "null", out)
}
