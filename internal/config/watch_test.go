package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchReloadsReputationSettings(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	path := filepath.Join(dir, "hostgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reputation:\n  endpoint: http://checker.local/v1\n"), 0o600))

	loader := NewLoader("", path)
	changeCh := make(chan Config, 4)
	errCh := make(chan error, 4)

	watcher, err := loader.Watch(ctx, func(cfg Config) {
		changeCh <- cfg
	}, func(err error) {
		errCh <- err
	})
	require.NoError(t, err)
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(path, []byte("reputation:\n  endpoint: http://checker.local/v2\n  timeout: 3s\n"), 0o600))

	deadline := time.After(3 * time.Second)
	for {
		select {
		case cfg := <-changeCh:
			if cfg.Reputation.Endpoint != "http://checker.local/v2" {
				continue
			}
			require.Equal(t, 3*time.Second, cfg.Reputation.TimeoutDuration())
			return
		case err := <-errCh:
			t.Fatalf("unexpected watch error: %v", err)
		case <-deadline:
			t.Fatalf("timed out waiting for reload")
		}
	}
}

func TestWatchReportsInvalidSnapshot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	path := filepath.Join(dir, "hostgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reputation:\n  timeout: 2s\n"), 0o600))

	loader := NewLoader("", path)
	errCh := make(chan error, 4)
	watcher, err := loader.Watch(ctx, func(Config) {}, func(err error) {
		errCh <- err
	})
	require.NoError(t, err)
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(path, []byte("reputation:\n  timeout: never\n"), 0o600))

	select {
	case err := <-errCh:
		require.ErrorContains(t, err, "reputation.timeout")
	case <-time.After(3 * time.Second):
		t.Fatalf("expected invalid snapshot to be reported")
	}
}

func TestWatchRequiresFile(t *testing.T) {
	_, err := NewLoader("HOSTGATE").Watch(context.Background(), func(Config) {}, nil)
	require.Error(t, err)

	_, err = NewLoader("", "x.yaml").Watch(context.Background(), nil, nil)
	require.Error(t, err)
}
