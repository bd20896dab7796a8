package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/prepai/internal/session"
)

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("APP_CONFIG_FILE", "")
	t.Setenv("DATABASE_URL", "")

	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestVersion(t *testing.T) {
	stdout, _, err := executeCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", stdout)
}

func TestCreditsGrantInMemory(t *testing.T) {
	stdout, _, err := executeCLI(t, "credits", "grant", "u-1", "25")
	require.NoError(t, err)
	assert.Equal(t, "u-1 balance: 25\n", stdout)
}

func TestCreditsGrantRejectsBadAmount(t *testing.T) {
	_, _, err := executeCLI(t, "credits", "grant", "u-1", "-3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "positive integer")

	_, _, err = executeCLI(t, "credits", "balance")
	require.Error(t, err)
}

func TestCreditsBalanceInMemory(t *testing.T) {
	stdout, _, err := executeCLI(t, "credits", "balance", "u-1")
	require.NoError(t, err)
	assert.Equal(t, "u-1 balance: 0\n", stdout)
}

func TestNewLoggerHonorsFormat(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "debug", "json").Debug("hello", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
}

func TestDrainSessionsWaitsForRelease(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := session.NewManager(time.Minute)
	lease, err := sessions.Register("s1", "u1", "coach", "roleplay")
	require.NoError(t, err)

	persisted := make(chan struct{})
	go func() {
		<-lease.Done()
		time.Sleep(20 * time.Millisecond)
		close(persisted)
		lease.Release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.True(t, drainSessions(ctx, sessions, logger))
	select {
	case <-persisted:
	default:
		t.Fatalf("drainSessions returned before the session released")
	}
}

func TestDrainSessionsGivesUpAtDeadline(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := session.NewManager(time.Minute)
	_, err := sessions.Register("s1", "u1", "coach", "roleplay")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, drainSessions(ctx, sessions, logger))
}
