package firewall

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netauth/pkg/model"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecRunner_Output(t *testing.T) {
	requireShell(t)
	r := &ExecRunner{Timeout: 5 * time.Second}

	out, err := r.Output(context.Background(), "sh", "-c", "echo hello; echo noise >&2")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
}

func TestExecRunner_Failure(t *testing.T) {
	requireShell(t)
	r := &ExecRunner{Timeout: 5 * time.Second}

	err := r.Run(context.Background(), "sh", "-c", "echo 'Bad rule' >&2; exit 1")
	var cmdErr *model.ExternalCommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.False(t, cmdErr.Timeout)
	assert.Equal(t, "sh", cmdErr.Command)
	assert.Contains(t, cmdErr.Output, "Bad rule")
}

func TestExecRunner_Timeout(t *testing.T) {
	requireShell(t)
	r := &ExecRunner{Timeout: 50 * time.Millisecond}

	start := time.Now()
	err := r.Run(context.Background(), "sh", "-c", "sleep 5")
	var cmdErr *model.ExternalCommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.True(t, cmdErr.Timeout)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestExecRunner_MissingBinary(t *testing.T) {
	r := &ExecRunner{}
	err := r.Run(context.Background(), "/nonexistent/iptables", "-S")
	var cmdErr *model.ExternalCommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.False(t, cmdErr.Timeout)
}
