package notify

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touchScript(t *testing.T, marker string) Script {
	t.Helper()
	path, err := exec.LookPath("touch")
	require.NoError(t, err)
	return Script{Path: path, Args: []string{marker}}
}

func TestNotify_RunsConfiguredScriptForScope(t *testing.T) {
	dir := t.TempDir()
	marker := dir + "/instance-fired"

	n := New(nil, map[Scope][]Script{ScopeInstance: {touchScript(t, marker)}}, 2)
	n.Notify(context.Background(), ScopeInstance, "vr1", "BACKUP", "MASTER", "priority")

	require.Eventually(t, func() bool {
		_, err := os.Stat(marker)
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

func TestNotify_NoScriptsConfiguredIsANoop(t *testing.T) {
	n := New(nil, nil, 2)
	assert.NotPanics(t, func() {
		n.Notify(context.Background(), ScopeGroup, "g1", "BACKUP", "MASTER", "group promoted")
	})
}

func TestScope_String(t *testing.T) {
	assert.Equal(t, "instance", ScopeInstance.String())
	assert.Equal(t, "group", ScopeGroup.String())
}
