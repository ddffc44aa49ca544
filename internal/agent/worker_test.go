package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/agentd/internal/config"
)

// Workers often write their final result envelope and exit immediately. The
// envelope must be delivered before Done closes, every time.
func TestWorkerDeliversFinalEnvelopeBeforeExit(t *testing.T) {
	payload := strings.Repeat("x", 200*1024)
	script := fmt.Sprintf(`printf '{"op":"result","task_id":"t1","ok":true,"result":"%s"}\n'`, payload)
	cfg := config.AgentTypeConfig{Command: "/bin/sh", Args: []string{"-c", script}}

	for i := 0; i < 40; i++ {
		w, err := ProcSpawner{}.Spawn(context.Background(), "build-test", cfg)
		require.NoError(t, err)

		var got *Envelope
		for env := range w.Messages() {
			if env.Op == OpResult && env.TaskID == "t1" {
				got = &env
			}
		}
		<-w.Done()

		require.NotNil(t, got, "result envelope lost on iteration %d", i)
		assert.True(t, got.OK)
		assert.Len(t, got.Result, len(payload))
	}
}

func TestWorkerSkipsNonProtocolOutput(t *testing.T) {
	script := `echo "free-form diagnostic line"
printf '{"op":"heartbeat","task_id":"t1"}\n'
printf 'not json\n'
printf '{"op":"result","task_id":"t1","ok":true}\n'`
	cfg := config.AgentTypeConfig{Command: "/bin/sh", Args: []string{"-c", script}}

	w, err := ProcSpawner{}.Spawn(context.Background(), "build-test", cfg)
	require.NoError(t, err)

	var ops []string
	for env := range w.Messages() {
		ops = append(ops, env.Op)
	}
	assert.Equal(t, []string{OpHeartbeat, OpResult}, ops)

	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
	}
	assert.NoError(t, w.ExitErr())
}
