package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rom8726/helio"
)

func decodeEntries(t *testing.T, buf *bytes.Buffer) []AuditLogEntry {
	t.Helper()

	var entries []AuditLogEntry
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		var entry AuditLogEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		entries = append(entries, entry)
	}
	require.NoError(t, scanner.Err())

	return entries
}

func TestAuditPlugin_WorkflowStartRedactsInput(t *testing.T) {
	var buf bytes.Buffer
	plugin := New(NewJSONLinesWriter(&buf), nil)

	inst := &helio.WorkflowInstance{
		ID:                1,
		DefinitionID:      "signup",
		DefinitionVersion: 2,
		Status:            helio.StatusRunning,
		State: helio.InstanceState{
			Bindings: map[string]json.RawMessage{
				helio.BindingInput: json.RawMessage(`{"email":"a@b.c","password":"hunter2"}`),
			},
		},
	}
	require.NoError(t, plugin.OnWorkflowStart(context.Background(), inst))

	entries := decodeEntries(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "workflow_start", entries[0].EventType)
	assert.Equal(t, 2, entries[0].Version)
	assert.JSONEq(t, `{"email":"a@b.c","password":"[REDACTED]"}`, string(entries[0].Metadata))
}

func TestAuditPlugin_NodeEntries(t *testing.T) {
	var buf bytes.Buffer
	plugin := New(NewJSONLinesWriter(&buf), helio.NewRedactor("card"))

	ctx := context.Background()
	inst := &helio.WorkflowInstance{ID: 4, DefinitionID: "order", Status: helio.StatusRunning}
	node := &helio.NodeSpec{ID: "charge", Type: "http"}
	started := time.Now()

	require.NoError(t, plugin.OnNodeComplete(ctx, inst, node, &helio.Outcome{
		Kind:     helio.OutcomeSuccess,
		Output:   map[string]any{"card": "4111", "ok": true},
		Started:  started,
		Finished: started.Add(250 * time.Millisecond),
	}))
	require.NoError(t, plugin.OnNodeFailed(ctx, inst, node, &helio.Outcome{
		Kind: helio.OutcomePermanent,
		Err:  errors.New("declined"),
	}))

	entries := decodeEntries(t, &buf)
	require.Len(t, entries, 2)

	assert.Equal(t, "node_complete", entries[0].EventType)
	assert.Equal(t, "charge", entries[0].NodeID)
	require.NotNil(t, entries[0].Duration)
	assert.Equal(t, 250*time.Millisecond, *entries[0].Duration)
	assert.JSONEq(t, `{"card":"[REDACTED]","ok":true}`, string(entries[0].Metadata))

	assert.Equal(t, "node_failed", entries[1].EventType)
	assert.Equal(t, string(helio.OutcomePermanent), entries[1].ErrorKind)
	assert.Equal(t, "declined", entries[1].Error)
}

func TestAuditPlugin_PausedAndFailed(t *testing.T) {
	var buf bytes.Buffer
	plugin := New(NewJSONLinesWriter(&buf), nil)
	ctx := context.Background()

	inst := &helio.WorkflowInstance{ID: 9, DefinitionID: "approval", Status: helio.StatusPaused}
	inst.State.Waiting = []helio.PendingInput{{CorrelationKey: "k-9", InstanceID: 9, NodeID: "wait"}}
	require.NoError(t, plugin.OnWorkflowPaused(ctx, inst))

	inst.Status = helio.StatusFailed
	kind, msg := helio.ErrorKindRetriesExhausted, "gave up"
	inst.ErrorKind, inst.Error = &kind, &msg
	require.NoError(t, plugin.OnWorkflowFailed(ctx, inst))

	entries := decodeEntries(t, &buf)
	require.Len(t, entries, 2)
	assert.JSONEq(t, `{"correlation_keys":["k-9"]}`, string(entries[0].Metadata))
	assert.Equal(t, "failed", entries[1].Status)
	assert.Equal(t, helio.ErrorKindRetriesExhausted, entries[1].ErrorKind)
	assert.Equal(t, "gave up", entries[1].Error)
}
