package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notecollab/backend/internal/collab"
)

var testID = collab.Identity{TenantID: "t1", WorkspaceID: "w1", DocID: "d1"}

func serverDoc(version uint64, content string) *collab.Document {
	return &collab.Document{Identity: testID, Version: version, Content: content}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name   string
		local  LocalDocument
		server *collab.Document
		want   Outcome
	}{
		{"in sync", LocalDocument{Identity: testID, Version: 2, Content: "ab"}, serverDoc(2, "ab"), OutcomeInSync},
		{"edited back to server content", LocalDocument{Identity: testID, Version: 2, Content: "ab", Edited: true}, serverDoc(2, "ab"), OutcomeInSync},
		{"behind without edits", LocalDocument{Identity: testID, Version: 1, Content: "a"}, serverDoc(3, "abc"), OutcomeFastForward},
		{"ahead without edits", LocalDocument{Identity: testID, Version: 5, Content: "abcde"}, serverDoc(3, "abc"), OutcomeFastForward},
		{"edits on current version", LocalDocument{Identity: testID, Version: 3, Content: "abcX", Edited: true}, serverDoc(3, "abc"), OutcomePushLocal},
		{"edits while server moved", LocalDocument{Identity: testID, Version: 1, Content: "A", Edited: true}, serverDoc(2, "AB"), OutcomeConflict},
		{"edits on diverged lineage", LocalDocument{Identity: testID, Version: 4, Content: "zz", Edited: true}, serverDoc(3, "abc"), OutcomeConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decide(&tt.local, tt.server)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReconcile_ConflictRecord(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	local := &LocalDocument{Identity: testID, Version: 1, Content: "A", Edited: true}

	rec, err := Reconcile(local, serverDoc(2, "AB"), now)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.HasConflict)
	assert.Equal(t, uint64(1), rec.LocalVersion)
	assert.Equal(t, uint64(2), rec.ServerVersion)
	assert.Equal(t, "A", rec.LocalContent)
	assert.Equal(t, "AB", rec.ServerContent)
	assert.Equal(t, now, rec.DetectedAt)
	assert.Same(t, rec, local.Conflict)

	// 冲突时本地副本保持原样，等待用户选择
	assert.Equal(t, "A", local.Content)
	assert.Equal(t, uint64(1), local.Version)
}

func TestReconcile_FastForward(t *testing.T) {
	local := &LocalDocument{Identity: testID, Version: 1, Content: "A"}

	rec, err := Reconcile(local, serverDoc(3, "ABC"), time.Now())
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Nil(t, local.Conflict)
	assert.Equal(t, "ABC", local.Content)
	assert.Equal(t, uint64(3), local.Version)
	assert.Equal(t, OutcomeFastForward, local.LastOutcome)
}

func TestReconcile_IdentityMismatch(t *testing.T) {
	local := &LocalDocument{Identity: collab.Identity{TenantID: "t2", WorkspaceID: "w1", DocID: "d1"}, Version: 1}

	rec, err := Reconcile(local, serverDoc(1, ""), time.Now())
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, collab.ErrIrreconcilableState)
	assert.Equal(t, "IRRECONCILABLE_STATE", collab.ErrorCode(err))
}

func TestParseChoice(t *testing.T) {
	c, err := ParseChoice("local")
	require.NoError(t, err)
	assert.Equal(t, ChoiceLocal, c)

	_, err = ParseChoice("merge")
	assert.ErrorIs(t, err, ErrUnknownChoice)
}
