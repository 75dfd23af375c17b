// ABOUTME: Tests for tool approval policy evaluation
// ABOUTME: Covers every mode, allowlist matching, and manual deferral

package approval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		input   string
		want    Mode
		wantErr bool
	}{
		{"allow_all", ModeAllowAll, false},
		{"deny_all", ModeDenyAll, false},
		{"allowlist", ModeAllowlist, false},
		{"manual", ModeManual, false},
		{"", ModeDenyAll, false},
		{"yolo", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.input)
		if tt.wantErr {
			assert.Error(t, err, tt.input)
			continue
		}
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.want, got, tt.input)
	}
}

func TestNewPolicy_AllowlistRequiresEntries(t *testing.T) {
	_, err := NewPolicy(ModeAllowlist, nil)
	assert.Error(t, err)

	_, err = NewPolicy(ModeAllowlist, []string{"read_file"})
	assert.NoError(t, err)
}

func TestEvaluate_AllowAll(t *testing.T) {
	p, err := NewPolicy(ModeAllowAll, nil)
	require.NoError(t, err)

	decisions, resolved := p.Evaluate([]ToolCall{
		{ID: "t1", Name: "read_file"},
		{ID: "t2", Name: "delete_file"},
	})
	assert.True(t, resolved)
	require.Len(t, decisions, 2)
	for _, d := range decisions {
		assert.Equal(t, Approve, d.Verdict)
	}
}

func TestEvaluate_DenyAll(t *testing.T) {
	p, err := NewPolicy(ModeDenyAll, nil)
	require.NoError(t, err)

	decisions, resolved := p.Evaluate([]ToolCall{{ID: "t1", Name: "read_file"}})
	assert.True(t, resolved)
	require.Len(t, decisions, 1)
	assert.Equal(t, Reject, decisions[0].Verdict)
}

func TestEvaluate_AllowlistSplitsBatch(t *testing.T) {
	p, err := NewPolicy(ModeAllowlist, []string{"read_file", "list_dir"})
	require.NoError(t, err)

	decisions, resolved := p.Evaluate([]ToolCall{
		{ID: "t1", Name: "read_file"},
		{ID: "t2", Name: "delete_file"},
		{ID: "t3", Name: "list_dir"},
	})
	assert.True(t, resolved)
	require.Len(t, decisions, 3)
	assert.Equal(t, Approve, decisions[0].Verdict)
	assert.Equal(t, Reject, decisions[1].Verdict)
	assert.Equal(t, Approve, decisions[2].Verdict)
}

func TestEvaluate_AllowlistCaseInsensitive(t *testing.T) {
	p, err := NewPolicy(ModeAllowlist, []string{" Read_File "})
	require.NoError(t, err)

	decisions, resolved := p.Evaluate([]ToolCall{{ID: "t1", Name: "READ_FILE"}})
	assert.True(t, resolved)
	require.Len(t, decisions, 1)
	assert.Equal(t, Approve, decisions[0].Verdict)
}

func TestEvaluate_ManualDefers(t *testing.T) {
	p, err := NewPolicy(ModeManual, nil)
	require.NoError(t, err)

	decisions, resolved := p.Evaluate([]ToolCall{{ID: "t1", Name: "read_file"}})
	assert.False(t, resolved)
	assert.Empty(t, decisions)
}
