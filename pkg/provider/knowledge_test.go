package provider

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKnowledge(t *testing.T) *KnowledgeAdapter {
	t.Helper()
	a, err := NewKnowledgeAdapter(Config{Kind: KindKnowledge, DBPath: filepath.Join(t.TempDir(), "kb.db")})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	ctx := context.Background()
	_, err = a.Ingest(ctx, "ops", "Deploy runbook", "Deploy the gateway with a rolling restart. Gateway health is at /healthz.")
	require.NoError(t, err)
	_, err = a.Ingest(ctx, "ops", "Backup policy", "Backups run nightly and are kept for thirty days.")
	require.NoError(t, err)
	_, err = a.Ingest(ctx, "hr", "Leave policy", "Gateway staff may take leave with two weeks notice.")
	require.NoError(t, err)
	return a
}

func TestKnowledgeSearchScopesAndRanks(t *testing.T) {
	a := newTestKnowledge(t)

	stream, err := a.Open(context.Background(), Request{
		Kind:      KindKnowledge,
		Messages:  []Message{{Role: RoleUser, Content: "How do I deploy the gateway?"}},
		Knowledge: &KnowledgeScope{IDs: []string{"ops"}},
	})
	require.NoError(t, err)
	defer stream.Close()

	text, final, err := collect(t, stream)
	require.NoError(t, err)
	assert.True(t, final.Final)
	assert.Contains(t, text, "[1] Deploy runbook")
	assert.NotContains(t, text, "Leave policy")
}

func TestKnowledgeAnswerMode(t *testing.T) {
	a := newTestKnowledge(t)

	stream, err := a.Open(context.Background(), Request{
		Messages:  []Message{{Role: RoleUser, Content: "backups nightly"}},
		Knowledge: &KnowledgeScope{Mode: KnowledgeModeAnswer},
	})
	require.NoError(t, err)
	defer stream.Close()

	text, _, err := collect(t, stream)
	require.NoError(t, err)
	assert.Contains(t, text, "Backups run nightly")
	assert.Contains(t, text, "Sources: Backup policy")
}

func TestKnowledgeNoMatch(t *testing.T) {
	a := newTestKnowledge(t)

	stream, err := a.Open(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "quantum chromodynamics"}}})
	require.NoError(t, err)
	defer stream.Close()

	text, _, err := collect(t, stream)
	require.NoError(t, err)
	assert.Equal(t, "No matching documents found.", text)
}

func TestKnowledgeRejectsEmptyQuery(t *testing.T) {
	a := newTestKnowledge(t)
	_, err := a.Open(context.Background(), Request{})
	assert.Error(t, err)
}

func TestQueryTerms(t *testing.T) {
	assert.Equal(t, []string{"deploy", "the", "gateway"}, queryTerms("Deploy the gateway, the GATEWAY!"))
	assert.Empty(t, queryTerms("a b"))
}
