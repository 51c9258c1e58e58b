package knowledgetool

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatgateway/internal/knowledge"
)

func newFixtureRetriever() *knowledge.Retriever {
	store := knowledge.NewMemoryStore()
	store.PutKnowledgeBase(knowledge.KnowledgeBase{
		ID:                      "kb-1",
		MaxCallsPerConversation: 1,
		Documents: []knowledge.Document{
			{ID: "doc-1", AttachmentID: "att-1", Name: "intro.md", IsActive: true},
		},
	})
	store.PutExtractedText("att-1", "hello world")
	return knowledge.NewRetriever(store, nil, nil, 0)
}

func TestListTool_ReturnsDocuments(t *testing.T) {
	tool := NewListTool(newFixtureRetriever())
	out, err := tool.Call(context.Background(), json.RawMessage(`{"kb_id":"kb-1"}`))
	require.NoError(t, err)
	result := out.(map[string]any)
	assert.Equal(t, true, result["ok"])
	docs := result["documents"].([]map[string]any)
	require.Len(t, docs, 1)
	assert.Equal(t, "doc-1", docs[0]["document_id"])
}

func TestListTool_RefusesPastCallLimit(t *testing.T) {
	r := newFixtureRetriever() // MaxCallsPerConversation: 1
	tool := NewListTool(r)

	_, err := tool.Call(context.Background(), json.RawMessage(`{"kb_id":"kb-1"}`))
	require.NoError(t, err)

	out, err := tool.Call(context.Background(), json.RawMessage(`{"kb_id":"kb-1"}`))
	require.NoError(t, err)
	result := out.(map[string]any)
	assert.Equal(t, false, result["ok"])
	refusal := result["refusal"].(knowledge.Refusal)
	assert.True(t, refusal.Refused)
}

func TestHeadTool_ReturnsClampedSlice(t *testing.T) {
	tool := NewHeadTool(newFixtureRetriever())
	out, err := tool.Call(context.Background(), json.RawMessage(`{"kb_id":"kb-1","document_ids":["doc-1"],"offset":6}`))
	require.NoError(t, err)
	result := out.(map[string]any)
	assert.Equal(t, true, result["ok"])
	assert.Equal(t, 6, result["offset"])
}

func TestSearchTool_ErrorsWithoutRAGService(t *testing.T) {
	tool := NewSearchTool(newFixtureRetriever())
	out, err := tool.Call(context.Background(), json.RawMessage(`{"query":"q","kb_ids":["kb-1"]}`))
	require.NoError(t, err)
	result := out.(map[string]any)
	assert.Equal(t, false, result["ok"])
	assert.NotEmpty(t, result["error"])
}

func TestSearchTool_RefusesPastCallLimitBeforeCallingRAG(t *testing.T) {
	r := newFixtureRetriever() // MaxCallsPerConversation: 1
	tool := NewSearchTool(r)

	_, err := tool.Call(context.Background(), json.RawMessage(`{"query":"q","kb_ids":["kb-1"]}`))
	require.NoError(t, err)

	out, err := tool.Call(context.Background(), json.RawMessage(`{"query":"q","kb_ids":["kb-1"]}`))
	require.NoError(t, err)
	result := out.(map[string]any)
	assert.Equal(t, false, result["ok"])
	assert.NotNil(t, result["refusal"])
}
