package knowledge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFixtureStore() *memoryStore {
	s := NewMemoryStore()
	s.PutKnowledgeBase(KnowledgeBase{
		ID:                      "kb-1",
		RAGEnabled:              false,
		MaxCallsPerConversation: 2,
		Documents: []Document{
			{ID: "doc-1", AttachmentID: "att-1", Name: "intro.md", IsActive: true},
			{ID: "doc-2", AttachmentID: "att-2", Name: "draft.md", IsActive: false},
		},
	})
	s.PutExtractedText("att-1", "hello from doc one")
	s.PutExtractedText("att-2", "should not appear: inactive")
	return s
}

func TestDirectInject_SkipsInactiveDocuments(t *testing.T) {
	store := newFixtureStore()
	r := NewRetriever(store, nil, nil, 0)

	text, sources, err := r.DirectInject(context.Background(), "kb-1")
	require.NoError(t, err)
	assert.Equal(t, "hello from doc one", text)
	assert.Equal(t, []string{"intro.md"}, sources)
}

func TestRetrieve_WithoutRAGServiceErrors(t *testing.T) {
	store := newFixtureStore()
	r := NewRetriever(store, nil, nil, 0)
	_, err := r.Retrieve(context.Background(), "query", []string{"kb-1"}, nil)
	assert.Error(t, err)
}

func TestCallCounter_RefusesPastLimit(t *testing.T) {
	store := newFixtureStore() // MaxCallsPerConversation: 2
	counter := NewCallCounter(store)

	_, ok, err := counter.CheckAndIncrement(context.Background(), "kb-1", "kb_ls")
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = counter.CheckAndIncrement(context.Background(), "kb-1", "kb_head")
	require.NoError(t, err)
	assert.True(t, ok)

	refusal, ok, err := counter.CheckAndIncrement(context.Background(), "kb-1", "knowledge_base_search")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, refusal.Refused)
	assert.Equal(t, 2, refusal.Limit)
	assert.Equal(t, 2, refusal.Used)
}

func TestCallCounter_DefaultLimitWhenUnset(t *testing.T) {
	store := NewMemoryStore()
	store.PutKnowledgeBase(KnowledgeBase{ID: "kb-unset"})
	counter := NewCallCounter(store)

	for i := 0; i < defaultMaxCallsPerConversation; i++ {
		_, ok, err := counter.CheckAndIncrement(context.Background(), "kb-unset", "kb_ls")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	_, ok, err := counter.CheckAndIncrement(context.Background(), "kb-unset", "kb_ls")
	require.NoError(t, err)
	assert.False(t, ok)
}
