package knowledge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHead_ClampsOffsetAndAppliesBudget(t *testing.T) {
	store := NewMemoryStore()
	store.PutKnowledgeBase(KnowledgeBase{
		ID: "kb-2",
		Documents: []Document{
			{ID: "doc-a", AttachmentID: "att-a", IsActive: true},
			{ID: "doc-b", AttachmentID: "att-b", IsActive: true},
		},
	})
	store.PutExtractedText("att-a", "0123456789")
	store.PutExtractedText("att-b", "abcdefghij")

	r := NewRetriever(store, nil, nil, 12)

	slices, result, err := r.Head(context.Background(), []string{"doc-a", "doc-b"}, 8, 0)
	require.NoError(t, err)
	require.Len(t, slices, 2)
	assert.Equal(t, "doc-a", slices[0].DocumentID)
	assert.Equal(t, "89", slices[0].Text) // offset 8 into a 10-char string
	assert.Equal(t, "doc-b", slices[1].DocumentID)
	assert.Equal(t, "ij", slices[1].Text) // same offset applied per-document
	assert.Equal(t, 8, result.Offset)
	assert.Equal(t, 12, result.Limit)
}

func TestHead_OffsetBeyondLengthClampsToEmpty(t *testing.T) {
	store := NewMemoryStore()
	store.PutKnowledgeBase(KnowledgeBase{
		ID:        "kb-3",
		Documents: []Document{{ID: "doc-x", AttachmentID: "att-x", IsActive: true}},
	})
	store.PutExtractedText("att-x", "short")

	r := NewRetriever(store, nil, nil, 50000)
	slices, _, err := r.Head(context.Background(), []string{"doc-x"}, 999, 0)
	require.NoError(t, err)
	require.Len(t, slices, 1)
	assert.Equal(t, "", slices[0].Text)
}

func TestRematerialise_ReproducesSameSlice(t *testing.T) {
	store := NewMemoryStore()
	store.PutKnowledgeBase(KnowledgeBase{
		ID:        "kb-4",
		Documents: []Document{{ID: "doc-y", AttachmentID: "att-y", IsActive: true}},
	})
	store.PutExtractedText("att-y", "the quick brown fox")

	r := NewRetriever(store, nil, nil, 50000)
	first, result, err := r.Head(context.Background(), []string{"doc-y"}, 4, 5)
	require.NoError(t, err)

	second, err := r.Rematerialise(context.Background(), result)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
