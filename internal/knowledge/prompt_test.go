package knowledge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectKBPromptMode(t *testing.T) {
	assert.Equal(t, ModeExplorationOnly, SelectKBPromptMode(true, false))
	assert.Equal(t, ModeExplorationOnly, SelectKBPromptMode(false, false))
	assert.Equal(t, ModeStrict, SelectKBPromptMode(true, true))
	assert.Equal(t, ModeRelaxed, SelectKBPromptMode(false, true))
}

func TestBuildUserMessage_OrdersBlocksAndAppendsUserText(t *testing.T) {
	msg := BuildUserMessage(
		[]AttachmentBlock{
			{Name: "photo.png", MimeType: "image/png", IsImage: true},
			{Name: "notes.txt", Text: "doc contents"},
		},
		[]KnowledgeBlock{{KBID: "kb-1", Name: "Handbook", Text: "kb contents"}},
		"what does this mean?",
		100000,
	)
	imgIdx := strings.Index(msg, "photo.png")
	docIdx := strings.Index(msg, "doc contents")
	kbIdx := strings.Index(msg, "[Knowledge Base: Handbook (ID: kb-1)]")
	userIdx := strings.Index(msg, "what does this mean?")
	require := func(cond bool, msg string) {
		if !cond {
			t.Fatal(msg)
		}
	}
	require(imgIdx >= 0 && imgIdx < docIdx, "image block must come before document text")
	require(docIdx < kbIdx, "attachment text must come before knowledge base blocks")
	require(kbIdx < userIdx, "knowledge base blocks must come before raw user text")
}

func TestBuildUserMessage_TruncatesAtBudgetBoundary(t *testing.T) {
	longText := strings.Repeat("x", 1000)
	msg := BuildUserMessage(
		[]AttachmentBlock{{Name: "big.txt", Text: longText}},
		nil,
		"question",
		50, // tiny budget, well under 1000 - truncationThreshold slack
	)
	assert.Contains(t, msg, truncationMarker)
}

func TestBuildUserMessage_NoMarkerWhenBoundaryIsClose(t *testing.T) {
	// budget leaves fewer than truncationThreshold chars unconsumed: no marker.
	text := strings.Repeat("y", 105)
	msg := BuildUserMessage(
		[]AttachmentBlock{{Name: "small.txt", Text: text}},
		nil,
		"question",
		100, // loses only 5 chars, below the 100-char threshold
	)
	assert.NotContains(t, msg, truncationMarker)
}

func TestBuildUserMessage_DividesKBBudgetAcrossMultipleKBs(t *testing.T) {
	longA := strings.Repeat("a", 40)
	longB := strings.Repeat("b", 40)
	msg := BuildUserMessage(
		nil,
		[]KnowledgeBlock{
			{KBID: "kb-a", Name: "A", Text: longA},
			{KBID: "kb-b", Name: "B", Text: longB},
		},
		"q",
		40, // 20 chars each KB
	)
	assert.Contains(t, msg, strings.Repeat("a", 20))
	assert.Contains(t, msg, strings.Repeat("b", 20))
}
