// Package knowledge implements the Knowledge Retriever (spec §4.5): direct
// injection, RAG retrieval, and cross-turn kb_head slicing over attachments
// and knowledge bases bound to a USER subtask, plus the prompt-block
// assembly and KB-tool call budget (§4.3) shared across the three
// exploration tools.
package knowledge

import "context"

// Document is one file bound to a KnowledgeBase. AttachmentID points to the
// ATTACHMENT context record that holds the extracted bytes (spec §3).
type Document struct {
	ID            string `json:"document_id"`
	AttachmentID  string `json:"attachment_id"`
	Name          string `json:"name"`
	FileExtension string `json:"file_extension"`
	IsActive      bool   `json:"is_active"`
}

// KnowledgeBase is the §3 KB entity. MaxCallsPerConversation is the
// backend-configured cap that the shared kb_ls/kb_head/knowledge_base_search
// counter (§4.3) enforces per conversation.
type KnowledgeBase struct {
	ID                      string     `json:"kb_id"`
	OwnerUserID             int64      `json:"owner_user_id"`
	Namespace               string     `json:"namespace"`
	RAGEnabled              bool       `json:"rag_enabled"`
	MaxCallsPerConversation int        `json:"max_calls_per_conversation"`
	Documents               []Document `json:"documents"`
}

// Store resolves knowledge bases and the extracted text behind an
// attachment context. It is the seam between this package's retrieval
// logic and wherever KBs/attachments actually live (Postgres, memory, or
// the blob store fronted by persistence.TaskStore's context records).
type Store interface {
	GetKnowledgeBase(ctx context.Context, kbID string) (KnowledgeBase, error)
	// FindDocument resolves a document_id to its Document record,
	// wherever its owning KB happens to be.
	FindDocument(ctx context.Context, documentID string) (Document, error)
	// GetExtractedText returns the materialised text behind an ATTACHMENT
	// context record (spec §4.5 "rematerialised on read by walking
	// document -> attachment_id -> extracted_text").
	GetExtractedText(ctx context.Context, attachmentID string) (string, error)
}
