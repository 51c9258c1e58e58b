package knowledge

import (
	"context"
	"fmt"
	"strings"

	"chatgateway/internal/persistence"
	ragservice "chatgateway/internal/rag/service"
	"chatgateway/internal/rag/retrieve"
)

// Retriever implements the three cooperating retrieval modes of spec §4.5.
type Retriever struct {
	Store   Store
	Tasks   persistence.TaskStore
	RAG     *ragservice.Service // nil is valid: RAG mode becomes unavailable
	Counter *CallCounter

	defaultKBHeadLimit int
}

func NewRetriever(store Store, tasks persistence.TaskStore, rag *ragservice.Service, defaultKBHeadLimit int) *Retriever {
	if defaultKBHeadLimit <= 0 {
		defaultKBHeadLimit = 50000
	}
	return &Retriever{
		Store:              store,
		Tasks:              tasks,
		RAG:                rag,
		Counter:            NewCallCounter(store),
		defaultKBHeadLimit: defaultKBHeadLimit,
	}
}

// DirectInject implements the "direct injection" mode: every active
// document in the KB is rematerialised (document -> attachment_id ->
// extracted_text) and concatenated. Only the injection-mode flag is
// persisted to the context record; callers pass it through
// PutContext/UpdateContextStatus.
func (r *Retriever) DirectInject(ctx context.Context, kbID string) (text string, sourceNames []string, err error) {
	kb, err := r.Store.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		return "", nil, err
	}
	var b strings.Builder
	for _, d := range kb.Documents {
		if !d.IsActive {
			continue
		}
		t, err := r.Store.GetExtractedText(ctx, d.AttachmentID)
		if err != nil {
			continue // a missing attachment shouldn't sink the whole injection
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(t)
		sourceNames = append(sourceNames, d.Name)
	}
	return b.String(), sourceNames, nil
}

// RAGResult is the `type_data.rag_result` shape (spec §6 "Persisted
// state").
type RAGResult struct {
	Query      string   `json:"query"`
	Text       string   `json:"text"`
	Sources    []string `json:"sources"`
	ChunkCount int      `json:"chunk_count"`
}

// Retrieve implements "RAG retrieval" mode: calls the vector/search
// service with (query, kb_ids, document_ids?) and concatenates the
// ranked chunks with their citation metadata.
func (r *Retriever) Retrieve(ctx context.Context, query string, kbIDs, documentIDs []string) (RAGResult, error) {
	if r.RAG == nil {
		return RAGResult{}, fmt.Errorf("RAG retrieval is not configured")
	}
	filter := map[string]string{}
	if len(kbIDs) > 0 {
		filter["kb_id"] = strings.Join(kbIDs, ",")
	}
	if len(documentIDs) > 0 {
		filter["document_id"] = strings.Join(documentIDs, ",")
	}
	resp, err := r.RAG.Retrieve(ctx, query, retrieve.RetrieveOptions{
		K: 8, FtK: 20, VecK: 20, UseRRF: true,
		IncludeText: true, IncludeSnippet: true,
		Filter: filter,
	})
	if err != nil {
		return RAGResult{}, err
	}
	var b strings.Builder
	var sources []string
	chunkCount := 0
	for _, item := range resp.Items {
		chunk := item.Text
		if chunk == "" {
			chunk = item.Snippet
		}
		if chunk == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(chunk)
		chunkCount++
		if item.Doc.Title != "" {
			sources = append(sources, item.Doc.Title)
		} else {
			sources = append(sources, item.DocID)
		}
	}
	return RAGResult{Query: query, Text: b.String(), Sources: sources, ChunkCount: chunkCount}, nil
}
