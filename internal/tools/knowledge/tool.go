package knowledgetool

import (
	"context"
	"encoding/json"

	"chatgateway/internal/knowledge"
)

// lsTool implements kb_ls: lists a knowledge base's documents so the
// model can decide what to pull with kb_head or knowledge_base_search.
type lsTool struct {
	retriever *knowledge.Retriever
}

// NewListTool constructs the kb_ls tool backed by a shared Retriever
// (and its CallCounter).
func NewListTool(r *knowledge.Retriever) *lsTool {
	return &lsTool{retriever: r}
}

func (t *lsTool) Name() string { return "kb_ls" }

func (t *lsTool) JSONSchema() map[string]any {
	return map[string]any{
		"name":        t.Name(),
		"description": "List the documents in a knowledge base (id, name, active state).",
		"parameters": map[string]any{
			"type":     "object",
			"required": []string{"kb_id"},
			"properties": map[string]any{
				"kb_id": map[string]any{"type": "string"},
			},
		},
	}
}

func (t *lsTool) Call(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		KBID string `json:"kb_id"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	refusal, ok, err := t.retriever.Counter.CheckAndIncrement(ctx, args.KBID, t.Name())
	if err != nil {
		return map[string]any{"ok": false, "error": err.Error()}, nil
	}
	if !ok {
		return map[string]any{"ok": false, "refusal": refusal}, nil
	}
	kb, err := t.retriever.Store.GetKnowledgeBase(ctx, args.KBID)
	if err != nil {
		return map[string]any{"ok": false, "error": err.Error()}, nil
	}
	docs := make([]map[string]any, 0, len(kb.Documents))
	for _, d := range kb.Documents {
		docs = append(docs, map[string]any{
			"document_id": d.ID,
			"name":        d.Name,
			"is_active":   d.IsActive,
		})
	}
	return map[string]any{"ok": true, "kb_id": args.KBID, "documents": docs}, nil
}

// headTool implements kb_head: returns a clamped, budgeted slice of one
// or more documents' extracted text, and persists the slice parameters
// so a later call can rematerialise the identical content.
type headTool struct {
	retriever *knowledge.Retriever
}

// NewHeadTool constructs the kb_head tool backed by a shared Retriever.
func NewHeadTool(r *knowledge.Retriever) *headTool {
	return &headTool{retriever: r}
}

func (t *headTool) Name() string { return "kb_head" }

func (t *headTool) JSONSchema() map[string]any {
	return map[string]any{
		"name":        t.Name(),
		"description": "Read a budgeted slice of one or more documents' extracted text, starting at an offset.",
		"parameters": map[string]any{
			"type":     "object",
			"required": []string{"kb_id", "document_ids"},
			"properties": map[string]any{
				"kb_id":        map[string]any{"type": "string"},
				"document_ids": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"offset":       map[string]any{"type": "integer"},
				"limit":        map[string]any{"type": "integer"},
			},
		},
	}
}

func (t *headTool) Call(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		KBID        string   `json:"kb_id"`
		DocumentIDs []string `json:"document_ids"`
		Offset      int      `json:"offset"`
		Limit       int      `json:"limit"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	refusal, ok, err := t.retriever.Counter.CheckAndIncrement(ctx, args.KBID, t.Name())
	if err != nil {
		return map[string]any{"ok": false, "error": err.Error()}, nil
	}
	if !ok {
		return map[string]any{"ok": false, "refusal": refusal}, nil
	}
	slices, result, err := t.retriever.Head(ctx, args.DocumentIDs, args.Offset, args.Limit)
	if err != nil {
		return map[string]any{"ok": false, "error": err.Error()}, nil
	}
	return map[string]any{
		"ok":      true,
		"kb_id":   args.KBID,
		"slices":  slices,
		"offset":  result.Offset,
		"limit":   result.Limit,
		"kb_head": result,
	}, nil
}

// searchTool implements knowledge_base_search: RAG retrieval over one or
// more knowledge bases, optionally scoped to a document subset.
type searchTool struct {
	retriever *knowledge.Retriever
}

// NewSearchTool constructs the knowledge_base_search tool backed by a
// shared Retriever.
func NewSearchTool(r *knowledge.Retriever) *searchTool {
	return &searchTool{retriever: r}
}

func (t *searchTool) Name() string { return "knowledge_base_search" }

func (t *searchTool) JSONSchema() map[string]any {
	return map[string]any{
		"name":        t.Name(),
		"description": "Run a RAG search against one or more knowledge bases and return ranked, cited chunks.",
		"parameters": map[string]any{
			"type":     "object",
			"required": []string{"query", "kb_ids"},
			"properties": map[string]any{
				"query":        map[string]any{"type": "string"},
				"kb_ids":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"document_ids": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
		},
	}
}

func (t *searchTool) Call(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Query       string   `json:"query"`
		KBIDs       []string `json:"kb_ids"`
		DocumentIDs []string `json:"document_ids"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	for _, kbID := range args.KBIDs {
		refusal, ok, err := t.retriever.Counter.CheckAndIncrement(ctx, kbID, t.Name())
		if err != nil {
			return map[string]any{"ok": false, "error": err.Error()}, nil
		}
		if !ok {
			return map[string]any{"ok": false, "refusal": refusal}, nil
		}
	}
	result, err := t.retriever.Retrieve(ctx, args.Query, args.KBIDs, args.DocumentIDs)
	if err != nil {
		return map[string]any{"ok": false, "error": err.Error()}, nil
	}
	return map[string]any{
		"ok":          true,
		"query":       result.Query,
		"text":        result.Text,
		"sources":     result.Sources,
		"chunk_count": result.ChunkCount,
	}, nil
}
