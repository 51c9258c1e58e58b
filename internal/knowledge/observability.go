package knowledge

// TypeDataMixin builds the `type_data` payload for a Subtask Context
// record, routing both RAG and kb_head retrievals through the same
// method with two payload shapes (spec §4.5 "Observability": "unified
// handler routes rag and kb_head tool types to the same record via a
// 'mixin' discipline — one method, two payload shapes").
func TypeDataMixin(injectionMode bool, rag *RAGResult, kbHead *KBHeadResult) map[string]any {
	data := map[string]any{"injection_mode": injectionMode}
	if rag != nil {
		data["rag_result"] = map[string]any{
			"query":       rag.Query,
			"chunk_count": rag.ChunkCount,
			"sources":     rag.Sources,
		}
	}
	if kbHead != nil {
		data["kb_head_result"] = map[string]any{
			"document_ids": kbHead.DocumentIDs,
			"offset":       kbHead.Offset,
			"limit":        kbHead.Limit,
		}
	}
	return data
}
