package knowledge

import "context"

// KBHeadResult is the `type_data.kb_head_result` shape persisted so that
// the exact same byte slice is rematerialised on the next turn (spec §4.5
// "Cross-turn kb_head", §6 "Persisted state").
type KBHeadResult struct {
	DocumentIDs []string `json:"document_ids"`
	Offset      int      `json:"offset"`
	Limit       int      `json:"limit"`
}

// documentSlice is one document's rematerialised kb_head text.
type documentSlice struct {
	DocumentID string `json:"document_id"`
	Text       string `json:"text"`
}

// Head slices r's documents starting at offset, stopping once the total
// budget (r.defaultKBHeadLimit if limit <= 0, else
// min(limit, r.defaultKBHeadLimit)) is exhausted. Offsets and limits are
// applied per-document with min(offset, len(text)) clamping (spec §4.5).
func (r *Retriever) Head(ctx context.Context, documentIDs []string, offset, limit int) ([]documentSlice, KBHeadResult, error) {
	budget := limit
	if budget <= 0 || budget > r.defaultKBHeadLimit {
		budget = r.defaultKBHeadLimit
	}

	var slices []documentSlice
	remaining := budget
	for _, docID := range documentIDs {
		if remaining <= 0 {
			break
		}
		text, err := r.textForDocument(ctx, docID)
		if err != nil {
			continue
		}
		clampedOffset := offset
		if clampedOffset > len(text) {
			clampedOffset = len(text)
		}
		avail := text[clampedOffset:]
		if len(avail) > remaining {
			avail = avail[:remaining]
		}
		slices = append(slices, documentSlice{DocumentID: docID, Text: avail})
		remaining -= len(avail)
	}

	return slices, KBHeadResult{DocumentIDs: documentIDs, Offset: offset, Limit: budget}, nil
}

// Rematerialise replays a previously-persisted KBHeadResult, reproducing
// the exact same byte slice it produced on the turn it was recorded
// (spec §4.5 "so that on the next turn the exact same byte slice is
// rematerialised").
func (r *Retriever) Rematerialise(ctx context.Context, result KBHeadResult) ([]documentSlice, error) {
	slices, _, err := r.Head(ctx, result.DocumentIDs, result.Offset, result.Limit)
	return slices, err
}

// textForDocument walks document -> attachment_id -> extracted_text, the
// same indirection DirectInject uses (spec §4.5).
func (r *Retriever) textForDocument(ctx context.Context, documentID string) (string, error) {
	doc, err := r.Store.FindDocument(ctx, documentID)
	if err != nil {
		return "", err
	}
	return r.Store.GetExtractedText(ctx, doc.AttachmentID)
}
