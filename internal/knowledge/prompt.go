package knowledge

import (
	"fmt"
	"strings"
)

// truncationMarker is appended when a block is cut at its budget boundary,
// but only if at least this many characters of headroom remain (spec
// §4.5 "Prompt construction": "(truncated...) marker (only if >= 100
// chars remain)").
const (
	truncationMarker    = "(truncated...)"
	truncationThreshold = 100
)

// KBPromptMode selects how strictly the model must stick to retrieved
// content (spec §4.5 "Strict vs. relaxed KB prompt mode").
type KBPromptMode string

const (
	// ModeStrict: the user explicitly selected KBs for this message.
	ModeStrict KBPromptMode = "strict"
	// ModeRelaxed: KBs were inherited from the task, not re-selected.
	ModeRelaxed KBPromptMode = "relaxed"
	// ModeExplorationOnly: no KB has RAG enabled.
	ModeExplorationOnly KBPromptMode = "exploration_only"
)

// SelectKBPromptMode implements the mode-selection rule.
func SelectKBPromptMode(userExplicitlySelectedKBs bool, anyKBHasRAGEnabled bool) KBPromptMode {
	if !anyKBHasRAGEnabled {
		return ModeExplorationOnly
	}
	if userExplicitlySelectedKBs {
		return ModeStrict
	}
	return ModeRelaxed
}

// SystemPromptInstruction returns the directive text for mode, to be
// prepended to the base system prompt.
func SystemPromptInstruction(mode KBPromptMode) string {
	switch mode {
	case ModeStrict:
		return "Answer strictly using the retrieved knowledge base content below. If the answer is not present, say so explicitly rather than guessing."
	case ModeRelaxed:
		return "Prefer the retrieved knowledge base content below, but you may fall back on general knowledge when it does not cover the question."
	default:
		return "No knowledge base content was retrieved for this message; use the kb_ls/kb_head/knowledge_base_search tools to explore available knowledge bases if needed."
	}
}

// AttachmentBlock is one `<attachment>` entry: images are rendered with a
// metadata header (name/mime type) and carry their own vision content
// part out-of-band; documents contribute a text prefix here.
type AttachmentBlock struct {
	Name     string
	MimeType string
	IsImage  bool
	Text     string // document text prefix; empty for images
}

// KnowledgeBlock is one `<knowledge_base>` entry, tagged per spec §4.5:
// "[Knowledge Base: <name> (ID: <kb_id>)]".
type KnowledgeBlock struct {
	KBID string
	Name string
	Text string
}

// BuildUserMessage assembles the ordered blocks of spec §4.5 "Prompt
// construction": images first, then document attachment prefixes, then
// knowledge-base content, then the raw user text. Total injected text
// (attachments + knowledge bases, not the raw user text) is capped at
// maxTotalLength; attachments consume their share first, knowledge bases
// divide whatever budget remains and are truncated on the boundary.
func BuildUserMessage(attachments []AttachmentBlock, kbs []KnowledgeBlock, userText string, maxTotalLength int) string {
	if maxTotalLength <= 0 {
		maxTotalLength = 100000
	}
	var b strings.Builder
	remaining := maxTotalLength

	for _, a := range attachments {
		if a.IsImage {
			fmt.Fprintf(&b, "<attachment name=%q mime_type=%q/>\n", a.Name, a.MimeType)
			continue
		}
		if remaining <= 0 {
			break
		}
		text, used := truncate(a.Text, remaining)
		remaining -= used
		fmt.Fprintf(&b, "<attachment name=%q>\n%s\n</attachment>\n", a.Name, text)
	}

	if len(kbs) > 0 && remaining > 0 {
		perKB := remaining / len(kbs)
		if perKB < 1 {
			perKB = 1
		}
		for _, k := range kbs {
			if remaining <= 0 {
				break
			}
			budget := perKB
			if budget > remaining {
				budget = remaining
			}
			text, used := truncate(k.Text, budget)
			remaining -= used
			fmt.Fprintf(&b, "<knowledge_base>\n[Knowledge Base: %s (ID: %s)]\n%s\n</knowledge_base>\n", k.Name, k.KBID, text)
		}
	}

	b.WriteString(userText)
	return b.String()
}

// truncate returns at most budget characters of s, appending
// truncationMarker if the cut loses >= truncationThreshold characters.
// It returns the rendered text and how much of the budget it consumed.
func truncate(s string, budget int) (string, int) {
	if len(s) <= budget {
		return s, len(s)
	}
	if budget <= 0 {
		return "", 0
	}
	cut := s[:budget]
	if len(s)-budget >= truncationThreshold {
		cut += "\n" + truncationMarker
	}
	return cut, budget
}
