package job

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/finsight/finsight/id"
)

// DefaultPrompt is used when a submission carries no prompt, matching the
// original service default.
const DefaultPrompt = "Provide comprehensive financial analysis"

// MaxPromptLen caps stored prompt length.
const MaxPromptLen = 2000

// NormalizePrompt trims, defaults, and truncates a submitted prompt so
// that equivalent submissions derive the same dedup key.
func NormalizePrompt(prompt string) string {
	p := strings.TrimSpace(prompt)
	if p == "" {
		return DefaultPrompt
	}
	if len(p) > MaxPromptLen {
		p = p[:MaxPromptLen]
	}
	return p
}

// DedupKey derives the idempotent admission key for a document and
// prompt pair. Two submissions with the same document and normalized
// prompt always produce the same key.
func DedupKey(docID id.DocumentID, prompt string) string {
	h := sha256.New()
	h.Write([]byte(docID.String()))
	h.Write([]byte{0})
	h.Write([]byte(NormalizePrompt(prompt)))
	return hex.EncodeToString(h.Sum(nil))
}
