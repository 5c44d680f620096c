// Package provider holds the reasoning and embedding capabilities the
// engine is handed at construction time.
package provider

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/engramdev/engram/internal/errs"
)

// Reasoner produces a completion for a prompt. Implementations are expected
// to return raw model text; JSON handling lives in CompleteJSON.
type Reasoner interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Embedder turns text into vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

const repromptSuffix = "\n\nYour previous reply was not valid JSON matching the required shape. Reply with ONLY the JSON object, no prose, no code fences."

// CompleteJSON asks the reasoner for a JSON reply and decodes it into out.
// A malformed reply earns exactly one corrective re-prompt; a second failure
// surfaces as ReasoningFailed.
func CompleteJSON(ctx context.Context, r Reasoner, system, prompt string, out any) error {
	resp, err := r.Complete(ctx, system, prompt)
	if err != nil {
		return err
	}
	if decodeErr := json.Unmarshal([]byte(StripFences(resp)), out); decodeErr == nil {
		return nil
	}

	resp, err = r.Complete(ctx, system, prompt+repromptSuffix)
	if err != nil {
		return err
	}
	if decodeErr := json.Unmarshal([]byte(StripFences(resp)), out); decodeErr != nil {
		return errs.Wrap(errs.KindReasoningFailed, "model returned malformed JSON twice", decodeErr)
	}
	return nil
}

// StripFences removes markdown code fences models wrap JSON in.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}
