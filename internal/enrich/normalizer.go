// Package enrich optionally cleans up raw venue text before dedup scoring.
package enrich

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/campora/places-sync/internal/model"
	"github.com/campora/places-sync/pkg/anthropic"
)

// Normalizer pre-processes a raw venue before scoring. Implementations must
// never fail the pipeline: on any internal error they return the input
// unchanged.
type Normalizer interface {
	Normalize(ctx context.Context, place *model.RawPlace) (*model.RawPlace, error)
}

// Passthrough returns venues unchanged. Used when no AI provider is
// configured.
type Passthrough struct{}

func (Passthrough) Normalize(_ context.Context, place *model.RawPlace) (*model.RawPlace, error) {
	return place, nil
}

// normalizePrompt asks the model to clean the directory's free-text fields.
const normalizePrompt = `You clean up venue records from a places directory before duplicate detection. Normalize the name (remove marketing suffixes, fix casing), the address (consistent comma-separated components), and the phone (digits with country code). Never invent data; leave a field unchanged if unsure.

Respond with ONLY valid JSON, no other text:
{"name": "", "address": "", "phone": ""}`

type normalizeResponse struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Phone   string `json:"phone"`
}

// ClaudeNormalizer normalizes venue text with a small Claude model.
type ClaudeNormalizer struct {
	ai    anthropic.Client
	model string
}

// NewClaudeNormalizer creates a Claude-backed normalizer.
func NewClaudeNormalizer(ai anthropic.Client, model string) *ClaudeNormalizer {
	return &ClaudeNormalizer{ai: ai, model: model}
}

// Normalize asks the model for cleaned name/address/phone fields. Any
// failure is logged and the input is returned unchanged so scoring can
// proceed without the collaborator.
func (n *ClaudeNormalizer) Normalize(ctx context.Context, place *model.RawPlace) (*model.RawPlace, error) {
	input, err := json.Marshal(map[string]string{
		"name":    place.Name,
		"address": place.Address,
		"phone":   place.Phone,
	})
	if err != nil {
		return place, nil
	}

	resp, err := n.ai.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     n.model,
		MaxTokens: 256,
		System:    normalizePrompt,
		Messages:  []anthropic.Message{{Role: "user", Content: string(input)}},
	})
	if err != nil {
		zap.L().Warn("enrich: normalization call failed, using raw fields",
			zap.String("place", place.Name),
			zap.Error(err),
		)
		return place, nil
	}
	resp.Usage.LogCost(n.model, "normalize")

	parsed, err := parseNormalizeResponse(resp.Text())
	if err != nil {
		zap.L().Warn("enrich: unparseable normalization response, using raw fields",
			zap.String("place", place.Name),
			zap.Error(err),
		)
		return place, nil
	}

	out := *place
	if parsed.Name != "" {
		out.Name = parsed.Name
	}
	if parsed.Address != "" {
		out.Address = parsed.Address
	}
	if parsed.Phone != "" {
		out.Phone = parsed.Phone
	}
	return &out, nil
}

// parseNormalizeResponse tolerates code fences around the JSON body.
func parseNormalizeResponse(text string) (*normalizeResponse, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var out normalizeResponse
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, eris.Wrap(err, "enrich: unmarshal response")
	}
	return &out, nil
}
