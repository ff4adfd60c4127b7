// Package enrich generates per-lead personalization parameters with the
// Anthropic API. Enrichment is advisory: any failure falls back to the base
// template parameters, and a send never blocks on it.
package enrich

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
	"github.com/sells-group/outreach-cli/pkg/anthropic"
)

const (
	defaultModel     = "claude-haiku-4-5-20251001"
	defaultMaxTokens = 512

	systemPrompt = `You write one-line personalized openers for B2B sales outreach.
Given a prospect profile, respond with ONLY a JSON object:
{"opener": "<one natural sentence referencing the prospect's company or role>",
 "subject_line": "<a short email subject, no clickbait>"}`
)

// Config tunes the enricher.
type Config struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	APIKey    string `yaml:"api_key" mapstructure:"api_key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// leadStore is the slice of the store the enricher persists through.
type leadStore interface {
	GetLead(ctx context.Context, id int64) (*model.Lead, error)
	UpdateLead(ctx context.Context, id int64, expectedVersion int64, changes model.LeadChanges) (*model.Lead, error)
	AppendActivity(ctx context.Context, rec model.ActivityRecord) (*model.ActivityRecord, error)
}

// Enricher produces and persists personalization parameters for a lead.
type Enricher struct {
	client    anthropic.Client
	store     leadStore
	model     string
	maxTokens int64
}

// New creates an Enricher.
func New(client anthropic.Client, st leadStore, cfg Config) *Enricher {
	m := cfg.Model
	if m == "" {
		m = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Enricher{client: client, store: st, model: m, maxTokens: maxTokens}
}

// Enrich returns personalization parameters for the lead. Previously
// persisted enrichment is reused without an API call; fresh results are
// written back through the optimistic update path, tolerating a lost race.
func (e *Enricher) Enrich(ctx context.Context, lead *model.Lead) (map[string]string, error) {
	if cached := stringValues(lead.Enrichment); len(cached) > 0 {
		return cached, nil
	}

	resp, err := e.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     e.model,
		MaxTokens: e.maxTokens,
		System:    systemPrompt,
		Messages:  []anthropic.Message{{Role: "user", Content: profilePrompt(lead)}},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "enrich: lead %d", lead.ID)
	}
	resp.Usage.LogUsage(e.model, "enrich")

	params, err := parseParams(resp.Text)
	if err != nil {
		return nil, eris.Wrapf(err, "enrich: lead %d", lead.ID)
	}

	e.persist(ctx, lead, params)
	return params, nil
}

// persist writes the parameters onto the lead. Best effort: losing the
// version race or failing the write only costs a re-enrichment later.
func (e *Enricher) persist(ctx context.Context, lead *model.Lead, params map[string]string) {
	enrichment := make(map[string]any, len(params))
	for k, v := range params {
		enrichment[k] = v
	}

	_, err := e.store.UpdateLead(ctx, lead.ID, lead.Version, model.LeadChanges{Enrichment: enrichment})
	if store.IsConflict(err) {
		current, gerr := e.store.GetLead(ctx, lead.ID)
		if gerr != nil {
			zap.L().Warn("enrichment not persisted", zap.Int64("lead_id", lead.ID), zap.Error(gerr))
			return
		}
		_, err = e.store.UpdateLead(ctx, current.ID, current.Version, model.LeadChanges{Enrichment: enrichment})
	}
	if err != nil {
		zap.L().Warn("enrichment not persisted", zap.Int64("lead_id", lead.ID), zap.Error(err))
		return
	}

	_, err = e.store.AppendActivity(ctx, model.ActivityRecord{
		LeadID:   &lead.ID,
		Type:     model.ActivityEnriched,
		Body:     "personalization parameters generated",
		Metadata: map[string]any{"model": e.model, "params": paramKeys(params)},
	})
	if err != nil {
		zap.L().Warn("enrichment activity not recorded", zap.Int64("lead_id", lead.ID), zap.Error(err))
	}
}

func profilePrompt(lead *model.Lead) string {
	var b strings.Builder
	b.WriteString("Prospect profile:\n")
	writeField(&b, "name", lead.Name)
	writeField(&b, "company", lead.Company)
	writeField(&b, "title", lead.Title)
	writeField(&b, "channel", string(lead.Channel))

	// Recent observations carry the freshest signal; cap the prompt size.
	count := 0
	for i := len(lead.Observations) - 1; i >= 0 && count < 5; i-- {
		payload, err := json.Marshal(lead.Observations[i].Payload)
		if err != nil || string(payload) == "null" {
			continue
		}
		if count == 0 {
			b.WriteString("Recent notes:\n")
		}
		b.WriteString("- ")
		b.Write(payload)
		b.WriteByte('\n')
		count++
	}
	return b.String()
}

func writeField(b *strings.Builder, name, value string) {
	if value == "" {
		return
	}
	b.WriteString(name)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteByte('\n')
}

// parseParams extracts the JSON object from the model's reply, tolerating
// code fences and surrounding prose.
func parseParams(text string) (map[string]string, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, eris.New("no JSON object in model reply")
	}

	var params map[string]string
	if err := json.Unmarshal([]byte(text[start:end+1]), &params); err != nil {
		return nil, eris.Wrap(err, "parse model reply")
	}
	if len(params) == 0 {
		return nil, eris.New("empty parameter object in model reply")
	}
	return params, nil
}

func stringValues(m map[string]any) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func paramKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
