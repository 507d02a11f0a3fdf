package api

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/lamim/sftcurator/internal/config"
	"github.com/lamim/sftcurator/internal/util"
	"github.com/lamim/sftcurator/pkg/models"
)

// ErrEmptyCompletion is returned when the model produced no usable text
var ErrEmptyCompletion = errors.New("empty completion")

// Provider adapts the chat client to a system+user completion call
type Provider struct {
	client  *Client
	secrets *config.Secrets
	models  map[string]config.ModelConfig // keyed by model_name and by [models] key
}

// NewProvider resolves models from the configuration
func NewProvider(client *Client, cfg *config.Config, secrets *config.Secrets) *Provider {
	byName := make(map[string]config.ModelConfig, len(cfg.Models)*2)
	keys := make([]string, 0, len(cfg.Models))
	for key := range cfg.Models {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		mc := cfg.Models[key]
		if _, taken := byName[mc.ModelName]; !taken {
			byName[mc.ModelName] = mc
		}
	}
	for _, key := range keys {
		if _, taken := byName[key]; !taken {
			byName[key] = cfg.Models[key]
		}
	}
	if secrets == nil {
		secrets = &config.Secrets{APIKeys: map[string]string{}}
	}
	return &Provider{client: client, secrets: secrets, models: byName}
}

// Complete sends the two-message exchange and returns the first choice
func (p *Provider) Complete(ctx context.Context, system, user, model string) (models.Completion, error) {
	mc, ok := p.models[model]
	if !ok {
		return models.Completion{}, fmt.Errorf("model %q is not configured", model)
	}

	messages := make([]Message, 0, 2)
	if system != "" {
		messages = append(messages, Message{Role: "system", Content: system})
	}
	messages = append(messages, Message{Role: "user", Content: user})

	resp, err := p.client.ChatCompletion(ctx, mc, p.secrets.GetAPIKey(mc.BaseURL), messages)
	if err != nil {
		return models.Completion{}, err
	}

	text := resp.Content()
	if mc.StripThinkTags {
		text = util.StripThinkTags(text)
	}
	if models.IsBlank(text) {
		return models.Completion{}, fmt.Errorf("%w from %s (finish_reason %q)", ErrEmptyCompletion, mc.ModelName, resp.Choices[0].FinishReason)
	}
	return models.Completion{
		Text:  text,
		Usage: models.NewUsageStats(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}, nil
}
