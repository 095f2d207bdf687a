package provider

import (
	"fmt"

	"github.com/target/mmk-orchestrator/internal/domain/model"
)

type authStyle struct {
	header string
	scheme string
}

// defaultAuth is the API key placement each provider expects.
var defaultAuth = map[model.QueueType]authStyle{
	model.QueueTypeRender:          {header: "Authorization", scheme: "Bearer"},
	model.QueueTypeImageGeneration: {header: "Authorization", scheme: "Bearer"},
	model.QueueTypeAvatarVideo:     {header: "X-Api-Key"},
	model.QueueTypeVideoToVideo:    {header: "Authorization", scheme: "Bearer"},
	model.QueueTypeSpeechToText:    {header: "Authorization"},
}

// New builds the adapter for q, applying the provider's default API key
// placement when cfg leaves AuthHeader unset.
func New(q model.QueueType, cfg ClientConfig) (Adapter, error) {
	style, ok := defaultAuth[q]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedQueueType, q)
	}
	if cfg.AuthHeader == "" {
		cfg.AuthHeader = style.header
		if cfg.AuthScheme == "" {
			cfg.AuthScheme = style.scheme
		}
	}
	if cfg.Logger != nil {
		cfg.Logger = cfg.Logger.With("component", "provider", "queue_type", string(q))
	}

	client, err := NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("%s client: %w", q, err)
	}

	switch q {
	case model.QueueTypeRender:
		return NewRenderAdapter(client), nil
	case model.QueueTypeImageGeneration:
		return NewImageAdapter(client), nil
	case model.QueueTypeAvatarVideo:
		return NewAvatarAdapter(client), nil
	case model.QueueTypeVideoToVideo:
		return NewVideoAdapter(client), nil
	default:
		return NewSpeechAdapter(client), nil
	}
}
