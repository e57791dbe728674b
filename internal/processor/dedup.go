package processor

import (
	"context"
	"fmt"
	"time"

	"liminal/internal/constants"
	"liminal/internal/deduplication"
	"liminal/internal/logger"
	"liminal/internal/message"
	"liminal/internal/stage"
)

type dedupParams struct {
	Fields       []string `mapstructure:"fields"`
	Algorithm    string   `mapstructure:"algorithm"`
	TTLSeconds   int      `mapstructure:"ttl_seconds"`
	Store        string   `mapstructure:"store"`
	OnStoreError string   `mapstructure:"on_store_error"`
	KeyPrefix    string   `mapstructure:"key_prefix"`
}

// dedup drops messages whose hashed fields were already seen within the TTL.
// The redis store is opened in Init so a shared client is only dialled when
// some stage needs it.
type dedup struct {
	name    string
	params  dedupParams
	deps    Deps
	logger  logger.Logger
	service *deduplication.Service
}

func newDedup(spec Spec, deps Deps) (stage.Processor, error) {
	p := dedupParams{
		Algorithm:    constants.HashSHA256,
		TTLSeconds:   constants.DefaultTTLSeconds,
		Store:        constants.StoreMemory,
		OnStoreError: constants.FallbackAllow,
	}
	if err := decodeParams(spec.Config.Parameters, &p); err != nil {
		return nil, err
	}
	if err := oneOf("algorithm", p.Algorithm, constants.HashSHA256, constants.HashMD5); err != nil {
		return nil, err
	}
	if err := oneOf("store", p.Store, constants.StoreMemory, constants.StoreRedis); err != nil {
		return nil, err
	}
	if err := oneOf("on_store_error", p.OnStoreError, constants.FallbackAllow, constants.FallbackDeny); err != nil {
		return nil, err
	}
	if p.TTLSeconds <= 0 {
		return nil, fmt.Errorf("ttl_seconds must be positive, got %d", p.TTLSeconds)
	}
	if p.Store == constants.StoreRedis && deps.Datastores == nil {
		return nil, fmt.Errorf("store redis needs a configured redis database")
	}
	return newTransform(&dedup{name: spec.Name, params: p, deps: deps, logger: deps.Logger}), nil
}

func (d *dedup) init(ctx context.Context, _ *stage.Context) error {
	var repo deduplication.Repository = deduplication.NewMemoryRepository()
	if d.params.Store == constants.StoreRedis {
		client, err := d.deps.Datastores.Redis(ctx)
		if err != nil {
			return fmt.Errorf("failed to open dedup store: %w", err)
		}
		repo = deduplication.NewCircuitBreakerRepository(
			deduplication.NewRepository(client), d.name, d.deps.CircuitBreaker)
	}

	service, err := deduplication.NewService(d.name, repo, deduplication.Config{
		HashAlgorithm: d.params.Algorithm,
		TTL:           time.Duration(d.params.TTLSeconds) * time.Second,
		OnStoreError:  d.params.OnStoreError,
		FieldsToHash:  d.params.Fields,
		KeyPrefix:     d.params.KeyPrefix,
	}, d.logger)
	if err != nil {
		return err
	}
	d.service = service
	d.logger.InfowCtx(ctx, "Deduplication ready", "store", d.params.Store, "fields", service.Fields())
	return nil
}

func (d *dedup) apply(ctx context.Context, msg message.Message) (message.Message, bool, error) {
	unique, err := d.service.Check(ctx, msg)
	if err != nil {
		return msg, false, err
	}
	return msg, unique, nil
}
