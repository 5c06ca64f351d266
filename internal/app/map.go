package app

import (
	"fmt"
	"strings"
	"time"

	"cadence/internal/config"
	"cadence/internal/delivery"
	"cadence/internal/dispatch"
	"cadence/internal/generate"
	"cadence/internal/ingest"
	"cadence/internal/store"
)

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return store.Config{}, fmt.Errorf("storage.path is required")
	}
	busy, err := config.Duration("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatch
	if d.Concurrency < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.concurrency must be >= 0")
	}
	if d.RetryMax < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.retry_max must be >= 0")
	}
	attempt, err := config.OptionalDuration("dispatch.attempt_timeout", d.AttemptTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	retryBase, err := config.OptionalDuration("dispatch.retry_base", d.RetryBase)
	if err != nil {
		return dispatch.Config{}, err
	}
	retryMax, err := config.OptionalDuration("dispatch.retry_max_delay", d.RetryMaxDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	cbBase, err := config.OptionalDuration("dispatch.circuit_base_delay", d.CircuitBaseDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	cbMax, err := config.OptionalDuration("dispatch.circuit_max_delay", d.CircuitMaxDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	cbReset, err := config.OptionalDuration("dispatch.circuit_reset_after", d.CircuitResetAfter)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Concurrency:         d.Concurrency,
		AttemptTimeout:      attempt,
		RetryMax:            d.RetryMax,
		RetryBase:           retryBase,
		RetryMaxDelay:       retryMax,
		RatePerSec:          d.RatePerSec,
		Burst:               d.Burst,
		CircuitTripFailures: d.CircuitTripFailures,
		CircuitBaseDelay:    cbBase,
		CircuitMaxDelay:     cbMax,
		CircuitResetAfter:   cbReset,
	}, nil
}

func mapIngestConfig(cfg *config.Config) (ingest.Config, error) {
	ttl, err := config.OptionalDuration("ingest.dedup_ttl", cfg.Ingest.DedupTTL)
	if err != nil {
		return ingest.Config{}, err
	}
	prune, err := config.OptionalDuration("ingest.prune_every", cfg.Ingest.PruneEvery)
	if err != nil {
		return ingest.Config{}, err
	}
	return ingest.Config{
		Buffer:     cfg.Ingest.Buffer,
		DedupTTL:   ttl,
		PruneEvery: prune,
	}, nil
}

func mapDeliveryConfig(cfg *config.Config) delivery.Config {
	return delivery.Config{
		FallbackPersonaKind:  store.PersonaKind(cfg.Delivery.FallbackPersonaKind),
		FallbackPersonaValue: cfg.Delivery.FallbackPersonaValue,
		FallbackSubject:      cfg.Delivery.FallbackSubject,
		FallbackBody:         cfg.Delivery.FallbackBody,
	}
}

func mapGenerateConfig(cfg *config.Config) (generate.Config, error) {
	timeout, err := config.OptionalDuration("generator.timeout", cfg.Generator.Timeout)
	if err != nil {
		return generate.Config{}, err
	}
	return generate.Config{
		Endpoint: cfg.Generator.Endpoint,
		APIKey:   cfg.Generator.APIKey,
		Timeout:  timeout,
	}, nil
}

// validateConfig rejects a hot-reload candidate before commit/publish.
func validateConfig(cfg *config.Config) error {
	if _, err := mapStoreConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapIngestConfig(cfg); err != nil {
		return err
	}
	if _, err := mapGenerateConfig(cfg); err != nil {
		return err
	}
	if _, err := config.OptionalDuration("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := config.OptionalDuration("registry.resync_every", cfg.Registry.ResyncEvery); err != nil {
		return err
	}
	if cfg.Registry.PageSize < 0 {
		return fmt.Errorf("registry.page_size must be >= 0")
	}
	return nil
}
