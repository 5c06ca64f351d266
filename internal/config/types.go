package config

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Telegram TelegramConfig `json:"telegram"`

	Dispatch  DispatchConfig  `json:"dispatch,omitempty"`
	Registry  RegistryConfig  `json:"registry,omitempty"`
	Ingest    IngestConfig    `json:"ingest,omitempty"`
	Delivery  DeliveryConfig  `json:"delivery,omitempty"`
	Generator GeneratorConfig `json:"generator,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (e.g. "5s").
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// DispatchConfig controls the outbound queue.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Defaults (when fields are omitted/zero):
//   - concurrency: 8
//   - attempt_timeout: "15s"
//   - retry_base: "500ms", retry_max_delay: "15s"
//   - circuit_trip_failures: 5 (set -1 to disable the breaker)
type DispatchConfig struct {
	Concurrency    int    `json:"concurrency,omitempty"`
	AttemptTimeout string `json:"attempt_timeout,omitempty"`

	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	RatePerSec int `json:"rate_per_sec,omitempty"`
	Burst      int `json:"burst,omitempty"`

	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
	CircuitResetAfter   string `json:"circuit_reset_after,omitempty"`
}

// RegistryConfig controls schedule registration maintenance.
type RegistryConfig struct {
	// ResyncEvery is how often registered entries are reconciled against
	// storage. Empty or "0s" selects the built-in default.
	ResyncEvery string `json:"resync_every,omitempty"`
	PageSize    int    `json:"page_size,omitempty"`
}

type IngestConfig struct {
	Buffer     int    `json:"buffer,omitempty"`
	DedupTTL   string `json:"dedup_ttl,omitempty"`
	PruneEvery string `json:"prune_every,omitempty"`
}

type DeliveryConfig struct {
	FallbackPersonaKind  string `json:"fallback_persona_kind,omitempty"`
	FallbackPersonaValue string `json:"fallback_persona_value,omitempty"`
	FallbackSubject      string `json:"fallback_subject,omitempty"`
	FallbackBody         string `json:"fallback_body,omitempty"`
}

// GeneratorConfig points at the external content generation endpoint. When
// the endpoint is empty, deliveries use a local template.
type GeneratorConfig struct {
	Endpoint string `json:"endpoint,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}
