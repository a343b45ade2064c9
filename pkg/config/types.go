package config

import (
	"time"

	"github.com/openfroyo/drorch/pkg/archive"
	"github.com/openfroyo/drorch/pkg/engine"
	"github.com/openfroyo/drorch/pkg/policy"
	"github.com/openfroyo/drorch/pkg/provider/drs"
	"github.com/openfroyo/drorch/pkg/provider/simulated"
	"github.com/openfroyo/drorch/pkg/quota"
	"github.com/openfroyo/drorch/pkg/stores"
	"github.com/openfroyo/drorch/pkg/telemetry"
)

// Provider kinds.
const (
	ProviderDRS       = "drs"
	ProviderSimulated = "simulated"
)

// Config is the complete drorch configuration.
type Config struct {
	// Storage selects the execution store database.
	Storage stores.Config `mapstructure:"storage"`

	// Provider selects the recovery service.
	Provider ProviderConfig `mapstructure:"provider"`

	// Quota holds the provider capacity limits checked before each launch.
	Quota quota.Limits `mapstructure:"quota"`

	// Conflicts configures the per-server lock registry.
	Conflicts ConflictConfig `mapstructure:"conflicts"`

	// Sequencer configures wave sequencing and pause tokens.
	Sequencer engine.SequencerConfig `mapstructure:"sequencer"`

	// Dispatcher configures the periodic tick.
	Dispatcher engine.DispatcherConfig `mapstructure:"dispatcher"`

	// Poller configures job polling.
	Poller engine.PollerConfig `mapstructure:"poller"`

	// Policy configures launch admission policies.
	Policy PolicyConfig `mapstructure:"policy"`

	// Catalog lists the plan and group files loaded at startup.
	Catalog CatalogConfig `mapstructure:"catalog"`

	// Archive configures object storage for finished executions.
	Archive archive.Config `mapstructure:"archive"`

	// Telemetry configures logging, tracing and metrics.
	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

// ProviderConfig selects and configures the recovery provider.
type ProviderConfig struct {
	// Kind is drs or simulated.
	Kind string `mapstructure:"kind" validate:"required,oneof=drs simulated"`

	// DRS is used when Kind is drs.
	DRS drs.Config `mapstructure:"drs" validate:"-"`

	// Simulated is used when Kind is simulated.
	Simulated simulated.Config `mapstructure:"simulated"`
}

// ConflictConfig configures the server lock registry.
type ConflictConfig struct {
	// OrphanGrace is how long a lock whose owning execution cannot be found
	// is kept before it is released.
	OrphanGrace time.Duration `mapstructure:"orphan_grace" validate:"min=0"`
}

// PolicyConfig configures admission policies.
type PolicyConfig struct {
	// Enabled turns policy evaluation on.
	Enabled bool `mapstructure:"enabled"`

	// Paths lists .rego and .json policy files or directories.
	Paths []string `mapstructure:"paths"`

	// Watch reloads policies when files under Paths change.
	Watch bool `mapstructure:"watch"`

	// Settings are the values built-in policies read.
	Settings policy.Settings `mapstructure:"settings"`
}

// CatalogConfig configures catalog loading.
type CatalogConfig struct {
	// Paths lists catalog files or directories imported at startup.
	Paths []string `mapstructure:"paths"`

	// Watch re-imports the catalog when files under Paths change.
	Watch bool `mapstructure:"watch"`
}
