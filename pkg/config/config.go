package config

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/drorch/pkg/archive"
	"github.com/openfroyo/drorch/pkg/conflict"
	"github.com/openfroyo/drorch/pkg/engine"
	"github.com/openfroyo/drorch/pkg/policy"
	"github.com/openfroyo/drorch/pkg/provider/drs"
	"github.com/openfroyo/drorch/pkg/provider/simulated"
	"github.com/openfroyo/drorch/pkg/quota"
	"github.com/openfroyo/drorch/pkg/stores"
	"github.com/openfroyo/drorch/pkg/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. DRORCH_STORAGE_DRIVER.
const EnvPrefix = "DRORCH"

// Default returns the built-in configuration: a local SQLite store and the
// AWS DRS provider in us-east-1.
func Default() *Config {
	return &Config{
		Storage: stores.Config{
			Driver:          stores.DriverSQLite,
			Path:            "drorch.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Provider: ProviderConfig{
			Kind:      ProviderDRS,
			DRS:       drs.Config{Region: "us-east-1", MaxAttempts: 3},
			Simulated: simulated.DefaultConfig(),
		},
		Quota:      quota.DefaultLimits(),
		Conflicts:  ConflictConfig{OrphanGrace: conflict.DefaultOrphanGrace},
		Sequencer:  engine.DefaultSequencerConfig(),
		Dispatcher: engine.DefaultDispatcherConfig(),
		Poller:     engine.DefaultPollerConfig(),
		Policy: PolicyConfig{
			Enabled:  true,
			Paths:    []string{},
			Settings: policy.DefaultSettings(),
		},
		Catalog:   CatalogConfig{Paths: []string{}},
		Archive:   archive.DefaultConfig(),
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// New returns a viper instance with every default registered and
// environment overrides enabled. Callers may bind flags to it before Load.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers every field of Default under its mapstructure key.
func SetDefaults(v *viper.Viper) {
	walk("", reflect.ValueOf(Default()).Elem(), func(key string, value reflect.Value) {
		v.SetDefault(key, value.Interface())
	})
}

// Load reads the configuration file at path, or searches for drorch.yaml in
// the working directory, $HOME/.drorch and /etc/drorch when path is empty.
// A missing file is not an error when searching. The result is validated.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("drorch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.drorch")
		v.AddConfigPath("/etc/drorch")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the struct constraints of every section. The DRS section
// is only checked when it is the selected provider.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Provider.Kind == ProviderDRS {
		if err := validate.Struct(c.Provider.DRS); err != nil {
			return fmt.Errorf("provider.drs: %w", err)
		}
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	if c.Poller.MinInterval > c.Poller.MaxInterval {
		return fmt.Errorf("poller.min_interval %s exceeds poller.max_interval %s", c.Poller.MinInterval, c.Poller.MaxInterval)
	}
	return nil
}

// Redacted returns a copy with credentials masked.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Archive.SecretKey != "" {
		out.Archive.SecretKey = "****"
	}
	if u, err := url.Parse(out.Storage.URL); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "****")
			out.Storage.URL = u.String()
		}
	}
	return &out
}

// YAML renders the configuration with its file keys.
func (c *Config) YAML() ([]byte, error) {
	tree := make(map[string]interface{})
	walk("", reflect.ValueOf(c).Elem(), func(key string, value reflect.Value) {
		parts := strings.Split(key, ".")
		node := tree
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]interface{})
			if !ok {
				child = make(map[string]interface{})
				node[p] = child
			}
			node = child
		}
		v := value.Interface()
		if d, ok := v.(time.Duration); ok {
			v = d.String()
		}
		node[parts[len(parts)-1]] = v
	})
	return yaml.Marshal(tree)
}

// walk calls fn for every leaf field of val, keyed by the dotted
// mapstructure path.
func walk(prefix string, val reflect.Value, fn func(key string, value reflect.Value)) {
	t := val.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := strings.Split(f.Tag.Get("mapstructure"), ",")[0]
		if name == "" || name == "-" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		fv := val.Field(i)
		if fv.Kind() == reflect.Struct {
			walk(key, fv, fn)
			continue
		}
		fn(key, fv)
	}
}
