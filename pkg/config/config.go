package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"

	"github.com/fnforge/fnforge/pkg/deploy"
	"github.com/fnforge/fnforge/pkg/telemetry"
)

const (
	// EnvPrefix prefixes every environment variable read by Load.
	EnvPrefix = "FORGE_"

	// envNesting separates nesting levels in environment variable names,
	// so FORGE_DEPLOY__POLL_INTERVAL sets deploy.poll_interval.
	envNesting = "__"

	redacted = "********"
)

// Keys whose environment values are comma-separated lists.
var listKeys = map[string]bool{
	"server.cors_origins": true,
	"policy.paths":        true,
	"policy.disabled":     true,
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8000",
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			ReadTimeout:     15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Services: ServicesConfig{
			BuildURL:   "http://localhost:8001",
			ClusterURL: "http://localhost:8002",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path:            "fnforge.db",
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Deploy: deploy.DefaultConfig(),
		Policy: PolicyConfig{
			Enabled: true,
			Watch:   false,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// bytesProvider feeds an in-memory document to koanf.
type bytesProvider []byte

func (b bytesProvider) ReadBytes() ([]byte, error) { return b, nil }

func (b bytesProvider) Read() (map[string]interface{}, error) {
	return nil, errors.New("bytes provider does not support Read")
}

// Load builds the configuration from the defaults, the YAML file at path
// (skipped when path is empty) and FORGE_ environment variables, in that
// order of precedence. The result is validated.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}
	if err := k.Load(bytesProvider(defaults), kyaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), kyaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps FORGE_SERVER__CORS_ORIGINS to server.cors_origins.
func envKey(key, value string) (string, interface{}) {
	name := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	name = strings.ReplaceAll(name, envNesting, ".")
	if name == "" || name == "config" {
		return "", nil
	}

	if listKeys[name] {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return name, out
	}
	return name, value
}

// Validate checks field rules and the rules that span sections.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("koanf"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	var errs ValidationErrors
	if err := v.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("failed to validate configuration: %w", err)
		}
		for _, fe := range fieldErrs {
			path := fe.Namespace()
			if i := strings.Index(path, "."); i >= 0 {
				path = path[i+1:]
			}
			errs = append(errs, ValidationError{
				Path:    path,
				Rule:    fe.Tag(),
				Message: fmt.Sprintf("failed %q rule (value %v)", fe.Tag(), fe.Value()),
			})
		}
	}

	switch c.Store.Driver {
	case "remote":
		if c.Services.RecordURL == "" {
			errs = append(errs, ValidationError{
				Path:    "services.record_url",
				Rule:    "required_with_driver",
				Message: "required when store.driver is remote",
			})
		}
	case "sqlite":
		if c.Store.SQLite.Path == "" {
			errs = append(errs, ValidationError{
				Path:    "store.sqlite.path",
				Rule:    "required_with_driver",
				Message: "required when store.driver is sqlite",
			})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Deploy.RegistryPassword != "" {
		out.Deploy.RegistryPassword = redacted
	}
	if len(c.Telemetry.Tracing.Headers) > 0 {
		headers := make(map[string]string, len(c.Telemetry.Tracing.Headers))
		for k := range c.Telemetry.Tracing.Headers {
			headers[k] = redacted
		}
		out.Telemetry.Tracing.Headers = headers
	}
	return &out
}

// YAML encodes the configuration.
func (c *Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode configuration: %w", err)
	}
	return data, nil
}

// WriteDefault writes the default configuration to path. An existing file
// is only replaced when overwrite is set.
func WriteDefault(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}

	data, err := Default().YAML()
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
