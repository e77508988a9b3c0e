package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fnforge/fnforge/pkg/deploy"
	"github.com/fnforge/fnforge/pkg/stores"
	"github.com/fnforge/fnforge/pkg/telemetry"
)

// Config is the complete forge configuration.
type Config struct {
	Server    ServerConfig     `koanf:"server" yaml:"server"`
	Services  ServicesConfig   `koanf:"services" yaml:"services"`
	Store     StoreConfig      `koanf:"store" yaml:"store"`
	Deploy    deploy.Config    `koanf:"deploy" yaml:"deploy"`
	Policy    PolicyConfig     `koanf:"policy" yaml:"policy"`
	Telemetry telemetry.Config `koanf:"telemetry" yaml:"telemetry"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Addr is the listen address (e.g., ":8080").
	Addr string `koanf:"addr" yaml:"addr" validate:"required"`

	// CORSOrigins lists the origins allowed to call the API.
	CORSOrigins []string `koanf:"cors_origins" yaml:"cors_origins"`

	ReadTimeout     time.Duration `koanf:"read_timeout" yaml:"read_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gte=0"`
}

// ServicesConfig holds the base URLs of the remote services.
type ServicesConfig struct {
	// BuildURL is the build service that packages and pushes images.
	BuildURL string `koanf:"build_url" yaml:"build_url" validate:"required,url"`

	// ClusterURL is the deployment service.
	ClusterURL string `koanf:"cluster_url" yaml:"cluster_url" validate:"required,url"`

	// RecordURL is the function record service. Only used with the remote store.
	RecordURL string `koanf:"record_url" yaml:"record_url" validate:"omitempty,url"`
}

// StoreConfig selects where function records and deploy history live.
type StoreConfig struct {
	// Driver is one of memory, sqlite or remote.
	Driver string `koanf:"driver" yaml:"driver" validate:"required,oneof=memory sqlite remote"`

	SQLite SQLiteConfig `koanf:"sqlite" yaml:"sqlite"`
}

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	Path            string        `koanf:"path" yaml:"path"`
	MaxOpenConns    int           `koanf:"max_open_conns" yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `koanf:"max_idle_conns" yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime" yaml:"conn_max_lifetime" validate:"gte=0"`
}

// StoresConfig converts to the store package's configuration.
func (c SQLiteConfig) StoresConfig() stores.Config {
	return stores.Config{
		Path:            c.Path,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
	}
}

// PolicyConfig configures deploy admission.
type PolicyConfig struct {
	// Enabled indicates if admission policies are evaluated.
	Enabled bool `koanf:"enabled" yaml:"enabled"`

	// Paths lists policy files or directories loaded next to the built-ins.
	Paths []string `koanf:"paths" yaml:"paths,omitempty"`

	// Watch reloads file policies when they change.
	Watch bool `koanf:"watch" yaml:"watch"`

	// Disabled lists policies, built-in or loaded, that are switched off.
	Disabled []string `koanf:"disabled" yaml:"disabled,omitempty"`
}

// ValidationError is a single invalid configuration field.
type ValidationError struct {
	// Path is the dotted key of the field (e.g., "deploy.poll_interval").
	Path string `json:"path"`

	// Rule is the validation rule that failed.
	Rule string `json:"rule"`

	Message string `json:"message"`
}

// ValidationErrors is returned by Validate when one or more fields are invalid.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, 0, len(v))
	for _, e := range v {
		msgs = append(msgs, fmt.Sprintf("%s: %s", e.Path, e.Message))
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}
