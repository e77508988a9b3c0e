// Package config loads the forge configuration.
//
// Values are layered in increasing precedence:
//
//  1. Default()
//  2. a YAML file, when a path is given
//  3. environment variables prefixed with FORGE_
//
// Nesting levels in environment variable names are separated by a double
// underscore, so FORGE_DEPLOY__POLL_INTERVAL=10s sets deploy.poll_interval.
// List values (server.cors_origins, policy.paths, policy.disabled) are
// comma-separated.
//
// # Usage Example
//
//	cfg, err := config.Load("forge.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	orch, err := deploy.New(cfg.Deploy, builds, cluster, records)
//
// # File Layout
//
//	server:
//	  addr: ":8000"
//	  cors_origins: ["http://localhost:3000"]
//	services:
//	  build_url: http://builder.internal
//	  cluster_url: http://deployer.internal
//	store:
//	  driver: sqlite
//	  sqlite:
//	    path: /var/lib/forge/fnforge.db
//	deploy:
//	  registry_url: registry.internal
//	  poll_interval: 5s
//	  max_attempts: 120
//	policy:
//	  enabled: true
//	  paths: [/etc/forge/policies]
//	  watch: true
//
// Load validates the result with go-playground/validator and returns
// ValidationErrors listing every invalid field by its dotted key.
package config
