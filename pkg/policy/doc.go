// Package policy provides deploy admission backed by Open Policy Agent.
//
// An Engine compiles Rego modules and evaluates the deny set of each
// module's package against the function being deployed and its deploy
// target. Violations of severity error or critical deny the deploy;
// warnings are reported but never block. The Engine implements
// deploy.Admission and is handed to the orchestrator with
// deploy.WithAdmission.
//
// # Usage
//
//	engine, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := engine.LoadPolicies(ctx, []string{"/etc/forge/policies"}); err != nil {
//	    return err
//	}
//	orch := deploy.New(cfg, builds, cluster, records, deploy.WithAdmission(engine))
//
// # Built-in Policies
//
//  1. function-naming - the derived app name must be a DNS-1123 label
//  2. resource-limits - memory and timeout must be inside platform limits
//  3. namespace-required - a namespace and a registry must be configured
//
// # Custom Policies
//
// Policies are read from .rego files, JSON policy files or JSON bundles.
// The input document has this shape:
//
//	{
//	  "function": {"id": "...", "name": "...", "app_name": "...", "workspace_id": "...",
//	               "runtime": "...", "memory": 256, "timeout": 30},
//	  "deploy":   {"namespace": "...", "enable_autoscaling": true, "use_spot": false,
//	               "registry_url": "..."},
//	  "context":  {"timestamp": "...", "operation": "deploy"}
//	}
//
// A custom policy:
//
//	package custom.policies.runtime
//
//	import rego.v1
//
//	deny contains violation if {
//	    not startswith(input.function.runtime, "Python")
//	    violation := {
//	        "message": "only Python runtimes are allowed",
//	        "severity": "error",
//	    }
//	}
//
// Engine.Watch reloads file policies whenever they change on disk.
package policy
