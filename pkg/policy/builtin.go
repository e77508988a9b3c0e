package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		functionNamingPolicy(),
		resourceLimitsPolicy(),
		namespaceRequiredPolicy(),
	}
}

// functionNamingPolicy requires a name that forms a valid DNS-1123 app name.
func functionNamingPolicy() Policy {
	return Policy{
		Name:        "function-naming",
		Description: "Function names must form a DNS-1123 label of at most 63 characters",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"naming"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package fnforge.policies.naming

import rego.v1

deny contains violation if {
	input.function.app_name == ""
	violation := {
		"message": sprintf("Function name '%s' does not contain any letters or digits", [input.function.name]),
		"severity": "error",
	}
}

deny contains violation if {
	count(input.function.app_name) > 63
	violation := {
		"message": sprintf("App name '%s' is longer than 63 characters", [input.function.app_name]),
		"severity": "error",
	}
}

deny contains violation if {
	name := input.function.app_name
	name != ""
	not regex.match("^[a-z0-9]([-a-z0-9]*[a-z0-9])?$", name)
	violation := {
		"message": sprintf("App name '%s' is not a valid DNS-1123 label", [name]),
		"severity": "error",
	}
}

# Names that change when normalized still deploy, under the derived name
deny contains violation if {
	name := input.function.app_name
	name != ""
	name != input.function.name
	violation := {
		"message": sprintf("Function '%s' will be deployed as '%s'", [input.function.name, name]),
		"severity": "warning",
	}
}
`,
	}
}

// resourceLimitsPolicy keeps memory and timeout inside the platform limits.
func resourceLimitsPolicy() Policy {
	return Policy{
		Name:        "resource-limits",
		Description: "Memory must be 128-1024 MB and timeout 1-900 seconds",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"resources"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package fnforge.policies.resources

import rego.v1

deny contains violation if {
	input.function.memory < 128
	violation := {
		"message": sprintf("Memory %d MB is below the 128 MB minimum", [input.function.memory]),
		"severity": "error",
	}
}

deny contains violation if {
	input.function.memory > 1024
	violation := {
		"message": sprintf("Memory %d MB exceeds the 1024 MB maximum", [input.function.memory]),
		"severity": "error",
	}
}

deny contains violation if {
	input.function.timeout < 1
	violation := {
		"message": sprintf("Timeout %d s is below the 1 s minimum", [input.function.timeout]),
		"severity": "error",
	}
}

deny contains violation if {
	input.function.timeout > 900
	violation := {
		"message": sprintf("Timeout %d s exceeds the 900 s maximum", [input.function.timeout]),
		"severity": "error",
	}
}

deny contains violation if {
	input.deploy.use_spot
	input.function.timeout > 300
	violation := {
		"message": "Functions running longer than 300 s may be interrupted on spot capacity",
		"severity": "warning",
	}
}
`,
	}
}

// namespaceRequiredPolicy requires a deploy target.
func namespaceRequiredPolicy() Policy {
	return Policy{
		Name:        "namespace-required",
		Description: "Deploys must target a namespace and a registry",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"target"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package fnforge.policies.namespace

import rego.v1

deny contains violation if {
	trim_space(input.deploy.namespace) == ""
	violation := {
		"message": "Deploy namespace must be set",
		"severity": "critical",
	}
}

deny contains violation if {
	trim_space(input.deploy.registry_url) == ""
	violation := {
		"message": "Registry URL must be set",
		"severity": "critical",
	}
}
`,
	}
}
