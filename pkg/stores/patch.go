package stores

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/guregu/null/v6"
)

// Patch is a partial update of a function record. Nil fields are left untouched.
// For the nullable fields an invalid (null) value clears the stored value.
type Patch struct {
	Name                 *string
	Description          *string
	Runtime              *string
	Memory               *int
	Timeout              *int
	HTTPMethods          *[]string
	EnvironmentVariables *map[string]string
	SourceCode           *string
	Status               *Status
	InvocationURL        *null.String
	LastDeployed         *null.Time
}

// Ptr returns a pointer to v. It keeps patch literals short.
func Ptr[T any](v T) *T {
	return &v
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Name == nil && p.Description == nil && p.Runtime == nil &&
		p.Memory == nil && p.Timeout == nil && p.HTTPMethods == nil &&
		p.EnvironmentVariables == nil && p.SourceCode == nil && p.Status == nil &&
		p.InvocationURL == nil && p.LastDeployed == nil
}

// Validate checks the values carried by the patch.
func (p Patch) Validate() error {
	if p.Status != nil {
		if err := p.Status.Validate(); err != nil {
			return err
		}
	}
	if p.Memory != nil && (*p.Memory < 128 || *p.Memory > 1024) {
		return fmt.Errorf("memory must be between 128 and 1024 MB, got %d", *p.Memory)
	}
	if p.Timeout != nil && (*p.Timeout < 1 || *p.Timeout > 900) {
		return fmt.Errorf("timeout must be between 1 and 900 seconds, got %d", *p.Timeout)
	}
	if p.Name != nil && *p.Name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	return nil
}

// Apply merges the patch into rec and stamps LastModified.
func (p Patch) Apply(rec *FunctionRecord, now time.Time) {
	if p.Name != nil {
		rec.Name = *p.Name
	}
	if p.Description != nil {
		rec.Description = *p.Description
	}
	if p.Runtime != nil {
		rec.Runtime = *p.Runtime
	}
	if p.Memory != nil {
		rec.Memory = *p.Memory
	}
	if p.Timeout != nil {
		rec.Timeout = *p.Timeout
	}
	if p.HTTPMethods != nil {
		rec.HTTPMethods = append([]string(nil), (*p.HTTPMethods)...)
	}
	if p.EnvironmentVariables != nil {
		env := make(map[string]string, len(*p.EnvironmentVariables))
		for k, v := range *p.EnvironmentVariables {
			env[k] = v
		}
		rec.EnvironmentVariables = env
	}
	if p.SourceCode != nil {
		rec.SourceCode = *p.SourceCode
	}
	if p.Status != nil {
		rec.Status = *p.Status
	}
	if p.InvocationURL != nil {
		rec.InvocationURL = *p.InvocationURL
	}
	if p.LastDeployed != nil {
		rec.LastDeployed = *p.LastDeployed
	}
	rec.LastModified = now
}

// MarshalJSON encodes only the fields that are set.
func (p Patch) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{})
	if p.Name != nil {
		out["name"] = *p.Name
	}
	if p.Description != nil {
		out["description"] = *p.Description
	}
	if p.Runtime != nil {
		out["runtime"] = *p.Runtime
	}
	if p.Memory != nil {
		out["memory"] = *p.Memory
	}
	if p.Timeout != nil {
		out["timeout"] = *p.Timeout
	}
	if p.HTTPMethods != nil {
		out["httpMethods"] = *p.HTTPMethods
	}
	if p.EnvironmentVariables != nil {
		out["environmentVariables"] = *p.EnvironmentVariables
	}
	if p.SourceCode != nil {
		out["sourceCode"] = *p.SourceCode
	}
	if p.Status != nil {
		out["status"] = *p.Status
	}
	if p.InvocationURL != nil {
		out["invocationUrl"] = *p.InvocationURL
	}
	if p.LastDeployed != nil {
		out["lastDeployed"] = *p.LastDeployed
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a partial document. Absent keys stay nil; explicit
// nulls on invocationUrl and lastDeployed become clearing values.
func (p *Patch) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid patch document: %w", err)
	}

	*p = Patch{}
	for key, value := range raw {
		var err error
		switch key {
		case "name":
			p.Name, err = decodeField[string](value)
		case "description":
			p.Description, err = decodeField[string](value)
		case "runtime":
			p.Runtime, err = decodeField[string](value)
		case "memory":
			p.Memory, err = decodeField[int](value)
		case "timeout":
			p.Timeout, err = decodeField[int](value)
		case "httpMethods":
			p.HTTPMethods, err = decodeField[[]string](value)
		case "environmentVariables":
			p.EnvironmentVariables, err = decodeField[map[string]string](value)
		case "sourceCode":
			p.SourceCode, err = decodeField[string](value)
		case "status":
			p.Status, err = decodeField[Status](value)
		case "invocationUrl":
			p.InvocationURL, err = decodeField[null.String](value)
		case "lastDeployed":
			p.LastDeployed, err = decodeField[null.Time](value)
		default:
			return fmt.Errorf("unknown patch field: %s", key)
		}
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
	}
	return nil
}

func decodeField[T any](raw json.RawMessage) (*T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
