package resolver

import (
	"fmt"
	"strings"

	"github.com/PKell33/ownprem-sub002/pkg/registry"
	"github.com/PKell33/ownprem-sub002/pkg/types"
)

// Result reports the outcome of a manifest validation.
type Result struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// Resolver validates manifest requirements against the current fleet and
// merges user configuration over schema defaults.
type Resolver struct {
	registry *registry.Registry
}

// New creates a resolver over the service registry.
func New(reg *registry.Registry) *Resolver {
	return &Resolver{registry: reg}
}

// Validate checks every entry of manifest.requires against the registry.
// A missing optional dependency yields a warning; a missing required one
// an error. Locality same-host demands a provider on the target server.
func (r *Resolver) Validate(m *types.Manifest, serverID string) Result {
	res := Result{Valid: true}

	for _, req := range m.Requires {
		providers, err := r.registry.FindAllServices(req.Service)
		if err != nil {
			res.Valid = false
			res.Errors = append(res.Errors, fmt.Sprintf("lookup of service %s failed: %v", req.Service, err))
			continue
		}

		available := providers[:0:0]
		for _, p := range providers {
			if p.Status == types.ServiceAvailable {
				available = append(available, p)
			}
		}

		satisfied := len(available) > 0
		if satisfied && req.Locality == types.LocalitySameHost {
			satisfied = false
			for _, p := range available {
				if p.ServerID == serverID {
					satisfied = true
					break
				}
			}
			if !satisfied {
				msg := fmt.Sprintf("service %s must run on the same host (%s) but no local provider exists", req.Service, serverID)
				if req.Optional {
					res.Warnings = append(res.Warnings, msg)
				} else {
					res.Valid = false
					res.Errors = append(res.Errors, msg)
				}
				continue
			}
		}

		if !satisfied {
			msg := fmt.Sprintf("no provider for required service %s", req.Service)
			if req.Optional {
				res.Warnings = append(res.Warnings, msg)
			} else {
				res.Valid = false
				res.Errors = append(res.Errors, msg)
			}
		}
	}

	return res
}

// Resolve merges configuration for a deployment: schema defaults, then
// values inherited from dependencies, then userConfig. userConfig is
// schema-validated; generated fields are filled later by the deployer.
func (r *Resolver) Resolve(m *types.Manifest, serverID string, userConfig map[string]any) (map[string]any, error) {
	if err := r.validateUserConfig(m, userConfig); err != nil {
		return nil, err
	}

	resolved := make(map[string]any, len(m.ConfigSchema))

	for _, field := range m.ConfigSchema {
		if field.Default != nil {
			resolved[field.Name] = field.Default
		}
	}

	for _, field := range m.ConfigSchema {
		if field.InheritFrom == "" {
			continue
		}
		v, err := r.inheritValue(field.InheritFrom, serverID)
		if err != nil {
			// Inheritance is best-effort for optional sources; required
			// fields still fail below when nothing fills them.
			continue
		}
		resolved[field.Name] = v
	}

	for k, v := range userConfig {
		resolved[k] = v
	}

	for _, field := range m.ConfigSchema {
		if field.Required && !field.Generated {
			if _, ok := resolved[field.Name]; !ok {
				return nil, types.E(types.KindValidation, "required config field %s missing", field.Name)
			}
		}
	}

	return resolved, nil
}

// inheritValue resolves a "<service>.<field>" reference against a
// provider of that service. Connection fields map to the provider's
// host/port as seen from serverID.
func (r *Resolver) inheritValue(ref, serverID string) (any, error) {
	service, field, ok := strings.Cut(ref, ".")
	if !ok {
		return nil, types.E(types.KindValidation, "malformed inheritFrom reference %q", ref)
	}

	switch field {
	case "host":
		host, _, err := r.registry.GetConnection(service, serverID, true)
		if err != nil {
			return nil, err
		}
		return host, nil
	case "port":
		_, port, err := r.registry.GetConnection(service, serverID, true)
		if err != nil {
			return nil, err
		}
		return port, nil
	default:
		return nil, types.E(types.KindValidation, "unknown inheritFrom field %q in %q", field, ref)
	}
}

// validateUserConfig checks supplied values against the schema: unknown
// keys, type mismatches, and select options.
func (r *Resolver) validateUserConfig(m *types.Manifest, userConfig map[string]any) error {
	fields := make(map[string]types.ConfigField, len(m.ConfigSchema))
	for _, f := range m.ConfigSchema {
		fields[f.Name] = f
	}

	for name, value := range userConfig {
		field, ok := fields[name]
		if !ok {
			return types.E(types.KindValidation, "unknown config field %s", name)
		}
		if err := checkFieldType(field, value); err != nil {
			return err
		}
	}
	return nil
}

func checkFieldType(field types.ConfigField, value any) error {
	switch field.Type {
	case types.FieldString, types.FieldPassword:
		if _, ok := value.(string); !ok {
			return types.E(types.KindValidation, "field %s must be a string", field.Name)
		}
	case types.FieldNumber:
		switch value.(type) {
		case int, int64, float64:
		default:
			return types.E(types.KindValidation, "field %s must be a number", field.Name)
		}
	case types.FieldBoolean:
		if _, ok := value.(bool); !ok {
			return types.E(types.KindValidation, "field %s must be a boolean", field.Name)
		}
	case types.FieldSelect:
		s, ok := value.(string)
		if !ok {
			return types.E(types.KindValidation, "field %s must be a string", field.Name)
		}
		for _, opt := range field.Options {
			if s == opt {
				return nil
			}
		}
		return types.E(types.KindValidation, "field %s value %q not in options", field.Name, s)
	}
	return nil
}
