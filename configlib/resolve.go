// Package configlib is the client-side configuration library linked into
// every consuming service. It resolves values by strict precedence
// (environment override, then store, then schema default), validates them
// against the service's declared schema, applies verified live updates, and
// falls back to the signed local cache when the store is unreachable.
package configlib

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/c360/confhub/errors"
	"github.com/c360/confhub/schema"
)

// Value sources, recorded per field so operators can see where each value
// came from.
const (
	SourceEnv     = "env"
	SourceStore   = "store"
	SourceCache   = "cache"
	SourceDefault = "default"
)

// EnvPrefix namespaces the environment variables the resolver consults.
// A field "batch_size" of service "ingest" is overridden by
// CONFHUB_INGEST_BATCH_SIZE.
const EnvPrefix = "CONFHUB"

// EnvVarName returns the environment variable consulted for one field.
func EnvVarName(service, key string) string {
	upper := func(s string) string {
		return strings.ToUpper(strings.ReplaceAll(s, "-", "_"))
	}
	return EnvPrefix + "_" + upper(service) + "_" + upper(key)
}

// Resolve computes the effective configuration for a service from explicit
// inputs, with no ambient state. Precedence per field: an environment value
// (honored only for fields marked secret or override-eligible) always wins;
// otherwise the stored value; otherwise the schema default. Every chosen
// value is validated against the schema; an invalid value for an optional
// field falls back to its default, while an invalid or missing required
// field fails with ErrConfigInvalid.
//
// storeSource tags where stored values came from (SourceStore or
// SourceCache) in the returned source map.
func Resolve(env map[string]string, stored map[string]any, svcSchema schema.ConfigSchema, service, storeSource string) (map[string]any, map[string]string, error) {
	values := make(map[string]any, len(svcSchema.Properties))
	sources := make(map[string]string, len(svcSchema.Properties))

	for key, prop := range svcSchema.Properties {
		if prop.Secret || prop.OverrideEligible {
			if raw, ok := env[EnvVarName(service, key)]; ok {
				parsed, err := parseEnvValue(raw, prop.Type)
				if err != nil {
					if svcSchema.IsRequired(key) {
						return nil, nil, errors.WrapInvalid(
							fmt.Errorf("%w: field %s: %v", errors.ErrConfigInvalid, key, err),
							"configlib", "Resolve", "parse environment override")
					}
				} else {
					values[key] = parsed
					sources[key] = SourceEnv
					continue
				}
			}
		}

		if storedValue, ok := stored[key]; ok {
			values[key] = storedValue
			sources[key] = storeSource
			continue
		}

		if prop.Default != nil {
			values[key] = prop.Default
			sources[key] = SourceDefault
		}
	}

	// validate the assembled config; invalid optional fields degrade to
	// their defaults, invalid required fields abort
	if validationErrs := schema.ValidateConfig(values, svcSchema); len(validationErrs) > 0 {
		for _, verr := range validationErrs {
			if svcSchema.IsRequired(verr.Field) {
				return nil, nil, errors.WrapInvalid(
					fmt.Errorf("%w: field %s: %s", errors.ErrConfigInvalid, verr.Field, verr.Message),
					"configlib", "Resolve", "validate required field")
			}
			prop := svcSchema.Properties[verr.Field]
			if prop.Default != nil {
				values[verr.Field] = prop.Default
				sources[verr.Field] = SourceDefault
			} else {
				delete(values, verr.Field)
				delete(sources, verr.Field)
			}
		}
	}

	// required fields must have landed on a value from some source
	for _, required := range svcSchema.Required {
		if _, ok := values[required]; !ok {
			return nil, nil, errors.WrapInvalid(
				fmt.Errorf("%w: required field %s has no value from any source", errors.ErrConfigInvalid, required),
				"configlib", "Resolve", "check required fields")
		}
	}

	return values, sources, nil
}

func parseEnvValue(raw, propType string) (any, error) {
	switch propType {
	case "string":
		return raw, nil
	case "int":
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("not an integer: %q", raw)
		}
		return int(n), nil
	case "bool":
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("not a boolean: %q", raw)
		}
		return b, nil
	case "float":
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("not a float: %q", raw)
		}
		return f, nil
	default:
		return raw, nil
	}
}
