package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/gazzadownunder/fastmcp-oauth/pkg/errors"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/secrets"
)

// secretRefKey marks a leaf as a secret reference: {"$secret": "NAME"}.
const secretRefKey = "$secret"

// Load reads, resolves and validates the configuration document at path.
// resolver may be nil, in which case the default file-then-environment chain
// is used.
func Load(ctx context.Context, path string, resolver secrets.Provider) (*Config, error) {
	if resolver == nil {
		resolver = secrets.NewChain()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.ErrConfigInvalid,
			fmt.Sprintf("cannot read configuration file %s", path), err)
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.New(errors.ErrConfigInvalid, "configuration is not valid JSON", err)
	}

	resolved, err := resolveSecretRefs(ctx, doc, resolver)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	if err := v.MergeConfigMap(resolved.(map[string]any)); err != nil {
		return nil, errors.New(errors.ErrConfigInvalid, "cannot merge configuration", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.New(errors.ErrConfigInvalid, "configuration does not match the expected schema", err)
	}

	cfg.Environment = EnvironmentFromProcess()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// EnvironmentFromProcess reads the deployment environment switch. ENVIRONMENT
// takes precedence; NODE_ENV is honored for parity with deployments migrating
// from the node-based gateway. Unset means production.
func EnvironmentFromProcess() string {
	for _, key := range []string{"ENVIRONMENT", "NODE_ENV"} {
		switch os.Getenv(key) {
		case EnvDevelopment:
			return EnvDevelopment
		case EnvTest:
			return EnvTest
		case EnvProduction:
			return EnvProduction
		}
	}
	return EnvProduction
}

// resolveSecretRefs walks the document and replaces every {"$secret": NAME}
// leaf with the resolved secret value. Resolution is fail-fast: the first
// unresolvable reference aborts the load.
func resolveSecretRefs(ctx context.Context, node any, resolver secrets.Provider) (any, error) {
	switch n := node.(type) {
	case map[string]any:
		if name, ok := secretRefName(n); ok {
			value, err := resolver.GetSecret(ctx, name)
			if err != nil {
				return nil, errors.New(errors.ErrConfigUnresolvedSecret,
					fmt.Sprintf("secret reference %q cannot be resolved", name), err)
			}
			return value, nil
		}
		out := make(map[string]any, len(n))
		for key, value := range n {
			resolved, err := resolveSecretRefs(ctx, value, resolver)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(n))
		for i, value := range n {
			resolved, err := resolveSecretRefs(ctx, value, resolver)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return node, nil
	}
}

// secretRefName reports whether m is a secret reference leaf.
// A reference is an object whose only key is "$secret" with a string value.
func secretRefName(m map[string]any) (string, bool) {
	if len(m) != 1 {
		return "", false
	}
	raw, ok := m[secretRefKey]
	if !ok {
		return "", false
	}
	name, ok := raw.(string)
	return name, ok
}
