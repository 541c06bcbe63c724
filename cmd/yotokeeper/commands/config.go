package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v3"

	"github.com/florianilch/yotokeeper/internal/app"
)

const (
	// envPrefix is stripped from environment variables during config loading
	// (e.g., YOTOKEEPER_STORAGE__DURABLE__BACKEND → storage.durable.backend)
	envPrefix = "YOTOKEEPER_"
	// envConfigPath names the config file when --config is not given.
	envConfigPath = envPrefix + "CONFIG"
	// fileSuffix marks a variable whose value is the path of a file holding the setting,
	// as mounted by container secret managers (e.g., YOTOKEEPER_STORAGE__DURABLE__DSN_FILE).
	fileSuffix = "_FILE"
)

// loadConfig loads application configuration from various sources with precedence:
// config file → environment variables → CLI flags → defaults
func loadConfig(configPath string, cmd *cli.Command, environFunc func() []string) (*app.Config, error) {
	k := koanf.New(".")
	environ := environFunc()

	if configPath == "" {
		configPath = lookupEnv(environ, envConfigPath)
	}

	// 1. Load from config file if provided
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// 2. Load from environment variables, resolving *_FILE indirections
	var fileErrs []error
	envProvider := env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			if key == envConfigPath {
				return "", nil
			}
			name := strings.TrimPrefix(key, envPrefix)
			if isFileReference(name) {
				content, err := os.ReadFile(value)
				if err != nil {
					fileErrs = append(fileErrs, fmt.Errorf("%s: %w", key, err))
					return "", nil
				}
				name = strings.TrimSuffix(name, fileSuffix)
				value = strings.TrimSpace(string(content))
			}
			return envKey(name), value
		},
		EnvironFunc: func() []string { return environ },
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}
	if len(fileErrs) > 0 {
		return nil, fmt.Errorf("reading settings from files: %w", errors.Join(fileErrs...))
	}

	// 3. Load from CLI flags if provided
	if cmd != nil {
		if err := k.Load(confmap.Provider(flagValues(cmd), "."), nil); err != nil {
			return nil, fmt.Errorf("loading CLI flags: %w", err)
		}
	}

	config := &app.Config{}
	if err := k.UnmarshalWithConf("", config, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := config.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

// envKey maps a prefix-less variable name to its config key: AUTH__LOCK_TTL → auth.lock_ttl
func envKey(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "__", "."))
}

// isFileReference reports whether name points at a file. Section names such as
// STORAGE__FILE are not references.
func isFileReference(name string) bool {
	return strings.HasSuffix(name, fileSuffix) && !strings.HasSuffix(name, "_"+fileSuffix)
}

func lookupEnv(environ []string, key string) string {
	for _, kv := range environ {
		if v, ok := strings.CutPrefix(kv, key+"="); ok {
			return v
		}
	}
	return ""
}

// flagValues collects the flags set on cmd and its parents, keyed like the config:
// --server--host → server.host, --log-level → log_level
func flagValues(cmd *cli.Command) map[string]any {
	values := make(map[string]any)

	for _, name := range cmd.FlagNames() {
		// Unset flags would shadow earlier sources with their defaults
		if !cmd.IsSet(name) {
			continue
		}
		if value := cmd.Value(name); value != nil {
			values[flagKey(name)] = value
		}
	}

	return values
}

func flagKey(name string) string {
	return strings.ReplaceAll(strings.ReplaceAll(name, "--", "."), "-", "_")
}
