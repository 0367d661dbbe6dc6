package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB
	defaultDotEnvFile = ".env"
)

// Load loads configuration from an optional YAML file, then overrides it
// with environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Flat legacy variables (LLM_MODEL, SHOW_CONFIRM, OPENBOX_GOVERNANCE_POLICY, ...)
//  2. Structured environment variables (AGENT_MAX_PENDING_INPUTS, SERVER_HTTP_PORT, ...)
//  3. YAML config file
//  4. Defaults
//
// Variables from a .env file in the working directory are loaded first
// without overriding the real environment.
//
// # Environment Variable Mapping
//
// The transformer splits on the first underscore only:
//
//	AGENT_MAX_PENDING_INPUTS -> agent.max_pending_inputs
//	LLM_REQUESTS_PER_SECOND  -> llm.requests_per_second
//	TEMPORAL_TASK_QUEUE      -> temporal.task_queue
func Load(configPath string) (*Config, error) {
	if err := LoadDotEnv(defaultDotEnvFile); err != nil {
		return nil, err
	}

	k := koanf.New(".")

	if configPath != "" {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envKeyTransformer), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvAliases(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are ignored; existing variables win.
func LoadDotEnv(files ...string) error {
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// sections lists the top-level keys environment variables may target.
var sections = map[string]bool{
	"temporal": true, "agent": true, "llm": true, "governance": true,
	"providers": true, "nats": true, "server": true, "observability": true,
	"logging": true,
}

// envKeyTransformer maps SECTION_FIELD_NAME to section.field_name.
// Variables outside a known section are skipped.
func envKeyTransformer(s string) string {
	lower := strings.ToLower(s)
	section, field, found := strings.Cut(lower, "_")
	if !found || !sections[section] {
		return ""
	}
	return section + "." + field
}

// readConfigFile opens the file once and validates it through the same
// descriptor to avoid a TOCTOU race.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config path %s is a directory", path)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}
