package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type ProviderConfig struct {
	BaseURL    string `json:"base_url"`
	Model      string `json:"model"`
	APIKey     string `json:"api_key"`
	TimeoutMS  int    `json:"timeout_ms"`
	MaxRetries int    `json:"max_retries"`
}

type RuntimeConfig struct {
	MaxTurns          int `json:"max_turns"`
	ContextTokenLimit int `json:"context_token_limit"`
}

type StorageConfig struct {
	BaseDir string `json:"base_dir"`
}

// DefaultsConfig 物化阶段的会话级兜底值 / session-level fallbacks for materialization
type DefaultsConfig struct {
	Priority string  `json:"priority"`
	Hours    float64 `json:"hours"`
}

type LimitsConfig struct {
	// InlineImageMaxKB is the largest payload embedded directly in a tool
	// call; anything bigger is staged through blob storage first. Kept
	// small: inline payloads travel as base64 inside the seed message and
	// the model must echo them back intact.
	InlineImageMaxKB int `json:"inline_image_max_kb"`
}

type Config struct {
	Provider ProviderConfig `json:"provider"`
	Runtime  RuntimeConfig  `json:"runtime"`
	Storage  StorageConfig  `json:"storage"`
	Defaults DefaultsConfig `json:"defaults"`
	Limits   LimitsConfig   `json:"limits"`
}

type fileDefaultsConfig struct {
	Priority *string  `json:"priority"`
	Hours    *float64 `json:"hours"`
}

type fileConfig struct {
	Provider *ProviderConfig     `json:"provider"`
	Runtime  *RuntimeConfig      `json:"runtime"`
	Storage  *StorageConfig      `json:"storage"`
	Defaults *fileDefaultsConfig `json:"defaults"`
	Limits   *LimitsConfig       `json:"limits"`
}

func Default() Config {
	return Config{
		Provider: ProviderConfig{
			BaseURL:    "https://api.openai.com/v1",
			Model:      "gpt-4o",
			TimeoutMS:  120000,
			MaxRetries: 2,
		},
		Runtime: RuntimeConfig{
			MaxTurns:          3,
			ContextTokenLimit: 24000,
		},
		Storage: StorageConfig{
			BaseDir: "~/.tasklens",
		},
		Defaults: DefaultsConfig{
			Priority: "medium",
			Hours:    1,
		},
		Limits: LimitsConfig{
			InlineImageMaxKB: 32,
		},
	}
}

// Load 按默认值 → 全局配置 → 项目配置 → 环境变量的优先级装配配置
// Load assembles the config with precedence defaults → global file →
// project file → environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if err := mergeFromFile(&cfg, globalConfigPath()); err != nil {
		return Config{}, err
	}

	resolvedPath := strings.TrimSpace(path)
	if envPath := strings.TrimSpace(os.Getenv("TASKLENS_CONFIG_PATH")); envPath != "" {
		resolvedPath = envPath
	}
	if resolvedPath == "" {
		resolvedPath = findProjectConfigPath()
	}
	if err := mergeFromFile(&cfg, resolvedPath); err != nil {
		return Config{}, err
	}

	if err := normalize(&cfg); err != nil {
		return Config{}, err
	}
	return applyEnv(cfg)
}

func globalConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".tasklens", "config.json")
}

func findProjectConfigPath() string {
	candidates := []string{
		"tasklens.config.json",
		".tasklens/config.json",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func mergeFromFile(cfg *Config, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}

	resolved, err := expandPath(path)
	if err != nil {
		return fmt.Errorf("expand config path %q: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %q: %w", resolved, err)
	}

	cleaned := stripJSONComments(data)
	var fileCfg fileConfig
	if err := json.Unmarshal(cleaned, &fileCfg); err != nil {
		return fmt.Errorf("parse config %q: %w", resolved, err)
	}
	applyFileConfig(cfg, fileCfg)
	return nil
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	if fc.Provider != nil {
		cfg.Provider = mergeProvider(cfg.Provider, *fc.Provider)
	}
	if fc.Runtime != nil {
		if fc.Runtime.MaxTurns > 0 {
			cfg.Runtime.MaxTurns = fc.Runtime.MaxTurns
		}
		if fc.Runtime.ContextTokenLimit > 0 {
			cfg.Runtime.ContextTokenLimit = fc.Runtime.ContextTokenLimit
		}
	}
	if fc.Storage != nil {
		if strings.TrimSpace(fc.Storage.BaseDir) != "" {
			cfg.Storage.BaseDir = fc.Storage.BaseDir
		}
	}
	if fc.Defaults != nil {
		if fc.Defaults.Priority != nil && strings.TrimSpace(*fc.Defaults.Priority) != "" {
			cfg.Defaults.Priority = *fc.Defaults.Priority
		}
		if fc.Defaults.Hours != nil && *fc.Defaults.Hours > 0 {
			cfg.Defaults.Hours = *fc.Defaults.Hours
		}
	}
	if fc.Limits != nil {
		if fc.Limits.InlineImageMaxKB > 0 {
			cfg.Limits.InlineImageMaxKB = fc.Limits.InlineImageMaxKB
		}
	}
}

func mergeProvider(base ProviderConfig, override ProviderConfig) ProviderConfig {
	if strings.TrimSpace(override.BaseURL) != "" {
		base.BaseURL = override.BaseURL
	}
	if strings.TrimSpace(override.Model) != "" {
		base.Model = override.Model
	}
	if strings.TrimSpace(override.APIKey) != "" {
		base.APIKey = override.APIKey
	}
	if override.TimeoutMS > 0 {
		base.TimeoutMS = override.TimeoutMS
	}
	if override.MaxRetries > 0 {
		base.MaxRetries = override.MaxRetries
	}
	return base
}

func normalize(cfg *Config) error {
	def := Default()
	if strings.TrimSpace(cfg.Provider.BaseURL) == "" {
		cfg.Provider.BaseURL = def.Provider.BaseURL
	}
	if strings.TrimSpace(cfg.Provider.Model) == "" {
		cfg.Provider.Model = def.Provider.Model
	}
	if cfg.Provider.TimeoutMS <= 0 {
		cfg.Provider.TimeoutMS = def.Provider.TimeoutMS
	}
	if cfg.Runtime.MaxTurns <= 0 {
		cfg.Runtime.MaxTurns = def.Runtime.MaxTurns
	}
	if cfg.Runtime.ContextTokenLimit <= 0 {
		cfg.Runtime.ContextTokenLimit = def.Runtime.ContextTokenLimit
	}
	if cfg.Limits.InlineImageMaxKB <= 0 {
		cfg.Limits.InlineImageMaxKB = def.Limits.InlineImageMaxKB
	}
	if cfg.Defaults.Hours <= 0 {
		cfg.Defaults.Hours = def.Defaults.Hours
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Defaults.Priority)) {
	case "low", "medium", "high":
		cfg.Defaults.Priority = strings.ToLower(strings.TrimSpace(cfg.Defaults.Priority))
	default:
		cfg.Defaults.Priority = def.Defaults.Priority
	}

	storageDir, err := expandPath(cfg.Storage.BaseDir)
	if err != nil {
		return fmt.Errorf("expand storage base dir: %w", err)
	}
	cfg.Storage.BaseDir = storageDir
	return nil
}

func applyEnv(cfg Config) (Config, error) {
	if v := strings.TrimSpace(os.Getenv("TASKLENS_BASE_URL")); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("TASKLENS_MODEL")); v != "" {
		cfg.Provider.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("TASKLENS_API_KEY")); v != "" {
		cfg.Provider.APIKey = v
	} else if cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	if v := strings.TrimSpace(os.Getenv("TASKLENS_MAX_TURNS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid TASKLENS_MAX_TURNS: %q", v)
		}
		cfg.Runtime.MaxTurns = n
	}
	if v := strings.TrimSpace(os.Getenv("TASKLENS_STORAGE_DIR")); v != "" {
		cfg.Storage.BaseDir = v
	}

	return cfg, normalize(&cfg)
}

func expandPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		if path == "~" {
			path = home
		} else {
			path = filepath.Join(home, strings.TrimPrefix(path, "~/"))
		}
	}
	return filepath.Abs(path)
}

// stripJSONComments removes // and /* */ comments so config files may carry
// annotations. String literals are preserved byte for byte.
func stripJSONComments(data []byte) []byte {
	const (
		stateNormal = iota
		stateString
		stateLineComment
		stateBlockComment
	)

	state := stateNormal
	escaped := false
	out := bytes.Buffer{}

	for i := 0; i < len(data); i++ {
		c := data[i]
		next := byte(0)
		if i+1 < len(data) {
			next = data[i+1]
		}

		switch state {
		case stateNormal:
			if c == '"' {
				state = stateString
				out.WriteByte(c)
				continue
			}
			if c == '/' && next == '/' {
				state = stateLineComment
				i++
				continue
			}
			if c == '/' && next == '*' {
				state = stateBlockComment
				i++
				continue
			}
			out.WriteByte(c)
		case stateString:
			out.WriteByte(c)
			if escaped {
				escaped = false
				continue
			}
			if c == '\\' {
				escaped = true
				continue
			}
			if c == '"' {
				state = stateNormal
			}
		case stateLineComment:
			if c == '\n' {
				state = stateNormal
				out.WriteByte(c)
			}
		case stateBlockComment:
			if c == '*' && next == '/' {
				state = stateNormal
				i++
			}
		}
	}

	return out.Bytes()
}
