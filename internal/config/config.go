package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/yaotools/toolmeter/internal/hooks"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/toolmeter.ini"
	envPrefix        = "TOOLMETER_"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// Config describes runtime options for the daemon and the CLI.
type Config struct {
	Environment string
	HTTPAddress string
	LogFile     string
	LogLevel    string
	// DataDir holds the SQLite database when DatabaseURL is unset.
	DataDir     string
	DatabaseURL string

	AuthSecret   string
	AuthDisabled bool
	AdminEmail   string

	DefaultUses      int64
	UnlimitedCredit  int64
	InferenceTimeout time.Duration

	ModelsFile string
	ToolsFile  string

	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OpenAIOrg         string
	OpenRouterReferer string
	OpenRouterTitle   string
	// Routes map model-name patterns to adapters, in declaration order.
	Routes          []RouteRule
	FallbackAdapter string

	TabSessionTTL       time.Duration
	RedeemRatePerMinute float64
	RedeemBurst         int
	ChatRatePerMinute   float64
	ChatBurst           int

	UsageLogBatchSize     int
	UsageLogFlushInterval time.Duration

	// AssistantToolID, when set, requires the tool to be Active in the
	// caller's tab before chat requests are accepted.
	AssistantToolID string

	Hooks hooks.Config
}

// RouteRule captures an ordered pattern => adapter mapping.
type RouteRule struct {
	Pattern string
	Target  string
}

// UsePostgres reports whether the stores should use DatabaseURL.
func (c Config) UsePostgres() bool {
	u := strings.ToLower(c.DatabaseURL)
	return strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://")
}

// SQLitePath returns the database file inside DataDir.
func (c Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "toolmeter.db")
}

// LedgerInitialBalance converts default_uses to ledger.Options, which reads
// zero as the built-in default and a negative value as an empty start.
func (c Config) LedgerInitialBalance() int64 {
	if c.DefaultUses == 0 {
		return -1
	}
	return c.DefaultUses
}

// Load reads config/setting.ini, then config/<env>/toolmeter.ini, then
// TOOLMETER_* environment variables, later sources winning.
func Load(root string) (Config, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return Config{}, err
	}
	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if errors.Is(err, os.ErrNotExist) {
		envValues = map[string]string{}
	} else if err != nil {
		return Config{}, err
	}

	merged := make(map[string]string, len(s.Defaults)+len(envValues))
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}
	get := func(key string, fallback ...string) string {
		return firstNonEmpty(append([]string{os.Getenv(envPrefix + strings.ToUpper(key)), merged[key]}, fallback...)...)
	}

	cfg := Config{
		Environment:       s.Environment,
		HTTPAddress:       get("http_address", ":8090"),
		LogFile:           get("log_file"),
		LogLevel:          strings.ToLower(get("log_level", "info")),
		DataDir:           get("data_dir", DefaultDataDir()),
		DatabaseURL:       get("database_url"),
		AuthSecret:        get("auth_secret", "toolmeter-dev-secret"),
		AuthDisabled:      parseOptionalBool(get("auth_disabled"), false),
		AdminEmail:        strings.ToLower(get("admin_email", "admin@local")),
		ModelsFile:        get("models_file"),
		ToolsFile:         get("tools_file"),
		OpenAIAPIKey:      get("openai_api_key"),
		OpenAIBaseURL:     get("openai_base_url", "https://api.openai.com/v1"),
		OpenAIOrg:         get("openai_org"),
		OpenRouterReferer: get("openrouter_referer"),
		OpenRouterTitle:   get("openrouter_title", "YaoTools AI Assistant"),
		Routes:            parseRouteList(get("routes")),
		FallbackAdapter:   get("fallback_adapter", "loopback"),
		AssistantToolID:   get("assistant_tool_id"),
	}

	var errs []error
	cfg.DefaultUses = int64(parseOptionalInt(get("default_uses"), 10))
	cfg.UnlimitedCredit = int64(parseOptionalInt(get("unlimited_credit"), 999))
	cfg.RedeemBurst = parseOptionalInt(get("redeem_burst"), 3)
	cfg.ChatBurst = parseOptionalInt(get("chat_burst"), 5)
	cfg.UsageLogBatchSize = parseOptionalInt(get("usage_log_batch_size"), 100)
	cfg.RedeemRatePerMinute = parseFloat(get("redeem_rate_per_minute"), 5, "redeem_rate_per_minute", &errs)
	cfg.ChatRatePerMinute = parseFloat(get("chat_rate_per_minute"), 30, "chat_rate_per_minute", &errs)
	cfg.InferenceTimeout = parseDuration(get("inference_timeout"), 60*time.Second, "inference_timeout", &errs)
	cfg.TabSessionTTL = parseDuration(get("tab_session_ttl"), 30*time.Minute, "tab_session_ttl", &errs)
	cfg.UsageLogFlushInterval = parseDuration(get("usage_log_flush_interval"), time.Second, "usage_log_flush_interval", &errs)

	cfg.Hooks = hooks.Config{
		Enabled:    parseBool(get("hooks_enabled")),
		ScriptPath: get("hooks_script_path"),
		ScriptArgs: parseCSV(get("hooks_script_args")),
		Env:        parseMap(get("hooks_script_env")),
		Timeout:    parseDuration(get("hooks_timeout"), 0, "hooks_timeout", &errs),
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Hooks.Validate(); err != nil {
		return Config{}, err
	}
	if cfg.DefaultUses < 0 {
		return Config{}, fmt.Errorf("default_uses must not be negative, got %d", cfg.DefaultUses)
	}
	return cfg, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: firstNonEmpty(os.Getenv(envPrefix+"ENV"), defaultEnv), Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := firstNonEmpty(os.Getenv(envPrefix+"ENV"), values["environment"], defaultEnv)
	delete(values, "environment")
	return Settings{Environment: env, Defaults: values}, nil
}

// parseINI flattens an ini file into lower-case keys. Keys inside a named
// section are prefixed with the section name, so [hooks] script_path becomes
// hooks_script_path.
func parseINI(path string) (map[string]string, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	file, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true, Insensitive: true}, path)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	values := make(map[string]string)
	for _, section := range file.Sections() {
		prefix := ""
		if name := section.Name(); !strings.EqualFold(name, ini.DefaultSection) {
			prefix = strings.ToLower(name) + "_"
		}
		for _, key := range section.Keys() {
			values[prefix+strings.ToLower(key.Name())] = strings.TrimSpace(key.Value())
		}
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func parseFloat(v string, fallback float64, key string, errs *[]error) float64 {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
		return fallback
	}
	return parsed
}

func parseDuration(v string, fallback time.Duration, key string, errs *[]error) time.Duration {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
		return fallback
	}
	return parsed
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseCSV(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(input, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseMap(input string) map[string]string {
	result := make(map[string]string)
	for _, entry := range parseCSV(input) {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		if key = strings.TrimSpace(key); key != "" {
			result[key] = strings.TrimSpace(value)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// parseRouteList reads "pattern=adapter" or "pattern=>adapter" entries
// separated by commas or newlines, keeping declaration order.
func parseRouteList(input string) []RouteRule {
	var rules []RouteRule
	for _, line := range strings.Split(input, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		for _, entry := range parseCSV(line) {
			sep := "="
			if strings.Contains(entry, "=>") {
				sep = "=>"
			}
			pattern, target, ok := strings.Cut(entry, sep)
			pattern, target = strings.TrimSpace(pattern), strings.TrimSpace(target)
			if !ok || pattern == "" || target == "" {
				continue
			}
			rules = append(rules, RouteRule{Pattern: pattern, Target: target})
		}
	}
	return rules
}

// DefaultDataDir returns ~/.toolmeter, or the working directory when the
// home directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".toolmeter")
}
