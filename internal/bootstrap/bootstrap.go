package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yaotools/toolmeter/internal/config"
)

// InitOptions configures the generated config files. DefaultUses is written
// as given; zero makes new accounts start empty.
type InitOptions struct {
	Root        string
	Environment string
	AdminEmail  string
	HTTPAddress string
	DataDir     string
	DatabaseURL string
	DefaultUses int64
	ModelsFile  string
	ToolsFile   string
	Force       bool
}

// Init writes config/setting.ini and config/<env>/toolmeter.ini under Root.
func Init(opts InitOptions) error {
	applyDefaults(&opts)
	if err := Validate(opts); err != nil {
		return err
	}
	if err := ensureDir(filepath.Join(opts.Root, "config", opts.Environment)); err != nil {
		return err
	}

	settingPath := filepath.Join(opts.Root, "config", "setting.ini")
	if err := writeFile(settingPath, settingTemplate(opts), opts.Force); err != nil {
		return err
	}

	envPath := filepath.Join(opts.Root, "config", opts.Environment, "toolmeter.ini")
	if err := writeFile(envPath, envTemplate(opts), opts.Force); err != nil {
		return err
	}
	return nil
}

func applyDefaults(opts *InitOptions) {
	if strings.TrimSpace(opts.Root) == "" {
		opts.Root = "."
	}
	if strings.TrimSpace(opts.Environment) == "" {
		opts.Environment = "dev"
	}
	if strings.TrimSpace(opts.AdminEmail) == "" {
		opts.AdminEmail = "admin@local"
	}
	if strings.TrimSpace(opts.HTTPAddress) == "" {
		opts.HTTPAddress = ":8090"
	}
	if strings.TrimSpace(opts.DataDir) == "" {
		opts.DataDir = config.DefaultDataDir()
	}
}

func ensureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

func writeFile(path, contents string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("file already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(contents), 0o644)
}

func settingTemplate(opts InitOptions) string {
	return fmt.Sprintf(`# toolmeter settings
environment=%s
admin_email=%s
default_uses=%d
`, opts.Environment, opts.AdminEmail, opts.DefaultUses)
}

func envTemplate(opts InitOptions) string {
	var b strings.Builder
	fmt.Fprintf(&b, `# Environment specific overrides for %s
http_address=%s
log_level=info
# Dash '-' disables file output.
log_file=logs/toolmeterd.log
data_dir=%s
`, opts.Environment, opts.HTTPAddress, opts.DataDir)
	if opts.DatabaseURL != "" {
		fmt.Fprintf(&b, "database_url=%s\n", opts.DatabaseURL)
	}
	if opts.ModelsFile != "" {
		fmt.Fprintf(&b, "models_file=%s\n", opts.ModelsFile)
	}
	if opts.ToolsFile != "" {
		fmt.Fprintf(&b, "tools_file=%s\n", opts.ToolsFile)
	}
	b.WriteString(`redeem_rate_per_minute=5
redeem_burst=3
chat_rate_per_minute=30
chat_burst=5

[hooks]
enabled=false
`)
	return b.String()
}

// Validate checks the options without touching the filesystem.
func Validate(opts InitOptions) error {
	applyDefaults(&opts)
	if !strings.Contains(opts.AdminEmail, "@") {
		return errors.New("admin email must contain '@'")
	}
	if opts.DefaultUses < 0 {
		return fmt.Errorf("default uses must not be negative, got %d", opts.DefaultUses)
	}
	if opts.DatabaseURL != "" && !strings.HasPrefix(opts.DatabaseURL, "postgres://") && !strings.HasPrefix(opts.DatabaseURL, "postgresql://") {
		return errors.New("database url must be a postgres:// DSN")
	}
	return nil
}
