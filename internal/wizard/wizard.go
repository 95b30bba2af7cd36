// Package wizard provides the interactive setup wizard that writes the
// proxy client configuration.
package wizard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/lauramikodo-star/zauraHook-sub000/internal/config"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Answers collects everything the wizard asks for. Fields hold form
// values as typed by the user.
type Answers struct {
	ConfigPath string

	ProxyHost string
	ProxyPort string
	UseAuth   bool
	Username  string
	Password  string

	MaxWorkers      string
	MaxDatagramSize string

	LogLevel      string
	HealthEnabled bool
}

// DefaultAnswers returns the values the forms start with.
func DefaultAnswers() Answers {
	def := config.Default()
	return Answers{
		ConfigPath:      "./hookproxy.yaml",
		ProxyPort:       strconv.Itoa(config.DefaultProxyPort),
		MaxWorkers:      strconv.Itoa(def.Relay.MaxWorkers),
		MaxDatagramSize: def.Relay.MaxDatagramSize,
		LogLevel:        def.Logging.Level,
	}
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	a := DefaultAnswers()

	if err := w.askProxy(&a); err != nil {
		return nil, err
	}
	if a.UseAuth {
		if err := w.askCredentials(&a); err != nil {
			return nil, err
		}
	}
	if err := w.askRelay(&a); err != nil {
		return nil, err
	}
	if err := w.askAdvancedOptions(&a); err != nil {
		return nil, err
	}

	cfg, err := BuildConfig(a)
	if err != nil {
		return nil, err
	}

	if err := WriteConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(a.ConfigPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: a.ConfigPath,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render("\n  hookproxy")

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  SOCKS5 client for intercepted app traffic - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askProxy(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("SOCKS5 Proxy").
				Description("Where intercepted TCP and UDP traffic is sent.\nLeave the host empty to pass traffic through untouched."),

			huh.NewInput().
				Title("Proxy Host").
				Description("Hostname or IP of the SOCKS5 server").
				Placeholder("proxy.example.net").
				Value(&a.ProxyHost).
				Validate(ValidateHost),

			huh.NewInput().
				Title("Proxy Port").
				Placeholder("1080").
				Value(&a.ProxyPort).
				Validate(ValidatePort),

			huh.NewConfirm().
				Title("Use username/password authentication?").
				Value(&a.UseAuth),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./hookproxy.yaml").
				Value(&a.ConfigPath).
				Validate(ValidateConfigPath),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askCredentials(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Username").
				Value(&a.Username).
				Validate(ValidateCredential),
			huh.NewInput().
				Title("Password").
				EchoMode(huh.EchoModePassword).
				Value(&a.Password).
				Validate(ValidateCredential),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askRelay(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("UDP Relay").
				Description("Each local UDP endpoint gets its own association."),

			huh.NewInput().
				Title("Max Workers").
				Description("Upper bound on concurrent associations (0 = unlimited)").
				Value(&a.MaxWorkers).
				Validate(ValidateMaxWorkers),

			huh.NewInput().
				Title("Max Datagram Size").
				Description("Receive buffer per worker, e.g. 64KiB").
				Value(&a.MaxDatagramSize).
				Validate(ValidateSize),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable health endpoint?").
				Description("HTTP endpoint for monitoring (/health, /workers, /metrics)").
				Value(&a.HealthEnabled),
		),
	).WithTheme(w.theme)

	return form.Run()
}

// ValidateHost accepts an empty host (pass-through) or one without spaces
// or a port.
func ValidateHost(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if strings.ContainsAny(s, " \t/") {
		return errors.New("host must not contain spaces or slashes")
	}
	if strings.Count(s, ":") == 1 {
		return errors.New("enter the port separately")
	}
	if len(s) > 255 {
		return errors.New("host is longer than 255 bytes")
	}
	return nil
}

// ValidatePort accepts 1-65535.
func ValidatePort(s string) error {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || port < 1 || port > 65535 {
		return errors.New("port must be a number between 1 and 65535")
	}
	return nil
}

// ValidateCredential accepts 1-255 byte usernames and passwords.
func ValidateCredential(s string) error {
	if s == "" {
		return errors.New("required")
	}
	if len(s) > 255 {
		return errors.New("must be at most 255 bytes")
	}
	return nil
}

// ValidateMaxWorkers accepts non-negative integers.
func ValidateMaxWorkers(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return errors.New("must be a non-negative number")
	}
	return nil
}

// ValidateSize accepts human sizes such as 64KiB.
func ValidateSize(s string) error {
	_, err := config.ParseSize(s)
	return err
}

// ValidateConfigPath requires a .yaml or .yml path.
func ValidateConfigPath(s string) error {
	if s == "" {
		return errors.New("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return errors.New("config file should have .yaml or .yml extension")
	}
	return nil
}

// BuildConfig turns answers into a validated configuration.
func BuildConfig(a Answers) (*config.Config, error) {
	cfg := config.Default()

	cfg.Proxy.Host = strings.TrimSpace(a.ProxyHost)
	if a.ProxyPort != "" {
		port, err := strconv.Atoi(strings.TrimSpace(a.ProxyPort))
		if err != nil {
			return nil, fmt.Errorf("proxy port: %w", err)
		}
		cfg.Proxy.Port = port
	}
	if a.UseAuth {
		cfg.Proxy.Username = a.Username
		cfg.Proxy.Password = a.Password
	}

	if a.MaxWorkers != "" {
		n, err := strconv.Atoi(strings.TrimSpace(a.MaxWorkers))
		if err != nil {
			return nil, fmt.Errorf("max workers: %w", err)
		}
		cfg.Relay.MaxWorkers = n
	}
	if a.MaxDatagramSize != "" {
		cfg.Relay.MaxDatagramSize = a.MaxDatagramSize
	}

	if a.LogLevel != "" {
		cfg.Logging.Level = a.LogLevel
	}
	cfg.Health.Enabled = a.HealthEnabled

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteConfig writes cfg as YAML to path. The file may hold the proxy
// password, so it is created owner-only.
func WriteConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# hookproxy configuration
# Generated by setup wizard
# An empty proxy.host disables proxying.

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	if cfg.Proxy.Enabled() {
		auth := "none"
		if cfg.Proxy.HasCredentials() {
			auth = "username/password"
		}
		fmt.Printf("  Proxy:        %s (auth: %s)\n", cfg.Proxy.Address(), auth)
	} else {
		fmt.Println("  Proxy:        disabled (pass-through)")
	}
	fmt.Printf("  Relay:        %d workers max, %s datagrams\n", cfg.Relay.MaxWorkers, cfg.Relay.MaxDatagramSize)

	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}

	fmt.Println()
	fmt.Println("  To verify the proxy:")
	fmt.Printf("    hookproxy check -c %s --probe\n", configPath)
	fmt.Println()
}
