// Package wizard provides the interactive setup flow for socksgate.
package wizard

import (
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/opswire/socksgate/internal/config"
	"gopkg.in/yaml.v3"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	summaryStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	configPath string
}

// New creates a new setup wizard writing to the given config path.
func New(configPath string) *Wizard {
	if configPath == "" {
		configPath = "./config.yaml"
	}
	return &Wizard{configPath: configPath}
}

// Run executes the interactive setup and writes the resulting config file.
func (w *Wizard) Run() (*Result, error) {
	fmt.Println(titleStyle.Render("socksgate setup"))
	fmt.Println(summaryStyle.Render("Answers become " + w.configPath))
	fmt.Println()

	cfg := config.Default()

	listenAddr := cfg.SOCKS5.Address
	maxConns := strconv.Itoa(cfg.SOCKS5.MaxConnections)
	logLevel := cfg.Log.Level
	logFormat := cfg.Log.Format
	metricsEnabled := cfg.Metrics.Enabled
	metricsAddr := cfg.Metrics.Address
	wsEnabled := cfg.WebSocket.Enabled
	wsAddr := cfg.WebSocket.Address

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("SOCKS5 listen address").
				Description("host:port the proxy accepts clients on").
				Value(&listenAddr),
			huh.NewInput().
				Title("Max concurrent sessions").
				Description("0 means unlimited").
				Value(&maxConns).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 0 {
						return fmt.Errorf("enter a non-negative integer")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Log level").
				Options(
					huh.NewOption("debug", "debug"),
					huh.NewOption("info", "info"),
					huh.NewOption("warn", "warn"),
					huh.NewOption("error", "error"),
				).
				Value(&logLevel),
			huh.NewSelect[string]().
				Title("Log format").
				Options(
					huh.NewOption("text", "text"),
					huh.NewOption("json", "json"),
				).
				Value(&logFormat),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Expose health and Prometheus metrics?").
				Value(&metricsEnabled),
			huh.NewConfirm().
				Title("Accept SOCKS5 over WebSocket as well?").
				Value(&wsEnabled),
		),
	)

	if err := form.Run(); err != nil {
		return nil, fmt.Errorf("setup aborted: %w", err)
	}

	if metricsEnabled {
		addrForm := huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("Metrics listen address").
				Value(&metricsAddr),
		))
		if err := addrForm.Run(); err != nil {
			return nil, fmt.Errorf("setup aborted: %w", err)
		}
	}
	if wsEnabled {
		addrForm := huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("WebSocket listen address").
				Value(&wsAddr),
		))
		if err := addrForm.Run(); err != nil {
			return nil, fmt.Errorf("setup aborted: %w", err)
		}
	}

	cfg.SOCKS5.Address = listenAddr
	cfg.SOCKS5.MaxConnections, _ = strconv.Atoi(maxConns)
	cfg.Log.Level = logLevel
	cfg.Log.Format = logFormat
	cfg.Metrics.Enabled = metricsEnabled
	cfg.Metrics.Address = metricsAddr
	cfg.WebSocket.Enabled = wsEnabled
	cfg.WebSocket.Address = wsAddr

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration invalid: %w", err)
	}

	if err := WriteConfig(cfg, w.configPath); err != nil {
		return nil, err
	}

	fmt.Println()
	fmt.Println(summaryStyle.Render("Wrote " + w.configPath))
	fmt.Println(summaryStyle.Render("Start the proxy with: socksgate run -c " + w.configPath))

	return &Result{Config: cfg, ConfigPath: w.configPath}, nil
}

// WriteConfig marshals a config to YAML and writes it to path.
func WriteConfig(cfg *config.Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
