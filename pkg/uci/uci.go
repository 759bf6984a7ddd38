package uci

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/covmon/covmon/pkg/logx"
	"github.com/covmon/covmon/pkg/retry"
)

// ConfigName is the UCI package holding the covmon section
const ConfigName = "covmon"

// UCI reads configuration through the uci command line tool, locally or
// over the runner's executor
type UCI struct {
	runner *retry.Runner
	logger *logx.Logger
}

// NewUCI creates a new UCI reader
func NewUCI(runner *retry.Runner, logger *logx.Logger) *UCI {
	if runner == nil {
		runner = retry.NewRunner(retry.DefaultConfig())
	}
	if logger == nil {
		logger = logx.New("error")
	}
	return &UCI{
		runner: runner,
		logger: logger,
	}
}

// Get retrieves a UCI option value
func (u *UCI) Get(ctx context.Context, config, section, option string) (string, error) {
	output, err := u.runner.Output(ctx, "uci", "-q", "get", fmt.Sprintf("%s.%s.%s", config, section, option))
	if err != nil {
		return "", fmt.Errorf("failed to get UCI option %s.%s.%s: %w", config, section, option, err)
	}
	return strings.TrimSpace(string(output)), nil
}

// ShowSection returns the options of a named section
func (u *UCI) ShowSection(ctx context.Context, config, section string) (map[string]string, error) {
	target := fmt.Sprintf("%s.%s", config, section)
	output, err := u.runner.Output(ctx, "uci", "-q", "show", target)
	if err != nil {
		return nil, fmt.Errorf("failed to show UCI section %s: %w", target, err)
	}
	return parseShow(output, target), nil
}

// LoadConfig loads and validates the covmon configuration from the main section
func (u *UCI) LoadConfig(ctx context.Context) (*Config, error) {
	options, err := u.ShowSection(ctx, ConfigName, "main")
	if err != nil {
		return nil, fmt.Errorf("failed to load main config: %w", err)
	}

	cfg := Default()
	for option, value := range options {
		if err := cfg.SetOption(option, value); err != nil {
			return nil, fmt.Errorf("failed to load main config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	u.logger.Debug("configuration loaded from uci", "options", len(options))
	return cfg, nil
}

// parseShow parses `uci show` lines of the form config.section.option='value'
func parseShow(output []byte, prefix string) map[string]string {
	options := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, "=")
		if !ok || !strings.HasPrefix(key, prefix+".") {
			continue
		}
		option := strings.TrimPrefix(key, prefix+".")
		if option == "" || strings.Contains(option, ".") {
			continue
		}
		options[option] = unquote(value)
	}
	return options
}
