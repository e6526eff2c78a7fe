package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goliatone/go-query-sync/pkg/di"
	"github.com/goliatone/go-query-sync/session"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const envPrefix = "RETAIL"

// settings is the resolved configuration: flags win over RETAIL_* variables,
// which win over the config file.
type settings struct {
	APIURL    string        `mapstructure:"api_url"`
	SessionDB string        `mapstructure:"session_db"`
	Timeout   time.Duration `mapstructure:"timeout"`
	StaleTime time.Duration `mapstructure:"stale_time"`
	RateLimit float64       `mapstructure:"rate_limit"`
	Verbose   bool          `mapstructure:"verbose"`
}

type app struct {
	v          *viper.Viper
	out        io.Writer
	configFile string

	logger    *zap.Logger
	container *di.Container
}

// run executes retailctl with args and releases every resource it opened.
func run(ctx context.Context, args []string, out io.Writer) error {
	a := &app{v: viper.New(), out: out}
	cmd := a.rootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(out)
	cmd.SetErr(out)

	err := cmd.ExecuteContext(ctx)
	return errors.Join(err, a.close())
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "retailctl",
		Short:         "Terminal client for the retail loyalty API.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	fs := root.PersistentFlags()
	fs.StringVarP(&a.configFile, "config", "c", "", "config file (yaml, toml or json)")
	fs.String("api-url", "http://localhost:8000/api", "API base URL")
	fs.String("session-db", defaultSessionDB(), "sqlite file holding the session")
	fs.Duration("timeout", 10*time.Second, "request timeout")
	fs.Duration("stale-time", 0, "how long fetched data is served without refetching")
	fs.Float64("rate-limit", 0, "max requests per second, 0 disables limiting")
	fs.BoolP("verbose", "v", false, "debug logging on stderr")

	for key, flag := range map[string]string{
		"api_url":    "api-url",
		"session_db": "session-db",
		"timeout":    "timeout",
		"stale_time": "stale-time",
		"rate_limit": "rate-limit",
		"verbose":    "verbose",
	} {
		_ = a.v.BindPFlag(key, fs.Lookup(flag))
	}
	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(
		a.loginCmd(),
		a.logoutCmd(),
		a.customersCmd(),
		a.posCmd(),
		a.analyticsCmd(),
	)
	return root
}

func defaultSessionDB() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "retailctl-session.db"
	}
	return filepath.Join(dir, "retailctl", "session.db")
}

func (a *app) settings() (settings, error) {
	if a.configFile != "" {
		a.v.SetConfigFile(a.configFile)
		if err := a.v.ReadInConfig(); err != nil {
			return settings{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var s settings
	if err := a.v.Unmarshal(&s); err != nil {
		return settings{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return s, nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	cfg.OutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = true
	return cfg.Build()
}

// open builds the container on first use.
func (a *app) open(ctx context.Context) (*di.Container, error) {
	if a.container != nil {
		return a.container, nil
	}

	s, err := a.settings()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(s.Verbose)
	if err != nil {
		return nil, err
	}
	a.logger = logger

	if dir := filepath.Dir(s.SessionDB); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create session directory: %w", err)
		}
	}

	config := di.DefaultConfig(s.APIURL)
	config.API.Timeout = s.Timeout
	config.API.UserAgent = "retailctl"
	if s.RateLimit > 0 {
		config.API.RateLimit = s.RateLimit
		config.API.Burst = max(1, int(s.RateLimit))
	}
	config.Cache.StaleTime = s.StaleTime
	config.SessionDSN = s.SessionDB
	config.Logger = logger

	container, err := di.NewContainer(ctx, config)
	if err != nil {
		return nil, err
	}
	a.container = container
	return container, nil
}

// authenticated opens the container and resumes the stored session.
func (a *app) authenticated(ctx context.Context) (*di.Container, session.Profile, error) {
	container, err := a.open(ctx)
	if err != nil {
		return nil, session.Profile{}, err
	}
	profile, err := container.Restore(ctx)
	if errors.Is(err, session.ErrNoSession) {
		return nil, session.Profile{}, errors.New("not logged in, run retailctl login")
	}
	if err != nil {
		return nil, session.Profile{}, err
	}
	return container, profile, nil
}

func (a *app) close() error {
	if a.container == nil {
		return nil
	}
	err := a.container.Close()
	_ = a.logger.Sync()
	return err
}
