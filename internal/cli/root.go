// Package cli provides the command-line interface for the chain engine.
package cli

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"chainstream/internal/config"
	"chainstream/internal/feed/kite"
	"chainstream/internal/models"
	"chainstream/internal/schedule"
	"chainstream/internal/store"
	"chainstream/pkg/utils"
)

// Version information
const (
	Version = "0.1.0"
)

// App holds the application dependencies shared across commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	rootCmd := &cobra.Command{
		Use:   "chainstream",
		Short: "Real-time option chain streaming engine",
		Long: `chainstream keeps a continuously updated 41-strike option chain
(ATM ±20) for configured index underlyings, streaming quotes and market
depth from Zerodha Kite Connect with multi-account failover.

Use 'chainstream serve' to run the engine.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/chainstream)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newServeCmd(app))
	rootCmd.AddCommand(newStatusCmd(app))
	rootCmd.AddCommand(newChainCmd(app))
	rootCmd.AddCommand(newScheduleCmd(app))

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"version": Version})
				return
			}
			output.Printf("chainstream v%s\n", Version)
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			return showConfig(output, app.Config)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": config.DefaultConfigDir()})
				return
			}
			output.Println(config.DefaultConfigDir())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("✓ Configuration is valid")
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) error {
	output.Bold("Chain Configuration")
	for _, u := range cfg.Chain.Underlyings {
		output.Printf("  %-12s step %.0f  quote %s\n", u.Name, u.Step, u.QuoteSymbol)
	}
	output.Printf("  Batch Size:   %d\n", cfg.Chain.BatchSize)
	output.Printf("  Expiry Count: %d\n", cfg.Chain.ExpiryCount)
	output.Println()

	output.Bold("Failover Configuration")
	output.Printf("  Heartbeat:    %s\n", cfg.Failover.HeartbeatInterval)
	output.Printf("  Backoff:      %s .. %s\n", cfg.Failover.BackoffBase, cfg.Failover.BackoffMax)
	output.Printf("  Max Retries:  %d\n", cfg.Failover.MaxRetries)
	output.Printf("  RL Cooldown:  %s\n", cfg.Failover.RateLimitCooldown)
	output.Println()

	output.Bold("Store Configuration")
	output.Printf("  TTL:             %s\n", cfg.Store.TTL)
	output.Printf("  Max Underlyings: %d\n", cfg.Store.MaxUnderlyings)
	output.Println()

	output.Bold("Schedule Configuration")
	if cfg.Schedule.DBPath != "" {
		output.Printf("  Database:     %s\n", cfg.Schedule.DBPath)
	} else {
		output.Printf("  Database:     (static NSE hours)\n")
	}
	output.Printf("  Timezone:     %s\n", cfg.Schedule.Timezone)
	output.Printf("  Wake Period:  %s\n", cfg.Schedule.WakePeriod)
	output.Printf("  Connect Lead: %s\n", cfg.Schedule.ConnectLead)
	output.Println()

	output.Bold("Accounts")
	if len(cfg.Accounts) == 0 {
		output.Dim("  (none configured)")
		return nil
	}
	for _, a := range cfg.Accounts {
		role := "backup"
		if a.IsPrimary {
			role = "primary"
		}
		state := "active"
		if !a.IsActive {
			state = "inactive"
		}
		output.Printf("  %-12s %-8s %-8s %-8s health %.1f\n", a.ID, a.Broker, role, state, a.HealthScore)
	}
	return nil
}

// accounts converts configured entries into the domain account list.
func (a *App) accounts() []models.Account {
	out := make([]models.Account, 0, len(a.Config.Accounts))
	for _, entry := range a.Config.Accounts {
		out = append(out, entry.Account())
	}
	return out
}

// dialer builds the Kite dialer over the configured account credentials.
func (a *App) dialer() *kite.Dialer {
	creds := make(map[string]kite.Credentials, len(a.Config.Accounts))
	for _, entry := range a.Config.Accounts {
		creds[entry.ID] = kite.Credentials{
			APIKey:     entry.APIKey,
			APISecret:  entry.APISecret,
			UserID:     entry.UserID,
			Password:   entry.Password,
			TOTPSecret: entry.TOTPSecret,
		}
	}
	return kite.NewDialer(creds)
}

// primaryClient returns the quote client for the highest-priority
// configured account.
func (a *App) primaryClient(dialer *kite.Dialer) (*kite.Client, bool) {
	hierarchy := a.accounts()
	for _, entry := range a.Config.Accounts {
		if entry.IsPrimary {
			return dialer.Client(entry.ID)
		}
	}
	if len(hierarchy) > 0 {
		return dialer.Client(hierarchy[0].ID)
	}
	return nil, false
}

// scheduleSource opens the configured sqlite schedule database, falling
// back to the static NSE calendar. The returned closer is nil for the
// static source.
func (a *App) scheduleSource() (schedule.Source, func() error, error) {
	if a.Config.Schedule.DBPath == "" {
		return schedule.NewStaticSource(), nil, nil
	}
	st, err := store.OpenSchedule(a.Config.Schedule.DBPath)
	if err != nil {
		return nil, nil, err
	}
	return st, st.Close, nil
}

// location resolves the configured schedule timezone.
func (a *App) location() *time.Location {
	if a.Config.Schedule.Timezone == "" {
		return utils.IndiaLocation
	}
	loc, err := time.LoadLocation(a.Config.Schedule.Timezone)
	if err != nil {
		return utils.IndiaLocation
	}
	return loc
}
