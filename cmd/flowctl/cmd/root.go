package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowplane/internal/auth"
	"flowplane/internal/logger"
	"flowplane/internal/store/postgres"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "flowctl",
	Short: "Flowctl is a command line tool for operating the flowplane process engine",
	Long: `flowctl is the operator command-line interface for the flowplane process
engine. It talks directly to the engine database and runs the same
transactional commands the engine runs internally.

Common workflows:

  Suspend a process definition and its running instances:
    flowctl suspend process-definition --id <uuid> --include-process-instances

  Activate every definition with a key, for one tenant:
    flowctl activate process-definition --key invoice --tenant-id tenant-a

  Execute a job immediately, bypassing its due date:
    flowctl job execute <job-id>

  Revive a permanently failed job:
    flowctl job set-retries <job-id> 3

  Inspect an execution tree:
    flowctl tree <process-instance-id>

Configuration:
  Set the database and caller identity via environment variables or a config file:
    FLOWPLANE_DATABASE_URL    PostgreSQL connection string
    FLOWPLANE_USER            Caller user id recorded on commands
    FLOWPLANE_TENANTS         Comma-separated tenant scope (empty: unrestricted)`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigName(".flowctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "FLOWPLANE_VARNAME"
	viper.SetEnvPrefix("FLOWPLANE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.flowctl.yaml)")

	rootCmd.PersistentFlags().String("database-url", "", "PostgreSQL connection string")
	viper.BindPFlag("database-url", rootCmd.PersistentFlags().Lookup("database-url"))

	rootCmd.PersistentFlags().StringP("user", "u", "", "Caller user id recorded on commands")
	viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))

	rootCmd.PersistentFlags().String("tenants", "", "Comma-separated tenant scope (empty: unrestricted)")
	viper.BindPFlag("tenants", rootCmd.PersistentFlags().Lookup("tenants"))
}

// openStore connects to the configured database.
func openStore(ctx context.Context) (*postgres.Store, error) {
	url := viper.GetString("database-url")
	if url == "" {
		return nil, fmt.Errorf("database-url is required (flag or FLOWPLANE_DATABASE_URL)")
	}
	return postgres.Open(ctx, url)
}

// commandContext builds the context every flowctl command runs under: a
// command correlation id plus the caller's authentication.
func commandContext(commandID string) context.Context {
	ctx := logger.WithCommandID(context.Background(), commandID)

	a := &auth.Authentication{UserID: viper.GetString("user")}
	if tenants := viper.GetString("tenants"); tenants != "" {
		a.TenantIDs = strings.Split(tenants, ",")
	} else {
		a.Unrestricted = true
	}
	return auth.WithAuthentication(ctx, a)
}
