package cmd

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"flowplane/internal/engine/suspension"
	"flowplane/internal/logger"
	"flowplane/internal/store"
)

var suspendCmd = &cobra.Command{
	Use:   "suspend [target]",
	Short: "Suspend a process definition, job definition, job or process instance",
	Long: `Suspend an entity and cascade the state to its dependents.

Targets: process-definition, job-definition, job, process-instance.

Suspending a process definition always suspends its job definitions and
their jobs; running instances (with their tasks, external tasks and jobs)
are only included with --include-process-instances. With --execution-date
the cascade is scheduled as a one-shot job instead of applied immediately.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runToggle(cmd, args[0], true)
	},
}

var activateCmd = &cobra.Command{
	Use:   "activate [target]",
	Short: "Activate a previously suspended entity, mirroring suspend",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runToggle(cmd, args[0], false)
	},
}

func runToggle(cmd *cobra.Command, target string, suspend bool) {
	command, err := buildCommand(cmd, target)
	if err != nil {
		cmd.Printf("Error: %s\n", err)
		os.Exit(1)
	}

	ctx := commandContext(uuid.NewString())
	db, err := openStore(ctx)
	if err != nil {
		cmd.Printf("Error connecting to database: %s\n", err)
		os.Exit(1)
	}
	defer db.Close()

	coordinator := suspension.NewCoordinator(logger.New())
	err = db.WithTransaction(ctx, func(ctx context.Context, s store.EntityStore) error {
		if suspend {
			return coordinator.Suspend(ctx, s, command)
		}
		return coordinator.Activate(ctx, s, command)
	})
	if err != nil {
		cmd.Printf("Error: %s\n", err)
		os.Exit(1)
	}

	verb := "suspended"
	if !suspend {
		verb = "activated"
	}
	if command.ExecutionDate != nil {
		cmd.Printf("%s scheduled to be %s at %s\n", target, verb, command.ExecutionDate.Format(time.RFC3339))
		return
	}
	cmd.Printf("%s %s\n", target, verb)
}

func buildCommand(cmd *cobra.Command, target string) (*suspension.Command, error) {
	command := &suspension.Command{Target: suspension.Target(target)}

	if v, _ := cmd.Flags().GetString("id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, err
		}
		command.ID = &id
	}
	if v, _ := cmd.Flags().GetString("key"); v != "" {
		key := v
		command.Key = &key
	}
	if v, _ := cmd.Flags().GetString("tenant-id"); v != "" {
		tenant := v
		command.TenantID = &tenant
	}
	command.WithoutTenant, _ = cmd.Flags().GetBool("without-tenant")
	command.IncludeProcessInstances, _ = cmd.Flags().GetBool("include-process-instances")

	if v, _ := cmd.Flags().GetString("execution-date"); v != "" {
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, err
		}
		command.ExecutionDate = &at
	}
	return command, command.Validate()
}

func toggleFlags(c *cobra.Command) {
	c.Flags().String("id", "", "Target entity id")
	c.Flags().String("key", "", "Process definition key (bulk, process definitions only)")
	c.Flags().Bool("include-process-instances", false, "Cascade to running process instances")
	c.Flags().String("execution-date", "", "Defer the cascade until this RFC3339 time")
	c.Flags().String("tenant-id", "", "Restrict a keyed selection to one tenant")
	c.Flags().Bool("without-tenant", false, "Restrict a keyed selection to tenant-less definitions")
}

func init() {
	rootCmd.AddCommand(suspendCmd)
	rootCmd.AddCommand(activateCmd)
	toggleFlags(suspendCmd)
	toggleFlags(activateCmd)
}
