package cmd

import (
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"flowplane/internal/engine/suspension"
	"flowplane/internal/engine/task"
	"flowplane/internal/logger"
	"flowplane/internal/scheduler"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and control individual jobs",
}

var jobExecuteCmd = &cobra.Command{
	Use:   "execute [job_id]",
	Short: "Execute a job immediately, bypassing its due date",
	Long: `Run one job synchronously. The handler executes in a transactional
command; on failure the usual bookkeeping applies (retry decrement,
exception message) and the error is printed.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		jobID, err := uuid.Parse(args[0])
		if err != nil {
			cmd.Printf("Invalid job id: %s\n", err)
			os.Exit(1)
		}

		ctx := commandContext(uuid.NewString())
		db, err := openStore(ctx)
		if err != nil {
			cmd.Printf("Error connecting to database: %s\n", err)
			os.Exit(1)
		}
		defer db.Close()

		slogger := logger.New()
		coordinator := suspension.NewCoordinator(slogger)
		controller := task.NewController(task.NewRegistry(), task.NewEventLog())
		registry := scheduler.NewRegistry()
		scheduler.RegisterDefaultHandlers(registry, coordinator, controller, slogger)
		s := scheduler.New(db, registry, scheduler.Config{}, slogger)

		if err := s.ExecuteJob(ctx, jobID); err != nil {
			cmd.Printf("Job execution failed: %s\n", err)
			os.Exit(1)
		}
		cmd.Printf("Job %s executed.\n", jobID)
	},
}

var jobSetRetriesCmd = &cobra.Command{
	Use:   "set-retries [job_id] [retries]",
	Short: "Reset a job's retry budget, e.g. to revive a failed job",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		jobID, err := uuid.Parse(args[0])
		if err != nil {
			cmd.Printf("Invalid job id: %s\n", err)
			os.Exit(1)
		}
		retries, err := strconv.Atoi(args[1])
		if err != nil {
			cmd.Printf("Invalid retries value: %s\n", err)
			os.Exit(1)
		}

		ctx := commandContext(uuid.NewString())
		db, err := openStore(ctx)
		if err != nil {
			cmd.Printf("Error connecting to database: %s\n", err)
			os.Exit(1)
		}
		defer db.Close()

		s := scheduler.New(db, scheduler.NewRegistry(), scheduler.Config{}, logger.New())
		if err := s.SetJobRetries(ctx, jobID, retries); err != nil {
			cmd.Printf("Error: %s\n", err)
			os.Exit(1)
		}
		cmd.Printf("Job %s retries set to %d.\n", jobID, retries)
	},
}

var jobStacktraceCmd = &cobra.Command{
	Use:   "stacktrace [job_id]",
	Short: "Print the stored failure message of a job",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		jobID, err := uuid.Parse(args[0])
		if err != nil {
			cmd.Printf("Invalid job id: %s\n", err)
			os.Exit(1)
		}

		ctx := commandContext(uuid.NewString())
		db, err := openStore(ctx)
		if err != nil {
			cmd.Printf("Error connecting to database: %s\n", err)
			os.Exit(1)
		}
		defer db.Close()

		s := scheduler.New(db, scheduler.NewRegistry(), scheduler.Config{}, logger.New())
		message, err := s.ExceptionStacktrace(ctx, jobID)
		if err != nil {
			cmd.Printf("Error: %s\n", err)
			os.Exit(1)
		}
		if message == "" {
			cmd.Println("No failure recorded.")
			return
		}
		cmd.Println(message)
	},
}

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobExecuteCmd)
	jobCmd.AddCommand(jobSetRetriesCmd)
	jobCmd.AddCommand(jobStacktraceCmd)
}
