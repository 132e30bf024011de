package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"flowplane/internal/engine/tree"
)

var treeCmd = &cobra.Command{
	Use:   "tree [process_instance_id]",
	Short: "Print the execution tree of a process instance",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		instanceID, err := uuid.Parse(args[0])
		if err != nil {
			cmd.Printf("Invalid process instance id: %s\n", err)
			os.Exit(1)
		}

		ctx := commandContext(uuid.NewString())
		db, err := openStore(ctx)
		if err != nil {
			cmd.Printf("Error connecting to database: %s\n", err)
			os.Exit(1)
		}
		defer db.Close()

		snapshot, err := tree.GetExecutionTree(ctx, db.View(), instanceID)
		if err != nil {
			cmd.Printf("Error: %s\n", err)
			os.Exit(1)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "EXECUTION\tACTIVITY\tCOUNTER\tACTIVE\tCONCURRENT\tSCOPE\tSTATE")
		printNode(w, snapshot, 0)
		w.Flush()
	},
}

func printNode(w *tabwriter.Writer, n *tree.Node, depth int) {
	if n == nil {
		return
	}
	e := n.Execution
	activity := e.ActivityID
	if activity == "" {
		activity = "-"
	}
	fmt.Fprintf(w, "%s%s\t%s\t%d\t%t\t%t\t%t\t%s\n",
		strings.Repeat("  ", depth), e.ID, activity, e.SequenceCounter,
		e.IsActive, e.IsConcurrent, e.IsScope, e.SuspensionState)
	for _, c := range n.Children {
		printNode(w, c, depth+1)
	}
}

func init() {
	rootCmd.AddCommand(treeCmd)
}
