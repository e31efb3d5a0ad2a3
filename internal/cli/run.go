package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/toolrun/pkg/engine"
)

var (
	runInput   string
	runTimeout time.Duration
	runApprove bool
)

var runCmd = &cobra.Command{
	Use:   "run <tool-id>",
	Short: "Execute a tool once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, eng, _, err := setup()
		if err != nil {
			return err
		}
		defer eng.Shutdown()

		input := map[string]interface{}{}
		if runInput != "" {
			if err := json.Unmarshal([]byte(runInput), &input); err != nil {
				return fmt.Errorf("invalid --input: %w", err)
			}
		}

		// With --approve, grant every escalated permission request so
		// high-risk tools can run unattended.
		if runApprove {
			eng.Subscribe(func(ev engine.Event) {
				_ = eng.Arbiter().Grant(ev.RequestID, false, 0)
			}, engine.EventPermissionRequested)
		}

		res := eng.Execute(context.Background(), engine.ExecutionRequest{
			ToolID:  args[0],
			Input:   input,
			Timeout: runTimeout,
		})

		if !res.Success {
			return fmt.Errorf("%s: %s", res.Error.Kind, res.Error.Message)
		}

		out, err := json.MarshalIndent(res.Output, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		fmt.Fprintf(cmd.ErrOrStderr(), "completed in %s (%d attempt(s))\n", res.Duration, res.Attempts)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runInput, "input", "", "tool input as a JSON object")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "per-call timeout override")
	runCmd.Flags().BoolVar(&runApprove, "approve", false, "auto-grant permission requests")
	rootCmd.AddCommand(runCmd)
}
