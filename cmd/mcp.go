package cmd

import (
	"github.com/spf13/cobra"

	"github.com/joescharf/rota/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP stdio server",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an MCP client read the schedule and talk to the scheduling agent
as the logged-in user. Configure it with:

  {
    "mcpServers": {
      "rota": { "command": "rota", "args": ["mcp"] }
    }
  }

Available tools: rota_list_shifts, rota_shift_summary, rota_list_tasks,
rota_submit_task, rota_send_chat`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := requireSession()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		return mcp.NewServer(c.API(), c.Session().User.ID, buildVersion).ServeStdio(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
