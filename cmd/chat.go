package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/joescharf/rota/internal/coordinator"
	"github.com/joescharf/rota/internal/models"
	"github.com/joescharf/rota/internal/transport"
)

var (
	chatLimit   int
	chatTimeout time.Duration
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the scheduling agent",
}

var chatSendCmd = &cobra.Command{
	Use:   "send <message...>",
	Short: "Post a message to the shared agent chat",
	Long: `Post a message to the shared agent chat over the realtime channel.
The agent's reply arrives on the chat topic; follow it with 'rota watch'.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return chatSendRun(strings.Join(args, " "))
	},
}

var chatHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent chat messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		return chatHistoryRun()
	},
}

var chatAskCmd = &cobra.Command{
	Use:   "ask <question...>",
	Short: "Ask the agent and wait for its answer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return chatAskRun(strings.Join(args, " "))
	},
}

func init() {
	chatSendCmd.Flags().DurationVar(&chatTimeout, "timeout", 15*time.Second, "How long to wait for the realtime connection")
	chatHistoryCmd.Flags().IntVarP(&chatLimit, "limit", "l", 20, "Number of messages (1-200)")
	chatHistoryCmd.Flags().BoolVar(&jsonOut, "json", false, "Print JSON")

	chatCmd.AddCommand(chatSendCmd, chatHistoryCmd, chatAskCmd)
	rootCmd.AddCommand(chatCmd)
}

// awaitConnected blocks until the coordinator's transport is connected.
func awaitConnected(ctx context.Context, c *coordinator.Coordinator) error {
	if c.Status().Transport == transport.StateConnected {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("realtime connection: %w", ctx.Err())
		case <-c.Done():
			return c.Err()
		case tr := <-c.Transitions():
			if tr.To == transport.StateConnected {
				return nil
			}
		}
	}
}

func chatSendRun(content string) error {
	if dryRun {
		ui.DryRunMsg("Would send %q to the agent chat", content)
		return nil
	}
	c, err := requireSession()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), chatTimeout)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Stop()

	if err := awaitConnected(ctx, c); err != nil {
		return err
	}
	if err := c.SendChat(ctx, content); err != nil {
		return err
	}
	ui.Success("Sent")
	return nil
}

func chatHistoryRun() error {
	c, err := requireSession()
	if err != nil {
		return err
	}
	msgs, err := c.API().ChatHistory(context.Background(), chatLimit)
	if err != nil {
		return err
	}
	if jsonOut {
		if msgs == nil {
			msgs = []models.ChatMessage{}
		}
		return printJSON(msgs)
	}
	if len(msgs) == 0 {
		ui.Info("No messages")
		return nil
	}
	for _, m := range msgs {
		printChatMessage(m)
	}
	return nil
}

var (
	agentName  = color.New(color.FgHiMagenta, color.Bold).SprintFunc()
	clientName = color.New(color.FgHiCyan, color.Bold).SprintFunc()
	dim        = color.New(color.Faint).SprintFunc()
)

func printChatMessage(m models.ChatMessage) {
	who := clientName(orDash(m.Sender))
	if m.FromAgent() {
		who = agentName(orDash(m.Sender))
	}
	at := ""
	if !m.Timestamp.IsZero() {
		at = dim(m.Timestamp.Local().Format("15:04")) + " "
	}
	fmt.Fprintf(ui.Out, "%s%s: %s\n", at, who, m.Content)
}

func chatAskRun(question string) error {
	c, err := requireSession()
	if err != nil {
		return err
	}
	resp, err := c.API().AgentChat(context.Background(), models.AgentChatRequest{
		Content: question,
		UserID:  c.Session().User.ID,
	})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	fmt.Fprintln(ui.Out, resp.Response)
	return nil
}
