package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/web3ekko/ekko-explain/internal/app"
	"github.com/web3ekko/ekko-explain/pkg/llm"
	"github.com/web3ekko/ekko-explain/pkg/orchestrator"
	"github.com/web3ekko/ekko-explain/pkg/stream"
)

var sessionID string

var explainCmd = &cobra.Command{
	Use:   "explain <tx_hash>",
	Short: "Stream the explanation of a transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			_, s := a.Orchestrator.Explain(cmd.Context(), network, args[0], force)
			return printStream(cmd.OutOrStdout(), s)
		})
	},
}

var classifyCmd = &cobra.Command{
	Use:   "classify <tx_hash>",
	Short: "Assign category labels to a transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			c, err := a.Classifier()
			if err != nil {
				return err
			}
			result, err := c.Classify(cmd.Context(), network, args[0], force)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		})
	},
}

var batchCmd = &cobra.Command{
	Use:   "batch <tx_hash>...",
	Short: "Explain many transactions and store the results",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			items := make([]*orchestrator.WorkItem, len(args))
			for i, hash := range args {
				items[i] = orchestrator.NewWorkItem(network, hash, force)
			}
			err := a.Orchestrator.Process(cmd.Context(), items)
			printItems(cmd.OutOrStdout(), items)
			return err
		})
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat <tx_hash> <question>",
	Short: "Ask a follow-up question about an explained transaction",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			_, s := a.Orchestrator.Explain(cmd.Context(), network, args[0], force)
			explanation, err := s.Collect()
			if err != nil {
				return err
			}
			reply := a.Orchestrator.Chat(cmd.Context(), &orchestrator.ChatRequest{
				SessionID: sessionID,
				Network:   network,
				Messages: []llm.Message{
					{Role: llm.RoleUser, Content: "Explain transaction " + args[0]},
					{Role: llm.RoleAssistant, Content: explanation},
					{Role: llm.RoleUser, Content: args[1]},
				},
			})
			return printStream(cmd.OutOrStdout(), reply)
		})
	},
}

var accountCmd = &cobra.Command{
	Use:   "account <address>",
	Short: "Stream a summary of what an account does",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			ex, err := a.Account()
			if err != nil {
				return err
			}
			return printStream(cmd.OutOrStdout(), ex.Explain(cmd.Context(), network, args[0]))
		})
	},
}

func init() {
	chatCmd.Flags().StringVar(&sessionID, "session", "", "chat session id, generated when empty")
}

func printStream(w io.Writer, s *stream.Stream) error {
	defer s.Close()
	for {
		word, ok := s.Next()
		if !ok {
			break
		}
		fmt.Fprint(w, word)
	}
	fmt.Fprintln(w)
	return s.Wait()
}

func printItems(w io.Writer, items []*orchestrator.WorkItem) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TX HASH\tSTATUS\tRETRIES\tERROR")
	for _, item := range items {
		reason := ""
		if err := item.Err(); err != nil {
			reason = err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", item.TxHash, item.Status(), item.Retries(), reason)
	}
	tw.Flush()
}
