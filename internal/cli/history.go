package cli

import (
	"context"
	"fmt"

	"github.com/harun/chatstate/pkg/chain"
	"github.com/harun/chatstate/pkg/conversation"
	"github.com/harun/chatstate/pkg/store"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	historyConversation string
	historyFormat       string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the stored history of a conversation",
	Long: `Print every entry of a conversation chain, oldest first, straight from
the configured store. The gateway does not need to be running.`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyConversation, "conversation", "", "conversation id")
	historyCmd.Flags().StringVar(&historyFormat, "format", formatJSON, "output format (json, yaml)")
	_ = historyCmd.MarkFlagRequired("conversation")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, _ []string) error {
	if !conversation.ValidConversationID(historyConversation) {
		return fmt.Errorf("invalid conversation id %q", historyConversation)
	}

	_, cfg, err := loadConfig(zerolog.Nop())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	st, err := store.Open(ctx, store.Config{
		Driver: cfg.Store.Driver,
		DSN:    cfg.Store.DSN,
		Path:   cfg.Store.Path,
		ID:     cfg.Store.ID,
	}, zerolog.Nop())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	history, err := loadHistory(ctx, st, historyConversation)
	if err != nil {
		return err
	}
	return writeOutput(cmd.OutOrStdout(), historyFormat, history)
}

// loadHistory reads a chain without loading its conversation
func loadHistory(ctx context.Context, st store.Store, conversationID string) ([]chain.ChatMessage, error) {
	c, err := chain.New(conversationID, st, zerolog.Nop())
	if err != nil {
		return nil, err
	}
	if err := c.Load(ctx); err != nil {
		return nil, err
	}
	history, err := c.Messages(ctx)
	if err != nil {
		return nil, err
	}
	if history == nil {
		history = []chain.ChatMessage{}
	}
	return history, nil
}
