package main

import (
	"fmt"

	"github.com/matheus3301/chatsync/internal/directory"
	"github.com/spf13/cobra"
)

var convIDCmd = &cobra.Command{
	Use:   "conv-id <actor> <actor>",
	Short: "Print the conversation id of two actors",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := directory.ConversationID(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}
