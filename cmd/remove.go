package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tanq16/partdl/internal/output"
)

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove KEY...",
		Short: "Remove stored sessions and their partial files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			var errs []error
			for _, key := range args {
				if err := a.queue.Remove(context.Background(), key); err != nil {
					errs = append(errs, err)
					output.PrintError(fmt.Sprintf("Could not remove %s: %v", key, err))
					continue
				}
				output.PrintSuccess(fmt.Sprintf("Removed %s", key))
			}
			return errors.Join(errs...)
		},
	}
}
