package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tanq16/partdl/internal/output"
	"github.com/tanq16/partdl/internal/utils"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean PATH",
		Short: "Delete segment files and session metadata left next to PATH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := utils.Clean(args[0])
			if err != nil {
				return fmt.Errorf("error cleaning up temporary files: %w", err)
			}
			output.PrintSuccess(fmt.Sprintf("Removed %d temporary file(s)", removed))
			return nil
		},
	}
}
