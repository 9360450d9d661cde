package cmd

import (
	"slices"

	"github.com/spf13/cobra"

	"github.com/tanq16/partdl/internal/output"
)

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume [KEY...]",
		Short: "Resume unfinished downloads from the session store",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			restored, restoreErr := a.queue.Restore()
			if restoreErr != nil {
				output.PrintWarning(restoreErr.Error())
			}
			keys := restored
			if len(args) > 0 {
				keys = slices.DeleteFunc(slices.Clone(restored), func(k string) bool { return !slices.Contains(args, k) })
			}
			if len(keys) == 0 {
				output.PrintInfo("Nothing to resume")
				return nil
			}
			return a.run(keys, appConfig.Workers)
		},
	}
}
