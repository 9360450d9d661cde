package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tanq16/partdl/internal/output"
	"github.com/tanq16/partdl/internal/store"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored download sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(appConfig.StorePath)
			if err != nil {
				return err
			}
			defer st.Close()
			records, err := st.List()
			if err != nil {
				return err
			}
			if len(records) == 0 {
				output.PrintInfo("No stored sessions")
				return nil
			}
			output.PrintHeader(fmt.Sprintf("%d stored session(s)", len(records)))
			for _, r := range records {
				status := string(r.Status)
				if r.ErrorKind != "" {
					status += " " + r.ErrorKind
				}
				fmt.Printf("  %s %s %s %s\n", output.StatusIndicator(r.Status), r.Key, status, r.Options.Destination())
				fmt.Printf("      %s\n", output.FDebug(output.ProgressLine(r.Info, 20)+" "+r.UpdatedAt.Format("2006-01-02 15:04:05")))
			}
			return nil
		},
	}
}
