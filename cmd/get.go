package cmd

import (
	"github.com/spf13/cobra"

	"github.com/tanq16/partdl/internal/session"
)

func newGetCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "get [URL] [--output OUTPUT_PATH]",
		Short: "Download a file via HTTP/HTTPS",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			keys, err := a.add([]session.Options{optionsFor(args[0], outputPath, nil)})
			if err != nil {
				return err
			}
			return a.run(keys, 1)
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file or directory (file name inferred from the URL if not provided)")
	return cmd
}
