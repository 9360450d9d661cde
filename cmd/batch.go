package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tanq16/partdl/internal/output"
	"github.com/tanq16/partdl/internal/session"
)

type BatchEntry struct {
	OutputPath string            `yaml:"op,omitempty"`
	Link       string            `yaml:"link"`
	Headers    map[string]string `yaml:"headers,omitempty"`
}

// BatchFile groups entries by source type. Only http sections are downloadable.
type BatchFile map[string][]BatchEntry

func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch [YAML_FILE] [OPTIONS]",
		Short: "Process multiple downloads from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("error reading YAML file: %w", err)
			}
			all, err := parseBatch(data)
			if err != nil {
				return err
			}
			if len(all) == 0 {
				return fmt.Errorf("no valid entries found in the batch file")
			}
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			keys, addErr := a.add(all)
			if err := a.run(keys, appConfig.Workers); err != nil {
				return err
			}
			return addErr
		},
	}
	return cmd
}

func parseBatch(data []byte) ([]session.Options, error) {
	var batchFile BatchFile
	if err := yaml.Unmarshal(data, &batchFile); err != nil {
		return nil, fmt.Errorf("error parsing YAML file: %w", err)
	}
	var all []session.Options
	for section, entries := range batchFile {
		switch strings.ToLower(section) {
		case "http", "https":
		default:
			output.PrintWarning(fmt.Sprintf("Warning: Unknown section '%s', skipping...", section))
			continue
		}
		for _, entry := range entries {
			if entry.Link == "" {
				output.PrintWarning(fmt.Sprintf("Warning: Empty link found in %s section, skipping...", section))
				continue
			}
			all = append(all, optionsFor(entry.Link, entry.OutputPath, entry.Headers))
		}
	}
	return all, nil
}
