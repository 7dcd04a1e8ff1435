package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean <output-path>",
		Short: "Remove a stray .part/.part.json pair left behind by an interrupted download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cleanSidecarFiles(args[0])
		},
	}
}

// cleanSidecarFiles removes <outputPath>.part and its sidecar, if
// either exists. Missing files are not an error.
func cleanSidecarFiles(outputPath string) error {
	removed := false
	for _, path := range []string{outputPath + ".part", outputPath + ".part.json"} {
		if err := os.Remove(path); err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("removing %s: %w", path, err)
			}
			continue
		}
		removed = true
	}
	if !removed {
		fmt.Println("Nothing to clean")
	}
	return nil
}
