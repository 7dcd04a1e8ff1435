package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// batchEntry is one row of a --urllist YAML file:
//
//	- url: https://example.com/file.iso
//	  output: downloads/file.iso
type batchEntry struct {
	URL    string `yaml:"url"`
	Output string `yaml:"output"`
}

func loadBatch(path string) ([]batchEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading YAML file: %w", err)
	}
	var entries []batchEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing YAML file: %w", err)
	}
	for i, e := range entries {
		if e.URL == "" {
			return nil, fmt.Errorf("missing url for entry %d", i+1)
		}
	}
	return entries, nil
}
