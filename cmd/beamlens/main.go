// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// The beamlens command runs the self-observation agent and queries a
// running instance over its HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	apiAddr    string

	rootCmd = &cobra.Command{
		Use:   "beamlens",
		Short: "LLM-driven runtime self-observation agent",
		Long: `BeamLens watches a running process from the inside: skills sample
runtime state, a statistical detector and baseline-LLM watchers raise
alerts, and an LLM coordinator investigates them into insights.`,
	}
)

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file (default ~/.beamlens/beamlens.yaml, created on first run)")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "addr", "http://localhost:8343",
		"base URL of a running instance, for query commands")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(investigateCmd)
	rootCmd.AddCommand(watchersCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
