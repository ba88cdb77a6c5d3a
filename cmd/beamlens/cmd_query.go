// Copyright (C) 2025 BeamLens Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show alerts, breaker state, and schedules of a running instance",
	RunE:  runStatus,
}

var investigateCmd = &cobra.Command{
	Use:   "investigate",
	Short: "Drain pending alerts into a coordinator investigation",
	RunE:  runInvestigate,
}

var watchersCmd = &cobra.Command{
	Use:   "watchers [name]",
	Short: "List watchers, or show one watcher's status",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWatchers,
}

var httpClient = &http.Client{Timeout: 10 * time.Minute}

func apiCall(method, path string) (map[string]any, error) {
	url := strings.TrimSuffix(apiAddr, "/") + path
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed (is the agent running?): %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var decoded map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &decoded); err != nil {
			return nil, fmt.Errorf("unexpected response from %s: %s", url, string(body))
		}
	}
	if resp.StatusCode >= 400 {
		detail, _ := decoded["error"].(string)
		return decoded, fmt.Errorf("%s %s: %s (%s)", method, path, resp.Status, detail)
	}
	return decoded, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func runStatus(cmd *cobra.Command, args []string) error {
	alerts, err := apiCall(http.MethodGet, "/v1/alerts")
	if err != nil {
		return err
	}
	breaker, err := apiCall(http.MethodGet, "/v1/breaker")
	if err != nil {
		return err
	}
	schedules, err := apiCall(http.MethodGet, "/v1/schedules")
	if err != nil {
		return err
	}

	printJSON(map[string]any{
		"alerts":    alerts,
		"breaker":   breaker,
		"schedules": schedules["schedules"],
	})
	return nil
}

func runInvestigate(cmd *cobra.Command, args []string) error {
	result, err := apiCall(http.MethodPost, "/v1/investigate")
	if err != nil {
		return err
	}
	printJSON(result)
	return nil
}

func runWatchers(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		status, err := apiCall(http.MethodGet, "/v1/watchers/"+args[0])
		if err != nil {
			return err
		}
		printJSON(status)
		return nil
	}

	list, err := apiCall(http.MethodGet, "/v1/watchers")
	if err != nil {
		return err
	}
	printJSON(list["watchers"])
	return nil
}
