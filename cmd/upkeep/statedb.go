package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lyndonlyu/upkeep/internal/migration"
	"github.com/lyndonlyu/upkeep/internal/statedb"
)

var statedbCmd = &cobra.Command{
	Use:   "statedb",
	Short: "Inspect the state database",
}

var statedbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database location, schema version and row counts",
	RunE:  runStateDBStatus,
}

var statedbStateCmd = &cobra.Command{
	Use:   "state",
	Short: "List recorded state entries (last check, latest version)",
	RunE:  runStateDBState,
}

func init() {
	statedbCmd.AddCommand(statedbStatusCmd, statedbStateCmd)
}

type statedbStatus struct {
	Path          string `json:"path"`
	SchemaVersion int    `json:"schema_version"`
	LatestSchema  int    `json:"latest_schema"`
	StateEntries  int    `json:"state_entries"`
	Attempts      int    `json:"attempts"`
}

func runStateDBStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	current, latest, err := a.store.SchemaVersion()
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	entries, err := a.store.ListState()
	if err != nil {
		return err
	}
	attempts, err := a.store.CountAttempts()
	if err != nil {
		return err
	}

	if jsonOutput() {
		return printJSON(statedbStatus{
			Path:          a.store.Path(),
			SchemaVersion: current,
			LatestSchema:  latest,
			StateEntries:  len(entries),
			Attempts:      attempts,
		})
	}
	fmt.Print(statedb.FormatStatus(a.store.Path(), len(entries), attempts))
	fmt.Print(migration.FormatStatus(current, latest))
	return nil
}

func runStateDBState(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.store.ListState()
	if err != nil {
		return err
	}
	if jsonOutput() {
		if entries == nil {
			entries = []statedb.StateEntry{}
		}
		return printJSON(entries)
	}
	fmt.Print(statedb.FormatStateList(entries))
	return nil
}
