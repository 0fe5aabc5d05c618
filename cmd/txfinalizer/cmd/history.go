package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tranvictor/txfinalizer"
	"github.com/tranvictor/txfinalizer/history"
)

var (
	recordPath   string
	historyIndex int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Replay a record history and print the state after N entries",
	Long: `history reads a record as printed by finalize and rebuilds the state it had
after the first N history entries. Without --index every entry's note is listed.`,
	// replay is offline, no config needed
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readInput(cmd, recordPath)
		if err != nil {
			return err
		}
		rec := &txfinalizer.Record{}
		if err := json.Unmarshal(raw, rec); err != nil {
			return fmt.Errorf("couldn't decode record: %w", err)
		}

		if historyIndex == 0 {
			for i, entry := range rec.History {
				note := entry.Note()
				if entry.IsSnapshot() {
					note = "snapshot"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", i+1, note)
			}
			return nil
		}

		state := &txfinalizer.Record{}
		if err := history.ReplayInto(rec.History, historyIndex, state); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), state)
	},
}

func init() {
	historyCmd.Flags().StringVar(&recordPath, "record", "", "JSON record file, - for stdin")
	historyCmd.Flags().IntVarP(&historyIndex, "index", "n", 0, "number of entries to replay")
	rootCmd.AddCommand(historyCmd)
}
