package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	requestPath     string
	finalizeTimeout time.Duration
)

var finalizeCmd = &cobra.Command{
	Use:   "finalize",
	Short: "Finalize a JSON transaction request and print the approved record",
	Example: `  txfinalizer finalize -c config.yaml --request tx.json
  echo '{"chainId":1,"from":"0x...","to":"0x...","value":"0x1"}' | txfinalizer finalize --request -`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), finalizeTimeout)
		defer cancel()

		raw, err := readInput(cmd, requestPath)
		if err != nil {
			return err
		}

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		req := a.finalizer.R()
		if err := json.Unmarshal(raw, req); err != nil {
			return fmt.Errorf("couldn't decode request: %w", err)
		}
		rec, err := req.Execute(ctx)
		logMetrics(a.registry)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rec)
	},
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("an input file is required, use - for stdin")
	}
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("couldn't read %s: %w", path, err)
	}
	return raw, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func logMetrics(registry *prometheus.Registry) {
	families, err := registry.Gather()
	if err != nil {
		logger.WithFields(logger.Fields{"error": err}).Debug("couldn't gather metrics")
		return
	}
	for _, mf := range families {
		logger.WithFields(logger.Fields{
			"metric": mf.GetName(),
			"series": len(mf.GetMetric()),
		}).Debug("metric collected")
	}
}

func init() {
	finalizeCmd.Flags().StringVarP(&requestPath, "request", "r", "", "JSON request file, - for stdin")
	finalizeCmd.Flags().DurationVar(&finalizeTimeout, "timeout", 30*time.Second, "overall deadline")
	rootCmd.AddCommand(finalizeCmd)
}
