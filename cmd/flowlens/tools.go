package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ILLUVRSE/flowlens/internal/config"
	"github.com/ILLUVRSE/flowlens/internal/explain"
	"github.com/ILLUVRSE/flowlens/internal/logging"
	"github.com/ILLUVRSE/flowlens/internal/models"
	"github.com/ILLUVRSE/flowlens/internal/signature"
)

func newSignCmd() *cobra.Command {
	var file, secret string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Compute the ingest signature for a request body",
		Long: `Reads a request body from --file (or stdin) and prints the hex
HMAC-SHA256 value expected in the x-flowlens-signature header.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				cfg, err := config.Load()
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				secret = cfg.HMACSecret
			}
			var in io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			body, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), signature.Sign([]byte(secret), body))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "request body file (default stdin)")
	cmd.Flags().StringVar(&secret, "secret", "", "shared secret (default FLOWLENS_HMAC_SECRET)")
	return cmd
}

type explainOutput struct {
	models.ExplanationResult
	LogsAnalyzed int  `json:"logsAnalyzed"`
	DealFetched  bool `json:"dealFetched"`
}

func newExplainCmd() *cobra.Command {
	var q explain.Query
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Explain a deal's workflow run from the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			st, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			enr, err := buildEnricher(cfg, logger)
			if err != nil {
				return err
			}
			svc := explain.New(st, nil, enr, explain.Config{
				RecentLimit:   cfg.RecentLimit,
				EnrichTimeout: cfg.EnrichTimeout,
			}, logger)
			res, err := svc.Explain(ctx, q)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(explainOutput{
				ExplanationResult: res.Explanation,
				LogsAnalyzed:      res.LogsAnalyzed,
				DealFetched:       res.ContextFetched,
			})
		},
	}
	cmd.Flags().StringVar(&q.PortalID, "portal", "", "portal id")
	cmd.Flags().StringVar(&q.WorkflowID, "workflow", "", "workflow id")
	cmd.Flags().StringVar(&q.DealID, "deal", "", "deal id")
	cmd.Flags().StringVar(&q.Expectation, "expectation", "", "what the caller expected to happen")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall deadline")
	return cmd
}
