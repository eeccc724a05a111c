package main

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spec-kit/referral-service/internal/service"
)

const defaultBatchSize = 500

func newClosureCmd() *cobra.Command {
	var batchSize int

	closureCmd := &cobra.Command{
		Use:   "closure",
		Short: "Rebuild or verify referral_closure from users.referrer_ref",
	}
	closureCmd.PersistentFlags().IntVar(&batchSize, "batch-size", defaultBatchSize, "Users loaded per page while walking the table")

	closureCmd.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Insert every missing closure row",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runClosure(cmd, func(svc *service.ClosureService) (service.ClosureReport, error) {
				return svc.Rebuild(cmd.Context(), batchSize)
			})
		},
	})
	closureCmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Compare closure rows with the referrer chain; exits non-zero on divergence",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runClosure(cmd, func(svc *service.ClosureService) (service.ClosureReport, error) {
				report, err := svc.Verify(cmd.Context(), batchSize)
				if err != nil {
					return report, err
				}
				if !report.Consistent() {
					return report, errClosureDiverged
				}
				return report, nil
			})
		},
	})
	return closureCmd
}

var errClosureDiverged = errors.New("closure table diverges from referrer chain")

func runClosure(cmd *cobra.Command, op func(*service.ClosureService) (service.ClosureReport, error)) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.close()

	c, err := s.container(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	report, opErr := op(c.ClosureSvc)
	s.logger.Info("closure report",
		zap.Int("users", report.Users),
		zap.Int("expected", report.Expected),
		zap.Int("inserted", report.Inserted),
		zap.Int("missing", len(report.Missing)),
		zap.Int("wrong", len(report.Wrong)),
		zap.Int("extra", len(report.Extra)),
	)
	if err := writeReport(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	return opErr
}

func writeReport(w io.Writer, report service.ClosureReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
