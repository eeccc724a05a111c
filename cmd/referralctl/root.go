package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spec-kit/referral-service/internal/app"
	"github.com/spec-kit/referral-service/internal/config"
	"github.com/spec-kit/referral-service/internal/observability"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "referralctl",
		Short:         "Maintain the referral hierarchy store",
		Long:          `Apply schema migrations and rebuild or verify the referral closure table.`,
		SilenceUsage:  true,
	}
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newClosureCmd())
	return root
}

// session holds what a subcommand needs for one run.
type session struct {
	cfg    *config.Config
	logger *zap.Logger
}

func openSession() (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := observability.NewLogger(cfg.App, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return &session{cfg: cfg, logger: logger}, nil
}

// container builds the services without a result cache or event broker,
// neither of which maintenance commands touch.
func (s *session) container(ctx context.Context) (*app.Container, error) {
	cfg := *s.cfg
	cfg.Cache.Backend = config.CacheBackendNone
	cfg.Events.KafkaBrokers = nil
	return app.New(ctx, &cfg, s.logger)
}

func (s *session) close() {
	_ = s.logger.Sync()
}
