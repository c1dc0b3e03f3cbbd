package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/keyset-restore/api/server"
	"github.com/ruteri/keyset-restore/cmd/flags"
	"github.com/ruteri/keyset-restore/common"
	"github.com/ruteri/keyset-restore/config"
	"github.com/ruteri/keyset-restore/metrics"
	"github.com/ruteri/keyset-restore/node"
	"github.com/urfave/cli/v2"
)

var flagConfig = &cli.StringFlag{
	Name:     "config",
	Aliases:  []string{"c"},
	Required: true,
	Usage:    "path to the node YAML config",
	EnvVars:  []string{"KEYSET_RESTORE_CONFIG"},
}

func main() {
	app := &cli.App{
		Name:  "keyset-restore-node",
		Usage: "Restore threshold key shares from encrypted backups and rebind them to the next validator set",
		Flags: append([]cli.Flag{flagConfig, flags.LogServiceFlagFn("keyset-restore-node")}, flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			cfg, err := config.Load(cCtx.String(flagConfig.Name))
			if err != nil {
				logger.Error("Invalid configuration", "err", err)
				return err
			}
			srvCfg := flags.ConfigureServer(cCtx, logger, cfg.ListenAddr)

			metricsSrv, err := metrics.New(common.MetricsNamespace, srvCfg.MetricsAddr)
			if err != nil {
				logger.Error("Failed to create metrics server", "err", err)
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			n, err := node.FromConfig(ctx, cfg, metricsSrv.Collector(), logger)
			if err != nil {
				logger.Error("Failed to assemble node", "err", err)
				return err
			}
			defer n.Close()

			srv := server.New(srvCfg, metricsSrv, n.Handlers()...)
			srv.RunInBackground()

			logger.Info("Node is running, press Ctrl+C to stop", "address", n.Address().Hex())
			err = n.Run(ctx)
			logger.Info("Shutdown signal received")
			srv.Shutdown()
			logger.Info("Server shutdown complete")

			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
