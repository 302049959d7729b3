package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/urfave/cli/v2"

	"github.com/webitel/mail-auth-gateway/config"
)

const ServiceName = "mail-auth-gateway"

func Run() error {
	app := &cli.App{
		Name:  ServiceName,
		Usage: "Email authentication gateway (milter and SMTP proxy)",
		Commands: []*cli.Command{
			serverCmd(),
			monitorCmd(),
		},
	}

	return app.Run(os.Args)
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Run the gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config_file",
				Usage: "Path to the configuration file",
			},
			&cli.BoolFlag{
				Name:  "dryrun",
				Usage: "Suppress header mutations",
			},
		},
		Action: func(c *cli.Context) error {
			flags := pflag.NewFlagSet(ServiceName, pflag.ContinueOnError)
			flags.Bool("dryrun", c.Bool("dryrun"), "suppress header mutations")

			cfg, err := config.Load(c.String("config_file"), flags)
			if err != nil {
				return err
			}
			app := NewApp(cfg)

			if err := app.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("Shutting down...")
			return app.Stop(context.Background())
		},
	}
}
