package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v3"

	"github.com/petervdpas/linkup/internal/app"
	"github.com/petervdpas/linkup/internal/config"
	"github.com/petervdpas/linkup/internal/relay"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "linkup",
		Usage: "one-to-one calling, chat and file transfer over a signaling relay",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "log level (debug, info, warn, error)",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			lvl, err := logging.LevelFromString(cmd.String("log-level"))
			if err != nil {
				return ctx, fmt.Errorf("log-level: %w", err)
			}
			logging.SetAllLoggers(lvl)
			return ctx, nil
		},
		Commands: []*cli.Command{
			relayCommand(),
			clientCommand(),
		},
	}
}

func relayCommand() *cli.Command {
	return &cli.Command{
		Name:  "relay",
		Usage: "run the signaling relay server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Aliases: []string{"a"},
				Usage:   "listen address",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.LoadRelay()
			if err != nil {
				return err
			}
			if addr := cmd.String("addr"); addr != "" {
				cfg.Addr = addr
			}
			return relay.NewServer().ListenAndServe(ctx, cfg.Addr)
		},
	}
}

func clientCommand() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "run a peer client",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "relay",
				Aliases: []string{"r"},
				Usage:   "relay websocket url",
			},
			&cli.StringFlag{
				Name:    "username",
				Aliases: []string{"u"},
				Usage:   "display name announced to the relay",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.LoadClient()
			if err != nil {
				return err
			}
			if url := cmd.String("relay"); url != "" {
				cfg.RelayURL = url
			}
			if name := cmd.String("username"); name != "" {
				cfg.Username = name
			}
			return app.RunClient(ctx, cfg)
		},
	}
}
