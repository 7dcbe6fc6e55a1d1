package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/llgbridge/internal/api"
	"github.com/samcharles93/llgbridge/internal/logger"
	"github.com/samcharles93/llgbridge/internal/webui"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		noUI        bool
	)

	flags := append(tokenizerFlags(), sessionFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
		&cli.BoolFlag{
			Name:        "no-ui",
			Usage:       "do not serve the playground page at /",
			Destination: &noUI,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve constraint sessions over HTTP",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, LoadConfig(), &addr)

			env, err := loadEnv()
			if err != nil {
				return err
			}
			cfg, err := newConstraintConfig(env)
			if err != nil {
				return err
			}

			store := api.NewSessionStore()
			defer store.CloseAll()
			server := api.NewServer(store, cfg, log.WithGroup("api"))
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			if !noUI {
				webui.Register(e)
			}
			log.Info("starting server", "address", addr, "vocab_size", env.Trie().VocabSize())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
