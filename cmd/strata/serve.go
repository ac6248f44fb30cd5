package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/statusapi"
)

var addr string

const readTimeout = 10 * time.Second

func serveCmd() *cli.Command {
	flags := append(modelFlags(),
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address for the status API",
			Value:       "127.0.0.1:9464",
			Destination: &addr,
		},
	)
	return &cli.Command{
		Name:  "serve",
		Usage: "Load a model and expose pool status and metrics over HTTP",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cfg.StatusAddress != "" && !cmd.IsSet("addr") {
				addr = cfg.StatusAddress
			}
			log := logger.FromContext(ctx)

			m, err := loadModel(ctx, cmd)
			if err != nil {
				return err
			}
			defer func() {
				if err := m.Close(); err != nil {
					log.Warn("pool clear failed", "error", err)
				}
			}()

			server := statusapi.NewServer(m, log)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting status server", "address", addr, "tensors", m.Pool().Len())
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
