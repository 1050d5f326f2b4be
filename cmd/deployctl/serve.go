package main

import (
	"context"
	"fmt"

	"github.com/narvanalabs/deployctl/internal/api"
	"github.com/narvanalabs/deployctl/internal/dispatch"
	"github.com/narvanalabs/deployctl/internal/shutdown"
	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Receive GitHub webhooks and run the pipeline for each push",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&host, "host", "", "Listen address (env API_HOST)")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (env API_PORT)")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		sc := a.cfg.Server
		if host != "" {
			sc.Host = host
		}
		if port != 0 {
			sc.Port = port
		}
		if sc.WebhookSecret == "" {
			return fmt.Errorf("WEBHOOK_SECRET is required")
		}

		b, err := a.openBackends(ctx)
		if err != nil {
			return err
		}
		p, res, err := a.newPipeline(b, nil, false)
		if err != nil {
			b.Close()
			return err
		}

		dispatcher := dispatch.New(p, sc.WorkDir, a.log.Logger, dispatch.WithToken(a.cfg.GitHub.Token))
		matches := func(ref string) bool {
			_, ok := res.Match(ref)
			return ok
		}
		server := api.NewServer(&api.Config{
			Host:          sc.Host,
			Port:          sc.Port,
			WebhookSecret: sc.WebhookSecret,
			Repository:    a.cfg.GitHub.Repository,
			Component:     a.cfg.Component,
			ServerURL:     a.cfg.GitHub.ServerURL,
		}, dispatcher, matches, b.health, b.metrics.Registry(), a.log.Logger)

		coordinator := shutdown.NewCoordinator(
			shutdown.WithTimeout(a.shutdownTimeout()),
			shutdown.WithLogger(a.log.Logger),
		)
		coordinator.Register(shutdown.NewCloserComponent("backends", b))
		coordinator.Register(dispatcher)
		coordinator.Register(server)

		serveCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start(serveCtx)
			cancel()
		}()

		coordinator.WaitForSignal(serveCtx)
		coordinator.Wait()

		if err := <-errCh; err != nil {
			return err
		}
		if code := coordinator.ExitCode(); code != 0 {
			return &exitError{code: code}
		}
		return nil
	}
	return cmd
}
