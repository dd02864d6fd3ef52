package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/lyndonlyu/upkeep/internal/api"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the operator HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	addr := a.cfg.Server.Listen
	if serveListen != "" {
		addr = serveListen
	}
	token := a.cfg.Server.AdminToken
	if env := os.Getenv("UPKEEP_ADMIN_TOKEN"); env != "" {
		token = env
	}
	if token == "" {
		log.Warn("no admin token configured, the update API is unauthenticated")
	}

	router := api.NewRouter(api.Options{
		Updates:    a.updates,
		Rollbacks:  a.rollbacks,
		AdminToken: token,
		Health:     a.health,
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("serving update API on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infof("received %s, shutting down", sig)
	case err := <-errCh:
		return err
	}

	// A running pipeline keeps its request open; give it time to finish.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	if a.updates.InProgress() {
		log.Warn("waiting for the running update pipeline to finish")
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}
