package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mmdatafocus/vendsync/api"
	"github.com/mmdatafocus/vendsync/config"
	"github.com/mmdatafocus/vendsync/internal/bootstrap"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("VENDSYNC_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.NewLogger()
	settings, err := config.LoadSyncSettings()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "settings"}).Fatal(err.Error())
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Listen first; app routes answer 503 until the engine is attached.
	server := api.NewServer(logger)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	e, closeAll, err := bootstrap.Connect(sigCtx, logger, settings, bootstrap.Options{Migrate: true, PubSub: true})
	defer closeAll()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "bootstrap"}).Error(err.Error())
		shutdown(srv, logger)
		return
	}
	server.SetEngine(e)

	schedulerCtx, cancelScheduler := context.WithCancel(sigCtx)
	defer cancelScheduler()
	if config.EnvBoolDefault("VENDSYNC_SCHEDULER_ENABLED", true) {
		go e.Scheduler.Start(schedulerCtx, settings.ReconcileInterval)
	}

	logger.WithFields(logrus.Fields{"field": "server", "port": port}).Info("vendsync service started")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err.Error())
		}
	}
	cancelScheduler()
	shutdown(srv, logger)
}

func shutdown(srv *http.Server, logger *logrus.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithFields(logrus.Fields{"field": "server"}).Error("shutdown: " + err.Error())
	}
}
