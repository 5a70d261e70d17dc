package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	v := viper.New()
	v.SetDefault("provider_mock_port", "8090")
	v.SetDefault("provider_mock_public_url", "http://localhost:8090")
	v.SetDefault("nowpayments_api_key", "mock-api-key")
	v.SetDefault("nowpayments_ipn_secret", "mock-ipn-secret")
	v.AutomaticEnv()

	port := v.GetString("provider_mock_port")
	provider := NewProvider(
		v.GetString("nowpayments_api_key"),
		v.GetString("nowpayments_ipn_secret"),
		strings.TrimRight(v.GetString("provider_mock_public_url"), "/"),
		logger,
	)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      provider.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.WithField("port", port).Info("Starting payment provider mock")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start HTTP server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down payment provider mock...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server forced to shutdown")
	}
}
