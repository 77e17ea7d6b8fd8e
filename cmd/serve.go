package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"keyfeed/pkg/keyserver"
)

var (
	serveListen string
	serveAESKey string
	serveAESIV  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run a stand-in key service",
	Long: `The serve command runs a local key service that speaks the same
signed JSON protocol the pull command expects. It issues deterministic keys,
so it can stand in for a production licensing backend during development,
and it offers canned failure behaviors for exercising client error paths.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.PersistentFlags().StringVarP(
		&serveListen,
		"listen",
		"l",
		":8080",
		"Address where to listen.",
	)
	serveCmd.PersistentFlags().StringVar(
		&serveAESKey,
		"aes-key",
		"",
		"Hex encoded AES signing key. When set, request signatures are verified against it.",
	)
	serveCmd.PersistentFlags().StringVar(
		&serveAESIV,
		"aes-iv",
		"",
		"Hex encoded AES initialization vector that goes with --aes-key.",
	)
}

func runServe(cmd *cobra.Command, args []string) error {
	var aesKey, aesIV []byte
	if serveAESKey != "" {
		var err error
		aesKey, err = hex.DecodeString(serveAESKey)
		if err != nil {
			return fmt.Errorf("decoding --aes-key: %w", err)
		}
		aesIV, err = hex.DecodeString(serveAESIV)
		if err != nil {
			return fmt.Errorf("decoding --aes-iv: %w", err)
		}
	}

	service, err := keyserver.New(aesKey, aesIV)
	if err != nil {
		return err
	}
	service.Verbose = true

	mux := http.NewServeMux()
	mux.Handle("/", service)
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: serveListen, Handler: mux}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logrus.WithField("listen", serveListen).Info("key service listening")
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	logrus.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
