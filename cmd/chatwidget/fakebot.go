package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-go-golems/chatwidget/pkg/bottest"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newFakeBotCmd() *cobra.Command {
	var (
		addr     string
		certFile string
		keyFile  string
	)
	cmd := &cobra.Command{
		Use:   "fake-bot",
		Short: "Serve a local echo bot for manual testing",
		Long: `Serve a local echo bot. POST requests get a JSON reply and websocket
clients get one frame per request. Pass --cert and --key to serve TLS, which
wss:// bot urls require.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (certFile == "") != (keyFile == "") {
				return errors.New("--cert and --key must be used together")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := &http.Server{
				Addr:              addr,
				Handler:           bottest.New(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			eg, gctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				log.Info().Str("addr", addr).Bool("tls", certFile != "").Msg("fake bot listening")
				var err error
				if certFile != "" {
					err = srv.ListenAndServeTLS(certFile, keyFile)
				} else {
					err = srv.ListenAndServe()
				}
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			})
			eg.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return eg.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8089", "listen address")
	cmd.Flags().StringVar(&certFile, "cert", "", "TLS certificate file")
	cmd.Flags().StringVar(&keyFile, "key", "", "TLS key file")
	return cmd
}
