package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sovereign-ledger/sovereign/internal/trail"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the read-only inspection server",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		defer logger.Sync() //nolint:errcheck

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		tr, cleanup, err := buildTrail(ctx, logger)
		if err != nil {
			return err
		}
		defer cleanup()

		srv := &http.Server{
			Addr:              viper.GetString("serve.addr"),
			Handler:           newRouter(tr),
			ReadHeaderTimeout: 5 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("inspection server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

// newRouter builds the read-only API. There is deliberately no write
// endpoint: events enter through the library or the log command.
func newRouter(tr *trail.Trail) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")

	api.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, trailStatus(tr))
	})

	api.GET("/verify", func(c *gin.Context) {
		report := tr.VerifyIntegrity(c.Request.Context())
		code := http.StatusOK
		if !report.OK {
			code = http.StatusConflict
		}
		c.JSON(code, report)
	})

	api.GET("/events/:id/proof", func(c *gin.Context) {
		bundle, err := tr.ProofBundle(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, bundle)
	})

	return r
}
