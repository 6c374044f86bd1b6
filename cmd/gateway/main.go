// Command gateway is the gateway-mesh entrypoint: load configuration,
// build the orchestrator, mount the admin and proxy routes, and run
// until a termination signal triggers a graceful shutdown. Grounded on
// services/api-gateway/cmd/server/main.go's load -> route -> serve ->
// signal-drain shape.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Mir00r/gateway-mesh/internal/config"
	"github.com/Mir00r/gateway-mesh/internal/gatewayerr"
	"github.com/Mir00r/gateway-mesh/internal/obslog"
	"github.com/Mir00r/gateway-mesh/internal/obsv"
	"github.com/Mir00r/gateway-mesh/internal/orchestrator"
	"github.com/Mir00r/gateway-mesh/internal/pipeline"
	"github.com/Mir00r/gateway-mesh/internal/proxy"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file (optional, GATEWAY_* env vars always apply)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gateway-mesh: failed to load configuration:", err)
		os.Exit(1)
	}

	log := obslog.New(cfg.Environment == "development")

	zapLogger, err := buildZapLogger(cfg.Environment)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gateway-mesh: failed to build zap logger:", err)
		os.Exit(1)
	}
	defer zapLogger.Sync() //nolint:errcheck

	errorReporter, err := obsv.NewErrorReporter(obsv.ErrorReporterConfig{
		ServiceName: cfg.Name,
		Environment: cfg.Environment,
		DSN:         cfg.Observability.SentryDSN,
		SampleRate:  cfg.Observability.SamplingRatio,
	}, zapLogger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gateway-mesh: failed to build error reporter:", err)
		os.Exit(1)
	}
	defer errorReporter.Flush(5 * time.Second)

	tracer, err := obsv.NewTracer(obsv.TracingConfig{
		ServiceName:    cfg.Name,
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		SamplingRatio:  cfg.Observability.SamplingRatio,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "gateway-mesh: failed to build tracer:", err)
		os.Exit(1)
	}

	orch, err := orchestrator.New(cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gateway-mesh: failed to build orchestrator:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "gateway-mesh: failed to start orchestrator:", err)
		os.Exit(1)
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := setupRouter(cfg, orch, tracer, errorReporter)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ListenPort),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Timeouts.RequestMS) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.Timeouts.RequestMS) * time.Millisecond,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Event(logrus.InfoLevel, "", logrus.Fields{
			"port":        cfg.ListenPort,
			"environment": cfg.Environment,
		}, "gateway-mesh starting")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Event(logrus.ErrorLevel, "", logrus.Fields{"error": err.Error()}, "listener failed, exiting")
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Event(logrus.InfoLevel, "", nil, "shutdown signal received")

	grace := time.Duration(cfg.Timeouts.ShutdownGraceMS) * time.Millisecond
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), grace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Event(logrus.ErrorLevel, "", logrus.Fields{"error": err.Error()}, "listener forced to shutdown")
	}

	orch.Shutdown(grace)

	tracerShutdownCtx, tracerShutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer tracerShutdownCancel()
	if err := tracer.Shutdown(tracerShutdownCtx); err != nil {
		log.Event(logrus.WarnLevel, "", logrus.Fields{"error": err.Error()}, "tracer shutdown did not complete cleanly")
	}

	log.Event(logrus.InfoLevel, "", nil, "gateway-mesh exiting")
}

func buildZapLogger(environment string) (*zap.Logger, error) {
	if environment == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func setupRouter(cfg *config.Config, orch *orchestrator.Orchestrator, tracer *obsv.Tracer, errorReporter *obsv.ErrorReporter) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-API-Key", "X-Request-ID"},
		ExposeHeaders:    []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", orch.Admin.Health)
	router.GET("/metrics", orch.Admin.Metrics)
	router.GET("/services", orch.Admin.Services)
	router.GET("/admin/prometheus", gin.WrapH(orch.Admin.Prometheus()))

	router.Any("/:version/:service/*rest", proxyHandler(cfg, orch, tracer, errorReporter))

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":     "route not found",
			"requestId": "",
		})
	})

	return router
}

// proxyHandler adapts one gin request into a pipeline.Input, resolves it
// through the orchestrator, and forwards it to the selected instance.
func proxyHandler(cfg *config.Config, orch *orchestrator.Orchestrator, tracer *obsv.Tracer, errorReporter *obsv.ErrorReporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		serviceName := c.Param("service")
		version := c.Param("version")

		ctx, span := tracer.StartSpan(c.Request.Context(), "gateway.proxy_request",
			attribute.String("service.name", serviceName),
			attribute.String("api.version", version),
		)
		defer span.End()
		defer errorReporter.CapturePanic("", "proxy_request")

		rawBody, err := readBody(c)
		if err != nil {
			writeError(c, gatewayerr.Wrap(gatewayerr.BadRequest, "failed to read request body", err))
			return
		}

		in := buildInput(c, cfg, rawBody)

		result, instance, gerr := orch.Resolve(in, serviceName)
		if gerr != nil {
			tracer.RecordError(span, gerr)
			if gerr.Kind == gatewayerr.Internal {
				errorReporter.CaptureInternal(gerr, gerr.RequestID, "orchestrator.resolve")
			}
			writeError(c, gerr)
			return
		}

		requestID := result.Context.RequestID
		c.Header("X-Request-ID", requestID)
		c.Header("X-Gateway-Name", cfg.Name)
		c.Header("X-Gateway-Version", cfg.Version)
		if result.RateLimit.Limit > 0 {
			c.Header("X-RateLimit-Limit", itoa(result.RateLimit.Limit))
			c.Header("X-RateLimit-Remaining", itoa(result.RateLimit.Remaining))
			c.Header("X-RateLimit-Reset", itoa64(result.RateLimit.ResetUnix))
		}

		if result.Bypassed {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "requestId": requestID})
			return
		}

		defer orch.Release(serviceName, instance)

		path := proxy.StripServicePrefix(c.Request.URL.Path, version, serviceName)

		resp, gerr := orch.Proxy.Forward(ctx, c.Request.Method, path, requestID, version, instance, c.Request.Header, rawBody)
		if gerr != nil {
			tracer.RecordError(span, gerr)
			if gerr.Kind == gatewayerr.Internal || gerr.Kind == gatewayerr.BadGateway {
				errorReporter.CaptureInternal(gerr, requestID, "proxy.forward")
			}
			writeError(c, gerr)
			return
		}

		for key, values := range resp.Header {
			for _, v := range values {
				c.Header(key, v)
			}
		}
		c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), resp.Body)
	}
}

// buildInput adapts one gin request into a pipeline.Input. rawBody is the
// full request body, already read once by readBody so the schema stage
// and the upstream forward both see the same bytes.
func buildInput(c *gin.Context, cfg *config.Config, rawBody []byte) pipeline.Input {
	in := pipeline.Input{
		Method:        c.Request.Method,
		Path:          c.Request.URL.Path,
		RemoteIP:      c.ClientIP(),
		UserAgent:     c.Request.UserAgent(),
		ContentLength: c.Request.ContentLength,
		ContentType:   c.ContentType(),
		MTLSHeader:    c.GetHeader(cfg.Policies.MTLS.Header),
	}

	if auth := c.GetHeader("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
		in.BearerToken = auth
	}
	in.APIKey = c.GetHeader("X-API-Key")

	if c.ContentType() == "application/json" && len(rawBody) > 0 {
		var body map[string]interface{}
		if err := json.Unmarshal(rawBody, &body); err == nil {
			in.Body = body
		}
	}

	return in
}

// readBody drains the request body into memory once, restoring
// c.Request.Body so any later middleware can still read it if needed.
func readBody(c *gin.Context) ([]byte, error) {
	if c.Request.Body == nil {
		return nil, nil
	}
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, err
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))
	return raw, nil
}

func writeError(c *gin.Context, err *gatewayerr.Error) {
	c.JSON(err.HTTPStatus(), gatewayerr.ToBody(err, err.RequestID))
}

func itoa(n int) string  { return fmt.Sprintf("%d", n) }
func itoa64(n int64) string { return fmt.Sprintf("%d", n) }
