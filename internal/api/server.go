// Package api exposes the command surface over HTTP.
//
// Every route answers with a polybase.Envelope. The HTTP status is derived from
// the envelope's error code so clients can branch on either.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adrianmcphee/polybase"
)

const requestIDHeader = "X-Request-Id"

// Server routes HTTP requests onto polybase.Commands.
type Server struct {
	cmds     *polybase.Commands
	logger   polybase.Logger
	metrics  polybase.Metrics
	gatherer prometheus.Gatherer
	engine   *gin.Engine

	shutdownTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l polybase.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records request counts and latencies.
func WithMetrics(m polybase.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithGatherer serves g on GET /metrics. Without it the route is not mounted.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithShutdownTimeout bounds how long ListenAndServe drains in-flight requests.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) { s.shutdownTimeout = d }
}

// New builds the router.
func New(cmds *polybase.Commands, opts ...Option) *Server {
	s := &Server{
		cmds:            cmds,
		logger:          &polybase.NoOpLogger{},
		metrics:         &polybase.NoOpMetrics{},
		shutdownTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	engine := gin.New()
	engine.Use(s.requestID(), s.recovery(), s.observe())

	engine.GET("/healthz", s.health)
	if s.gatherer != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := engine.Group("/v1")
	v1.POST("/plans", s.createPlan)
	v1.POST("/projects/:id/switch", s.switchProvider)
	v1.POST("/recommendations", s.recommend)
	v1.POST("/migrations", s.migrate)

	engine.NoRoute(func(c *gin.Context) {
		respond(c, polybase.Fail(polybase.WithContext(polybase.ErrNotFound, map[string]interface{}{
			"path": c.Request.URL.Path,
		})))
	})

	s.engine = engine
	return s
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is done, then drains in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe over an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("HTTP API listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown HTTP API: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) createPlan(c *gin.Context) {
	var req polybase.CreatePlanRequest
	if !bind(c, &req) {
		return
	}
	respond(c, s.cmds.CreatePlan(c.Request.Context(), req))
}

func (s *Server) switchProvider(c *gin.Context) {
	var req polybase.SwitchProviderRequest
	if !bind(c, &req) {
		return
	}
	req.ProjectID = c.Param("id")
	respond(c, s.cmds.SwitchProvider(c.Request.Context(), req))
}

func (s *Server) recommend(c *gin.Context) {
	var req polybase.Requirements
	if !bind(c, &req) {
		return
	}
	respond(c, s.cmds.Recommend(req))
}

func (s *Server) migrate(c *gin.Context) {
	var req polybase.MigrateRequest
	if !bind(c, &req) {
		return
	}
	respond(c, s.cmds.Migrate(c.Request.Context(), req))
}

func (s *Server) health(c *gin.Context) {
	respond(c, s.cmds.Health(c.Request.Context()))
}

// bind decodes the JSON body into dst, answering 400 on failure.
func bind(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		respond(c, polybase.Fail(polybase.Wrap(polybase.ErrInvalidData, err, map[string]interface{}{
			"reason": "malformed request body",
		})))
		return false
	}
	return true
}

func respond(c *gin.Context, env polybase.Envelope) {
	c.JSON(StatusFor(env), env)
}

// StatusFor maps an envelope onto an HTTP status code.
func StatusFor(env polybase.Envelope) int {
	if env.Success || env.Error == nil {
		return http.StatusOK
	}
	switch env.Error.Code {
	case "INVALID_CONFIG", "INVALID_DATA":
		return http.StatusBadRequest
	case "UNAUTHORIZED":
		return http.StatusUnauthorized
	case "NOT_FOUND":
		return http.StatusNotFound
	case "ALREADY_EXISTS", "CONFLICT":
		return http.StatusConflict
	case "MIGRATION_STEP_FAILED":
		return http.StatusUnprocessableEntity
	case "UNSUPPORTED":
		return http.StatusNotImplemented
	case "SERVICE_UNAVAILABLE", "INITIALIZATION_FAILED":
		return http.StatusServiceUnavailable
	case "TIMEOUT":
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Panic recovered",
					"error", fmt.Sprint(r),
					"stack", string(debug.Stack()),
					"path", c.Request.URL.Path,
					"request_id", c.GetString("request_id"),
				)
				env := polybase.Fail(fmt.Errorf("internal server error"))
				c.AbortWithStatusJSON(http.StatusInternalServerError, env)
			}
		}()
		c.Next()
	}
}

// observe logs and measures every request except health probes.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		latency := time.Since(start)

		s.metrics.Increment(polybase.MetricHTTPRequests, "route", route, "status", strconv.Itoa(status))
		s.metrics.Timing(polybase.MetricHTTPDuration, latency, "route", route)

		if route == "/healthz" || route == "/metrics" {
			return
		}
		fields := []interface{}{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency", latency.String(),
			"request_id", c.GetString("request_id"),
		}
		switch {
		case status >= 500:
			s.logger.Error("Request failed", fields...)
		case status >= 400:
			s.logger.Warn("Request rejected", fields...)
		default:
			s.logger.Info("Request handled", fields...)
		}
	}
}
