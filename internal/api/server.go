// Package api exposes activation extraction over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/samcharles93/grabber/internal/activations"
	"github.com/samcharles93/grabber/internal/arrowio"
	"github.com/samcharles93/grabber/internal/logger"
	"github.com/samcharles93/grabber/internal/metrics"
	"github.com/samcharles93/grabber/internal/subject"
)

const (
	routeActivations = "/v1/activations"
	routeTokens      = "/v1/tokens"
	routeModel       = "/v1/model"
	routeMetrics     = "/metrics"
	routeHealth      = "/healthz"
)

// Subject is a loaded model that can describe itself.
type Subject interface {
	activations.Subject
	Info() subject.Info
}

type Options struct {
	// DefaultLayers applies when a request omits layers. Nil means every
	// layer.
	DefaultLayers []int
	DefaultFormat activations.OutputFormat
	// MaxConcurrent bounds in-flight forward passes. Values below one mean
	// one.
	MaxConcurrent int
	// RateLimit is requests per second across all clients. Zero disables
	// limiting.
	RateLimit float64
	RateBurst int
	Logger    logger.Logger
}

type Server struct {
	subject Subject
	grabber *activations.Grabber
	opts    Options
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	log     logger.Logger
	clock   func() time.Time
	started time.Time
}

func NewServer(s Subject, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	return &Server{
		subject: s,
		grabber: activations.New(s),
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(max(opts.MaxConcurrent, 1))),
		limiter: rate.NewLimiter(limit, max(opts.RateBurst, 1)),
		log:     log.With("component", "api"),
		clock:   time.Now,
		started: time.Now(),
	}
}

func (s *Server) Register(e *echo.Echo) {
	limited := s.rateLimit()
	e.POST(routeActivations, s.handleActivations, limited)
	e.POST(routeTokens, s.handleTokens, limited)
	e.GET(routeModel, s.handleModel)
	e.GET(routeHealth, s.handleHealth)
	e.GET(routeMetrics, echo.WrapHandler(promhttp.Handler()))
}

func (s *Server) rateLimit() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if !s.limiter.Allow() {
				metrics.RecordRateLimited()
				return writeError(c, c.Request().URL.Path, http.StatusTooManyRequests, "rate_limit_error", "too many requests", "")
			}
			return next(c)
		}
	}
}

func (s *Server) handleActivations(c *echo.Context) error {
	req, err := decodeJSON[ActivationsRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, routeActivations, err.Error())
	}
	cfg, err := s.resolveConfig(req)
	if err != nil {
		return s.writeExtractError(c, routeActivations, err)
	}

	id := newActivationsID()
	ctx := logger.WithContext(c.Request().Context(), s.log.With("request_id", id))
	res, err := s.extract(ctx, req.Input.Texts, cfg)
	if err != nil {
		return s.writeExtractError(c, routeActivations, err)
	}

	if wantsArrow(c.Request()) {
		metrics.RecordHTTPRequest(routeActivations, "200")
		h := c.Response().Header()
		h.Set(echo.HeaderContentType, arrowio.ContentType)
		h.Set("X-Request-Id", id)
		c.Response().WriteHeader(http.StatusOK)
		return arrowio.WriteStream(c.Response(), res)
	}

	resp := ActivationsResponse{
		ID:            id,
		Object:        "activations",
		Created:       s.clock().Unix(),
		Model:         s.subject.Info().Name,
		Activations:   res.Activations,
		Tokens:        res.Tokens,
		TokenIDs:      res.TokenIDs,
		AttentionMask: res.AttentionMask,
		Layers:        res.Layers,
	}
	if req.Stats {
		resp.Stats = s.grabber.Stats(res, 8)
	}
	return writeEncoded(c, routeActivations, http.StatusOK, resp)
}

func (s *Server) resolveConfig(req ActivationsRequest) (activations.Config, error) {
	cfg := activations.Config{Layers: req.Layers, Format: s.opts.DefaultFormat}
	if !req.Input.Set() {
		return cfg, newInvalidRequest("input", "input is required")
	}
	if req.Format != "" {
		f, err := activations.ParseFormat(req.Format)
		if err != nil {
			return cfg, newInvalidRequest("format", "%v", err)
		}
		cfg.Format = f
	}
	if cfg.Layers == nil {
		cfg.Layers = s.opts.DefaultLayers
	}
	return cfg, nil
}

func (s *Server) extract(ctx context.Context, inputs []string, cfg activations.Config) (*activations.Result, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)
	return s.grabber.Extract(ctx, inputs, cfg)
}

func (s *Server) handleTokens(c *echo.Context) error {
	req, err := decodeJSON[TokensRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, routeTokens, err.Error())
	}
	batch, err := activations.TokenizeBatch(s.subject, req.Input.Texts)
	if err != nil {
		return s.writeExtractError(c, routeTokens, err)
	}
	tokens := make([][]string, len(batch.InputIDs))
	for b, row := range batch.InputIDs {
		tokens[b] = make([]string, len(row))
		for t, id := range row {
			if tokens[b][t], err = s.subject.Decode([]int{id}); err != nil {
				return s.writeExtractError(c, routeTokens, err)
			}
		}
	}
	return writeJSON(c, routeTokens, http.StatusOK, TokensResponse{
		Object:        "tokens",
		Model:         s.subject.Info().Name,
		Tokens:        tokens,
		TokenIDs:      batch.InputIDs,
		AttentionMask: batch.AttentionMask,
	})
}

func (s *Server) handleModel(c *echo.Context) error {
	return writeJSON(c, routeModel, http.StatusOK, ModelResponse{Object: "model", Info: s.subject.Info()})
}

func (s *Server) handleHealth(c *echo.Context) error {
	return writeJSON(c, routeHealth, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": s.clock().Sub(s.started).Round(time.Second).String(),
	})
}

func (s *Server) writeExtractError(c *echo.Context, route string, err error) error {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return writeError(c, route, http.StatusBadRequest, "invalid_request_error", err.Error(), requestParam(err))
	case errors.Is(err, activations.ErrEmptyInput):
		return writeError(c, route, http.StatusBadRequest, "empty_input_error", err.Error(), "input")
	case errors.Is(err, activations.ErrInvalidLayer):
		return writeError(c, route, http.StatusBadRequest, "invalid_layer_error", err.Error(), "layers")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return writeError(c, route, http.StatusServiceUnavailable, "cancelled_error", err.Error(), "")
	default:
		s.log.Error("extraction failed", "route", route, "error", err)
		return writeError(c, route, http.StatusInternalServerError, "execution_error", err.Error(), "")
	}
}

func wantsArrow(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get(echo.HeaderAccept), ",") {
		mt, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(mt, arrowio.ContentType) {
			return true
		}
	}
	return false
}
