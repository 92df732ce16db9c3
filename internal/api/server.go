package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	xerrors "github.com/JohnLonginotto/SeQC/internal/errors"
	"github.com/JohnLonginotto/SeQC/internal/observability/metrics"
	"github.com/JohnLonginotto/SeQC/internal/query"
	"github.com/JohnLonginotto/SeQC/pkg/logger"
)

// Server 负责暴露查询服务的 REST 接口。
type Server struct {
	addr    string
	svc     *query.Service
	metrics *metrics.Metrics
	static  string
	logger  *slog.Logger
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithMetrics 设置指标集合，默认使用进程级的 Metrics。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithStaticDir 在未匹配的路径上提供前端静态文件。
func WithStaticDir(dir string) Option {
	return func(s *Server) { s.static = dir }
}

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc *query.Service, opts ...Option) *Server {
	s := &Server{addr: addr, svc: svc, metrics: metrics.Default(), logger: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// ListenAddress 根据 settings 表决定监听地址：public 为 true 时监听所有网卡，否则只绑定 bind_to。
func ListenAddress(settings map[string]string) string {
	port := strings.TrimSpace(settings["listen_on"])
	if port == "" {
		port = "8080"
	}
	if strings.EqualFold(strings.TrimSpace(settings["public"]), "true") {
		return net.JoinHostPort("", port)
	}
	host := strings.TrimSpace(settings["bind_to"])
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

// Handler 构造路由。
func (s *Server) Handler(ctx context.Context) http.Handler {
	router := gin.New()
	router.Use(gin.Recovery(), withContext(ctx), s.observe())

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	router.GET("/samples", s.handleSamples)
	router.GET("/updateSamples", s.handleUpdateQuery)
	router.POST("/getData", s.handleGetData)

	v1 := router.Group("/api/v1")
	v1.GET("/samples", s.handleSamples)
	v1.PATCH("/samples/:hash", s.handlePatchSample)
	v1.POST("/data", s.handleGetData)

	if s.static != "" {
		router.NoRoute(gin.WrapH(http.FileServer(http.Dir(s.static))))
	}
	return router
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s.svc == nil {
		return xerrors.New(xerrors.CodeConfiguration, "查询服务未初始化")
	}
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("查询服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleSamples(c *gin.Context) {
	views, err := s.svc.Samples(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, views)
}

// handleUpdateQuery 兼容旧前端的 GET /updateSamples?hash=&column=&newVal=。
func (s *Server) handleUpdateQuery(c *gin.Context) {
	err := s.svc.UpdateSample(c.Request.Context(), c.Query("hash"), c.Query("column"), c.Query("newVal"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, "OK!")
}

type patchSampleRequest struct {
	Column string `json:"column" binding:"required"`
	Value  string `json:"value" binding:"required"`
}

func (s *Server) handlePatchSample(c *gin.Context) {
	var req patchSampleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	if err := s.svc.UpdateSample(c.Request.Context(), c.Param("hash"), req.Column, req.Value); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleGetData(c *gin.Context) {
	var req query.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	started := time.Now()
	n, result, err := s.svc.Query(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Info("聚合查询完成",
		slog.String("query", n.Hash),
		slog.Int("samples", len(req.Samples)),
		slog.Duration("duration", time.Since(started)))
	c.JSON(http.StatusOK, result)
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败", slog.String("path", c.Request.URL.Path), slog.Any("error", err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error(), "code": string(xerrors.CodeOf(err))})
}

func statusOf(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveHTTPRequest(route, c.Request.Method, c.Writer.Status(), time.Since(started))
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context) gin.HandlerFunc {
	return func(c *gin.Context) {
		select {
		case <-ctx.Done():
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "服务已关闭"})
			return
		default:
		}
		c.Next()
	}
}
