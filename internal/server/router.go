package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ejlog/scheduler/pkg/logger"
)

// SetupRoutes 配置所有路由，使用 Route Group 分类
func SetupRoutes(h *Handler, log logger.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "scheduler",
		})
	})

	v1 := r.Group("/api/v1/scheduler")
	{
		v1.GET("/status", h.Status)
		v1.GET("/queue", h.Queue)
		v1.GET("/instances", h.Instances)
		v1.GET("/locks", h.Locks)
		v1.GET("/locks/:id", h.Lock)
		v1.POST("/lists/:id/enqueue", h.EnqueueList)
		v1.GET("/events", h.Events)

		fetcher := v1.Group("/fetcher")
		{
			fetcher.POST("/pause", h.PauseFetcher)
			fetcher.POST("/resume", h.ResumeFetcher)
			fetcher.POST("/force", h.ForceFetcher)
		}

		processor := v1.Group("/processor")
		{
			processor.POST("/pause", h.PauseProcessor)
			processor.POST("/resume", h.ResumeProcessor)
		}
	}

	return r
}

// requestLogger 请求日志中间件
func requestLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debugf(c.Request.Context(), "[Server] %s %s %d %v",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// Server 运维 HTTP 服务
type Server struct {
	srv    *http.Server
	cancel context.CancelFunc
	logger logger.Logger
}

// NewServer 创建 HTTP 服务
// 所有请求的 ctx 在 Shutdown 时取消，事件流连接随之结束
func NewServer(port string, engine *gin.Engine, log logger.Logger) *Server {
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Server{
		srv: &http.Server{
			Addr:              ":" + port,
			Handler:           engine,
			ReadHeaderTimeout: 5 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return baseCtx },
		},
		cancel: cancel,
		logger: log,
	}
}

// Start 后台监听
func (s *Server) Start(ctx context.Context) {
	go func() {
		s.logger.Infof(ctx, "[Server] Listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf(ctx, "[Server] Listen failed: %v", err)
		}
	}()
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.srv.Shutdown(ctx)
}
