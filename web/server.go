package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pricemesh/database"
	"pricemesh/dedup"
	"pricemesh/logger"
	"pricemesh/orchestrator"
	"pricemesh/store"
)

// Server 状态查询接口
// 薄 I/O 层：处理器只调用核心组件的契约，不包含业务逻辑
type Server struct {
	st      *store.Store
	db      database.Database
	orch    *orchestrator.Orchestrator
	trigger *orchestrator.Trigger
	srv     *http.Server
}

// NewServer 创建 Web 服务
func NewServer(st *store.Store, db database.Database, orch *orchestrator.Orchestrator, trigger *orchestrator.Trigger) *Server {
	return &Server{st: st, db: db, orch: orch, trigger: trigger}
}

// Start 启动 HTTP 服务
func (s *Server) Start(listen string) error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s.setupRoutes(r)

	s.srv = &http.Server{
		Addr:    listen,
		Handler: r,
	}

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("❌ Web 服务异常退出: %v", err)
		}
	}()

	logger.Info("🌐 Web 服务已启动: %s", listen)
	return nil
}

// Stop 优雅关闭 HTTP 服务
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// setupRoutes 设置路由
func (s *Server) setupRoutes(r *gin.Engine) {
	// Prometheus metrics 端点（供 Prometheus 抓取）
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", s.healthz)

	api := r.Group("/api")
	{
		api.GET("/brokers", s.getBrokers)
		api.GET("/brokers/:name", s.getBroker)
		api.GET("/symbols", s.getSymbols)
		api.GET("/symbols/:symbol", s.getSymbolDetails)
		api.GET("/discrepancies", s.getDiscrepancies)
		api.GET("/reset/status", s.getResetStatus)
		api.GET("/reset/audits", s.getResetAudits)
		api.POST("/reset", s.postReset)
	}
}

// healthz 健康检查
func (s *Server) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.st.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "store": err.Error()})
		return
	}
	if err := s.db.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// getBrokers 返回全部终端快照（按集群序号排序）
func (s *Server) getBrokers(c *gin.Context) {
	brokers, err := s.st.GetAllBrokers(c.Request.Context())
	if err != nil {
		s.storeError(c, err)
		return
	}

	// 列表视图只返回元数据，报价列表太大
	metas := make([]store.BrokerMetadata, 0, len(brokers))
	for _, b := range brokers {
		metas = append(metas, b.Meta)
	}
	c.JSON(http.StatusOK, gin.H{"brokers": metas, "count": len(metas)})
}

// getBroker 返回单个终端的完整快照
func (s *Server) getBroker(c *gin.Context) {
	snap, err := s.st.GetBroker(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.storeError(c, err)
		return
	}
	if snap == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "broker not found"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// getSymbols 返回全部可分析符号
func (s *Server) getSymbols(c *gin.Context) {
	symbols, err := s.st.GetAllUniqueSymbols(c.Request.Context())
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbols": symbols, "count": len(symbols)})
}

// getSymbolDetails 返回单个符号下全部终端的报价
func (s *Server) getSymbolDetails(c *gin.Context) {
	quotes, err := s.st.GetSymbolDetails(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quotes": quotes, "count": len(quotes)})
}

// getDiscrepancies 按过滤条件查询差异记录
func (s *Server) getDiscrepancies(c *gin.Context) {
	filter := &database.DiscrepancyFilter{
		Broker:    c.Query("broker"),
		Symbol:    c.Query("symbol"),
		Direction: c.Query("direction"),
		Limit:     100,
	}

	records, err := s.db.GetDiscrepancies(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"discrepancies": records, "count": len(records)})
}

// getResetStatus 返回重置编排进度快照
func (s *Server) getResetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Progress())
}

// getResetAudits 返回最近的重置运行审计记录
func (s *Server) getResetAudits(c *gin.Context) {
	audits, err := s.db.GetResetAudits(c.Request.Context(), 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"audits": audits, "count": len(audits)})
}

// postReset 触发一次全局重置
// 已有运行激活时返回当前进度而不是错误；
// force=true 先清除结果标记，绕过单飞缓存强制重跑
func (s *Server) postReset(c *gin.Context) {
	if c.Query("force") == "true" {
		if err := s.trigger.Invalidate(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	outcome, err := s.trigger.ResetAll(c.Request.Context(), "manual")
	if err != nil {
		if errors.Is(err, dedup.ErrWaitTimeout) {
			c.JSON(http.StatusAccepted, gin.H{
				"outcome":  outcome.String(),
				"progress": s.orch.Progress(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"outcome":  outcome.String(),
		"progress": s.orch.Progress(),
	})
}

// storeError 把状态存储错误映射到 HTTP 状态码
func (s *Server) storeError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotReady) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
