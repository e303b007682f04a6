package gateway

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/caleberi/hermes-dfs/common"
	"github.com/caleberi/hermes-dfs/replicator"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// AdminGateway is the HTTP face of the replication engine: it exposes
// the in-flight index and the outcome counters, and lets an operator
// cancel replications the same way the metadata server would.
type AdminGateway struct {
	engine *replicator.Manager
	server *http.Server
	logger zerolog.Logger
}

// GatewayConfig defines configuration options for the HTTP gateway.
type GatewayConfig struct {
	Address        int           // Server port
	Logger         zerolog.Logger
	MaxHeaderBytes int           // Maximum header size
	ReadTimeout    time.Duration // HTTP read timeout
	WriteTimeout   time.Duration // HTTP write timeout
	IdleTimeout    time.Duration // HTTP idle timeout
}

// DefaultGatewayConfig returns sensible default configuration values.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Address:        8080,
		Logger:         zerolog.Nop(),
		MaxHeaderBytes: 1 << 20,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
	}
}

// NewAdminGateway wires the routes over the engine.
func NewAdminGateway(engine *replicator.Manager, config GatewayConfig) (*AdminGateway, error) {
	if config.Address < 1 || config.Address > 65535 {
		return nil, fmt.Errorf("address must be between 1-65535, got %d", config.Address)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Content-Type", "Content-Length", "accept", "origin", "Cache-Control"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	gw := &AdminGateway{
		engine: engine,
		logger: config.Logger,
		server: &http.Server{
			Addr:           fmt.Sprintf(":%d", config.Address),
			MaxHeaderBytes: config.MaxHeaderBytes,
			ReadTimeout:    config.ReadTimeout,
			WriteTimeout:   config.WriteTimeout,
			IdleTimeout:    config.IdleTimeout,
		},
	}
	gw.registerRoutes(router)
	gw.server.Handler = router
	return gw, nil
}

func (gw *AdminGateway) registerRoutes(router *gin.Engine) {
	v1 := router.Group("/v1")
	v1.GET("/replications", gw.handleList)
	v1.GET("/replications/report", gw.handleReport)
	v1.DELETE("/replications", gw.handleCancelAll)
	v1.DELETE("/replications/:chunkId", gw.handleCancel)
}

// Handler exposes the router for in-process tests.
func (gw *AdminGateway) Handler() http.Handler {
	return gw.server.Handler
}

func (gw *AdminGateway) Start() {
	go func() {
		if err := gw.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			gw.logger.Err(err).Msg("admin gateway stopped")
		}
	}()
	gw.logger.Info().Msgf("admin gateway listening on %s", gw.server.Addr)
}

func (gw *AdminGateway) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return gw.server.Shutdown(ctx)
}

func (gw *AdminGateway) handleList(c *gin.Context) {
	snap := gw.engine.GetCounters()
	c.JSON(http.StatusOK, gin.H{
		"inFlight": gw.engine.Count(),
		"counters": gin.H{
			"replicatorCount":          snap.ReplicatorCount,
			"replicationCount":         snap.ReplicationCount,
			"replicationErrorCount":    snap.ReplicationErrorCount,
			"replicationCanceledCount": snap.ReplicationCanceledCount,
			"recoveryCount":            snap.RecoveryCount,
			"recoveryErrorCount":       snap.RecoveryErrorCount,
			"recoveryCanceledCount":    snap.RecoveryCanceledCount,
		},
	})
}

// handleReport renders the counters as a plain-text table for a quick
// operator glance without a JSON pipeline.
func (gw *AdminGateway) handleReport(c *gin.Context) {
	var buf bytes.Buffer
	replicator.DumpCounters(&buf, gw.engine.GetCounters())
	c.Data(http.StatusOK, "text/plain; charset=utf-8", buf.Bytes())
}

func (gw *AdminGateway) handleCancelAll(c *gin.Context) {
	before := gw.engine.Count()
	gw.engine.CancelAll()
	gw.logger.Info().Msgf("admin gateway: cancelled all replications, %d in flight", before)
	c.JSON(http.StatusOK, gin.H{"cancelled": before})
}

func (gw *AdminGateway) handleCancel(c *gin.Context) {
	chunkId, err := strconv.ParseInt(c.Param("chunkId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chunk id"})
		return
	}
	targetVersion := int64(-1)
	if v := c.Query("targetVersion"); v != "" {
		targetVersion, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid target version"})
			return
		}
	}
	cancelled := gw.engine.Cancel(
		common.ChunkHandle(chunkId), common.ChunkVersion(targetVersion))
	status := http.StatusOK
	if !cancelled {
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{"cancelled": cancelled})
}
