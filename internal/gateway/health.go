package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/carhub/pkg/httpclient"
	"github.com/nao1215/carhub/pkg/middleware"
	"github.com/nao1215/carhub/pkg/ratelimit"
	"golang.org/x/sync/errgroup"
)

// probe は状態確認の対象となるサービス。
type probe struct {
	name   string
	client *httpclient.Client
}

// serviceStatus は1サービス分の状態確認結果。
type serviceStatus struct {
	Name         string          `json:"name"`
	Status       string          `json:"status"`
	ResponseTime string          `json:"responseTime,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// handleHealth はGateway自身の状態と設定済みの転送先を返すハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"service":   "api-gateway",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"uptime":    time.Since(s.startedAt).Seconds(),
			"services": gin.H{
				"frontend": s.cfg.FrontendURL,
				"auth":     s.cfg.AuthURL,
				"car":      s.cfg.CarURL,
			},
		})
	}
}

// handleServices は各サービスの /health を並行に確認するハンドラを返す。
// 一部のサービスが応答しなくても全体は200で返す。
func (s *Server) handleServices() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := httpclient.WithRequestID(c.Request.Context(), c.GetHeader(middleware.HeaderRequestID))
		c.JSON(http.StatusOK, gin.H{
			"gateway":   "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"services":  s.probeAll(ctx),
		})
	}
}

// probeAll は全サービスの状態を並行に確認する。結果の順序は probes の順序と同じ。
func (s *Server) probeAll(ctx context.Context) []serviceStatus {
	results := make([]serviceStatus, len(s.probes))
	var g errgroup.Group
	for i, p := range s.probes {
		g.Go(func() error {
			results[i] = probeService(ctx, p)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func probeService(ctx context.Context, p probe) serviceStatus {
	start := time.Now()
	var data json.RawMessage
	if err := p.client.GetJSON(ctx, "/health", &data); err != nil {
		return serviceStatus{Name: p.name, Status: "unhealthy", Error: err.Error()}
	}
	return serviceStatus{
		Name:         p.name,
		Status:       "healthy",
		ResponseTime: fmt.Sprintf("%dms", time.Since(start).Milliseconds()),
		Data:         data,
	}
}

// handleRateLimitStats は制限の設定と判定の累計を返すハンドラを返す。管理者のみ参照できる。
func (s *Server) handleRateLimitStats() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := middleware.GetIdentity(c)
		if !ok || id.Role != "admin" {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "Forbidden",
				"message": "Administrator role required",
			})
			return
		}

		totals, err := s.stats.Totals(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "Statistics unavailable",
				"message": "Rate limit statistics could not be read",
			})
			return
		}

		body := gin.H{
			"strategy": s.cfg.RateLimitStrategy,
			"limit":    s.cfg.RateLimitMax,
			"window":   ratelimit.WindowText(s.cfg.RateLimitWindow),
			"totals":   totals,
		}
		if mem, ok := s.stats.(*ratelimit.MemoryStatsStore); ok {
			body["routes"] = mem.ByRoute()
		}
		if s.asyncStats != nil {
			body["dropped"] = s.asyncStats.Dropped()
		}
		c.JSON(http.StatusOK, body)
	}
}
