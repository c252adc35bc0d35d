package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/danmuck/dgibroker/internal/auth"
	"github.com/danmuck/dgibroker/internal/broker"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		peers := s.broker.Peers()
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"node":      s.broker.LocalID(),
			"uptime":    time.Since(s.appeared).String(),
			"version":   Version,
			"peers":     len(peers),
			"connected": countConnected(peers),
		})
	})

	// Ready once every configured peer has a live session.
	s.router.GET("/ready", func(c *gin.Context) {
		peers := s.broker.Peers()
		connected := countConnected(peers)
		status := http.StatusOK
		if connected < len(peers) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":     status == http.StatusOK,
			"node":      s.broker.LocalID(),
			"peers":     len(peers),
			"connected": connected,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/peers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"peers": s.broker.Peers()})
	})

	s.router.GET("/peers/:id", func(c *gin.Context) {
		st, err := s.broker.Peer(c.Param("id"))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, st)
	})

	// The request body is sent verbatim as one payload.
	s.router.POST("/peers/:id/send", s.requireToken(), func(c *gin.Context) {
		peerID := c.Param("id")
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxSendBytes+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if len(body) > MaxSendBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), sendTimeout)
		defer cancel()
		if err := s.broker.Send(ctx, peerID, body); err != nil {
			_ = c.Error(err)
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"status": "queued",
			"peer":   peerID,
			"bytes":  len(body),
		})
	})
}

func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.auth == nil {
			c.Next()
			return
		}
		if err := auth.Check(s.auth, c.GetHeader("Authorization")); err != nil {
			c.Header("WWW-Authenticate", `Bearer realm="dgibroker"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, broker.ErrUnknownPeer):
		return http.StatusNotFound
	case errors.Is(err, broker.ErrPeerNotConnected):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func countConnected(peers []broker.PeerStatus) int {
	n := 0
	for _, p := range peers {
		if p.Connected {
			n++
		}
	}
	return n
}
