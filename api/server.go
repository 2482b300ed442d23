// Package api exposes the operator surface over HTTP: status and
// history reads, the kill switch, and prometheus metrics. It is a thin
// shell over the engine's command channel; no trading state lives here.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/quantrove/upbot/bot"
	"github.com/quantrove/upbot/journal"
	"github.com/quantrove/upbot/risk"
)

// Server serves the HTTP control surface.
type Server struct {
	engine *bot.Engine
	jrnl   journal.Journal
	log    zerolog.Logger
	http   *http.Server
}

// NewServer builds the router and binds it to addr. Run starts it.
func NewServer(addr string, engine *bot.Engine, jrnl journal.Journal, logger zerolog.Logger) *Server {
	s := &Server{
		engine: engine,
		jrnl:   jrnl,
		log:    logger.With().Str("component", "api").Logger(),
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", s.health)
	r.GET("/status", s.status)
	r.GET("/position", s.position)
	r.GET("/orders", s.orders)
	r.GET("/pnl", s.pnl)
	r.POST("/killswitch", s.killSwitch)
	r.DELETE("/killswitch", s.clearKillSwitch)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until the context is canceled, then drains in-flight
// requests.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.http.Addr).Msg("http surface listening")
		errc <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shctx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) status(c *gin.Context) {
	st, err := s.engine.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) position(c *gin.Context) {
	st, err := s.engine.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":    st.Position.State,
		"position": st.Position.Position,
	})
}

func (s *Server) orders(c *gin.Context) {
	st, err := s.engine.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": st.Position.Orders})
}

func (s *Server) pnl(c *gin.Context) {
	st, err := s.engine.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	trades, err := s.jrnl.LastTrades(20)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"halt":            st.Risk.Halt,
		"halt_reason":     st.Risk.HaltReason,
		"realized_r_day":  st.Risk.RealizedRToday,
		"realized_r_week": st.Risk.RealizedRWeek,
		"equity":          st.Equity,
		"trades":          trades,
	})
}

type killSwitchRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) killSwitch(c *gin.Context) {
	var req killSwitchRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "operator"
	}

	if err := s.engine.KillSwitch(c.Request.Context(), req.Reason); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.log.Warn().Str("reason", req.Reason).Msg("kill switch engaged via api")
	c.JSON(http.StatusOK, gin.H{"halt": risk.HaltedKillSwitch})
}

func (s *Server) clearKillSwitch(c *gin.Context) {
	if err := s.engine.ClearKillSwitch(c.Request.Context()); err != nil {
		if errors.Is(err, risk.ErrNotKillSwitched) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.log.Info().Msg("kill switch cleared via api")
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
