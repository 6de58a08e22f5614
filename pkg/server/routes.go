package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/easzlab/ezfwd/pkg/portpool"
	"github.com/easzlab/ezfwd/pkg/session"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// buildRouter wires all API routes. Every route sits behind the
// bearer-token middleware; the token check is a no-op when no token is
// configured.
func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.authMiddleware())

	router.GET("/", s.handleRoot)
	router.GET("/health", s.handleHealth)
	router.GET("/open_proxy", s.handleOpen)
	router.GET("/close_proxy", s.handleClose)
	router.GET("/sessions", s.handleSessions)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})))

	return router
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "ezfwd port-forwarding control plane"})
}

func (s *Server) handleHealth(c *gin.Context) {
	reachable := s.registry.ProviderReachable()

	status := "healthy"
	code := http.StatusOK
	if !reachable {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":             status,
		"provider_reachable": reachable,
		"active_sessions":    s.registry.ActiveCount(),
		"free_ports":         s.registry.FreePorts(),
	})
}

func (s *Server) handleOpen(c *gin.Context) {
	targetIP := c.Query("target_ip")
	targetPortRaw := c.Query("target_port")

	targetPort, err := strconv.Atoi(targetPortRaw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target_port must be an integer"})
		return
	}

	summary, err := s.registry.Open(targetIP, targetPort)
	if err != nil {
		s.respondOpenError(c, err)
		return
	}

	s.metrics.sessionsOpened.Inc()
	c.JSON(http.StatusOK, summary)
}

func (s *Server) respondOpenError(c *gin.Context, err error) {
	var valErr *session.ValidationError
	var provErr *session.ProvisioningError

	switch {
	case errors.As(err, &valErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": valErr.Error()})
	case errors.Is(err, portpool.ErrExhausted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no free ingress ports"})
	case errors.As(err, &provErr):
		s.metrics.provisionFailures.Inc()
		s.logger.Error("session provisioning failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": provErr.Error()})
	default:
		s.logger.Error("open failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) handleClose(c *gin.Context) {
	id := c.Query("session_id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}

	err := s.registry.Close(id)

	var tdErr *session.TeardownError
	switch {
	case err == nil:
		s.metrics.sessionsClosed.Inc()
		c.JSON(http.StatusOK, gin.H{"status": "closed", "session_id": id})
	case errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session id"})
	case errors.As(err, &tdErr):
		// The session is gone and its port released; the provider
		// failures are reported but do not fail the close.
		s.metrics.sessionsClosed.Inc()
		s.metrics.teardownFailures.Inc()
		s.logger.Warn("session closed with teardown errors", zap.String("session", id), zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"status": "closed", "session_id": id, "warning": tdErr.Error()})
	default:
		s.logger.Error("close failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// sessionEntry is the per-session value in the sessions listing.
type sessionEntry struct {
	IngressPort uint16 `json:"ingress_port"`
	TargetIP    string `json:"target_ip"`
	TargetPort  uint16 `json:"target_port"`
}

func (s *Server) handleSessions(c *gin.Context) {
	listing := make(map[string]sessionEntry)
	for _, summary := range s.registry.List() {
		listing[summary.ID] = sessionEntry{
			IngressPort: summary.IngressPort,
			TargetIP:    summary.TargetIP,
			TargetPort:  summary.TargetPort,
		}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": listing})
}
