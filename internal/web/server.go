package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/camera"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/config"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/framecache"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/health"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/live"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/logger"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/metrics"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/scheduler"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/service"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/state"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/transcode"
)

// CameraStore persists camera configuration
type CameraStore interface {
	SaveCamera(ctx context.Context, rec state.CameraRecord) error
	GetCamera(ctx context.Context, cameraID string) (state.CameraRecord, error)
	ListCameras(ctx context.Context, enabledOnly bool) ([]state.CameraRecord, error)
	DeleteCamera(ctx context.Context, cameraID string) error
}

// CameraScheduler is the scheduler surface used by the API
type CameraScheduler interface {
	AddCamera(cfg camera.Config, priority int) error
	UpdateCamera(cfg camera.Config) error
	RemoveCamera(id string) error
	MarkInUse(ctx context.Context, id string) error
	Release(id string)
	Status(id string) (scheduler.CameraStatus, error)
	List() []scheduler.CameraStatus
}

// SnapshotSource returns JPEG bytes for a camera; it never fails
type SnapshotSource interface {
	GetEncodedFrame(cameraID string, quality framecache.Quality) []byte
}

// LiveSessions negotiates WebRTC viewer sessions
type LiveSessions interface {
	CreateSession(ctx context.Context, cameraID string, offer webrtc.SessionDescription) (live.Answer, error)
	AddICECandidate(cameraID, sessionID string, candidate webrtc.ICECandidateInit) error
	CloseSession(sessionID string) error
	Keepalive(sessionID string) error
	Sessions() []live.SessionInfo
}

// Transcoder runs HLS segment-output sessions
type Transcoder interface {
	StartSession(ctx context.Context, cameraID string) (transcode.Info, error)
	Touch(sessionID string) error
	StopSession(sessionID string) error
	Status(sessionID string) (transcode.Info, error)
	Dir() string
}

// HealthReporter produces the aggregated health report
type HealthReporter interface {
	Check(ctx context.Context) health.HealthReport
}

// ConnectionProber tests an RTSP URL without adding a camera
type ConnectionProber interface {
	Probe(ctx context.Context, rawURL string) camera.ProbeResult
}

// Dependencies are the components the API serves. Nil members disable their routes' behavior
// with 503 responses.
type Dependencies struct {
	Store     CameraStore
	Scheduler CameraScheduler
	Snapshots SnapshotSource
	Live      LiveSessions
	Transcode Transcoder
	Health    HealthReporter
	Prober    ConnectionProber
}

// Server is the HTTP API. It is registered with the service manager and
// serves until stopped.
type Server struct {
	*service.ServiceBase
	config           *config.WebConfig
	snapshotInterval time.Duration
	deps             Dependencies
	router           *gin.Engine
	routesOnce       sync.Once
	httpServer       *http.Server
	listener         net.Listener
	version          string
	startTime        time.Time
}

// NewServer builds the router. snapshotInterval paces the websocket snapshot feed.
func NewServer(cfg *config.WebConfig, snapshotInterval time.Duration, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	if log == nil {
		log = logger.NewNopLogger()
	}
	if snapshotInterval <= 0 {
		snapshotInterval = time.Second
	}

	router := gin.New()
	router.Use(requestLogger(log.With("component", "http")), gin.Recovery(), allowLocalOrigins())

	return &Server{
		ServiceBase:      service.NewServiceBase("web-server", log),
		config:           cfg,
		snapshotInterval: snapshotInterval,
		router:           router,
		version:          "dev",
		startTime:        time.Now(),
	}
}

// SetVersion sets the version reported by /api/status
func (s *Server) SetVersion(version string) {
	s.version = version
}

// SetDependencies wires the components behind the API. Call before Start.
func (s *Server) SetDependencies(deps Dependencies) {
	s.deps = deps
}

// Handler returns the router with every route registered
func (s *Server) Handler() http.Handler {
	s.routesOnce.Do(s.setupRoutes)
	return s.router
}

// Start binds the listen address and serves in the background
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.LogInfo("HTTP API disabled by config")
		return nil
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln

	// WriteTimeout stays disabled: websocket and segment responses are long-lived
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.LogError("Web server error", err, "address", ln.Addr().String())
		}
	}()

	s.LogInfo("Web server started", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop waits for in-flight requests until ctx expires
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.LogInfo("Stopping HTTP API")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.GET("/health/live", s.handleLiveness)
	s.router.GET("/health/ready", s.handleReadiness)
	s.router.GET("/metrics", s.handleMetrics)

	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/status", s.handleStatus)

		cameras := api.Group("/cameras")
		{
			cameras.GET("", s.handleListCameras)
			cameras.POST("", s.handleAddCamera)
			cameras.POST("/test", s.handleTestConnection)
			cameras.GET("/:id", s.handleGetCamera)
			cameras.PUT("/:id", s.handleUpdateCamera)
			cameras.DELETE("/:id", s.handleDeleteCamera)
			cameras.POST("/:id/use", s.handleUseCamera)
			cameras.POST("/:id/release", s.handleReleaseCamera)
			cameras.GET("/:id/status", s.handleCameraStatus)
			cameras.GET("/:id/snapshot", s.handleCameraSnapshot)
			cameras.GET("/:id/ws", s.handleSnapshotSocket)
		}

		rtc := api.Group("/webrtc")
		{
			rtc.POST("/offer", s.handleOffer)
			rtc.POST("/ice-candidate", s.handleICECandidate)
			rtc.GET("/sessions", s.handleListLiveSessions)
			rtc.DELETE("/sessions/:id", s.handleCloseLiveSession)
			rtc.POST("/sessions/:id/keepalive", s.handleKeepaliveLiveSession)
		}

		hls := api.Group("/hls")
		{
			hls.POST("/start/:cameraId", s.handleStartHLS)
			hls.POST("/keepalive/:sessionId", s.handleKeepaliveHLS)
			hls.DELETE("/stop/:sessionId", s.handleStopHLS)
			hls.GET("/status/:sessionId", s.handleStatusHLS)
		}
	}

	if s.deps.Transcode != nil {
		s.router.Static("/static/hls", s.deps.Transcode.Dir())
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such route: " + c.Request.URL.Path})
	})
}

// requestLogger logs each request and records its latency. Server errors are
// logged at warn, everything else at debug.
func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		began := time.Now()
		c.Next()
		took := time.Since(began)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		code := c.Writer.Status()
		metrics.HTTPRequest(c.Request.Method, route, code, took)

		fields := []interface{}{
			"method", c.Request.Method,
			"path", c.Request.URL.RequestURI(),
			"status", code,
			"latency", took,
			"client_ip", c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, "errors", c.Errors.String())
		}
		if code >= http.StatusInternalServerError {
			log.Warn("HTTP request failed", fields...)
			return
		}
		log.Debug("HTTP request", fields...)
	}
}

// allowLocalOrigins lets browser pages served from other hosts on the LAN
// call the API and answers preflight requests directly.
func allowLocalOrigins() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, Cache-Control, X-Requested-With")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
