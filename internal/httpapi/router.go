// Package httpapi exposes the scan engine over HTTP.
package httpapi

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/broadcast"
	"qrattend/internal/credential"
	"qrattend/internal/httpmiddleware"
	"qrattend/internal/metrics"
	"qrattend/internal/queue"
)

// Processor runs a scan to its terminal outcome.
type Processor interface {
	Process(ctx context.Context, scan attendance.Scan) attendance.Outcome
}

// Records is the read and admin side of the attendance store.
type Records interface {
	Counters(ctx context.Context, roomID, day string) (attendance.Counters, error)
	ListRecords(ctx context.Context, f attendance.Filter) ([]attendance.Record, error)
	Subject(ctx context.Context, subjectID string) (*attendance.Subject, error)
	RegisterDevice(ctx context.Context, deviceID string) error
}

// CredentialIssuer mints QR credentials and reads them back.
type CredentialIssuer interface {
	Issue(subjectID string, ttl time.Duration) (string, error)
	Verify(token string) (credential.Claims, error)
}

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) bool

type Deps struct {
	Scans   Processor
	Records Records
	Issuer  CredentialIssuer
	Hub     *broadcast.Hub
	Queue   queue.Queue // nil disables async intake
	Checks  map[string]HealthCheck

	JWTIssuer     string
	JWTSigningKey string
	AccessTTL     time.Duration
	CredentialTTL time.Duration
	Location      *time.Location

	RateLimitPerMin int
	CORSOrigins     []string

	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Log      *log.Logger

	// Heartbeat is the idle interval between SSE keep-alive events.
	Heartbeat time.Duration
}

type handler struct {
	Deps
}

// NewRouter builds the gin engine with every route.
func NewRouter(d Deps) *gin.Engine {
	if d.Log == nil {
		d.Log = log.Default()
	}
	if d.Location == nil {
		d.Location = time.Local
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	if d.Heartbeat <= 0 {
		d.Heartbeat = 15 * time.Second
	}
	h := &handler{Deps: d}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(corsConfig(d.CORSOrigins)))
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	r.GET("/healthz", h.healthz)

	v1 := r.Group("/v1", auth.Bearer(d.JWTSigningKey, d.JWTIssuer))

	admin := v1.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/devices/register", h.registerDevice)
	admin.POST("/credentials", h.issueCredential)

	limiter := httpmiddleware.NewSimpleTokenBucket(d.RateLimitPerMin, d.RateLimitPerMin)
	scans := v1.Group("/scans", auth.RequireRole(auth.RoleScanner), limiter.GinMiddleware(byTokenSubject))
	scans.POST("", h.scan)
	scans.POST("/async", h.scanAsync)

	viewer := v1.Group("", auth.RequireRole(auth.RoleViewer))
	viewer.GET("/stream", h.stream)
	viewer.GET("/rooms/:room_id/counters", h.counters)
	viewer.GET("/records", h.records)

	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
		MaxAge:       24 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cfg
}

// byTokenSubject rate limits scanners per device rather than per address.
func byTokenSubject(c *gin.Context) string {
	if claims, ok := auth.ClaimsFrom(c); ok && claims.Subject != "" {
		return "sub:" + claims.Subject
	}
	return httpmiddleware.ClientIP(c)
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

func (h *handler) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range h.Checks {
		ok := check(ctx)
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}
