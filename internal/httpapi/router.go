// Package httpapi exposes the engines over HTTP with gin.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"attendsheets/internal/account"
	"attendsheets/internal/auth"
	"attendsheets/internal/enrollment"
	"attendsheets/internal/httpmiddleware"
	"attendsheets/internal/model"
	"attendsheets/internal/qrsession"
	"attendsheets/internal/store"
	"attendsheets/internal/validation"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the services the router dispatches to. Redis may be nil when no
// Redis-backed component is configured.
type Deps struct {
	Store       store.Store
	Redis       *store.Redis
	Enrollment  *enrollment.Engine
	QR          *qrsession.Engine
	Accounts    *account.Service
	Issuer      *auth.Issuer
	Validator   *validation.Validator
	Log         *slog.Logger
	CORSOrigins []string

	RateLimitPerMin     int
	ScanRateLimitPerMin int
}

type handler struct {
	Deps
	log *slog.Logger
}

// NewRouter wires every route.
func NewRouter(d Deps) *gin.Engine {
	h := &handler{Deps: d, log: d.Log}
	if h.Validator == nil {
		h.Validator = validation.New()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/health", "/healthz", "/metrics"},
	}))
	r.Use(cors.New(corsConfig(d.CORSOrigins)))
	r.Use(httpmiddleware.SecurityHeaders())
	if d.RateLimitPerMin > 0 {
		r.Use(httpmiddleware.NewTokenBucket(d.RateLimitPerMin, d.RateLimitPerMin).Middleware(httpmiddleware.ByIP))
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health", h.health)
	r.GET("/healthz", h.health)
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "attendance API", "status": "running"})
	})
	r.POST("/contact", h.contact)

	authn := auth.Authenticate(d.Issuer)
	teacher := auth.RequireRole(model.RoleTeacher)
	student := auth.RequireRole(model.RoleStudent)

	a := r.Group("/auth")
	a.POST("/signup", h.signup(model.RoleTeacher))
	a.POST("/student/signup", h.signup(model.RoleStudent))
	a.POST("/verify-email", h.verifyEmail(model.RoleTeacher))
	a.POST("/student/verify-email", h.verifyEmail(model.RoleStudent))
	a.POST("/login", h.login(model.RoleTeacher))
	a.POST("/student/login", h.login(model.RoleStudent))
	a.POST("/resend-verification", h.resendVerification)
	a.POST("/request-password-reset", h.requestPasswordReset)
	a.POST("/reset-password", h.resetPassword)
	a.POST("/request-change-password", authn, h.requestChangePassword)
	a.POST("/change-password", authn, h.changePassword)
	a.PUT("/update-profile", authn, h.updateProfile)
	a.GET("/me", authn, h.me)
	a.POST("/logout", authn, h.logout)
	a.DELETE("/delete-account", authn, teacher, h.deleteTeacher)
	a.DELETE("/student/delete-account", authn, student, h.deleteStudent)

	classes := r.Group("/classes", authn, teacher)
	classes.GET("", h.listClasses)
	classes.POST("", h.createClass)
	classes.GET("/:id", h.getClass)
	classes.PUT("/:id", h.updateClass)
	classes.DELETE("/:id", h.deleteClass)
	classes.GET("/:id/activity", h.classActivity)

	r.GET("/class/verify/:id", h.verifyClass)

	st := r.Group("/student", authn, student)
	st.POST("/enroll", h.enroll)
	st.DELETE("/unenroll/:id", h.unenroll)
	st.GET("/classes", h.studentClasses)
	st.GET("/class/:id", h.studentClass)

	qr := r.Group("/qr")
	qr.POST("/start", authn, teacher, h.startSession)
	qr.POST("/stop/:id", authn, teacher, h.stopSession)
	qr.GET("/session/:id", authn, teacher, h.sessionStatus)
	scan := []gin.HandlerFunc{authn, student}
	if d.ScanRateLimitPerMin > 0 {
		scan = append(scan, httpmiddleware.NewTokenBucket(d.ScanRateLimitPerMin, d.ScanRateLimitPerMin).Middleware(httpmiddleware.ByAccount))
	}
	qr.POST("/scan", append(scan, h.scan)...)
	qr.GET("/:id", h.currentCode)

	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

func (h *handler) health(c *gin.Context) {
	ctx := c.Request.Context()
	dbHealthy := h.Store != nil && h.Store.Ping(ctx) == nil
	body := gin.H{"db": dbHealthy}
	healthy := dbHealthy
	if h.Redis != nil {
		redisHealthy := h.Redis.Healthy(ctx)
		body["redis"] = redisHealthy
		healthy = healthy && redisHealthy
	}
	status := http.StatusOK
	body["status"] = "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
	}
	c.JSON(status, body)
}

// bind decodes the JSON body into req and validates it. It writes the error
// response and returns false on failure.
func (h *handler) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "invalid request body"})
		return false
	}
	if err := h.Validator.Struct(req); err != nil {
		h.fail(c, err)
		return false
	}
	return true
}

func subject(c *gin.Context) string {
	claims, _ := auth.FromContext(c)
	return claims.Subject
}
