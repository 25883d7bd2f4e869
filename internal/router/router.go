package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	StudentPortal *handler.StudentPortalHandler
	Exam          *handler.ExamHandler
	Media         *handler.MediaHandler
	WS            *handler.WSHandler
	Monitor       *handler.MonitorHandler
	System        *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	rdb *redis.Client,
	handlers *Handlers,
	cfg *config.Config,
	log zerolog.Logger,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware())
	router.Use(middleware.Brotli())

	router.GET("/health", handlers.System.Health)

	// Answer saves and monitoring patches arrive in bursts; 10 per second
	// per student leaves room for a page of autosaves.
	studentLimiter := middleware.NewRateLimiter(rdb, "student", 600, time.Minute, log)
	uploadLimiter := middleware.NewRateLimiter(rdb, "upload", 30, time.Minute, log)

	// ─── 1. Student Group (JWT) ────────────────────────────────────────
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(
		middleware.RequireStudentJWT(authService),
		middleware.NoStore(),
		studentLimiter.Middleware(),
	)
	{
		studentAPI.GET("/exams/:exam_id", handlers.StudentPortal.GetExam)
		studentAPI.GET("/exams/:exam_id/questions", handlers.StudentPortal.GetQuestions)
		studentAPI.POST("/exams/:exam_id/start", handlers.StudentPortal.StartExam)
		studentAPI.GET("/exams/:exam_id/submissions", handlers.StudentPortal.GetSubmissions)
		studentAPI.PUT("/exams/:exam_id/answers/:question_id", handlers.StudentPortal.SaveAnswer)
		studentAPI.DELETE("/exams/:exam_id/answers/:question_id", handlers.StudentPortal.DeleteAnswer)
		studentAPI.POST("/exams/:exam_id/submit", handlers.StudentPortal.SubmitExam)

		studentAPI.POST("/media", uploadLimiter.Middleware(), handlers.StudentPortal.UploadMedia)

		studentAPI.PATCH("/monitoring", handlers.StudentPortal.UpdateMonitoring)
		studentAPI.GET("/monitoring/:enrollment_id", handlers.StudentPortal.GetMonitoring)
	}

	// ─── 2. WebSocket Group (Student WS Auth) ──────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireStudentWSAuth(authService))
	{
		ws.GET("/student/exams/:exam_id/session", handlers.WS.ExamSessionStream)
	}

	// ─── 3. Admin Group (JWT + RBAC) ───────────────────────────────────
	adminAPI := router.Group("/api/v1/admin")
	adminAPI.Use(middleware.RequireAdminJWT(authService))
	{
		// Exam management
		adminAPI.POST("/exams",
			middleware.RequirePermission(model.PermissionExamsWrite),
			handlers.Exam.CreateExam,
		)
		adminAPI.GET("/exams/:id",
			middleware.RequirePermission(model.PermissionExamsRead),
			handlers.Exam.GetExam,
		)
		adminAPI.GET("/exams/:id/results",
			middleware.RequirePermission(model.PermissionExamsRead),
			handlers.Exam.GetExamResults,
		)
		adminAPI.POST("/exams/:id/publish",
			middleware.RequirePermission(model.PermissionExamsWrite),
			handlers.Exam.PublishExam,
		)
		adminAPI.POST("/exams/:id/refresh-cache",
			middleware.RequirePermission(model.PermissionExamsWrite),
			handlers.Exam.RefreshExamCache,
		)

		// Proctoring
		adminAPI.GET("/exams/:id/monitor",
			middleware.RequirePermission(model.PermissionMonitoringRead),
			handlers.Monitor.MonitorExamSSE,
		)
		adminAPI.GET("/exams/:id/monitoring",
			middleware.RequirePermission(model.PermissionMonitoringRead),
			handlers.Monitor.ListRecords,
		)
		adminAPI.GET("/monitoring/:enrollment_id",
			middleware.RequirePermission(model.PermissionMonitoringRead),
			handlers.Monitor.GetRecord,
		)

		// Media evidence is private; it is never served statically.
		media := adminAPI.Group("/media")
		media.Use(
			middleware.RequirePermission(model.PermissionMediaRead),
			middleware.PrivateCache(3600),
		)
		{
			media.GET("/:id", handlers.Media.GetMedia)
			media.GET("/:id/info", handlers.Media.GetMediaInfo)
		}

		// System Monitoring
		adminAPI.GET("/system/metrics",
			middleware.RequireAnyPermission(model.PermissionMonitoringRead, model.PermissionExamsWrite),
			handlers.System.SystemMetricsSSE,
		)
	}

	return router
}
