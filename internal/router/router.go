package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/learnspace/learnspace-api/internal/handler"
	"github.com/learnspace/learnspace-api/internal/middleware"
	"github.com/learnspace/learnspace-api/internal/models"
	"github.com/learnspace/learnspace-api/internal/repository"
	"github.com/learnspace/learnspace-api/internal/service"
	"github.com/learnspace/learnspace-api/pkg/config"
	"github.com/learnspace/learnspace-api/pkg/logger"
	corsmiddleware "github.com/learnspace/learnspace-api/pkg/middleware/cors"
	reqidmiddleware "github.com/learnspace/learnspace-api/pkg/middleware/requestid"
)

// Dependencies bundles everything the HTTP layer needs.
type Dependencies struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *service.MetricsService

	AuthService *service.AuthService
	UserRepo    *repository.UserRepository

	Auth         *handler.AuthHandler
	Courses      *handler.CourseHandler
	Enrollments  *handler.EnrollmentHandler
	Materials    *handler.MaterialHandler
	Certificates *handler.CertificateHandler
	System       *handler.MetricsHandler
}

// New builds the gin engine with all routes and middleware attached.
func New(deps Dependencies) *gin.Engine {
	cfg := deps.Config

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(deps.Logger))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(deps.Metrics))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", deps.System.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	requireJWT := middleware.JWT(deps.AuthService)
	optionalJWT := middleware.OptionalJWT(deps.AuthService)

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	{
		auth.POST("/login", deps.Auth.Login)
		auth.POST("/refresh", deps.Auth.Refresh)

		authed := auth.Group("", requireJWT)
		authed.POST("/logout", deps.Auth.Logout)
		authed.GET("/me", deps.Auth.Me)
		authed.PUT("/password", deps.Auth.ChangePassword)
	}

	courses := api.Group("/courses")
	{
		courses.GET("", optionalJWT, deps.Courses.List)
		courses.GET("/:id", optionalJWT, deps.Courses.Get)

		manage := courses.Group("", requireJWT, middleware.RequireRoles(models.RoleTeacher, models.RoleAdmin))
		manage.POST("", deps.Courses.Create)
		manage.PUT("/:id", deps.Courses.Update)
		manage.DELETE("/:id", deps.Courses.Delete)
		manage.GET("/:id/students", deps.Enrollments.CourseStudents)
		manage.GET("/:id/students/export", deps.Enrollments.ExportRoster)
		manage.POST("/:id/materials", deps.Materials.Upload)

		courses.GET("/:id/materials", requireJWT, deps.Materials.List)
	}

	enrollments := api.Group("/enrollments", requireJWT)
	{
		enrollments.POST("",
			middleware.RequireRoles(models.RoleStudent),
			middleware.Audit(deps.UserRepo, models.AuditActionEnroll, "enrollments"),
			deps.Enrollments.Enroll)
		enrollments.GET("/me", middleware.RequireRoles(models.RoleStudent), deps.Enrollments.MyCourses)
		enrollments.GET("/me/stats", middleware.RequireRoles(models.RoleStudent), deps.Enrollments.MyStats)
		enrollments.PATCH("/:id/progress",
			middleware.Audit(deps.UserRepo, models.AuditActionProgressUpdate, "enrollments"),
			deps.Enrollments.UpdateProgress)
		enrollments.DELETE("/:id",
			middleware.Audit(deps.UserRepo, models.AuditActionEnrollCancel, "enrollments"),
			deps.Enrollments.Cancel)
		enrollments.POST("/:id/payment",
			middleware.RequireRoles(models.RoleAdmin),
			middleware.Audit(deps.UserRepo, models.AuditActionPaymentConfirm, "enrollments"),
			deps.Enrollments.ConfirmPayment)
		enrollments.GET("/:id/certificate", deps.Certificates.GetForEnrollment)
	}

	materials := api.Group("/materials")
	{
		// Token downloads carry their own signed authorization.
		materials.GET("/download", deps.Materials.Download)
		materials.GET("/:id", requireJWT, deps.Materials.GetDownloadLink)
		materials.DELETE("/:id", requireJWT, middleware.RequireRoles(models.RoleTeacher, models.RoleAdmin), deps.Materials.Delete)
	}

	api.GET("/certificates/download", deps.Certificates.Download)

	// Authenticated by a shared secret header, not a user session.
	api.POST("/payments/webhook", deps.Enrollments.PaymentWebhook)

	api.GET("/students/:id/stats", requireJWT, middleware.RequireRoles(models.RoleAdmin), deps.Enrollments.StudentStats)

	api.GET("/system/metrics", requireJWT, middleware.RequireRoles(models.RoleAdmin), deps.System.Snapshot)

	return r
}
