package main

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/echoboard/internal/handlers"
	"github.com/huangang/echoboard/internal/metrics"
	"github.com/huangang/echoboard/internal/middleware"
	"github.com/huangang/echoboard/internal/models"
	"github.com/huangang/echoboard/internal/services"
	"github.com/huangang/echoboard/pkg/logger"
)

// registerRoutes sets up all HTTP routes on the given Gin engine.
func registerRoutes(r *gin.Engine, svc *appServices) {
	// Middleware
	r.Use(logger.RequestID(), logger.GinLogger(), logger.GinRecovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(middleware.CORS(svc.cfg.Server.CORSOrigins...))

	healthHandler := handlers.NewHealthHandler(svc.db, svc.eventQueue)
	r.GET("/health", healthHandler.CheckHealth)
	r.GET("/metrics", metrics.Handler())

	userHandler := handlers.NewUserHandler(svc.directory, svc.cfg.JWT.ExpireHour)
	projectHandler := handlers.NewProjectHandler(svc.directory)
	memberHandler := handlers.NewProjectMemberHandler(svc.directory)
	settingsHandler := handlers.NewSettingsHandler(svc.db, svc.cfg.Directory.DefaultMaxMembers)

	api := r.Group("/api")
	{
		// Account creation (returns a bearer token)
		public := api.Group("", svc.rateLimiter.Middleware())
		public.POST("/users/register", userHandler.Register)

		// OAuth callback service only
		provisioner := middleware.ProvisionerRequired(svc.cfg.JWT.ProvisionSecret)
		public.POST("/users/oauth", provisioner, userHandler.ProvisionOAuth)

		// Membership activity stream (token checked by the handler)
		eventsHandler := handlers.NewEventsHandler(services.GetMembershipHub(), svc.directory)
		api.GET("/projects/:id/events", eventsHandler.StreamProjectEvents)

		// Protected routes
		protected := api.Group("")
		protected.Use(middleware.AuthRequired(), svc.rateLimiter.Middleware(), middleware.AuditLog())
		{
			// Users
			protected.GET("/me", userHandler.Me)
			protected.GET("/users", userHandler.List)
			protected.GET("/users/email/:email", userHandler.GetByEmail)
			protected.GET("/users/:id", userHandler.Get)
			protected.GET("/users/:id/projects", userHandler.ActiveProjects)
			protected.GET("/users/:id/memberships", userHandler.Memberships)
			protected.POST("/users/:id/oauth", provisioner, userHandler.LinkOAuth)

			// Projects
			protected.GET("/projects", projectHandler.List)
			protected.POST("/projects", projectHandler.Create)
			protected.GET("/projects/:id", projectHandler.Get)
			protected.GET("/projects/:id/members", memberHandler.List)
			protected.POST("/projects/:id/invitations", memberHandler.Invite)
			protected.GET("/projects/:id/members/:userID", memberHandler.Get)
			protected.GET("/projects/:id/members/:userID/permissions", memberHandler.CheckPermission)
			protected.POST("/projects/:id/members/:userID/leave", memberHandler.Leave)

			// Project management (active members with edit permission)
			editor := protected.Group("", middleware.ProjectPermission(svc.directory, models.ActionEdit, "project"))
			editor.PUT("/projects/:id", projectHandler.Update)
			editor.POST("/projects/:id/archive", projectHandler.Archive)
			editor.POST("/projects/:id/restore", projectHandler.Restore)
			editor.DELETE("/projects/:id", projectHandler.Delete)
			editor.POST("/projects/:id/members", memberHandler.Add)
			editor.POST("/projects/:id/members/sync", memberHandler.Sync)
			editor.POST("/projects/:id/members/:userID/suspend", memberHandler.Suspend)
			editor.POST("/projects/:id/members/:userID/reactivate", memberHandler.Reactivate)
			editor.PUT("/projects/:id/members/:userID/role", memberHandler.ChangeRole)
		}

		// Admin routes
		admin := protected.Group("")
		admin.Use(middleware.RoleRequired(string(models.RoleProductOwner)))
		{
			admin.POST("/users/:id/deactivate", userHandler.Deactivate)
			admin.POST("/users/:id/reactivate", userHandler.Reactivate)
			admin.PUT("/users/:id/role", userHandler.ChangeRole)

			// System Logs
			systemLogHandler := handlers.NewSystemLogHandler(svc.db)
			admin.GET("/system-logs", systemLogHandler.List)
			admin.GET("/system-logs/modules", systemLogHandler.GetModules)

			// Directory settings
			admin.GET("/settings", settingsHandler.Get)
			admin.PUT("/settings", settingsHandler.Update)
		}
	}
}
