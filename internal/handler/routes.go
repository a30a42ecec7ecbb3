package handler

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-class-chat/internal/middleware"
	"github.com/noah-isme/sma-class-chat/internal/models"
)

// Routes groups the handlers and policies mounted under the API prefix.
type Routes struct {
	Auth        *AuthHandler
	Users       *UserHandler
	Classes     *ClassHandler
	Chats       *ChatHandler
	Transcripts *TranscriptHandler
	Realtime    *RealtimeHandler
	Metrics     *MetricsHandler

	Authenticator middleware.Authenticator
	AuditLog      middleware.AuditRecorder
	Logger        *zap.Logger
}

// Register mounts probes at the root and the API under prefix.
func (rt Routes) Register(r *gin.Engine, prefix string) {
	if rt.Metrics != nil {
		r.GET("/health", rt.Metrics.Health)
		r.GET("/ready", rt.Metrics.Ready)
		r.GET("/metrics", rt.Metrics.Prometheus)
	}

	api := r.Group(prefix)
	authed := middleware.JWT(rt.Authenticator)

	auth := api.Group("/auth")
	auth.POST("/register", rt.Auth.Register)
	auth.POST("/login", rt.Auth.Login)
	auth.GET("/me", authed, rt.Auth.Me)

	users := api.Group("/users", authed)
	users.GET("/:id", middleware.RBAC("SELF", string(models.RoleAdmin), string(models.RoleSuperAdmin)), rt.Users.Get)
	admin := users.Group("", middleware.RequireRank(models.RoleAdmin))
	admin.GET("", rt.Users.List)
	admin.GET("/pending", rt.Users.ListPending)
	admin.PATCH("/:id/approve", rt.Users.Approve)
	admin.PATCH("/:id/block", rt.Users.ToggleBlock)
	admin.PATCH("/:id/role", rt.Users.ChangeRole)

	if rt.Classes != nil {
		classes := api.Group("/classes", authed)
		classes.GET("", rt.Classes.List)
		classes.GET("/:id", rt.Classes.Get)
	}

	chats := api.Group("/chats", authed)
	chats.POST("/direct", rt.Chats.StartDirect)
	chats.GET("/direct", rt.Chats.ListDirect)
	chats.GET("/groups", rt.Chats.ListGroups)
	chats.POST("/groups", rt.Chats.CreateGroup)
	chats.GET("/:id", rt.Chats.Get)
	chats.POST("/:id/messages", rt.Chats.SendMessage)
	chats.POST("/:id/read", rt.Chats.MarkRead)

	groups := chats.Group("/groups/:id")
	groups.PATCH("", rt.Chats.UpdateGroup)
	groups.POST("/participants", rt.Chats.AddParticipants)
	groups.DELETE("/participants/:userId", rt.Chats.RemoveParticipant)
	groups.POST("/admins/:userId", rt.Chats.PromoteAdmin)
	groups.DELETE("/admins/:userId", rt.Chats.DemoteAdmin)
	groups.POST("/leave", rt.Chats.Leave)
	if rt.Transcripts != nil {
		groups.POST("/transcript", rt.Transcripts.Export)
		api.GET("/transcripts/download",
			middleware.Audit(rt.AuditLog, rt.Logger, models.AuditActionTranscriptGet, "transcripts"),
			rt.Transcripts.Download,
		)
	}

	if rt.Metrics != nil {
		api.GET("/metrics/summary", authed, middleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin), rt.Metrics.Summary)
	}

	if rt.Realtime != nil {
		api.GET("/ws", authed, rt.Realtime.Connect)
	}
}
