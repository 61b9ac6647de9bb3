package conversations

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/plannr/messaging-service/internal/model"
	"github.com/plannr/messaging-service/internal/plugin/route/routeutil"
	registryroute "github.com/plannr/messaging-service/internal/registry/route"
	registrystore "github.com/plannr/messaging-service/internal/registry/store"
	"github.com/plannr/messaging-service/internal/security"
	"github.com/plannr/messaging-service/internal/service"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "conversations",
		Order: 100,
		Loader: func(r gin.IRouter, deps registryroute.Deps) error {
			MountRoutes(r, deps.Service)
			return nil
		},
	})
}

// MountRoutes mounts conversation routes on r.
func MountRoutes(r gin.IRouter, svc *service.MessagingService) {
	r.GET("/conversations", func(c *gin.Context) {
		listConversations(c, svc)
	})
	r.POST("/conversations", func(c *gin.Context) {
		createConversation(c, svc)
	})
	r.GET("/conversations/:conversationId", func(c *gin.Context) {
		getConversation(c, svc)
	})
	r.PATCH("/conversations/:conversationId/settings", func(c *gin.Context) {
		updateSettings(c, svc)
	})
	r.POST("/conversations/:conversationId/archive", func(c *gin.Context) {
		archiveConversation(c, svc)
	})
	r.DELETE("/conversations/:conversationId", func(c *gin.Context) {
		deleteConversation(c, svc)
	})
	r.POST("/conversations/:conversationId/read", func(c *gin.Context) {
		markRead(c, svc)
	})
}

func listConversations(c *gin.Context, svc *service.MessagingService) {
	before, err := routeutil.QueryTime(c, "before")
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	status := model.ConversationStatus(c.Query("status"))
	views, err := svc.ListConversations(c.Request.Context(), security.GetUserID(c), status, before, routeutil.QueryInt(c, "limit", 20))
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	var next *string
	if n := len(views); n > 0 {
		cursor := views[n-1].UpdatedAt.Format(time.RFC3339Nano)
		next = &cursor
	}
	c.JSON(http.StatusOK, gin.H{"data": views, "nextBefore": next})
}

func createConversation(c *gin.Context, svc *service.MessagingService) {
	var req struct {
		Type         model.ConversationType     `json:"type"`
		Participants []service.ParticipantInput `json:"participants"`
		Context      *model.ConversationContext `json:"context"`
		Metadata     map[string]any             `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		routeutil.BadRequest(c, err)
		return
	}
	conv, created, err := svc.CreateConversation(c.Request.Context(), service.CreateConversationRequest{
		Type:         req.Type,
		Participants: req.Participants,
		Context:      req.Context,
		Metadata:     req.Metadata,
		CreatorID:    security.GetUserID(c),
		CreatorTier:  security.GetTier(c),
	})
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"conversation": conv, "created": created})
}

func getConversation(c *gin.Context, svc *service.MessagingService) {
	view, err := svc.GetConversation(c.Request.Context(), c.Param("conversationId"), security.GetUserID(c))
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func updateSettings(c *gin.Context, svc *service.MessagingService) {
	var settings registrystore.ParticipantSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		routeutil.BadRequest(c, err)
		return
	}
	view, err := svc.UpdateParticipantSettings(c.Request.Context(), c.Param("conversationId"), security.GetUserID(c), settings)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func archiveConversation(c *gin.Context, svc *service.MessagingService) {
	if err := svc.ArchiveConversation(c.Request.Context(), c.Param("conversationId"), security.GetUserID(c)); err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func deleteConversation(c *gin.Context, svc *service.MessagingService) {
	if err := svc.DeleteConversation(c.Request.Context(), c.Param("conversationId"), security.GetUserID(c)); err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func markRead(c *gin.Context, svc *service.MessagingService) {
	n, err := svc.MarkAsRead(c.Request.Context(), c.Param("conversationId"), security.GetUserID(c))
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": n})
}
