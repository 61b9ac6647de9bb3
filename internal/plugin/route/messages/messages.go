package messages

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/plannr/messaging-service/internal/model"
	"github.com/plannr/messaging-service/internal/plugin/route/routeutil"
	registryroute "github.com/plannr/messaging-service/internal/registry/route"
	"github.com/plannr/messaging-service/internal/security"
	"github.com/plannr/messaging-service/internal/service"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "messages",
		Order: 110,
		Loader: func(r gin.IRouter, deps registryroute.Deps) error {
			MountRoutes(r, deps.Service)
			return nil
		},
	})
}

// MountRoutes mounts message routes on r.
func MountRoutes(r gin.IRouter, svc *service.MessagingService) {
	r.GET("/conversations/:conversationId/messages", func(c *gin.Context) {
		listMessages(c, svc)
	})
	r.POST("/conversations/:conversationId/messages", func(c *gin.Context) {
		sendMessage(c, svc)
	})
	r.PATCH("/messages/:messageId", func(c *gin.Context) {
		editMessage(c, svc)
	})
	r.DELETE("/messages/:messageId", func(c *gin.Context) {
		deleteMessage(c, svc)
	})
	r.POST("/messages/:messageId/reactions", func(c *gin.Context) {
		toggleReaction(c, svc)
	})
}

func listMessages(c *gin.Context, svc *service.MessagingService) {
	before, err := routeutil.QueryTime(c, "before")
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	msgs, err := svc.ListMessages(c.Request.Context(), c.Param("conversationId"), security.GetUserID(c), before, routeutil.QueryInt(c, "limit", 50))
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	var next *string
	if n := len(msgs); n > 0 {
		cursor := msgs[n-1].CreatedAt.Format(time.RFC3339Nano)
		next = &cursor
	}
	c.JSON(http.StatusOK, gin.H{"data": msgs, "nextBefore": next})
}

func sendMessage(c *gin.Context, svc *service.MessagingService) {
	var req struct {
		Content      string             `json:"content"`
		Type         model.MessageType  `json:"type"`
		Attachments  []model.Attachment `json:"attachments"`
		ReplyTo      string             `json:"replyTo"`
		Metadata     map[string]any     `json:"metadata"`
		SenderAvatar string             `json:"senderAvatar"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		routeutil.BadRequest(c, err)
		return
	}
	msg, err := svc.SendMessage(c.Request.Context(), service.SendMessageRequest{
		ConversationID: c.Param("conversationId"),
		SenderID:       security.GetUserID(c),
		SenderName:     security.GetUserName(c),
		SenderAvatar:   req.SenderAvatar,
		SenderTier:     security.GetTier(c),
		Content:        req.Content,
		Type:           req.Type,
		Attachments:    req.Attachments,
		ReplyTo:        req.ReplyTo,
		Metadata:       req.Metadata,
	})
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func editMessage(c *gin.Context, svc *service.MessagingService) {
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		routeutil.BadRequest(c, err)
		return
	}
	msg, err := svc.EditMessage(c.Request.Context(), service.EditMessageRequest{
		MessageID: c.Param("messageId"),
		UserID:    security.GetUserID(c),
		Tier:      security.GetTier(c),
		Content:   req.Content,
	})
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func deleteMessage(c *gin.Context, svc *service.MessagingService) {
	if err := svc.DeleteMessage(c.Request.Context(), c.Param("messageId"), security.GetUserID(c)); err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func toggleReaction(c *gin.Context, svc *service.MessagingService) {
	var req struct {
		Emoji string `json:"emoji"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		routeutil.BadRequest(c, err)
		return
	}
	msg, err := svc.ToggleReaction(c.Request.Context(), c.Param("messageId"), security.GetUserID(c), security.GetUserName(c), req.Emoji)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}
