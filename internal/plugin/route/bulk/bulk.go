package bulk

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/plannr/messaging-service/internal/plugin/route/routeutil"
	registryroute "github.com/plannr/messaging-service/internal/registry/route"
	"github.com/plannr/messaging-service/internal/security"
	"github.com/plannr/messaging-service/internal/service"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "bulk",
		Order: 120,
		Loader: func(r gin.IRouter, deps registryroute.Deps) error {
			MountRoutes(r, deps.Service)
			return nil
		},
	})
}

// MountRoutes mounts bulk operation routes on r.
func MountRoutes(r gin.IRouter, svc *service.MessagingService) {
	g := r.Group("/bulk")
	g.POST("/delete", func(c *gin.Context) {
		bulkDelete(c, svc)
	})
	g.POST("/read", func(c *gin.Context) {
		bulkRead(c, svc)
	})
	g.POST("/flag", func(c *gin.Context) {
		bulkFlag(c, svc)
	})
	g.POST("/archive", func(c *gin.Context) {
		bulkArchive(c, svc)
	})
	g.POST("/operations/:operationId/undo", func(c *gin.Context) {
		undo(c, svc)
	})
}

type messageIDsRequest struct {
	MessageIDs []string `json:"messageIds"`
}

func bulkDelete(c *gin.Context, svc *service.MessagingService) {
	var req messageIDsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		routeutil.BadRequest(c, err)
		return
	}
	res, err := svc.BulkDelete(c.Request.Context(), security.GetUserID(c), req.MessageIDs)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"operationId": res.Operation.ID,
		"undoToken":   res.UndoToken,
		"expiresAt":   res.Operation.ExpiresAt,
		"messageIds":  res.Operation.MessageIDs,
	})
}

func bulkRead(c *gin.Context, svc *service.MessagingService) {
	var req struct {
		ConversationIDs []string `json:"conversationIds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		routeutil.BadRequest(c, err)
		return
	}
	n, err := svc.BulkMarkRead(c.Request.Context(), security.GetUserID(c), req.ConversationIDs)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": n})
}

func bulkFlag(c *gin.Context, svc *service.MessagingService) {
	var req struct {
		messageIDsRequest
		Starred *bool `json:"starred"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		routeutil.BadRequest(c, err)
		return
	}
	starred := req.Starred == nil || *req.Starred
	n, err := svc.BulkFlag(c.Request.Context(), security.GetUserID(c), req.MessageIDs, starred)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

func bulkArchive(c *gin.Context, svc *service.MessagingService) {
	var req struct {
		messageIDsRequest
		Archived *bool `json:"archived"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		routeutil.BadRequest(c, err)
		return
	}
	archived := req.Archived == nil || *req.Archived
	n, err := svc.BulkArchive(c.Request.Context(), security.GetUserID(c), req.MessageIDs, archived)
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

func undo(c *gin.Context, svc *service.MessagingService) {
	var req struct {
		UndoToken string `json:"undoToken"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		routeutil.BadRequest(c, err)
		return
	}
	op, err := svc.UndoOperation(c.Request.Context(), c.Param("operationId"), req.UndoToken, security.GetUserID(c))
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"operationId": op.ID,
		"restored":    len(op.MessageIDs),
		"undoneAt":    op.UndoneAt,
	})
}
