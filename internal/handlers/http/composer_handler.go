package http

import (
	"context"
	"io"
	"net/http"

	"clicktocall/internal/core/domain"
	"clicktocall/internal/infrastructure/signaling"
	"clicktocall/pkg/errors"
	"clicktocall/pkg/logger"

	"github.com/gin-gonic/gin"
)

const maxEventBody = 256 << 10

// CallController is the composer binder as seen by the control API.
type CallController interface {
	UpdateButtonDisplay() domain.ButtonState
	Click(ctx context.Context, element domain.Element) error
	HandleIncoming(ctx context.Context, callID domain.CallID, msg domain.CallMessage) error
	AcceptIncoming(ctx context.Context, from domain.UserID) error
	CloseCurrent(ctx context.Context) error
	CurrentCall() (domain.CallInfo, bool)
	PendingIncoming() (domain.IncomingCall, bool)
}

type ComposerHandler struct {
	calls CallController
}

func NewComposerHandler(calls CallController) *ComposerHandler {
	return &ComposerHandler{calls: calls}
}

func (h *ComposerHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/composer/buttons", h.Buttons)
		api.POST("/composer/click", h.Click)

		api.GET("/calls/current", h.Current)
		api.POST("/calls/accept", h.Accept)
		api.POST("/calls/close", h.Close)
		api.POST("/calls/messages", h.Deliver)
	}
}

type AcceptRequest struct {
	FromUserID int64 `json:"from_user_id" binding:"omitempty,gt=0"`
}

// Buttons recomputes button visibility and returns it keyed by selector.
func (h *ComposerHandler) Buttons(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"buttons": h.calls.UpdateButtonDisplay()})
}

func (h *ComposerHandler) Click(c *gin.Context) {
	var element domain.Element
	if err := c.ShouldBindJSON(&element); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	if element.UserID != "" {
		c.Request = c.Request.WithContext(logger.WithUserID(c.Request.Context(), element.UserID))
	}

	if err := h.calls.Click(c.Request.Context(), element); err != nil {
		c.Error(err)
		return
	}

	info, ok := h.calls.CurrentCall()
	if ok {
		tagCall(c, info.CallID, info.RemoteUserID)
	}
	if !ok || !info.State.Active() {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusAccepted, info)
}

func (h *ComposerHandler) Current(c *gin.Context) {
	response := gin.H{}
	if info, ok := h.calls.CurrentCall(); ok {
		response["call"] = info
	}
	if incoming, ok := h.calls.PendingIncoming(); ok {
		response["incoming"] = incoming
	}
	if len(response) == 0 {
		c.Error(errors.NewNotFoundError("call"))
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *ComposerHandler) Accept(c *gin.Context) {
	var req AcceptRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(errors.NewInvalidInputError("invalid request format"))
			return
		}
	}

	if incoming, ok := h.calls.PendingIncoming(); ok {
		tagCall(c, incoming.CallID, incoming.FromUserID)
	}

	if err := h.calls.AcceptIncoming(c.Request.Context(), domain.UserID(req.FromUserID)); err != nil {
		c.Error(err)
		return
	}

	info, _ := h.calls.CurrentCall()
	c.JSON(http.StatusAccepted, info)
}

func (h *ComposerHandler) Close(c *gin.Context) {
	if info, ok := h.calls.CurrentCall(); ok {
		tagCall(c, info.CallID, info.RemoteUserID)
	}

	if err := h.calls.CloseCurrent(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Deliver accepts a call event pushed by the host application, for
// deployments that run without a streaming inbox.
func (h *ComposerHandler) Deliver(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBody))
	if err != nil {
		c.Error(errors.NewInvalidInputError("failed to read body"))
		return
	}

	callID, msg, err := signaling.DecodeEvent(data)
	if err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	tagCall(c, callID, msg.FromUserID)

	if err := h.calls.HandleIncoming(c.Request.Context(), callID, msg); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusAccepted)
}

// tagCall attaches the call and peer ids to the request context for logging.
func tagCall(c *gin.Context, callID domain.CallID, peer domain.UserID) {
	ctx := c.Request.Context()
	if callID != "" {
		ctx = logger.WithCallID(ctx, string(callID))
	}
	if peer > 0 {
		ctx = logger.WithUserID(ctx, peer.String())
	}
	c.Request = c.Request.WithContext(ctx)
}
