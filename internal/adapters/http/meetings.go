package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/confab-app/confab/internal/app"
	"github.com/confab-app/confab/internal/auth"
	"github.com/confab-app/confab/internal/core"
	"github.com/confab-app/confab/internal/domain"
)

type MeetingHandlers struct {
	Registry *app.Registry
}

type startRequest struct {
	MeetingID string `json:"meetingId"`
	Gated     bool   `json:"gated"`
}

type startResponse struct {
	MeetingID string `json:"meetingId"`
	IsHost    bool   `json:"isHost"`
	Gated     bool   `json:"gated"`
}

// Start creates the meeting on first call; re-invoking returns the existing
// meeting with isHost true only for the original creator.
func (h *MeetingHandlers) Start(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	info, isHost, err := h.Registry.Start(domain.MeetingID(req.MeetingID), auth.Identity(c), req.Gated)
	if err != nil {
		if errors.Is(err, core.ErrAlreadyActiveElsewhere) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, startResponse{MeetingID: string(info.ID), IsHost: isHost, Gated: info.Gated})
}

type joinResponse struct {
	MeetingID string `json:"meetingId"`
	Admitted  bool   `json:"admitted"`
}

// Join reports whether the identity would be admitted immediately or has to
// wait for host approval. The actual membership is established over the
// signaling connection.
func (h *MeetingHandlers) Join(c *gin.Context) {
	id := domain.MeetingID(c.Param("id"))
	meta, _, err := h.Registry.Snapshot(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": core.ErrNoSuchMeeting.Error()})
		return
	}

	_, hostUser, hasHost := h.Registry.HostOf(id)
	admitted := !meta.Gated
	if meta.Gated && hasHost && hostUser.Username == auth.Identity(c) {
		admitted = true
	}
	c.JSON(http.StatusOK, joinResponse{MeetingID: string(id), Admitted: admitted})
}

func (h *MeetingHandlers) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"meetings": h.Registry.List()})
}

func (h *MeetingHandlers) Info(c *gin.Context) {
	id := domain.MeetingID(c.Param("id"))
	meta, members, err := h.Registry.Snapshot(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": core.ErrNoSuchMeeting.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":          meta.ID,
		"gated":       meta.Gated,
		"createdAt":   meta.CreatedAt,
		"memberCount": len(members),
		"members":     members,
	})
}
