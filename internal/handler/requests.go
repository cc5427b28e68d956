package handlers

import (
	"CareLink/internal/coordinator"
	"CareLink/internal/presence"
	apperrors "CareLink/pkg/errors"
	"CareLink/pkg/response"

	"github.com/gin-gonic/gin"
)

type submitForm struct {
	SeniorID    string `json:"seniorId"`
	RequestType string `json:"requestType"`
	Note        string `json:"note"`
}

type claimForm struct {
	VolunteerID string `json:"volunteerId"`
}

// SubmitRequest 覆盖该老人已有的待处理请求
func (h *Handlers) SubmitRequest(c *gin.Context) {
	var form submitForm
	if err := c.ShouldBindJSON(&form); err != nil {
		response.Fail(c, "invalid request", nil)
		return
	}
	id := identityFrom(c)
	if err := coordinator.RequireRole(id, presence.RoleSenior, presence.RoleAdmin); err != nil {
		response.Error(c, err)
		return
	}
	senior, err := coordinator.ActingAs(id, form.SeniorID)
	if err != nil {
		response.Error(c, err)
		return
	}
	req, err := h.coord.Matching.Submit(c.Request.Context(), senior, form.RequestType, form.Note)
	if err != nil {
		response.Error(c, err)
		return
	}
	// chat 请求可能在提交时就已自动匹配
	if req.ClaimedBy != "" {
		if s, ok := h.coord.Sessions.ForVolunteer(req.ClaimedBy); ok {
			response.Created(c, "request matched", gin.H{"request": req, "session": s})
			return
		}
	}
	response.Created(c, "request submitted", gin.H{"request": req})
}

func (h *Handlers) ListRequests(c *gin.Context) {
	id := identityFrom(c)
	if err := coordinator.RequireRole(id, presence.RoleVolunteer, presence.RoleAdmin, presence.RoleNGO); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "ok", h.coord.Matching.ListPending())
}

func (h *Handlers) ClaimRequest(c *gin.Context) {
	var form claimForm
	if err := bindOptional(c, &form); err != nil {
		response.Error(c, err)
		return
	}
	id := identityFrom(c)
	if err := coordinator.RequireRole(id, presence.RoleVolunteer, presence.RoleAdmin); err != nil {
		response.Error(c, err)
		return
	}
	volunteer, err := coordinator.ActingAs(id, form.VolunteerID)
	if err != nil {
		response.Error(c, err)
		return
	}
	s, err := h.coord.Matching.Claim(c.Request.Context(), c.Param("seniorId"), volunteer)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "request claimed", s)
}

func (h *Handlers) CancelRequest(c *gin.Context) {
	id := identityFrom(c)
	if err := coordinator.RequireRole(id, presence.RoleSenior, presence.RoleAdmin); err != nil {
		response.Error(c, err)
		return
	}
	senior, err := coordinator.ActingAs(id, c.Param("seniorId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if !h.coord.Matching.Cancel(c.Request.Context(), senior) {
		response.Error(c, apperrors.WithCodef(apperrors.CodeNotFound, "no pending request for %s", senior))
		return
	}
	response.Success(c, "request cancelled", nil)
}

// ListPresence 按角色列出在线者，role 缺省为 volunteer
func (h *Handlers) ListPresence(c *gin.Context) {
	role := presence.Role(c.DefaultQuery("role", string(presence.RoleVolunteer)))
	if !role.Valid() {
		response.Fail(c, "invalid role", nil)
		return
	}
	response.Success(c, "ok", h.coord.Presence.Entries(role))
}

func (h *Handlers) ListConversations(c *gin.Context) {
	id := identityFrom(c)
	if err := coordinator.RequireRole(id, presence.RoleAdmin); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "ok", h.coord.Sessions.List())
}

func (h *Handlers) EndConversation(c *gin.Context) {
	if err := h.coord.EndConversation(c.Request.Context(), c.Param("id"), identityFrom(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "conversation ended", nil)
}
