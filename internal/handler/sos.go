package handlers

import (
	"errors"
	"io"

	"CareLink/internal/coordinator"
	"CareLink/internal/presence"
	"CareLink/internal/sos"
	apperrors "CareLink/pkg/errors"
	"CareLink/pkg/response"

	"github.com/gin-gonic/gin"
)

type sosActionForm struct {
	VolunteerID string `json:"volunteerId"`
	Status      string `json:"status"`
	Reason      string `json:"reason"`
	Notes       string `json:"notes"`
}

// bindOptional 请求体可以为空
func bindOptional(c *gin.Context, out interface{}) error {
	if err := c.ShouldBindJSON(out); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.WrapCode(apperrors.CodeInvalidArgument, err, "invalid request body")
	}
	return nil
}

// RaiseSOS 同一老人重复上报返回已有警报
func (h *Handlers) RaiseSOS(c *gin.Context) {
	var form sos.RaiseInput
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
	form.SeniorID = senior

	alert, created, err := h.coord.SOS.Raise(c.Request.Context(), form)
	if err != nil {
		response.Error(c, err)
		return
	}
	if created {
		response.Created(c, "sos raised", alert)
		return
	}
	response.Success(c, "sos already active", alert)
}

// ListSOS 管理员看全部活跃警报，NGO 只看自己的
func (h *Handlers) ListSOS(c *gin.Context) {
	id := identityFrom(c)
	if err := coordinator.RequireRole(id, presence.RoleAdmin, presence.RoleNGO); err != nil {
		response.Error(c, err)
		return
	}
	alerts := h.coord.SOS.ListActive()
	if id.Role == presence.RoleNGO {
		ngo := id.NGOID
		if ngo == "" {
			ngo = id.ActorID
		}
		filtered := alerts[:0]
		for _, a := range alerts {
			if a.NGOID == ngo {
				filtered = append(filtered, a)
			}
		}
		alerts = filtered
	}
	response.Success(c, "ok", alerts)
}

func (h *Handlers) GetSOS(c *gin.Context) {
	alert, ok := h.coord.SOS.Get(c.Param("id"))
	if !ok {
		response.Error(c, apperrors.WithCodef(apperrors.CodeNotFound, "alert %s not found", c.Param("id")))
		return
	}
	id := identityFrom(c)
	if id.Role == presence.RoleSenior && alert.SeniorID != id.ActorID {
		response.Error(c, apperrors.WithCode(apperrors.CodeForbidden, "not your alert"))
		return
	}
	response.Success(c, "ok", alert)
}

func (h *Handlers) AcceptSOS(c *gin.Context) {
	var form sosActionForm
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
	alert, err := h.coord.SOS.Acknowledge(c.Request.Context(), c.Param("id"), volunteer)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "sos accepted", alert)
}

func (h *Handlers) UpdateSOSStatus(c *gin.Context) {
	var form sosActionForm
	if err := c.ShouldBindJSON(&form); err != nil {
		response.Fail(c, "invalid request", nil)
		return
	}
	alert, err := h.coord.SOS.SetStatus(c.Request.Context(), c.Param("id"), form.Status, identityFrom(c).Actor(), form.Notes)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "status updated", alert)
}

func (h *Handlers) EscalateSOS(c *gin.Context) {
	var form sosActionForm
	if err := bindOptional(c, &form); err != nil {
		response.Error(c, err)
		return
	}
	alert, err := h.coord.SOS.Escalate(c.Request.Context(), c.Param("id"), form.Reason, identityFrom(c).Actor())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "sos escalated", alert)
}

func (h *Handlers) ResolveSOS(c *gin.Context) {
	var form sosActionForm
	if err := bindOptional(c, &form); err != nil {
		response.Error(c, err)
		return
	}
	alert, err := h.coord.SOS.Resolve(c.Request.Context(), c.Param("id"), identityFrom(c).Actor(), form.Notes)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "sos resolved", alert)
}

func (h *Handlers) ReassignSOS(c *gin.Context) {
	var form sosActionForm
	if err := c.ShouldBindJSON(&form); err != nil {
		response.Fail(c, "invalid request", nil)
		return
	}
	alert, err := h.coord.SOS.Reassign(c.Request.Context(), c.Param("id"), form.VolunteerID, identityFrom(c).Actor())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "sos reassigned", alert)
}

func (h *Handlers) ForceCloseSOS(c *gin.Context) {
	var form sosActionForm
	if err := bindOptional(c, &form); err != nil {
		response.Error(c, err)
		return
	}
	alert, err := h.coord.SOS.ForceClose(c.Request.Context(), c.Param("id"), form.Notes, identityFrom(c).Actor())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "sos closed", alert)
}
