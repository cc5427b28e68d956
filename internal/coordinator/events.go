package coordinator

import (
	"context"
	"encoding/json"

	"CareLink/internal/presence"
	"CareLink/internal/session"
	"CareLink/internal/sos"
	apperrors "CareLink/pkg/errors"
	"CareLink/pkg/websocket"
)

type seekerRequest struct {
	SeniorID    string `json:"seniorId"`
	RequestType string `json:"requestType"`
	Note        string `json:"note"`
}

type acceptRequest struct {
	SeniorID    string `json:"seniorId"`
	VolunteerID string `json:"volunteerId"`
}

type availability struct {
	VolunteerID string `json:"volunteerId"`
	IsOnline    bool   `json:"isOnline"`
}

type conversationEvent struct {
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	UserID         string          `json:"userId"`
	Content        string          `json:"content"`
	Payload        json.RawMessage `json:"payload"`
}

type sosEvent struct {
	AlertID     string `json:"alertId"`
	VolunteerID string `json:"volunteerId"`
	Status      string `json:"status"`
	Reason      string `json:"reason"`
	Notes       string `json:"notes"`
}

type raisedReply struct {
	Alert   sos.Alert `json:"alert"`
	Created bool      `json:"created"`
}

func (c *Coordinator) handle(ctx context.Context, conn *websocket.Connection, id Identity, event string, data json.RawMessage) error {
	switch event {
	case EventSeekerRequest:
		var p seekerRequest
		if err := decode(data, &p); err != nil {
			return err
		}
		if err := RequireRole(id, presence.RoleSenior, presence.RoleAdmin); err != nil {
			return err
		}
		senior, err := ActingAs(id, p.SeniorID)
		if err != nil {
			return err
		}
		_, err = c.Matching.Submit(ctx, senior, p.RequestType, p.Note)
		return err

	case EventRequestCancel:
		var p seekerRequest
		if err := decode(data, &p); err != nil {
			return err
		}
		senior, err := ActingAs(id, p.SeniorID)
		if err != nil {
			return err
		}
		c.Matching.Cancel(ctx, senior)
		return nil

	case EventVolunteerAccept:
		var p acceptRequest
		if err := decode(data, &p); err != nil {
			return err
		}
		if err := RequireRole(id, presence.RoleVolunteer); err != nil {
			return err
		}
		volunteer, err := ActingAs(id, p.VolunteerID)
		if err != nil {
			return err
		}
		_, err = c.Matching.Claim(ctx, p.SeniorID, volunteer)
		return err

	case EventVolunteerAvailability:
		var p availability
		if err := decode(data, &p); err != nil {
			return err
		}
		if err := RequireRole(id, presence.RoleVolunteer); err != nil {
			return err
		}
		if _, err := ActingAs(id, p.VolunteerID); err != nil {
			return err
		}
		if !p.IsOnline {
			c.Presence.Unregister(ctx, id.ActorID, "")
			return nil
		}
		if c.Presence.Register(ctx, id.ActorID, presence.RoleVolunteer, conn.ID) {
			c.Matching.OnVolunteerOnline(ctx, id.ActorID)
		}
		return nil

	case EventChatJoin:
		var p conversationEvent
		if err := decode(data, &p); err != nil {
			return err
		}
		return c.Sessions.Join(p.ConversationID, id.ActorID)

	case EventMessageSend:
		var p conversationEvent
		if err := decode(data, &p); err != nil {
			return err
		}
		if p.SenderID != "" && p.SenderID != id.ActorID {
			return apperrors.WithCode(apperrors.CodeForbidden, "senderId does not match connection")
		}
		_, err := c.Sessions.RelayMessage(ctx, p.ConversationID, id.ActorID, p.Content)
		return err

	case EventChatEnd:
		var p conversationEvent
		if err := decode(data, &p); err != nil {
			return err
		}
		return c.EndConversation(ctx, p.ConversationID, id)

	case session.SignalOffer, session.SignalAnswer, session.SignalICECandidate:
		var p conversationEvent
		if err := decode(data, &p); err != nil {
			return err
		}
		return c.Sessions.Signal(p.ConversationID, id.ActorID, event, p.Payload)

	case EventSOSRaise:
		var p sos.RaiseInput
		if err := decode(data, &p); err != nil {
			return err
		}
		if err := RequireRole(id, presence.RoleSenior, presence.RoleAdmin); err != nil {
			return err
		}
		senior, err := ActingAs(id, p.SeniorID)
		if err != nil {
			return err
		}
		p.SeniorID = senior
		alert, created, err := c.SOS.Raise(ctx, p)
		if err != nil {
			return err
		}
		c.reply(conn.ID, EventSOSRaised, raisedReply{Alert: alert, Created: created})
		return nil

	case EventSOSAccept:
		var p sosEvent
		if err := decode(data, &p); err != nil {
			return err
		}
		if err := RequireRole(id, presence.RoleVolunteer, presence.RoleAdmin); err != nil {
			return err
		}
		volunteer, err := ActingAs(id, p.VolunteerID)
		if err != nil {
			return err
		}
		_, err = c.SOS.Acknowledge(ctx, p.AlertID, volunteer)
		return err

	case EventSOSStatus:
		var p sosEvent
		if err := decode(data, &p); err != nil {
			return err
		}
		_, err := c.SOS.SetStatus(ctx, p.AlertID, p.Status, id.Actor(), p.Notes)
		return err

	case EventSOSEscalate:
		var p sosEvent
		if err := decode(data, &p); err != nil {
			return err
		}
		_, err := c.SOS.Escalate(ctx, p.AlertID, p.Reason, id.Actor())
		return err

	case EventSOSResolve:
		var p sosEvent
		if err := decode(data, &p); err != nil {
			return err
		}
		_, err := c.SOS.Resolve(ctx, p.AlertID, id.Actor(), p.Notes)
		return err
	}
	return apperrors.WithCodef(apperrors.CodeInvalidArgument, "unknown event %s", event)
}

// EndConversation 会话成员或管理员可以结束会话
func (c *Coordinator) EndConversation(ctx context.Context, conversationID string, id Identity) error {
	s, ok := c.Sessions.Get(conversationID)
	if !ok {
		return apperrors.WithCodef(apperrors.CodeNotFound, "conversation %s not found", conversationID)
	}
	if !s.HasMember(id.ActorID) && id.Role != presence.RoleAdmin {
		return apperrors.WithCode(apperrors.CodeForbidden, "not a member of this conversation")
	}
	_, err := c.Sessions.End(ctx, conversationID, id.ActorID)
	return err
}
