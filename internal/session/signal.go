package session

import (
	"encoding/json"

	apperrors "CareLink/pkg/errors"

	"github.com/pion/webrtc/v3"
)

// 通话信令事件，原样转发给会话另一方
const (
	SignalOffer        = "call:offer"
	SignalAnswer       = "call:answer"
	SignalICECandidate = "call:ice-candidate"
)

type SignalPayload struct {
	ConversationID string          `json:"conversationId"`
	From           string          `json:"from"`
	Payload        json.RawMessage `json:"payload"`
}

func IsSignal(kind string) bool {
	switch kind {
	case SignalOffer, SignalAnswer, SignalICECandidate:
		return true
	}
	return false
}

// ValidateSignal 只要求 payload 是可解码的 JSON 对象，内容原样透传，
// SDP 内容、类型是否与事件匹配、candidate 格式都交给两端自己处理
func ValidateSignal(kind string, payload json.RawMessage) error {
	if len(payload) == 0 || !json.Valid(payload) {
		return apperrors.WithCode(apperrors.CodeInvalidArgument, "missing or malformed signaling payload")
	}
	switch kind {
	case SignalOffer, SignalAnswer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(payload, &desc); err != nil {
			return apperrors.WrapCode(apperrors.CodeInvalidArgument, err, "malformed session description")
		}
	case SignalICECandidate:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(payload, &cand); err != nil {
			return apperrors.WrapCode(apperrors.CodeInvalidArgument, err, "malformed ice candidate")
		}
	default:
		return apperrors.WithCodef(apperrors.CodeInvalidArgument, "unknown signaling event %s", kind)
	}
	return nil
}

// Signal 校验后把 payload 原样转给另一方
func (r *Router) Signal(conversationID, senderID, kind string, payload json.RawMessage) error {
	if err := ValidateSignal(kind, payload); err != nil {
		return err
	}
	s, err := r.member(conversationID, senderID)
	if err != nil {
		return err
	}
	r.emitter.ToActor(s.Peer(senderID), kind, SignalPayload{
		ConversationID: conversationID,
		From:           senderID,
		Payload:        payload,
	})
	return nil
}
