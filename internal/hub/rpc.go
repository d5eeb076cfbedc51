package hub

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Method names accepted from clients.
const (
	MethodJoinGroup                 = "JoinGroup"
	MethodLeaveGroup                = "LeaveGroup"
	MethodPing                      = "Ping"
	MethodHeartbeatResponse         = "HeartbeatResponse"
	MethodUpdateAttendanceStatus    = "UpdateAttendanceStatus"
	MethodSendBirthdayWish          = "SendBirthdayWish"
	MethodGetConnectionStats        = "GetConnectionStats"
	MethodRequestConnectionRecovery = "RequestConnectionRecovery"
	MethodConfirmDelivery           = "ConfirmDelivery"
	MethodConfirmRead               = "ConfirmRead"
)

// ErrUnknownMethod is returned by DecodeRequest for a method outside the
// closed set below.
var ErrUnknownMethod = errors.New("unknown hub method")

// Request is one of the *Request types in this file.
type Request interface {
	Method() string
}

type JoinGroupRequest struct {
	Group string `json:"group"`
}

type LeaveGroupRequest struct {
	Group string `json:"group"`
}

type PingRequest struct{}

type HeartbeatResponseRequest struct{}

type UpdateAttendanceStatusRequest struct {
	Status string `json:"status"`
}

type SendBirthdayWishRequest struct {
	ToUserID string `json:"to_user_id"`
	Message  string `json:"message"`
}

type GetConnectionStatsRequest struct{}

type RequestConnectionRecoveryRequest struct{}

type ConfirmDeliveryRequest struct {
	DeliveryID string `json:"delivery_id"`
}

type ConfirmReadRequest struct {
	DeliveryID string `json:"delivery_id"`
}

func (JoinGroupRequest) Method() string                 { return MethodJoinGroup }
func (LeaveGroupRequest) Method() string                { return MethodLeaveGroup }
func (PingRequest) Method() string                      { return MethodPing }
func (HeartbeatResponseRequest) Method() string         { return MethodHeartbeatResponse }
func (UpdateAttendanceStatusRequest) Method() string    { return MethodUpdateAttendanceStatus }
func (SendBirthdayWishRequest) Method() string          { return MethodSendBirthdayWish }
func (GetConnectionStatsRequest) Method() string        { return MethodGetConnectionStats }
func (RequestConnectionRecoveryRequest) Method() string { return MethodRequestConnectionRecovery }
func (ConfirmDeliveryRequest) Method() string           { return MethodConfirmDelivery }
func (ConfirmReadRequest) Method() string               { return MethodConfirmRead }

// frame is the client wire format: {"method": "JoinGroup", "params": {"group": "x"}}
type frame struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// DecodeRequest parses one client frame into its typed request.
func DecodeRequest(payload []byte) (Request, error) {
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	var req Request
	switch f.Method {
	case MethodJoinGroup:
		req = &JoinGroupRequest{}
	case MethodLeaveGroup:
		req = &LeaveGroupRequest{}
	case MethodPing:
		return PingRequest{}, nil
	case MethodHeartbeatResponse:
		return HeartbeatResponseRequest{}, nil
	case MethodUpdateAttendanceStatus:
		req = &UpdateAttendanceStatusRequest{}
	case MethodSendBirthdayWish:
		req = &SendBirthdayWishRequest{}
	case MethodGetConnectionStats:
		return GetConnectionStatsRequest{}, nil
	case MethodRequestConnectionRecovery:
		return RequestConnectionRecoveryRequest{}, nil
	case MethodConfirmDelivery:
		req = &ConfirmDeliveryRequest{}
	case MethodConfirmRead:
		req = &ConfirmReadRequest{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, f.Method)
	}

	if len(f.Params) > 0 {
		if err := json.Unmarshal(f.Params, req); err != nil {
			return nil, fmt.Errorf("decode %s params: %w", f.Method, err)
		}
	}
	return deref(req), nil
}

// deref turns the pointer used for unmarshalling back into the value type
// the dispatch switch matches on.
func deref(req Request) Request {
	switch r := req.(type) {
	case *JoinGroupRequest:
		return *r
	case *LeaveGroupRequest:
		return *r
	case *UpdateAttendanceStatusRequest:
		return *r
	case *SendBirthdayWishRequest:
		return *r
	case *ConfirmDeliveryRequest:
		return *r
	case *ConfirmReadRequest:
		return *r
	default:
		return req
	}
}
