package mlsgw

import (
	"context"
	"encoding/json"

	"github.com/nostrmls/gateway/internal/gwlog"
)

// ServiceRequest is the generic decrypted payload shape required of every
// kind 40910 service-request.
type ServiceRequest struct {
	ActionType string          `json:"action_type"`
	ActionID   string          `json:"action_id"`
	ClientID   string          `json:"client_id"`
	Profile    string          `json:"profile"`
	Params     json.RawMessage `json:"params,omitempty"`
	JWTProof   json.RawMessage `json:"jwt_proof,omitempty"`
}

// routeKey identifies a (action_type, profile) dispatch route.
type routeKey struct {
	actionType string
	profile    string
}

// ServiceDispatcher routes decrypted service-request payloads to profile
// handlers by (action_type, profile). Currently only the NIP-KR
// rotation route is implemented; unknown combinations are logged and
// ignored, never surfaced as an error to the client.
type ServiceDispatcher struct {
	rotation *RotationCoordinator
}

// NewServiceDispatcher constructs a dispatcher wired to the rotation
// coordinator, the sole implemented route today.
func NewServiceDispatcher(rotation *RotationCoordinator) *ServiceDispatcher {
	return &ServiceDispatcher{rotation: rotation}
}

// Dispatch parses and routes one decrypted JSON payload. Missing required
// fields are ignored with a warning; plaintext is never logged.
func (d *ServiceDispatcher) Dispatch(ctx context.Context, payload []byte) {
	log := gwlog.WithComponent("service")

	var req ServiceRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		log.Warn().Msg("service payload is not valid JSON, ignoring")
		return
	}

	if req.ActionType == "" || req.ActionID == "" || req.ClientID == "" || req.Profile == "" {
		log.Warn().Msg("service payload missing required field, ignoring")
		return
	}

	key := routeKey{actionType: req.ActionType, profile: req.Profile}
	switch key {
	case routeKey{actionType: "rotation", profile: "nip-kr/0.1.0"}:
		d.dispatchRotation(ctx, req)
	default:
		log.Warn().Str("action_type", req.ActionType).Str("profile", req.Profile).Msg("unknown service route, ignoring")
	}
}

func (d *ServiceDispatcher) dispatchRotation(ctx context.Context, req ServiceRequest) {
	log := gwlog.WithComponent("service")

	var params struct {
		RotationReason  string `json:"rotation_reason"`
		NotBeforeMs     int64  `json:"not_before"`
		GraceDurationMs int64  `json:"grace_duration_ms"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.Warn().Str("action_id", req.ActionID).Msg("rotation params not valid JSON, ignoring")
			return
		}
	}

	rotReq := RotationRequest{
		ActionID:        req.ActionID,
		ClientID:        req.ClientID,
		RotationReason:  params.RotationReason,
		NotBeforeMs:     params.NotBeforeMs,
		GraceDurationMs: params.GraceDurationMs,
		JWTProofPresent: len(req.JWTProof) > 0,
	}

	if _, err := d.rotation.PrepareRotation(ctx, rotReq); err != nil {
		log.Warn().Err(err).Str("action_id", req.ActionID).Msg("rotation prepare failed")
	}
}

// DispatchAck routes a kind 40911 service-ack to the rotation coordinator.
// Acks carry action_id, client_id and an optional profile; an ack that names
// a profile other than nip-kr/0.1.0 is ignored.
func (d *ServiceDispatcher) DispatchAck(ctx context.Context, payload []byte) {
	log := gwlog.WithComponent("service")

	var ack struct {
		ActionID string `json:"action_id"`
		ClientID string `json:"client_id"`
		Profile  string `json:"profile"`
	}
	if err := json.Unmarshal(payload, &ack); err != nil || ack.ActionID == "" {
		log.Warn().Msg("service-ack payload invalid, ignoring")
		return
	}
	if ack.Profile != "" && ack.Profile != "nip-kr/0.1.0" {
		log.Warn().Str("profile", ack.Profile).Msg("unknown service-ack profile, ignoring")
		return
	}

	if _, err := d.rotation.Ack(ctx, ack.ActionID); err != nil {
		log.Warn().Err(err).Str("action_id", ack.ActionID).Msg("rotation ack failed")
	}
}
