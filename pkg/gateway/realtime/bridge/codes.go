package bridge

import (
	"errors"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

// maxCloseReasonBytes is the largest reason that fits a close frame payload
// next to its two-byte status code.
const maxCloseReasonBytes = 123

// closeInfo extracts the status code and reason from a read error so that it
// can be replayed on the other leg. Codes that must never appear on the wire
// are mapped to sendable equivalents.
func closeInfo(err error) (int, string) {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return websocket.CloseGoingAway, "peer disconnected"
	}
	switch ce.Code {
	case websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		return websocket.CloseGoingAway, "peer disconnected"
	case websocket.CloseNoStatusReceived:
		// FormatCloseMessage writes an empty payload for this code, so the
		// other peer also observes "no status".
		return websocket.CloseNoStatusReceived, ""
	}
	return ce.Code, ce.Text
}

func closeCodeName(code int) string {
	switch code {
	case websocket.CloseNormalClosure:
		return "normal_closure"
	case websocket.CloseGoingAway:
		return "going_away"
	case websocket.CloseProtocolError:
		return "protocol_error"
	case websocket.CloseUnsupportedData:
		return "unsupported_data"
	case websocket.CloseNoStatusReceived:
		return "no_status"
	case websocket.CloseAbnormalClosure:
		return "abnormal_closure"
	case websocket.CloseInvalidFramePayloadData:
		return "invalid_payload"
	case websocket.ClosePolicyViolation:
		return "policy_violation"
	case websocket.CloseMessageTooBig:
		return "message_too_big"
	case websocket.CloseInternalServerErr:
		return "internal_error"
	case websocket.CloseServiceRestart:
		return "service_restart"
	case websocket.CloseTryAgainLater:
		return "try_again_later"
	default:
		if code >= 4000 && code <= 4999 {
			return "application"
		}
		return "other"
	}
}

func truncateReason(reason string) string {
	if len(reason) <= maxCloseReasonBytes {
		return reason
	}
	cut := maxCloseReasonBytes
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
