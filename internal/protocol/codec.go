package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/atelierhq/atelier/internal/errors"
)

// ErrUnknownFrame is returned by Decode for a type it does not recognize.
var ErrUnknownFrame = errors.New("unknown frame type")

// ErrMalformedFrame is returned by Decode for input that is not a JSON
// object with a string "type".
var ErrMalformedFrame = errors.New("malformed frame")

// EncodeRequest renders req as {type, requestId, ...fields}.
func EncodeRequest(requestID string, req Request) ([]byte, error) {
	return envelope(req.Kind(), requestID, req)
}

// EncodeFrame renders an inbound frame. The client never sends these; it
// is used by test servers and by tooling that replays captured traffic.
func EncodeFrame(f Frame) ([]byte, error) {
	return envelope(f.Kind(), "", f)
}

func envelope(kind Kind, requestID string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", kind, err)
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("failed to encode %s: payload is not an object: %w", kind, err)
	}
	fields["type"], _ = json.Marshal(kind)
	if requestID != "" {
		fields["requestId"], _ = json.Marshal(requestID)
	}
	return json.Marshal(fields)
}

// Decode parses one inbound frame.
//
// Frames that carry a success flag default to success when the field is
// absent.
func Decode(data []byte) (Frame, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	switch head.Type {
	case KindChatResponse:
		return decodeAs(data, ChatResponse{Success: true})
	case KindGenerateStarted, KindRefineStarted:
		return decodeAs(data, JobStarted{Success: true})
	case KindVariantUpdated:
		return decodeAs(data, VariantUpdated{})
	case KindDescribeResponse:
		return decodeAs(data, DescribeResponse{Success: true})
	case KindCompareResponse:
		return decodeAs(data, CompareResponse{Success: true})
	case KindApprovalUpdated:
		return decodeAs(data, ApprovalUpdated{})
	case KindApprovalList:
		return decodeAs(data, ApprovalList{})
	case KindSyncState:
		return decodeAs(data, SyncState{})
	case KindError:
		return decodeAs(data, ErrorFrame{})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, head.Type)
	}
}

func decodeAs[T Frame](data []byte, f T) (Frame, error) {
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, f.Kind(), err)
	}
	return f, nil
}
