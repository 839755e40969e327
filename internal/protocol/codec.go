package protocol

import (
	"encoding/json"
	"fmt"
)

// MaxFrameSize bounds a single frame on the wire. SDP blobs are the largest
// payloads and stay well below this.
const MaxFrameSize = 64 * 1024

// Encode serializes a Frame for transmission.
func Encode(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Op, err)
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes (max %d)", len(data), MaxFrameSize)
	}
	return data, nil
}

// Decode parses and validates a Frame.
func Decode(data []byte) (*Frame, error) {
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes (max %d)", len(data), MaxFrameSize)
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch f.Op {
	case OpJoin, OpLeave, OpTrack, OpUntrack, OpBroadcast, OpSync:
		if f.Topic == "" {
			return nil, fmt.Errorf("%s frame without topic", f.Op)
		}
	case OpAck, OpError:
		if f.Ref == "" {
			return nil, fmt.Errorf("%s frame without ref", f.Op)
		}
	case "":
		return nil, fmt.Errorf("frame without op")
	default:
		return nil, fmt.Errorf("unknown op %q", f.Op)
	}

	if f.Op == OpJoin && f.Key == "" {
		return nil, fmt.Errorf("join frame without presence key")
	}
	if f.Op == OpBroadcast && f.Event == "" {
		return nil, fmt.Errorf("broadcast frame without event")
	}
	return &f, nil
}
