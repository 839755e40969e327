// Package protocol defines the frames exchanged between relay clients and
// the relay server over a WebSocket.
package protocol

import "encoding/json"

// Op identifies what a frame asks for or reports.
type Op string

// Client → relay.
const (
	OpJoin      Op = "join"      // subscribe to Topic under presence Key
	OpLeave     Op = "leave"     // unsubscribe from Topic, dropping presence
	OpTrack     Op = "track"     // publish own presence Payload on Topic
	OpUntrack   Op = "untrack"   // withdraw own presence on Topic
	OpBroadcast Op = "broadcast" // fan out Event/Payload to other subscribers (both directions)
)

// Relay → client.
const (
	OpAck   Op = "ack"   // Ref acknowledged
	OpSync  Op = "sync"  // full Presence state of Topic
	OpError Op = "error" // Ref rejected with Error
)

// Frame is one relay message. Fields unused by an Op are omitted on the wire.
type Frame struct {
	Op       Op                         `json:"op"`
	Ref      string                     `json:"ref,omitempty"`
	Topic    string                     `json:"topic,omitempty"`
	Key      string                     `json:"key,omitempty"`
	Event    string                     `json:"event,omitempty"`
	Payload  json.RawMessage            `json:"payload,omitempty"`
	Presence map[string]json.RawMessage `json:"presence,omitempty"`
	Error    string                     `json:"error,omitempty"`
}
