// Package fabric is the websocket connection layer: admission control,
// per-client batching with deduplication and compression, group broadcast,
// heartbeats, and idle cleanup.
package fabric

import (
	"encoding/json"
	"errors"
)

var (
	ErrCapacity     = errors.New("connection pool at capacity")
	ErrClientClosed = errors.New("client closed")
	ErrBackpressure = errors.New("client send buffer full")
)

// Websocket close codes used by the fabric.
const (
	ClosePolicy       = 1008 // authentication failure
	CloseBackpressure = 1009 // slow consumer
	CloseCapacity     = 1013 // admission pool full
)

// FrameType tags a server-originated frame.
type FrameType string

const (
	FrameConnection  FrameType = "connection"
	FrameTyping      FrameType = "typing"
	FrameStream      FrameType = "stream"
	FrameStreamEnd   FrameType = "stream_end"
	FrameResponse    FrameType = "response"
	FrameDataResult  FrameType = "data_result"
	FrameDatasetInfo FrameType = "dataset_info"
	FrameError       FrameType = "error"
	FrameHeartbeat   FrameType = "heartbeat"
	FrameDisconnect  FrameType = "disconnect"
	FrameBatch       FrameType = "batch"
)

// Frame is one server-to-client message. Bypass frames skip the batcher and
// go out immediately: welcome, heartbeat, typing, error, disconnect.
type Frame struct {
	Type      FrameType `json:"type"`
	ClientID  string    `json:"client_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp string    `json:"timestamp,omitempty"`

	bypass bool
}

// Bypass marks the frame to skip batching.
func (f Frame) Bypass() Frame {
	f.bypass = true
	return f
}

// batchEnvelope wraps multiple frames into one wire message.
type batchEnvelope struct {
	Type     FrameType         `json:"type"`
	Messages []json.RawMessage `json:"messages"`
}

// Client message types.
const (
	MessageChat        = "chat"
	MessageQueryData   = "query_data"
	MessageDatasetInfo = "get_dataset_info"
	MessageHeartbeat   = "heartbeat"
)

// ClientMessage is one client-to-server message.
type ClientMessage struct {
	Type    string         `json:"type"`
	Message string         `json:"message,omitempty"`
	Query   string         `json:"query,omitempty"`
	Stream  bool           `json:"stream,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}
