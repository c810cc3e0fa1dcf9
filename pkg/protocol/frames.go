// Package protocol defines the wire-level contract of the TwinClaw control
// plane: WebSocket frame shapes, topic names, and close codes. External
// dashboard clients import this package; nothing here depends on internal
// packages.
package protocol

import "encoding/json"

// EnvelopeVersion is bumped only on breaking changes to frame shapes.
const EnvelopeVersion = 1

// Frame type discriminators (the "type" field of every text frame).
const (
	FrameAuth       = "auth"
	FrameAuthOK     = "auth_ok"
	FrameSubscribe  = "subscribe"
	FrameSubscribed = "subscribed"
	FrameSnapshot   = "snapshot"
	FrameEvent      = "event"
	FramePing       = "ping"
	FramePong       = "pong"
	FrameError      = "error"
)

// Topics a client may subscribe to.
const (
	TopicHealth      = "health"
	TopicReliability = "reliability"
	TopicIncidents   = "incidents"
	TopicRouting     = "routing"
)

// Topics returns all valid topic names.
func Topics() []string {
	return []string{TopicHealth, TopicReliability, TopicIncidents, TopicRouting}
}

// ValidTopic reports whether name is a known topic.
func ValidTopic(name string) bool {
	switch name {
	case TopicHealth, TopicReliability, TopicIncidents, TopicRouting:
		return true
	}
	return false
}

// Application close codes (4000-4999 range, per RFC 6455 private use).
const (
	CloseAuthFailed      = 4001
	CloseAuthRequired    = 4002
	CloseInvalidSub      = 4003
	CloseStaleConnection = 4004
	CloseServerShutdown  = 4005
)

// AuthFrame is the first frame a client must send.
type AuthFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// AuthOKFrame acknowledges a successful auth.
type AuthOKFrame struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
	TS       string `json:"ts"`
}

// SubscribeFrame requests topic subscriptions (post-auth only).
type SubscribeFrame struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

// SubscribedFrame lists the topics that were accepted.
type SubscribedFrame struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
	TS     string   `json:"ts"`
}

// EventFrame carries one published envelope. Seq is strictly increasing for
// the lifetime of the hub; clients use it to detect gaps after drops.
type EventFrame struct {
	Type    string          `json:"type"`
	V       int             `json:"v"`
	Topic   string          `json:"topic"`
	Seq     uint64          `json:"seq"`
	TS      string          `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// ErrorFrame reports a protocol violation before the connection is closed.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	TS      string `json:"ts"`
}

// PingFrame / PongFrame are liveness probes, valid in either direction.
type PingFrame struct {
	Type string `json:"type"`
}

// ControlFrame is the minimal shape used to sniff the "type" field before
// decoding into a concrete frame.
type ControlFrame struct {
	Type   string          `json:"type"`
	Token  string          `json:"token,omitempty"`
	Topics []string        `json:"topics,omitempty"`
	Raw    json.RawMessage `json:"-"`
}
