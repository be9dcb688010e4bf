// Package websocket streams scan progress to browser clients.
package websocket

import (
	"encoding/json"
	"strings"
	"time"
)

// MessageType defines the type of WebSocket message.
type MessageType string

const (
	// Client -> Server messages
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypePing        MessageType = "ping"

	// Server -> Client messages
	MessageTypePong         MessageType = "pong"
	MessageTypeSubscribed   MessageType = "subscribed"
	MessageTypeUnsubscribed MessageType = "unsubscribed"
	MessageTypeEvent        MessageType = "event"
	MessageTypeError        MessageType = "error"
)

// Message is the base WebSocket message structure.
type Message struct {
	Type      MessageType     `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	RequestID string          `json:"request_id,omitempty"`
}

// NewMessage creates a new message with current timestamp.
func NewMessage(msgType MessageType) *Message {
	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}
}

// WithChannel sets the channel for the message.
func (m *Message) WithChannel(channel string) *Message {
	m.Channel = channel
	return m
}

// WithData sets the data for the message.
func (m *Message) WithData(data any) *Message {
	if data != nil {
		if jsonData, err := json.Marshal(data); err == nil {
			m.Data = jsonData
		}
	}
	return m
}

// WithRequestID sets the request ID for the message.
func (m *Message) WithRequestID(id string) *Message {
	m.RequestID = id
	return m
}

// SubscribeRequest is the payload of subscribe and unsubscribe messages.
type SubscribeRequest struct {
	Channel   string `json:"channel"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorData represents error information sent to client.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ChannelType represents the type of channel.
type ChannelType string

const (
	// ChannelTypeScan carries one scan's updates: scan:{id}.
	ChannelTypeScan ChannelType = "scan"
	// ChannelTypeScans carries updates of every scan: scans.
	ChannelTypeScans ChannelType = "scans"
)

// ChannelAllScans is the channel every scan event is also published on.
const ChannelAllScans = string(ChannelTypeScans)

// ParseChannel extracts the channel type and ID from "{type}:{id}".
func ParseChannel(channel string) (ChannelType, string) {
	typ, id, found := strings.Cut(channel, ":")
	if !found {
		return ChannelType(channel), ""
	}
	return ChannelType(typ), id
}

// MakeChannel creates a channel string from type and ID.
func MakeChannel(channelType ChannelType, id string) string {
	return string(channelType) + ":" + id
}

// ScanEvent is the event payload published for every scan state change.
type ScanEvent struct {
	ScanID          string     `json:"scan_id"`
	ConfigurationID string     `json:"configuration_id"`
	Status          string     `json:"status"`
	Progress        int        `json:"progress"`
	Message         string     `json:"message"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	Control         string     `json:"control,omitempty"`
	TotalFindings   int        `json:"total_findings"`
	Processed       int        `json:"processed"`
	FalsePositives  int        `json:"false_positives"`
	TruePositives   int        `json:"true_positives"`
	NeedsReview     int        `json:"needs_review"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
