package stats

import (
	"context"
	"time"
)

// Event kinds published by NotifyingCollector.
const (
	EventBlocked  = "blocked"
	EventFiltered = "filtered"
	EventError    = "error"
)

// Event is a live notification about a proxy decision.
type Event struct {
	Type         string           `json:"type"`
	Timestamp    time.Time        `json:"timestamp"`
	ConnectionID int64            `json:"connection_id,omitempty"`
	ClientIP     string           `json:"client_ip,omitempty"`
	Host         string           `json:"host,omitempty"`
	Method       string           `json:"method,omitempty"`
	Element      *FilteredElement `json:"element,omitempty"`
	Message      string           `json:"message,omitempty"`
}

// NotifyingCollector forwards every call to an inner Collector and publishes
// blocked, filtered and error records to a callback. The callback must not
// block.
type NotifyingCollector struct {
	Collector
	publish func(Event)
}

// NewNotifyingCollector wraps inner. A nil publish disables notifications.
func NewNotifyingCollector(inner Collector, publish func(Event)) *NotifyingCollector {
	return &NotifyingCollector{Collector: inner, publish: publish}
}

func (n *NotifyingCollector) emit(e Event) {
	if n.publish == nil {
		return
	}
	e.Timestamp = time.Now()
	n.publish(e)
}

func (n *NotifyingCollector) RecordBlockedRequest(ctx context.Context, clientIP, targetHost, method string) error {
	n.emit(Event{Type: EventBlocked, ClientIP: clientIP, Host: targetHost, Method: method})
	return n.Collector.RecordBlockedRequest(ctx, clientIP, targetHost, method)
}

func (n *NotifyingCollector) RecordFilteredElement(ctx context.Context, connectionID int64, host string, element FilteredElement) error {
	el := element
	n.emit(Event{Type: EventFiltered, ConnectionID: connectionID, Host: host, Element: &el})
	return n.Collector.RecordFilteredElement(ctx, connectionID, host, element)
}

func (n *NotifyingCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	n.emit(Event{Type: EventError, ConnectionID: connectionID, Message: errorType + ": " + errorMessage})
	return n.Collector.RecordError(ctx, connectionID, errorType, errorMessage)
}
