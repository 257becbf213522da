// Package feed applies marker updates published on Redis channels to
// layers. Each layer has its own channel, {prefix}:{layer id}.
package feed

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"web/markergrid/cluster"
	"web/markergrid/runner"
)

type Op string

const (
	OpAdd    Op = "add"
	OpRemove Op = "remove"
	OpUpdate Op = "update"
	OpClear  Op = "clear"
)

var ErrBadMessage = errors.New("bad feed message")

// Message is one update. Markers carries add and update payloads, IDs the
// markers to remove.
type Message struct {
	Op      Op                `json:"op"`
	Markers []*cluster.Marker `json:"markers,omitempty"`
	IDs     []string          `json:"ids,omitempty"`
}

// Decode parses and checks a message payload.
func Decode(payload []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (m *Message) validate() error {
	switch m.Op {
	case OpAdd, OpUpdate:
		if len(m.Markers) == 0 {
			return fmt.Errorf("%w: %s without markers", ErrBadMessage, m.Op)
		}
	case OpRemove:
		if len(m.IDs) == 0 {
			return fmt.Errorf("%w: remove without ids", ErrBadMessage)
		}
	case OpClear:
	default:
		return fmt.Errorf("%w: unknown op %q", ErrBadMessage, m.Op)
	}
	return nil
}

// Apply performs msg against layerID. An update message applies every
// marker it carries and reports all failures.
func Apply(ctx context.Context, svc runner.Service, layerID string, msg *Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	switch msg.Op {
	case OpAdd:
		_, err := svc.AddMarkers(ctx, layerID, msg.Markers)
		return err
	case OpRemove:
		_, err := svc.RemoveMarkers(ctx, layerID, msg.IDs)
		return err
	case OpUpdate:
		var errs []error
		for _, m := range msg.Markers {
			if err := svc.UpdateMarker(ctx, layerID, m); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	default:
		return svc.ClearLayer(ctx, layerID)
	}
}

func Encode(msg *Message) ([]byte, error) {
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}
