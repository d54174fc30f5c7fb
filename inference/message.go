package inference

import (
	"context"
	"fmt"

	"upscaler/tensor"
)

// MessageType discriminates unit protocol messages.
type MessageType string

const (
	// TypeRun asks the unit to run the model on TensorData.
	TypeRun MessageType = "run"
	// TypeResult carries model output for a run.
	TypeResult MessageType = "result"
	// TypeError reports a failed run.
	TypeError MessageType = "error"
	// TypeReady is sent once per unit, unsolicited, when model loading
	// finishes. It has no correlation id.
	TypeReady MessageType = "ready"
)

// Message is the JSON envelope exchanged with a unit.
type Message struct {
	Type          MessageType `json:"type"`
	CorrelationID string      `json:"correlationId,omitempty"`
	TensorData    []float32   `json:"tensorData,omitempty"`
	Shape         []int       `json:"shape,omitempty"`
	Mode          string      `json:"mode,omitempty"`
	Loaded        bool        `json:"loaded,omitempty"`
	Error         string      `json:"error,omitempty"`
}

// Tensor converts TensorData and Shape into a validated tensor.
func (m Message) Tensor() (tensor.Tensor, error) {
	shape, err := tensor.ShapeFromSlice(m.Shape)
	if err != nil {
		return tensor.Tensor{}, err
	}
	t := tensor.Tensor{Data: m.TensorData, Shape: shape}
	if err := t.Validate(); err != nil {
		return tensor.Tensor{}, err
	}
	return t, nil
}

// RunMessage builds a run request.
func RunMessage(id string, in tensor.Tensor, mode string) Message {
	return Message{
		Type:          TypeRun,
		CorrelationID: id,
		TensorData:    in.Data,
		Shape:         in.Shape.Slice(),
		Mode:          mode,
	}
}

// ResultMessage builds a successful response to id.
func ResultMessage(id string, out tensor.Tensor) Message {
	return Message{
		Type:          TypeResult,
		CorrelationID: id,
		TensorData:    out.Data,
		Shape:         out.Shape.Slice(),
	}
}

// ErrorMessage builds a failure response to id.
func ErrorMessage(id string, err error) Message {
	return Message{Type: TypeError, CorrelationID: id, Error: err.Error()}
}

// ReadyMessage builds the unsolicited load notification.
func ReadyMessage(loadErr error) Message {
	m := Message{Type: TypeReady, Loaded: loadErr == nil}
	if loadErr != nil {
		m.Error = loadErr.Error()
	}
	return m
}

// Unit is an isolated computation context that owns a model. Post must be
// safe for concurrent use. Inbound is closed when the unit dies or is
// closed.
type Unit interface {
	Post(Message) error
	Inbound() <-chan Message
	Close() error
}

// UnitFactory creates a unit. The unit should begin loading its model
// immediately and report completion with a ready message.
type UnitFactory func(ctx context.Context) (Unit, error)

func (t MessageType) String() string { return string(t) }

func describe(m Message) string {
	if m.CorrelationID == "" {
		return m.Type.String()
	}
	return fmt.Sprintf("%s[%s]", m.Type, m.CorrelationID)
}
