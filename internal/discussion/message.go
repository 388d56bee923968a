package discussion

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Message is one push-channel frame. It is always one of CreateMessage,
// UpdateMessage or DeleteMessage.
type Message interface {
	Action() Action
	CorrelationToken() int64
}

type CreateMessage struct {
	Comment Comment
}

func (CreateMessage) Action() Action            { return ActionCreate }
func (m CreateMessage) CorrelationToken() int64 { return m.Comment.TempID }

type UpdateMessage struct {
	Comment Comment
}

func (UpdateMessage) Action() Action            { return ActionUpdate }
func (m UpdateMessage) CorrelationToken() int64 { return m.Comment.TempID }

type DeleteMessage struct {
	ID     int64 `json:"id"`
	TempID int64 `json:"temp_id,omitempty"`
}

func (DeleteMessage) Action() Action            { return ActionDelete }
func (m DeleteMessage) CorrelationToken() int64 { return m.TempID }

// FrameError is a frame the peer sent to report a failure instead of a change.
type FrameError struct {
	Message string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("peer error: %s", e.Message)
}

type frame struct {
	Action Action          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

func NewCreateMessage(c Comment) Message { return CreateMessage{Comment: c} }
func NewUpdateMessage(c Comment) Message { return UpdateMessage{Comment: c} }
func NewDeleteMessage(id, tempID int64) Message {
	return DeleteMessage{ID: id, TempID: tempID}
}

func EncodeMessage(m Message) ([]byte, error) {
	if m == nil {
		return nil, ErrInvalidInput
	}
	var data any
	switch v := m.(type) {
	case CreateMessage:
		data = v.Comment
	case *CreateMessage:
		data = v.Comment
	case UpdateMessage:
		data = v.Comment
	case *UpdateMessage:
		data = v.Comment
	case DeleteMessage:
		data = v
	case *DeleteMessage:
		data = *v
	default:
		return nil, fmt.Errorf("%w: unknown message type %T", ErrInvalidInput, m)
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame{Action: m.Action(), Data: payload})
}

// DecodeMessage validates a raw frame against the wire schema before turning it
// into a typed message. Frames that fail validation are rejected with
// ErrMalformedFrame.
func DecodeMessage(data []byte) (Message, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	var probe struct {
		Error *string `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if probe.Error != nil {
		return nil, &FrameError{Message: *probe.Error}
	}

	schema, err := frameSchema()
	if err != nil {
		return nil, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch f.Action {
	case ActionCreate, ActionUpdate:
		var c Comment
		if err := json.Unmarshal(f.Data, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if f.Action == ActionCreate {
			return CreateMessage{Comment: c}, nil
		}
		return UpdateMessage{Comment: c}, nil
	case ActionDelete:
		var d DeleteMessage
		if err := json.Unmarshal(f.Data, &d); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrMalformedFrame, f.Action)
	}
}

//go:embed frame.schema.json
var frameSchemaJSON string

var (
	frameSchemaOnce sync.Once
	frameSchemaVal  *jsonschema.Schema
	frameSchemaErr  error
)

func frameSchema() (*jsonschema.Schema, error) {
	frameSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(frameSchemaJSON))
		if err != nil {
			frameSchemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		c.DefaultDraft(jsonschema.Draft2020)
		if err := c.AddResource("frame.schema.json", doc); err != nil {
			frameSchemaErr = err
			return
		}
		frameSchemaVal, frameSchemaErr = c.Compile("frame.schema.json")
	})
	return frameSchemaVal, frameSchemaErr
}
