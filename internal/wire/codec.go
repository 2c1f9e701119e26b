package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/garden-co/cojson/internal/ir"
)

// Codec turns messages into frames and back.
type Codec interface {
	Name() string
	Encode(m Message) ([]byte, error)
	Decode(data []byte) (Message, error)
}

// JSONCodec is the default codec.
type JSONCodec struct{}

// Name implements Codec.
func (JSONCodec) Name() string { return "json" }

// Encode implements Codec.
func (JSONCodec) Encode(m Message) ([]byte, error) {
	return marshalMessage(m)
}

// Decode implements Codec.
func (JSONCodec) Decode(data []byte) (Message, error) {
	return unmarshalMessage(data)
}

// marshalMessage writes the action discriminator alongside the message
// fields.
func marshalMessage(m Message) ([]byte, error) {
	if batch, ok := m.(BatchMessage); ok {
		parts := make([]json.RawMessage, len(batch.Messages))
		for i, inner := range batch.Messages {
			b, err := marshalMessage(inner)
			if err != nil {
				return nil, fmt.Errorf("encode batch[%d]: %w", i, err)
			}
			parts[i] = b
		}
		return json.Marshal(struct {
			Action   Action            `json:"action"`
			Messages []json.RawMessage `json:"messages"`
		}{ActionBatch, parts})
	}

	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Action(), err)
	}
	action, err := json.Marshal(m.Action())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(`{"action":`)
	buf.Write(action)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

func unmarshalMessage(data []byte) (Message, error) {
	var envelope struct {
		Action   Action            `json:"action"`
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	switch envelope.Action {
	case ActionLoad:
		var m LoadMessage
		return decodeInto(data, &m)
	case ActionKnown:
		var m KnownMessage
		return decodeInto(data, &m)
	case ActionContent:
		var m ContentMessage
		return decodeInto(data, &m)
	case ActionSignatureMismatch:
		var m SignatureMismatchMessage
		return decodeInto(data, &m)
	case ActionBatch:
		batch := BatchMessage{Messages: make([]Message, 0, len(envelope.Messages))}
		for i, raw := range envelope.Messages {
			inner, err := unmarshalMessage(raw)
			if err != nil {
				return nil, fmt.Errorf("decode batch[%d]: %w", i, err)
			}
			batch.Messages = append(batch.Messages, inner)
		}
		return batch, nil
	default:
		return nil, fmt.Errorf("decode message: unknown action %q", envelope.Action)
	}
}

type decodable interface {
	LoadMessage | KnownMessage | ContentMessage | SignatureMismatchMessage
}

func decodeInto[T decodable](data []byte, m *T) (Message, error) {
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return any(*m).(Message), nil
}

// mapStringAnyType makes any-typed CBOR targets decode maps with string
// keys so the tree converts back to JSON.
var mapStringAnyType = reflect.TypeOf(map[string]any(nil))

// CBORCodec encodes messages as deterministic CBOR (RFC 8949 core
// deterministic encoding). The message tree is the same as the JSON form.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec builds a CBOR codec.
func NewCBORCodec() (*CBORCodec, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: mapStringAnyType,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decoder: %w", err)
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

// Name implements Codec.
func (*CBORCodec) Name() string { return "cbor" }

// Encode implements Codec.
func (c *CBORCodec) Encode(m Message) ([]byte, error) {
	js, err := marshalMessage(m)
	if err != nil {
		return nil, err
	}
	tree, err := ir.ParseValue(js)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Action(), err)
	}
	return c.enc.Marshal(ir.ToGo(tree))
}

// Decode implements Codec.
func (c *CBORCodec) Decode(data []byte) (Message, error) {
	var tree any
	if err := c.dec.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	v, err := ir.FromGo(tree)
	if err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	js, err := ir.MarshalCanonical(v)
	if err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return unmarshalMessage(js)
}

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return NewCBORCodec()
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}
