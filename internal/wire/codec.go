// Package wire implements the codec shared by RPC, event, and command
// payloads: MessagePack preferred, JSON fallback. Envelope describes the
// {message_id, correlation_id, timestamp} metadata; Encode serializes the
// value it is given as-is and does not add an Envelope around it.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// ContentType identifies which encoding an Envelope was serialized with.
type ContentType byte

const (
	// ContentTypeMsgpack marks a MessagePack-encoded payload.
	ContentTypeMsgpack ContentType = 0x01
	// ContentTypeJSON marks a JSON-encoded payload.
	ContentTypeJSON ContentType = 0x02
)

// contentTypeHeader is a one-byte prefix written before the encoded body so
// a receiver can sniff the encoding without out-of-band metadata.
const contentTypeHeader = 1

// Envelope is the common metadata carried by every RPC, event, and command
// payload on the wire.
type Envelope struct {
	MessageID     string          `msgpack:"message_id" json:"message_id"`
	CorrelationID string          `msgpack:"correlation_id" json:"correlation_id"`
	Timestamp     time.Time       `msgpack:"timestamp" json:"timestamp"`
	Payload       json.RawMessage `msgpack:"-" json:"-"`
}

// Codec encodes and decodes envelopes, preferring MessagePack but able to
// decode JSON transparently (content-type sniffing via a leading byte).
type Codec struct {
	// UseMsgpack selects the encoding used by Encode. Decode always sniffs
	// the leading byte regardless of this setting.
	UseMsgpack bool
}

// NewCodec constructs a Codec with the given encoding preference.
func NewCodec(useMsgpack bool) *Codec {
	return &Codec{UseMsgpack: useMsgpack}
}

// Encode serializes v (typically an Envelope-shaped struct or any payload
// value) with a one-byte content-type prefix.
func (c *Codec) Encode(v any) ([]byte, error) {
	if c.UseMsgpack {
		body, err := msgpack.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("wire: msgpack encode: %w", err)
		}
		return prefix(ContentTypeMsgpack, body), nil
	}
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: json encode: %w", err)
	}
	return prefix(ContentTypeJSON, body), nil
}

// Decode inspects the leading content-type byte and deserializes the
// remainder into v accordingly. Messages with no recognized prefix are
// treated as bare JSON for interoperability with peers that skip the
// envelope header (e.g. the LeaderRecord persisted shape).
func (c *Codec) Decode(data []byte, v any) error {
	if len(data) < contentTypeHeader {
		return fmt.Errorf("wire: empty payload")
	}
	switch ContentType(data[0]) {
	case ContentTypeMsgpack:
		if err := msgpack.Unmarshal(data[contentTypeHeader:], v); err != nil {
			return fmt.Errorf("wire: msgpack decode: %w", err)
		}
		return nil
	case ContentTypeJSON:
		if err := json.Unmarshal(data[contentTypeHeader:], v); err != nil {
			return fmt.Errorf("wire: json decode: %w", err)
		}
		return nil
	default:
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("wire: bare json decode: %w", err)
		}
		return nil
	}
}

func prefix(ct ContentType, body []byte) []byte {
	out := make([]byte, 0, contentTypeHeader+len(body))
	out = append(out, byte(ct))
	out = append(out, body...)
	return out
}
