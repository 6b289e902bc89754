// Package protocol defines the binary framing used on collaboration
// websockets. Every frame starts with a varint channel tag; sync frames
// carry a second varint selecting the handshake step. The remainder of the
// frame is an opaque payload handed to the document or awareness layer.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// Channel tags.
const (
	MessageSync      uint64 = 0
	MessageAwareness uint64 = 1
)

// Sync channel steps. Step 1 carries a state summary, step 2 the updates
// answering it; Update is a standalone document update. Step 2 and Update
// payloads are handled identically by the receiver.
const (
	SyncStep1  uint64 = 0
	SyncStep2  uint64 = 1
	SyncUpdate uint64 = 2
)

var ErrMalformedMessage = errors.New("protocol: malformed message")

type Message struct {
	Type    uint64
	Step    uint64 // valid only when Type == MessageSync
	Payload []byte
}

// Decode parses a single websocket frame.
func Decode(data []byte) (Message, error) {
	typ, n := binary.Uvarint(data)
	if n <= 0 {
		return Message{}, ErrMalformedMessage
	}
	rest := data[n:]

	switch typ {
	case MessageSync:
		step, m := binary.Uvarint(rest)
		if m <= 0 {
			return Message{}, ErrMalformedMessage
		}
		if step != SyncStep1 && step != SyncStep2 && step != SyncUpdate {
			return Message{}, ErrMalformedMessage
		}
		return Message{Type: MessageSync, Step: step, Payload: rest[m:]}, nil
	case MessageAwareness:
		return Message{Type: MessageAwareness, Payload: rest}, nil
	default:
		return Message{}, ErrMalformedMessage
	}
}

// EncodeSync frames a sync channel message.
func EncodeSync(step uint64, payload []byte) []byte {
	var buf bytes.Buffer
	putUvarint(&buf, MessageSync)
	putUvarint(&buf, step)
	buf.Write(payload)
	return buf.Bytes()
}

// EncodeAwareness frames an awareness channel message.
func EncodeAwareness(payload []byte) []byte {
	var buf bytes.Buffer
	putUvarint(&buf, MessageAwareness)
	buf.Write(payload)
	return buf.Bytes()
}

func putUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}
