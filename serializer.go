package mesh

import (
	"bytes"
	"encoding/gob"

	"github.com/nexus-actors/cluster-swoole/internal"
)

// Serializer is the collaborator interface spec.md §6 requires: symmetric
// serialize/deserialize of user-level values. Node uses it to turn a
// (destinationPath, message) pair into Frame payload bytes and back.
type Serializer interface {
	Serialize(value interface{}) ([]byte, error)
	Deserialize(data []byte, value interface{}) error
}

// RegisterMessageType registers value's concrete type with encoding/gob so
// GobSerializer can decode it back out of an interface{} on the receiving
// end. Node.Send's caller must register every message type it plans to
// send before the first Send, exactly as thejerf/reign requires callers to
// register their own message types.
func RegisterMessageType(value interface{}) {
	gob.Register(value)
}

// GobSerializer is the default Serializer, matching the wire encoding
// thejerf/reign uses for its own ClusterMessage traffic. Any type sent
// through it must be registered with RegisterMessageType first, since
// Node.Send delivers into an interface{} on the far side.
type GobSerializer struct{}

// Serialize gob-encodes value into a byte slice as an interface value, so
// that Deserialize into an *interface{} recovers the registered concrete
// type.
func (GobSerializer) Serialize(value interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Deserialize gob-decodes data into value, which must be a pointer.
func (GobSerializer) Deserialize(data []byte, value interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(value)
}

// encodeEnvelope serializes a destination path and an already-serialized
// user payload into the bytes that get handed to Transport.Send.
func encodeEnvelope(dest string, payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	env := internal.Envelope{Destination: dest, Payload: payload}
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeEnvelope is the inverse of encodeEnvelope, used by the Transport
// listener installed in Node.Start.
func decodeEnvelope(frame []byte) (internal.Envelope, error) {
	var env internal.Envelope
	err := gob.NewDecoder(bytes.NewReader(frame)).Decode(&env)
	return env, err
}
