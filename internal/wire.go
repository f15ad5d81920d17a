/*

Package internal holds the wire-level types shared between mesh and its
default gob-based Serializer. They live in their own package so mesh's
internal frame layout isn't part of the public API surface.

*/
package internal

// Envelope is what a Node puts inside a Frame payload: the destination
// actor path and the opaque user message riding along with it. Transport
// itself never looks inside a Frame; only Node and the Serializer do.
type Envelope struct {
	Destination string
	Payload     []byte
}
