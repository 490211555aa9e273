// Package saveio implements the in-memory save-state container every
// device's SaveState/RestoreState pair writes through (§6 "Persisted
// state"): a {name, size} header followed by the device's own State
// struct, gob-encoded on a single stream so Restore can validate the
// header before touching the payload. The on-disk container format
// (compression, versioning, multi-device archives) is out of scope; this
// package only defines the per-device round-trip.
package saveio

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
)

// Header identifies one device's serialized state on the stream: its
// name (checked on restore so a mismatched device's bytes aren't read as
// this one's) and the gob-encoded payload size in bytes.
type Header struct {
	Name string
	Size int
}

// Save writes name's header followed by payload's gob encoding, both
// through the same encoder so a caller chaining several Save calls on one
// io.Writer produces a single well-formed stream.
func Save(w io.Writer, name string, payload any) error {
	var sized bytes.Buffer
	if err := gob.NewEncoder(&sized).Encode(payload); err != nil {
		return fmt.Errorf("saveio: encoding %q payload: %w", name, err)
	}

	enc := gob.NewEncoder(w)
	if err := enc.Encode(Header{Name: name, Size: sized.Len()}); err != nil {
		return fmt.Errorf("saveio: encoding %q header: %w", name, err)
	}
	if err := enc.Encode(payload); err != nil {
		return fmt.Errorf("saveio: encoding %q payload: %w", name, err)
	}
	return nil
}

// Restore reads a Header and validates its name matches, then decodes the
// payload into the value payload points to. Using the same gob.Decoder for
// both reads (rather than a raw io.Reader read followed by a gob.Decoder
// read) keeps the decoder's internal buffering from desyncing against the
// stream.
func Restore(r io.Reader, name string, payload any) error {
	dec := gob.NewDecoder(r)
	var hdr Header
	if err := dec.Decode(&hdr); err != nil {
		return fmt.Errorf("saveio: decoding header for %q: %w", name, err)
	}
	if hdr.Name != name {
		return fmt.Errorf("saveio: expected %q state, stream holds %q", name, hdr.Name)
	}
	if err := dec.Decode(payload); err != nil {
		return fmt.Errorf("saveio: decoding %q payload: %w", name, err)
	}
	return nil
}
