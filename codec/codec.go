// Package codec converts item payloads to and from the versioned binary blobs
// kept in mail_attachments.payload_blob.
//
// A blob is one version byte followed by the body:
//
//	v1: JSON document
//	v2: gzip-compressed JSON document (current)
//
// Encoding is deterministic: object keys are sorted by encoding/json and the
// gzip header carries no timestamp or name.
package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	VersionJSON byte = 1
	VersionGzip byte = 2

	// Current is the version written by Encode.
	Current = VersionGzip

	// MaxDepth is the deepest container nesting a payload may have.
	// A flat list of stacks has depth 1.
	MaxDepth = 8

	// maxBodySize caps the decompressed body to keep a hostile blob from
	// exhausting memory.
	maxBodySize = 1 << 20
)

var (
	ErrCorruptPayload = errors.New("codec: corrupt payload")
	ErrTooDeep        = errors.New("codec: payload nested too deep")
)

// Stack is one item stack. Containers (bags, chests) carry their own
// contents, so payloads form a tree.
type Stack struct {
	ItemID   int               `json:"item_id"`
	Kind     int               `json:"kind"`
	Qty      int               `json:"qty"`
	Name     string            `json:"name,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Contents []Stack           `json:"contents,omitempty"`
}

// Payload is the item part of an attachment.
type Payload struct {
	Items []Stack `json:"items"`
}

// Empty reports whether the payload holds no stacks.
func (p Payload) Empty() bool { return len(p.Items) == 0 }

// Depth returns the nesting depth of the payload.
func (p Payload) Depth() int { return depth(p.Items) }

// Count returns the number of stacks in the payload, containers included.
func (p Payload) Count() int { return count(p.Items) }

func depth(items []Stack) int {
	deepest := 0
	for i := range items {
		if d := 1 + depth(items[i].Contents); d > deepest {
			deepest = d
		}
	}
	return deepest
}

func count(items []Stack) int {
	n := len(items)
	for i := range items {
		n += count(items[i].Contents)
	}
	return n
}

// Encode serialises p with the current codec version.
func Encode(p Payload) ([]byte, error) {
	if d := p.Depth(); d > MaxDepth {
		return nil, fmt.Errorf("%w: depth %d > %d", ErrTooDeep, d, MaxDepth)
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteByte(Current)
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses a blob written by any supported version. An empty blob is an
// empty payload. Unknown or newer versions and malformed bodies fail with
// ErrCorruptPayload.
func Decode(blob []byte) (Payload, error) {
	var p Payload
	if len(blob) == 0 {
		return p, nil
	}

	var body []byte
	switch v := blob[0]; v {
	case VersionJSON:
		body = blob[1:]
	case VersionGzip:
		zr, err := gzip.NewReader(bytes.NewReader(blob[1:]))
		if err != nil {
			return p, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
		}
		body, err = io.ReadAll(io.LimitReader(zr, maxBodySize+1))
		if err != nil {
			return p, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
		}
		if len(body) > maxBodySize {
			return p, fmt.Errorf("%w: body exceeds %d bytes", ErrCorruptPayload, maxBodySize)
		}
	default:
		return p, fmt.Errorf("%w: unsupported version %d", ErrCorruptPayload, v)
	}

	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	if d := p.Depth(); d > MaxDepth {
		return Payload{}, fmt.Errorf("%w: depth %d > %d", ErrCorruptPayload, d, MaxDepth)
	}
	return p, nil
}

// Version returns the version byte of blob, or 0 for an empty blob.
func Version(blob []byte) byte {
	if len(blob) == 0 {
		return 0
	}
	return blob[0]
}
