// Package wire frames jupyter messages as signed multipart socket messages.
package wire

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/danmuck/kernelbridge/internal/jupyter"
)

// Delimiter separates routing identities from the signed message parts.
var Delimiter = []byte("<IDS|MSG>")

var (
	ErrMalformed          = errors.New("wire: malformed multipart message")
	ErrInvalidSignature   = errors.New("wire: invalid signature")
	ErrUnsupportedScheme  = errors.New("wire: unsupported signature scheme")
	ErrIdentityNotAllowed = errors.New("wire: identity frame contains delimiter")
)

// Signer computes the HMAC digest of the four signed parts.
// A zero Signer (empty key) produces empty signatures and accepts any.
type Signer struct {
	key     []byte
	newHash func() hash.Hash
}

func NewSigner(scheme, key string) (Signer, error) {
	if key == "" {
		return Signer{}, nil
	}
	var h func() hash.Hash
	switch strings.ToLower(strings.TrimSpace(scheme)) {
	case "", "hmac-sha256":
		h = sha256.New
	case "hmac-sha1":
		h = sha1.New
	case "hmac-sha512":
		h = sha512.New
	default:
		return Signer{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
	return Signer{key: []byte(key), newHash: h}, nil
}

// SignerFor builds a signer from connection parameters.
func SignerFor(info jupyter.ConnectionInfo) (Signer, error) {
	return NewSigner(info.SignatureScheme, info.Key)
}

func (s Signer) Enabled() bool {
	return len(s.key) > 0
}

func (s Signer) Sign(parts ...[]byte) []byte {
	if !s.Enabled() {
		return nil
	}
	mac := hmac.New(s.newHash, s.key)
	for _, p := range parts {
		mac.Write(p)
	}
	sum := mac.Sum(nil)
	out := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(out, sum)
	return out
}

func (s Signer) Verify(signature []byte, parts ...[]byte) bool {
	if !s.Enabled() {
		return true
	}
	return hmac.Equal(signature, s.Sign(parts...))
}

// Encode renders msg as [identities..., <IDS|MSG>, sig, header, parent, metadata, content, buffers...].
func Encode(msg *jupyter.Message, signer Signer, identities ...[]byte) ([][]byte, error) {
	header, err := marshalHeader(msg.Header)
	if err != nil {
		return nil, err
	}
	parent, err := msg.ParentHeaderJSON()
	if err != nil {
		return nil, fmt.Errorf("%w: parent_header: %v", jupyter.ErrSerialization, err)
	}
	metadata := msg.MetadataJSON()
	content, err := msg.ContentJSON()
	if err != nil {
		return nil, err
	}

	frames := make([][]byte, 0, len(identities)+6+len(msg.Buffers))
	for _, id := range identities {
		if bytes.Equal(id, Delimiter) {
			return nil, ErrIdentityNotAllowed
		}
		frames = append(frames, id)
	}
	frames = append(frames,
		Delimiter,
		signer.Sign(header, parent, metadata, content),
		header,
		parent,
		metadata,
		content,
	)
	frames = append(frames, msg.Buffers...)
	return frames, nil
}

// Decode parses a multipart message, verifies its signature, and decodes content by msg_type.
// Leading frames before the delimiter are returned as routing identities.
func Decode(frames [][]byte, signer Signer) (*jupyter.Message, [][]byte, error) {
	idx := -1
	for i, f := range frames {
		if bytes.Equal(f, Delimiter) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, nil, fmt.Errorf("%w: missing delimiter", ErrMalformed)
	}
	rest := frames[idx+1:]
	if len(rest) < 5 {
		return nil, nil, fmt.Errorf("%w: expected at least 5 frames after delimiter, got %d", ErrMalformed, len(rest))
	}
	signature, header, parent, metadata, content := rest[0], rest[1], rest[2], rest[3], rest[4]
	if !signer.Verify(signature, header, parent, metadata, content) {
		return nil, nil, ErrInvalidSignature
	}

	var line bytes.Buffer
	line.WriteString(`{"header":`)
	line.Write(header)
	line.WriteString(`,"parent_header":`)
	line.Write(orEmpty(parent))
	line.WriteString(`,"metadata":`)
	line.Write(orEmpty(metadata))
	line.WriteString(`,"content":`)
	line.Write(orEmpty(content))
	line.WriteString(`}`)

	msg, err := jupyter.DecodeEnvelope(line.Bytes())
	if err != nil {
		return nil, nil, err
	}
	if buffers := rest[5:]; len(buffers) > 0 {
		msg.Buffers = make([][]byte, len(buffers))
		for i, b := range buffers {
			msg.Buffers[i] = append([]byte(nil), b...)
		}
	}
	identities := make([][]byte, idx)
	copy(identities, frames[:idx])
	return msg, identities, nil
}

func marshalHeader(h jupyter.Header) ([]byte, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", jupyter.ErrSerialization, err)
	}
	return b, nil
}

func orEmpty(b []byte) []byte {
	if len(bytes.TrimSpace(b)) == 0 {
		return []byte("{}")
	}
	return b
}
