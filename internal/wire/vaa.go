package wire

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/sha3"

	"pricerelay/models"
)

const (
	vaaHeaderSize    = 1 + 4 + 1
	vaaSignatureSize = 1 + 65
	vaaBodySize      = 4 + 4 + 2 + 32 + 8 + 1

	// PythnetChainID is the guardian network id of the source chain.
	PythnetChainID uint16 = 26
)

// MerkleRootMagic prefixes the payload of a signed accumulator root.
var MerkleRootMagic = [4]byte{'A', 'U', 'W', 'V'}

const merkleRootPayloadType uint8 = 0

// Signature is one guardian signature over the envelope body digest.
type Signature struct {
	Index     uint8
	Signature [65]byte
}

// Envelope is a decoded signed message (VAA v1). Body keeps the exact signed
// bytes so verifiers can hash them.
type Envelope struct {
	Version          uint8
	GuardianSetIndex uint32
	Signatures       []Signature
	Timestamp        uint32
	Nonce            uint32
	EmitterChain     uint16
	EmitterAddress   [32]byte
	Sequence         uint64
	ConsistencyLevel uint8
	Payload          []byte
	Body             []byte
}

// Digest is the double Keccak-256 of the body, the value guardians sign.
func (e *Envelope) Digest() [32]byte {
	first := sha3.NewLegacyKeccak256()
	first.Write(e.Body)
	second := sha3.NewLegacyKeccak256()
	second.Write(first.Sum(nil))
	var out [32]byte
	copy(out[:], second.Sum(nil))
	return out
}

// EnvelopeParser turns signed message bytes into an Envelope. It is an
// interface so other envelope revisions can be plugged into the engine.
type EnvelopeParser interface {
	ParseEnvelope(data []byte) (*Envelope, error)
}

// VAAParser parses version 1 VAAs.
type VAAParser struct{}

// ParseEnvelope implements EnvelopeParser.
func (VAAParser) ParseEnvelope(data []byte) (*Envelope, error) {
	if len(data) < vaaHeaderSize {
		return nil, fmt.Errorf("%w: vaa too short (%d bytes)", ErrMalformedMessage, len(data))
	}
	env := &Envelope{
		Version:          data[0],
		GuardianSetIndex: binary.BigEndian.Uint32(data[1:5]),
	}
	if env.Version != 1 {
		return nil, fmt.Errorf("%w: unsupported vaa version %d", ErrMalformedMessage, env.Version)
	}

	numSigs := int(data[5])
	off := vaaHeaderSize
	if len(data)-off < numSigs*vaaSignatureSize+vaaBodySize {
		return nil, fmt.Errorf("%w: vaa with %d signatures truncated at %d bytes", ErrMalformedMessage, numSigs, len(data))
	}
	env.Signatures = make([]Signature, numSigs)
	for i := range env.Signatures {
		env.Signatures[i].Index = data[off]
		copy(env.Signatures[i].Signature[:], data[off+1:off+vaaSignatureSize])
		off += vaaSignatureSize
	}

	env.Body = data[off:]
	env.Timestamp = binary.BigEndian.Uint32(data[off : off+4])
	env.Nonce = binary.BigEndian.Uint32(data[off+4 : off+8])
	env.EmitterChain = binary.BigEndian.Uint16(data[off+8 : off+10])
	copy(env.EmitterAddress[:], data[off+10:off+42])
	env.Sequence = binary.BigEndian.Uint64(data[off+42 : off+50])
	env.ConsistencyLevel = data[off+50]
	env.Payload = data[off+vaaBodySize:]

	return env, nil
}

// EncodeEnvelope serialises an envelope as a version 1 VAA. Body is ignored
// and recomputed from the other fields.
func EncodeEnvelope(e *Envelope) []byte {
	out := make([]byte, 0, vaaHeaderSize+len(e.Signatures)*vaaSignatureSize+vaaBodySize+len(e.Payload))
	out = append(out, 1)
	out = binary.BigEndian.AppendUint32(out, e.GuardianSetIndex)
	out = append(out, uint8(len(e.Signatures)))
	for _, s := range e.Signatures {
		out = append(out, s.Index)
		out = append(out, s.Signature[:]...)
	}
	out = binary.BigEndian.AppendUint32(out, e.Timestamp)
	out = binary.BigEndian.AppendUint32(out, e.Nonce)
	out = binary.BigEndian.AppendUint16(out, e.EmitterChain)
	out = append(out, e.EmitterAddress[:]...)
	out = binary.BigEndian.AppendUint64(out, e.Sequence)
	out = append(out, e.ConsistencyLevel)
	out = append(out, e.Payload...)
	return out
}

// DecodeMerkleRoot decodes the accumulator root payload carried by a signed
// envelope.
func DecodeMerkleRoot(payload []byte) (models.MerkleRoot, error) {
	var root models.MerkleRoot
	if len(payload) < 4 || [4]byte(payload[:4]) != MerkleRootMagic {
		return root, fmt.Errorf("%w: expected root payload", ErrInvalidMagic)
	}
	if len(payload) < 4+1+8+4+20 {
		return root, fmt.Errorf("%w: root payload too short (%d bytes)", ErrMalformedMessage, len(payload))
	}
	if payload[4] != merkleRootPayloadType {
		return root, fmt.Errorf("%w: unknown root payload type %d", ErrMalformedMessage, payload[4])
	}
	root.Slot = binary.BigEndian.Uint64(payload[5:13])
	root.RingSize = binary.BigEndian.Uint32(payload[13:17])
	copy(root.Root[:], payload[17:37])
	return root, nil
}

// EncodeMerkleRoot is the inverse of DecodeMerkleRoot.
func EncodeMerkleRoot(root models.MerkleRoot) []byte {
	out := make([]byte, 0, 37)
	out = append(out, MerkleRootMagic[:]...)
	out = append(out, merkleRootPayloadType)
	out = binary.BigEndian.AppendUint64(out, root.Slot)
	out = binary.BigEndian.AppendUint32(out, root.RingSize)
	out = append(out, root.Root[:]...)
	return out
}
