// Package emit implements the compiler's two output back ends (spec.md
// §4.5): a template back end that renders a ProjectionData into
// placeholder-filled source text, and a bytecode back end that serializes
// it into a compact binary envelope the runtime can load directly.
package emit

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/mod/semver"

	"github.com/reactorlang/reactor/core/compile"
)

const (
	// Magic identifies a reactor bytecode envelope.
	Magic = "RCVM"

	// FormatVersion is the envelope format's semver string, checked against
	// the reader's own FormatVersion with golang.org/x/mod/semver (spec.md
	// §9 "Envelope hash" / SPEC_FULL.md bytecode back end).
	FormatVersion = "v1.0.0"
)

// Flags is a bitmask of optional envelope features. No bits are defined yet;
// a conforming reader must reject any it does not recognize.
type Flags uint16

// Header carries metadata that does not affect execution semantics, and so
// is deliberately excluded from the envelope hash (spec.md §4.5, mirroring
// the teacher's plan-header/body split).
type Header struct {
	Name         string
	CompilerNote string
}

// WriteBytecode serializes pd into the binary envelope format:
//
//	MAGIC(4) | VERSION(2 len-prefixed string) | FLAGS(2) | HEADER_LEN(4) | BODY_LEN(8) | HEADER | BODY
//
// It returns the BLAKE2b-256 hash computed over BODY alone; two envelopes
// with identical semantics but different Header metadata hash identically.
func WriteBytecode(w io.Writer, pd *compile.ProjectionData, header Header) ([32]byte, error) {
	var headerBuf, bodyBuf bytes.Buffer

	if err := writeHeader(&headerBuf, header); err != nil {
		return [32]byte{}, err
	}
	if err := writeBody(&bodyBuf, pd); err != nil {
		return [32]byte{}, err
	}

	hasher, err := blake2b.New256(nil)
	if err != nil {
		return [32]byte{}, err
	}
	if _, err := hasher.Write(bodyBuf.Bytes()); err != nil {
		return [32]byte{}, err
	}
	var digest [32]byte
	copy(digest[:], hasher.Sum(nil))

	var preamble bytes.Buffer
	if err := writePreamble(&preamble, uint32(headerBuf.Len()), uint64(bodyBuf.Len())); err != nil {
		return [32]byte{}, err
	}
	if _, err := w.Write(preamble.Bytes()); err != nil {
		return [32]byte{}, err
	}
	if _, err := w.Write(headerBuf.Bytes()); err != nil {
		return [32]byte{}, err
	}
	if _, err := w.Write(bodyBuf.Bytes()); err != nil {
		return [32]byte{}, err
	}
	return digest, nil
}

func writePreamble(buf *bytes.Buffer, headerLen uint32, bodyLen uint64) error {
	if _, err := buf.WriteString(Magic); err != nil {
		return err
	}
	versionLen := uint16(len(FormatVersion))
	if err := binary.Write(buf, binary.LittleEndian, versionLen); err != nil {
		return err
	}
	if _, err := buf.WriteString(FormatVersion); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint16(Flags(0))); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, headerLen); err != nil {
		return err
	}
	return binary.Write(buf, binary.LittleEndian, bodyLen)
}

func writeHeader(buf *bytes.Buffer, h Header) error {
	data, err := cbor.Marshal(h)
	if err != nil {
		return fmt.Errorf("emit: encode header: %w", err)
	}
	_, err = buf.Write(data)
	return err
}

func writeBody(buf *bytes.Buffer, pd *compile.ProjectionData) error {
	data, err := cbor.Marshal(pd)
	if err != nil {
		return fmt.Errorf("emit: encode body: %w", err)
	}
	_, err = buf.Write(data)
	return err
}

// ReadBytecode parses an envelope written by WriteBytecode, verifying the
// format version is compatible (same major version, per semver.Major) and
// recomputing the body hash for the caller to compare against a trusted
// value.
func ReadBytecode(r io.Reader) (*compile.ProjectionData, Header, [32]byte, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, Header{}, [32]byte{}, fmt.Errorf("emit: read magic: %w", err)
	}
	if string(magic) != Magic {
		return nil, Header{}, [32]byte{}, fmt.Errorf("emit: invalid magic: got %q, expected %q", magic, Magic)
	}

	var versionLen uint16
	if err := binary.Read(r, binary.LittleEndian, &versionLen); err != nil {
		return nil, Header{}, [32]byte{}, fmt.Errorf("emit: read version length: %w", err)
	}
	versionBuf := make([]byte, versionLen)
	if _, err := io.ReadFull(r, versionBuf); err != nil {
		return nil, Header{}, [32]byte{}, fmt.Errorf("emit: read version: %w", err)
	}
	version := string(versionBuf)
	if !semver.IsValid(version) {
		return nil, Header{}, [32]byte{}, fmt.Errorf("emit: malformed version string %q", version)
	}
	if semver.Major(version) != semver.Major(FormatVersion) {
		return nil, Header{}, [32]byte{}, fmt.Errorf("emit: incompatible envelope version %s (reader supports %s)", version, FormatVersion)
	}

	var flags uint16
	if err := binary.Read(r, binary.LittleEndian, &flags); err != nil {
		return nil, Header{}, [32]byte{}, fmt.Errorf("emit: read flags: %w", err)
	}
	if flags != 0 {
		return nil, Header{}, [32]byte{}, fmt.Errorf("emit: unsupported flags 0x%04x", flags)
	}

	var headerLen uint32
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, Header{}, [32]byte{}, fmt.Errorf("emit: read header length: %w", err)
	}
	var bodyLen uint64
	if err := binary.Read(r, binary.LittleEndian, &bodyLen); err != nil {
		return nil, Header{}, [32]byte{}, fmt.Errorf("emit: read body length: %w", err)
	}

	const maxHeaderLen = 1 << 20
	const maxBodyLen = 256 << 20
	if uint64(headerLen) > maxHeaderLen {
		return nil, Header{}, [32]byte{}, fmt.Errorf("emit: header length %d exceeds maximum %d", headerLen, maxHeaderLen)
	}
	if bodyLen > maxBodyLen {
		return nil, Header{}, [32]byte{}, fmt.Errorf("emit: body length %d exceeds maximum %d", bodyLen, maxBodyLen)
	}

	headerBuf := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, Header{}, [32]byte{}, fmt.Errorf("emit: read header: %w", err)
	}
	var header Header
	if err := cbor.Unmarshal(headerBuf, &header); err != nil {
		return nil, Header{}, [32]byte{}, fmt.Errorf("emit: decode header: %w", err)
	}

	bodyBuf := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, bodyBuf); err != nil {
		return nil, Header{}, [32]byte{}, fmt.Errorf("emit: read body: %w", err)
	}

	hasher, err := blake2b.New256(nil)
	if err != nil {
		return nil, Header{}, [32]byte{}, err
	}
	hasher.Write(bodyBuf)
	var digest [32]byte
	copy(digest[:], hasher.Sum(nil))

	var pd compile.ProjectionData
	if err := cbor.Unmarshal(bodyBuf, &pd); err != nil {
		return nil, Header{}, [32]byte{}, fmt.Errorf("emit: decode body: %w", err)
	}
	return &pd, header, digest, nil
}
