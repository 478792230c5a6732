package envelope

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/mezonai/peerpay/errors"
	"github.com/mezonai/peerpay/logx"
	"github.com/mezonai/peerpay/monitoring"
	"github.com/mezonai/peerpay/transaction"
	"github.com/mr-tron/base58"
	"lukechampine.com/blake3"
)

const (
	// ArmorPrefix marks peerpay envelopes in scanned text.
	ArmorPrefix = "pp:"

	// DefaultMaxChars is the byte mode capacity of a version 40 QR code at error correction level L.
	DefaultMaxChars = 2953

	checksumSize = 16
)

var frameMagic = []byte{'P', 'P'}

// SupportedVersions lists every envelope version this build can decode.
var SupportedVersions = []int{transaction.EnvelopeVersionJSON, transaction.EnvelopeVersionCompact}

type bodyCodec interface {
	marshal(pkg *transaction.Package) ([]byte, error)
	unmarshal(body []byte) (*transaction.Package, error)
}

var bodyCodecs = map[int]bodyCodec{
	transaction.EnvelopeVersionJSON:    jsonBody{},
	transaction.EnvelopeVersionCompact: compactBody{},
}

// Codec turns packages into self describing text envelopes and back.
//
// Frame layout before armoring:
//
//	"PP" | uvarint(version) | body | blake3(prefix..body)[:16]
//
// The frame is base58 encoded and prefixed with ArmorPrefix.
type Codec struct {
	maxChars       int
	defaultVersion int
}

// NewCodec returns a codec bounded to maxChars. defaultVersion is used for
// packages that do not carry a version yet.
func NewCodec(maxChars, defaultVersion int) (*Codec, error) {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if _, ok := bodyCodecs[defaultVersion]; !ok {
		return nil, errors.Newf(errors.KindCodec, errors.CodeUnsupportedVersion, errors.ErrMsgUnsupportedVersion, defaultVersion)
	}
	return &Codec{maxChars: maxChars, defaultVersion: defaultVersion}, nil
}

func (c *Codec) MaxChars() int {
	return c.maxChars
}

func (c *Codec) DefaultVersion() int {
	return c.defaultVersion
}

// Encode is deterministic: equal packages produce equal envelopes.
func (c *Codec) Encode(pkg *transaction.Package) (string, error) {
	if pkg == nil {
		return "", errors.NewError(errors.KindCodec, errors.CodeMalformedEnvelope, "nil package")
	}
	version := pkg.EnvelopeVersion
	if version == 0 {
		version = c.defaultVersion
	}
	bc, ok := bodyCodecs[version]
	if !ok {
		return "", errors.Newf(errors.KindCodec, errors.CodeUnsupportedVersion, errors.ErrMsgUnsupportedVersion, version)
	}
	body, err := bc.marshal(pkg)
	if err != nil {
		return "", errors.Wrap(errors.KindCodec, errors.CodeMalformedEnvelope, "encode body", err)
	}

	text := armor(frame(version, body))
	monitoring.RecordEnvelopeSize(len(text))
	if len(text) > c.maxChars {
		return "", errors.Newf(errors.KindCodec, errors.CodeEnvelopeTooLarge, errors.ErrMsgEnvelopeTooLarge, len(text), c.maxChars)
	}
	return text, nil
}

// Decode is all or nothing: on any error no package is returned.
func (c *Codec) Decode(text string) (*transaction.Package, error) {
	version, body, err := unframe(text)
	if err != nil {
		return nil, err
	}
	bc, ok := bodyCodecs[version]
	if !ok {
		logx.Warn("ENVELOPE", "Rejecting envelope with unsupported version ", version)
		return nil, errors.Newf(errors.KindCodec, errors.CodeUnsupportedVersion, errors.ErrMsgUnsupportedVersion, version)
	}
	pkg, err := bc.unmarshal(body)
	if err != nil {
		return nil, errors.Wrap(errors.KindCodec, errors.CodeMalformedEnvelope, errors.ErrMsgMalformedEnvelope, err)
	}
	pkg.EnvelopeVersion = version
	if err := pkg.Validate(); err != nil {
		return nil, errors.Wrap(errors.KindCodec, errors.CodeMalformedEnvelope, errors.ErrMsgMalformedEnvelope, err)
	}
	return pkg, nil
}

// Looks reports whether text carries the envelope prefix, used by scanners
// to skip unrelated QR codes.
func Looks(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), ArmorPrefix)
}

func frame(version int, body []byte) []byte {
	buf := make([]byte, 0, len(frameMagic)+binary.MaxVarintLen64+len(body)+checksumSize)
	buf = append(buf, frameMagic...)
	buf = binary.AppendUvarint(buf, uint64(version))
	buf = append(buf, body...)
	sum := blake3.Sum256(buf)
	return append(buf, sum[:checksumSize]...)
}

func armor(raw []byte) string {
	return ArmorPrefix + base58.Encode(raw)
}

func malformed(format string, args ...interface{}) error {
	return errors.Wrap(errors.KindCodec, errors.CodeMalformedEnvelope, errors.ErrMsgMalformedEnvelope, fmt.Errorf(format, args...))
}

func unframe(text string) (int, []byte, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, ArmorPrefix) {
		return 0, nil, malformed("missing %q prefix", ArmorPrefix)
	}
	raw, err := base58.Decode(text[len(ArmorPrefix):])
	if err != nil {
		return 0, nil, malformed("armor: %v", err)
	}
	if len(raw) < len(frameMagic)+1+checksumSize || !bytes.Equal(raw[:len(frameMagic)], frameMagic) {
		return 0, nil, malformed("bad frame header")
	}
	content, checksum := raw[:len(raw)-checksumSize], raw[len(raw)-checksumSize:]
	sum := blake3.Sum256(content)
	if !bytes.Equal(sum[:checksumSize], checksum) {
		return 0, nil, malformed("checksum mismatch")
	}
	version, n := binary.Uvarint(content[len(frameMagic):])
	if n <= 0 || version > 1<<31 {
		return 0, nil, malformed("bad version varint")
	}
	return int(version), content[len(frameMagic)+n:], nil
}
