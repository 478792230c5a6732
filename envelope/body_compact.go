package envelope

import (
	"fmt"

	"github.com/mezonai/peerpay/transaction"
	"google.golang.org/protobuf/encoding/protowire"
)

// compactBody is version 2: protobuf wire format written by hand, no schema
// compilation needed on either side. Zero values are omitted and unknown
// fields are skipped so later minor additions stay decodable.
type compactBody struct{}

// package fields
const (
	fieldID         protowire.Number = 1
	fieldMetadata   protowire.Number = 2
	fieldPayload    protowire.Number = 3
	fieldProvenance protowire.Number = 4
)

// metadata fields
const (
	fieldAmount    protowire.Number = 1
	fieldSymbol    protowire.Number = 2
	fieldFrom      protowire.Number = 3
	fieldTo        protowire.Number = 4
	fieldMemo      protowire.Number = 5
	fieldCreatedAt protowire.Number = 6
)

// provenance fields
const (
	fieldNonce           protowire.Number = 1
	fieldRecentBlockhash protowire.Number = 2
	fieldSignature       protowire.Number = 3
)

// nonce ref fields
const (
	fieldNonceAccount protowire.Number = 1
	fieldNonceValue   protowire.Number = 2
	fieldAuthority    protowire.Number = 3
	fieldReservedAt   protowire.Number = 4
	fieldExpiresAt    protowire.Number = 5
)

// signature fields
const (
	fieldPubKey protowire.Number = 1
	fieldSig    protowire.Number = 2
)

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func (compactBody) marshal(pkg *transaction.Package) ([]byte, error) {
	var meta []byte
	meta = appendString(meta, fieldAmount, pkg.Metadata.Amount)
	meta = appendString(meta, fieldSymbol, pkg.Metadata.Symbol)
	meta = appendString(meta, fieldFrom, pkg.Metadata.FromAddress)
	meta = appendString(meta, fieldTo, pkg.Metadata.ToAddress)
	meta = appendString(meta, fieldMemo, pkg.Metadata.Memo)
	meta = appendInt64(meta, fieldCreatedAt, pkg.Metadata.CreatedAt)

	var prov []byte
	if n := pkg.Provenance.NonceUsed; n != nil {
		var nb []byte
		nb = appendString(nb, fieldNonceAccount, n.NonceAccount)
		nb = appendString(nb, fieldNonceValue, n.NonceValue)
		nb = appendString(nb, fieldAuthority, n.Authority)
		nb = appendInt64(nb, fieldReservedAt, n.ReservedAt)
		nb = appendInt64(nb, fieldExpiresAt, n.ExpiresAt)
		prov = appendMessage(prov, fieldNonce, nb)
	}
	prov = appendString(prov, fieldRecentBlockhash, pkg.Provenance.RecentBlockhash)
	for _, s := range pkg.Provenance.Signatures {
		var sb []byte
		sb = appendString(sb, fieldPubKey, s.PubKey)
		sb = appendString(sb, fieldSig, s.Sig)
		prov = appendMessage(prov, fieldSignature, sb)
	}

	var out []byte
	out = appendString(out, fieldID, pkg.ID)
	out = appendMessage(out, fieldMetadata, meta)
	out = appendBytes(out, fieldPayload, pkg.Payload)
	out = appendMessage(out, fieldProvenance, prov)
	return out, nil
}

// walk calls fn for every field of a message. fn returns the number of bytes
// it consumed from v, or -1 to have the field skipped.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
		}
		b = b[m:]
	}
	return nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, fmt.Errorf("wire type %d, want bytes", typ)
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func consumeBytes(typ protowire.Type, b []byte, dst *[]byte) (int, error) {
	if typ != protowire.BytesType {
		return 0, fmt.Errorf("wire type %d, want bytes", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = append([]byte(nil), v...)
	return n, nil
}

func consumeInt64(typ protowire.Type, b []byte, dst *int64) (int, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("wire type %d, want varint", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = protowire.DecodeZigZag(v)
	return n, nil
}

func (compactBody) unmarshal(body []byte) (*transaction.Package, error) {
	pkg := &transaction.Package{}
	err := walk(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldID:
			return consumeString(typ, b, &pkg.ID)
		case fieldMetadata:
			var msg []byte
			n, err := consumeBytes(typ, b, &msg)
			if err != nil {
				return 0, err
			}
			return n, unmarshalMetadata(msg, &pkg.Metadata)
		case fieldPayload:
			return consumeBytes(typ, b, &pkg.Payload)
		case fieldProvenance:
			var msg []byte
			n, err := consumeBytes(typ, b, &msg)
			if err != nil {
				return 0, err
			}
			return n, unmarshalProvenance(msg, &pkg.Provenance)
		}
		return -1, nil
	})
	if err != nil {
		return nil, err
	}
	return pkg, nil
}

func unmarshalMetadata(b []byte, m *transaction.Metadata) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case fieldAmount:
			return consumeString(typ, v, &m.Amount)
		case fieldSymbol:
			return consumeString(typ, v, &m.Symbol)
		case fieldFrom:
			return consumeString(typ, v, &m.FromAddress)
		case fieldTo:
			return consumeString(typ, v, &m.ToAddress)
		case fieldMemo:
			return consumeString(typ, v, &m.Memo)
		case fieldCreatedAt:
			return consumeInt64(typ, v, &m.CreatedAt)
		}
		return -1, nil
	})
}

func unmarshalProvenance(b []byte, p *transaction.Provenance) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case fieldNonce:
			var msg []byte
			n, err := consumeBytes(typ, v, &msg)
			if err != nil {
				return 0, err
			}
			ref := &transaction.NonceRef{}
			if err := unmarshalNonceRef(msg, ref); err != nil {
				return 0, err
			}
			p.NonceUsed = ref
			return n, nil
		case fieldRecentBlockhash:
			return consumeString(typ, v, &p.RecentBlockhash)
		case fieldSignature:
			var msg []byte
			n, err := consumeBytes(typ, v, &msg)
			if err != nil {
				return 0, err
			}
			var sig transaction.Signature
			err = walk(msg, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
				switch num {
				case fieldPubKey:
					return consumeString(typ, v, &sig.PubKey)
				case fieldSig:
					return consumeString(typ, v, &sig.Sig)
				}
				return -1, nil
			})
			if err != nil {
				return 0, err
			}
			p.Signatures = append(p.Signatures, sig)
			return n, nil
		}
		return -1, nil
	})
}

func unmarshalNonceRef(b []byte, ref *transaction.NonceRef) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case fieldNonceAccount:
			return consumeString(typ, v, &ref.NonceAccount)
		case fieldNonceValue:
			return consumeString(typ, v, &ref.NonceValue)
		case fieldAuthority:
			return consumeString(typ, v, &ref.Authority)
		case fieldReservedAt:
			return consumeInt64(typ, v, &ref.ReservedAt)
		case fieldExpiresAt:
			return consumeInt64(typ, v, &ref.ExpiresAt)
		}
		return -1, nil
	})
}
