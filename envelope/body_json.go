package envelope

import (
	"github.com/mezonai/peerpay/jsonx"
	"github.com/mezonai/peerpay/transaction"
)

// jsonBody is version 1: canonical JSON without the version, which lives in the frame.
type jsonBody struct{}

type jsonWire struct {
	ID         string                 `json:"id"`
	Metadata   transaction.Metadata   `json:"metadata"`
	Payload    []byte                 `json:"payload"`
	Provenance transaction.Provenance `json:"provenance"`
}

func (jsonBody) marshal(pkg *transaction.Package) ([]byte, error) {
	return jsonx.MarshalCanonical(jsonWire{
		ID:         pkg.ID,
		Metadata:   pkg.Metadata,
		Payload:    pkg.Payload,
		Provenance: pkg.Provenance,
	})
}

func (jsonBody) unmarshal(body []byte) (*transaction.Package, error) {
	var w jsonWire
	if err := jsonx.UnmarshalStrict(body, &w); err != nil {
		return nil, err
	}
	if len(w.Provenance.Signatures) == 0 {
		w.Provenance.Signatures = nil
	}
	return &transaction.Package{
		ID:         w.ID,
		Metadata:   w.Metadata,
		Payload:    w.Payload,
		Provenance: w.Provenance,
	}, nil
}
