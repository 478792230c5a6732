package db

import (
	"github.com/pkg/errors"
)

// Batcher applies a multi-key store update, e.g. a queue record together with
// its status index, as one batch on the shared provider.
type Batcher struct {
	provider DatabaseProvider
}

func NewBatcher(provider DatabaseProvider) *Batcher {
	return &Batcher{provider: provider}
}

// Update commits the writes fn stages unless fn fails, in which case none of
// them are applied.
func (b *Batcher) Update(fn func(batch DatabaseBatch) error) error {
	batch := b.provider.Batch()
	defer batch.Close()

	if err := fn(batch); err != nil {
		batch.Reset()
		return errors.Wrap(err, "stage batch")
	}
	if err := batch.Write(); err != nil {
		return errors.Wrap(err, "commit batch")
	}
	return nil
}
