package writer

import "skillora/ingest-service/internal/model"

// Batch is a group of records committed atomically. Index is its 0-based
// position within one ingestion run.
type Batch struct {
	Index   int
	Records []model.Record
}

// Batcher groups records, in arrival order, into batches of a fixed size.
type Batcher struct {
	size int
	next int
	buf  []model.Record
}

func NewBatcher(size int) *Batcher {
	if size <= 0 {
		size = DefaultConfig().BatchSize
	}
	return &Batcher{size: size, buf: make([]model.Record, 0, size)}
}

// Add appends rec and returns a full batch once size records are buffered.
func (b *Batcher) Add(rec model.Record) (Batch, bool) {
	b.buf = append(b.buf, rec)
	if len(b.buf) < b.size {
		return Batch{}, false
	}
	return b.take(), true
}

// Flush returns the buffered remainder, if any.
func (b *Batcher) Flush() (Batch, bool) {
	if len(b.buf) == 0 {
		return Batch{}, false
	}
	return b.take(), true
}

// Pending is the number of buffered records.
func (b *Batcher) Pending() int { return len(b.buf) }

func (b *Batcher) take() Batch {
	batch := Batch{Index: b.next, Records: b.buf}
	b.next++
	b.buf = make([]model.Record, 0, b.size)
	return batch
}
