// Package crdt implements the mergeable replicated document used by
// collaboration rooms. A Doc is a grow-only set of opaque operations keyed
// by (writer, seq). Merging is a set union, which makes it commutative,
// associative and idempotent: any delivery order of the same updates
// converges to the same state, and Serialize emits that state in a
// deterministic byte form so converged replicas compare byte-identical.
//
// Writers are expected to number their operations consecutively (1, 2, ...),
// which lets a state summary be a compact version vector: one max seq per
// writer.
package crdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
)

var ErrMalformedUpdate = errors.New("crdt: malformed update")

type Doc struct {
	ops map[uint64]map[uint64][]byte // writer -> seq -> op bytes
}

func NewDoc() *Doc {
	return &Doc{ops: make(map[uint64]map[uint64][]byte)}
}

// Merge applies an encoded update to the document. Applying the same update
// twice is a no-op; updates from different writers commute.
func (d *Doc) Merge(update []byte) error {
	decoded, err := decodeOps(update)
	if err != nil {
		return err
	}
	for writer, ops := range decoded {
		dst, ok := d.ops[writer]
		if !ok {
			dst = make(map[uint64][]byte)
			d.ops[writer] = dst
		}
		for seq, op := range ops {
			if _, exists := dst[seq]; exists {
				continue
			}
			dst[seq] = op
		}
	}
	return nil
}

// StateSummary returns a version vector describing what the document holds:
// the highest sequence number seen per writer.
func (d *Doc) StateSummary() []byte {
	writers := d.sortedWriters()
	var buf bytes.Buffer
	writeUvarint(&buf, uint64(len(writers)))
	for _, w := range writers {
		var max uint64
		for seq := range d.ops[w] {
			if seq > max {
				max = seq
			}
		}
		writeUvarint(&buf, w)
		writeUvarint(&buf, max)
	}
	return buf.Bytes()
}

// Diff returns an update containing every operation the holder of summary is
// missing: all ops whose seq exceeds the summary's entry for that writer.
func (d *Doc) Diff(summary []byte) ([]byte, error) {
	known, err := decodeSummary(summary)
	if err != nil {
		return nil, err
	}
	missing := make(map[uint64]map[uint64][]byte)
	for writer, ops := range d.ops {
		floor := known[writer]
		for seq, op := range ops {
			if seq <= floor {
				continue
			}
			if missing[writer] == nil {
				missing[writer] = make(map[uint64][]byte)
			}
			missing[writer][seq] = op
		}
	}
	return encodeOps(missing), nil
}

// Serialize returns the full document state as a single update. Merging the
// result into an empty document reproduces this one exactly.
func (d *Doc) Serialize() []byte {
	return encodeOps(d.ops)
}

// Len reports the number of operations held.
func (d *Doc) Len() int {
	n := 0
	for _, ops := range d.ops {
		n += len(ops)
	}
	return n
}

func (d *Doc) sortedWriters() []uint64 {
	writers := make([]uint64, 0, len(d.ops))
	for w := range d.ops {
		writers = append(writers, w)
	}
	sort.Slice(writers, func(i, j int) bool { return writers[i] < writers[j] })
	return writers
}

// EncodeUpdate builds an update carrying a single operation. This is what a
// writer produces for each local edit.
func EncodeUpdate(writer, seq uint64, op []byte) []byte {
	return encodeOps(map[uint64]map[uint64][]byte{writer: {seq: op}})
}

// Wire layout (shared by updates and serialized state, all varints):
//
//	numWriters, then per writer (ascending id):
//	  writerID, numOps, then per op (ascending seq): seq, opLen, opBytes
func encodeOps(ops map[uint64]map[uint64][]byte) []byte {
	writers := make([]uint64, 0, len(ops))
	for w := range ops {
		writers = append(writers, w)
	}
	sort.Slice(writers, func(i, j int) bool { return writers[i] < writers[j] })

	var buf bytes.Buffer
	writeUvarint(&buf, uint64(len(writers)))
	for _, w := range writers {
		seqs := make([]uint64, 0, len(ops[w]))
		for seq := range ops[w] {
			seqs = append(seqs, seq)
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

		writeUvarint(&buf, w)
		writeUvarint(&buf, uint64(len(seqs)))
		for _, seq := range seqs {
			op := ops[w][seq]
			writeUvarint(&buf, seq)
			writeUvarint(&buf, uint64(len(op)))
			buf.Write(op)
		}
	}
	return buf.Bytes()
}

func decodeOps(data []byte) (map[uint64]map[uint64][]byte, error) {
	r := bytes.NewReader(data)
	numWriters, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, ErrMalformedUpdate
	}
	out := make(map[uint64]map[uint64][]byte, numWriters)
	for i := uint64(0); i < numWriters; i++ {
		writer, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, ErrMalformedUpdate
		}
		numOps, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, ErrMalformedUpdate
		}
		ops := make(map[uint64][]byte, numOps)
		for j := uint64(0); j < numOps; j++ {
			seq, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, ErrMalformedUpdate
			}
			opLen, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, ErrMalformedUpdate
			}
			if opLen > uint64(r.Len()) {
				return nil, fmt.Errorf("%w: op length %d exceeds remaining %d", ErrMalformedUpdate, opLen, r.Len())
			}
			op := make([]byte, opLen)
			if _, err := io.ReadFull(r, op); err != nil {
				return nil, ErrMalformedUpdate
			}
			ops[seq] = op
		}
		out[writer] = ops
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedUpdate, r.Len())
	}
	return out, nil
}

func decodeSummary(data []byte) (map[uint64]uint64, error) {
	r := bytes.NewReader(data)
	numWriters, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, ErrMalformedUpdate
	}
	out := make(map[uint64]uint64, numWriters)
	for i := uint64(0); i < numWriters; i++ {
		writer, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, ErrMalformedUpdate
		}
		max, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, ErrMalformedUpdate
		}
		out[writer] = max
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedUpdate, r.Len())
	}
	return out, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}
