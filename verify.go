package journal

import (
	"crypto/subtle"
	"time"

	"github.com/pkg/errors"
)

// VerifyReport summarises a successful verification.
type VerifyReport struct {
	// Tags is the number of verified tags.
	Tags uint64
	// Epoch is the epoch of the last verified tag.
	Epoch uint64
	// SealedUntil is the offset up to which objects are covered by tags.
	SealedUntil uint64
	// LastSealed is the realtime of the last entry covered by a tag.
	LastSealed time.Time
	// Entries is the number of entry objects found.
	Entries uint64
	// Unsealed is the number of objects appended after the last tag.
	Unsealed int
}

// Verify replays a sealed file, recomputing each tag with the key of its
// epoch. Any mismatch returns an error wrapping ErrSealMismatch.
func Verify(name string, vk *VerificationKey) (*VerifyReport, error) {
	r, err := OpenReader(name)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	h := r.s.header()
	if !h.sealed() {
		return nil, ErrNotSealed
	}

	st, err := vk.initialState()
	if err != nil {
		return nil, err
	}

	var (
		rep      = new(VerifyReport)
		segment  []uint64 // objects since the last tag
		lastSeen time.Time
		first    = true
	)
	tail := h.tailObject()
	for p := uint64(headerSize); p <= tail; {
		o, err := r.moveTo(ObjectUnused, p)
		if err != nil {
			return rep, err
		}
		switch o.typ() {
		case ObjectEntry:
			rep.Entries++
			lastSeen = usecTime(entryObject{o}.realtime())
		case ObjectTag:
			t := tagObject{o}
			if t.seqnum() != rep.Tags+1 {
				return rep, corruptf(p, "tag #%d follows tag #%d", t.seqnum(), rep.Tags)
			}
			if t.epoch() < st.Epoch {
				return rep, corruptf(p, "tag epoch %d precedes epoch %d", t.epoch(), st.Epoch)
			}
			st.SeekEpoch(t.epoch())

			hasher := keyedHasher(st.Key)
			write := func(b []byte) { _, _ = hasher.Write(b) }
			if first {
				sealHeader(h, write)
			}
			for _, off := range segment {
				so, err := r.moveTo(ObjectUnused, off)
				if err != nil {
					return rep, err
				}
				sealObject(so, write)
			}
			sealObject(o, write)

			if subtle.ConstantTimeCompare(hasher.Sum(nil), t.tag()) != 1 {
				return rep, errors.WithMessagef(ErrSealMismatch, "tag #%d at offset %d (epoch %d)", t.seqnum(), p, t.epoch())
			}
			st.Evolve()

			rep.Tags++
			rep.Epoch = t.epoch()
			rep.SealedUntil = align8(p + o.size())
			rep.LastSealed = lastSeen
			segment, first = segment[:0], false
			p = rep.SealedUntil
			continue
		}
		segment = append(segment, p)
		p = align8(p + o.size())
	}

	rep.Unsealed = len(segment)
	return rep, nil
}
