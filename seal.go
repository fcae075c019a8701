package journal

import (
	"crypto/rand"
	"crypto/sha256"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"
)

const (
	sealKeyInfo      = "bsm journal seal key v1"
	sealEvolveCtx    = "bsm journal 2024 seal key evolution v1"
	sealStateVersion = 1
)

// SealState is the secret state of a sealing writer. Each tag is computed
// with the key of the current epoch, after which the key is evolved one
// way. The state is updated in place and must be persisted by the caller
// after the writer is closed; a lost state cannot be recovered from the
// verification key.
type SealState struct {
	Version  int           `cbor:"1,keyasint"`
	Epoch    uint64        `cbor:"2,keyasint"`
	Key      [32]byte      `cbor:"3,keyasint"`
	Start    time.Time     `cbor:"4,keyasint"`
	Interval time.Duration `cbor:"5,keyasint"`
}

// VerificationKey allows to derive the key of any epoch. It must be kept
// away from the sealing host.
type VerificationKey struct {
	Version  int           `cbor:"1,keyasint"`
	Seed     [32]byte      `cbor:"2,keyasint"`
	Start    time.Time     `cbor:"3,keyasint"`
	Interval time.Duration `cbor:"4,keyasint"`
}

// GenerateSealKey creates a fresh sealing key pair. Epochs advance every
// interval after start; a zero interval only advances them on tags.
func GenerateSealKey(start time.Time, interval time.Duration) (*SealState, *VerificationKey, error) {
	if interval < 0 {
		return nil, nil, errors.Errorf("journal: invalid seal interval %v", interval)
	}

	vk := &VerificationKey{Version: sealStateVersion, Start: start.UTC(), Interval: interval}
	if _, err := io.ReadFull(rand.Reader, vk.Seed[:]); err != nil {
		return nil, nil, errors.Wrap(err, "journal: generate seal seed")
	}
	st, err := vk.initialState()
	if err != nil {
		return nil, nil, err
	}
	return st, vk, nil
}

func (vk *VerificationKey) initialState() (*SealState, error) {
	st := &SealState{Version: sealStateVersion, Start: vk.Start, Interval: vk.Interval}
	if _, err := io.ReadFull(hkdf.New(sha256.New, vk.Seed[:], nil, []byte(sealKeyInfo)), st.Key[:]); err != nil {
		return nil, errors.Wrap(err, "journal: derive seal key")
	}
	return st, nil
}

// StateAt derives the sealing state of the given epoch.
func (vk *VerificationKey) StateAt(epoch uint64) (*SealState, error) {
	st, err := vk.initialState()
	if err != nil {
		return nil, err
	}
	st.SeekEpoch(epoch)
	return st, nil
}

// Evolve advances the state to the next epoch. The previous key cannot be
// derived from the new one.
func (s *SealState) Evolve() {
	var next [32]byte
	blake3.DeriveKey(sealEvolveCtx, s.Key[:], next[:])
	s.Key = next
	s.Epoch++
}

// SeekEpoch evolves the state up to epoch. States never move backwards.
func (s *SealState) SeekEpoch(epoch uint64) {
	for s.Epoch < epoch {
		s.Evolve()
	}
}

// EpochAt returns the time-based epoch of t.
func (s *SealState) EpochAt(t time.Time) uint64 {
	if s.Interval <= 0 || t.Before(s.Start) {
		return 0
	}
	return uint64(t.Sub(s.Start) / s.Interval)
}

// plain encodings, without the marshaler methods
type (
	sealStateFields       SealState
	verificationKeyFields VerificationKey
)

// MarshalBinary encodes the state.
func (s *SealState) MarshalBinary() ([]byte, error) {
	return cborEnc.Marshal((*sealStateFields)(s))
}

// UnmarshalBinary decodes a state encoded by MarshalBinary.
func (s *SealState) UnmarshalBinary(data []byte) error {
	if err := cbor.Unmarshal(data, (*sealStateFields)(s)); err != nil {
		return errors.Wrap(err, "journal: decode seal state")
	}
	if s.Version != sealStateVersion {
		return errors.Errorf("journal: unsupported seal state version %d", s.Version)
	}
	return nil
}

// MarshalBinary encodes the key.
func (vk *VerificationKey) MarshalBinary() ([]byte, error) {
	return cborEnc.Marshal((*verificationKeyFields)(vk))
}

// UnmarshalBinary decodes a key encoded by MarshalBinary.
func (vk *VerificationKey) UnmarshalBinary(data []byte) error {
	if err := cbor.Unmarshal(data, (*verificationKeyFields)(vk)); err != nil {
		return errors.Wrap(err, "journal: decode verification key")
	}
	if vk.Version != sealStateVersion {
		return errors.Errorf("journal: unsupported verification key version %d", vk.Version)
	}
	return nil
}

// LoadSealState reads a state written by SaveSealState.
func LoadSealState(name string) (*SealState, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Wrap(err, "journal: load seal state")
	}
	st := new(SealState)
	if err := st.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return st, nil
}

// SaveSealState atomically replaces name with the encoded state.
func SaveSealState(name string, s *SealState) error {
	data, err := s.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "journal: encode seal state")
	}

	tmp := name + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return errors.Wrap(err, "journal: save seal state")
	}
	if err := os.Rename(tmp, name); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "journal: save seal state")
	}
	return nil
}

var cborEnc cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano

	var err error
	if cborEnc, err = opts.EncMode(); err != nil {
		panic("journal: CBOR encoder initialization failed: " + err.Error())
	}
}

// --------------------------------------------------------------------

// sealer feeds the immutable parts of every committed object into a
// digest keyed with the current epoch key. Committing a tag object
// stores the digest in it and evolves the key.
type sealer struct {
	state   *SealState
	hasher  *blake3.Hasher
	pending bool
}

func newSealer(state *SealState, now time.Time) (*sealer, error) {
	if state.Version != 0 && state.Version != sealStateVersion {
		return nil, errors.Errorf("journal: unsupported seal state version %d", state.Version)
	}
	state.SeekEpoch(state.EpochAt(now))

	s := &sealer{state: state}
	s.reset()
	return s, nil
}

func (s *sealer) reset() {
	s.hasher = keyedHasher(s.state.Key)
	s.pending = false
}

func (s *sealer) write(p []byte) {
	_, _ = s.hasher.Write(p)
	s.pending = true
}

func (s *sealer) putHeader(h header) { sealHeader(h, s.write) }

func (s *sealer) putObject(o object) {
	sealObject(o, s.write)
	if o.typ() == ObjectTag {
		copy(tagObject{o}.tag(), s.hasher.Sum(nil))
		s.state.Evolve()
		s.reset()
	}
}

func keyedHasher(key [32]byte) *blake3.Hasher {
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("journal: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return h
}

// sealHeader passes the header ranges that never change after creation
// to fn: signature and flags, identities, sizes, the creation time, the
// hash table locations and the hash seed.
func sealHeader(h header, fn func([]byte)) {
	fn(h[hdrSignature:hdrState])
	fn(h[hdrFileID:hdrTailObjectOffset])
	fn(h[hdrHashSeed : hdrHashSeed+32])
}

// sealObject passes the immutable ranges of o to fn. Links and counters
// that are updated after an object is committed are skipped.
func sealObject(o object, fn func([]byte)) {
	fn(o.b[:objectHeaderSize])
	switch o.typ() {
	case ObjectData:
		fn(o.b[16:24])
		fn(o.b[dataHeaderSize:])
	case ObjectField:
		fn(o.b[16:24])
		fn(o.b[fieldHeaderSize:])
	case ObjectEntry:
		fn(o.b[objectHeaderSize:])
	case ObjectTag:
		fn(o.b[16:32])
	}
}

// --------------------------------------------------------------------

// AppendTag seals all objects appended since the previous tag and
// evolves the sealing key.
func (w *Writer) AppendTag() error {
	if w.s == nil {
		return errClosed
	}
	if w.seal == nil {
		return ErrNotSealed
	}
	if w.broken != nil {
		return w.broken
	}

	if err := w.appendTag(); err != nil {
		w.fail(err)
		return err
	}
	return nil
}

func (w *Writer) appendTag() error {
	o, err := w.alloc(ObjectTag, tagObjectSize, 0)
	if err != nil {
		return err
	}

	h := w.s.header()
	t := tagObject{o}
	t.setSeqnum(h.u64(hdrNTags) + 1)
	t.setEpoch(w.seal.state.Epoch)
	w.commit(o)

	h.setU64(hdrTailTagOffset, o.off)
	h.setU64(hdrNTags, t.seqnum())
	w.o.Metrics.tagAdded()
	w.log.WithFields(logrus.Fields{
		"tag":   t.seqnum(),
		"epoch": t.epoch(),
	}).Debug("appended tag")
	return nil
}

// sealUntil closes the current epoch if realtime lies beyond it.
func (w *Writer) sealUntil(realtime time.Time) error {
	st := w.seal.state
	epoch := st.EpochAt(realtime)
	if epoch <= st.Epoch {
		return nil
	}
	if w.seal.pending {
		if err := w.appendTag(); err != nil {
			return err
		}
	}
	st.SeekEpoch(epoch)
	w.seal.reset()
	return nil
}

// resumeSeal rebuilds the digest of objects appended since the last tag
// of a reopened file.
func (w *Writer) resumeSeal() error {
	st := w.o.Seal
	w.seal = &sealer{state: st}
	w.seal.reset()

	h := w.s.header()
	start := uint64(headerSize)
	if h.u64(hdrNTags) == 0 {
		w.seal.putHeader(h)
	} else {
		o, err := w.moveTo(ObjectTag, h.u64(hdrTailTagOffset))
		if err != nil {
			return err
		}
		t := tagObject{o}
		if t.seqnum() != h.u64(hdrNTags) {
			return corruptf(o.off, "last tag is #%d, header counts %d", t.seqnum(), h.u64(hdrNTags))
		}
		if st.Epoch <= t.epoch() {
			return errors.Errorf("journal: seal state epoch %d is behind last tag epoch %d of %s", st.Epoch, t.epoch(), w.name)
		}
		start = align8(o.off + o.size())
	}

	tail := h.tailObject()
	for p := start; p <= tail; {
		o, err := w.moveTo(ObjectUnused, p)
		if err != nil {
			return err
		}
		w.seal.putObject(o)
		p = align8(p + o.size())
	}
	return nil
}
