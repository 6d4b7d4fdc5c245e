package profile

import (
	"encoding/binary"
	"encoding/json"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
	"github.com/nci/eotsv/geo"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrNoProfileField  = errors.New("layer has no temporal profile field")
	ErrUnknownField    = errors.New("unknown field")
	ErrFeatureNotFound = errors.New("feature not found")
)

var (
	schemaKey   = []byte("schema")
	sequenceKey = []byte("fid")
	featurePfx  = []byte("f/")
)

// Feature is a point with plain attributes and one profile record per
// profile field.
type Feature struct {
	ID         uint64                 `json:"id"`
	Point      geo.Point              `json:"point"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	Profiles   map[string]*Record     `json:"profiles,omitempty"`
}

func (f *Feature) Profile(field string) *Record {
	return f.Profiles[field]
}

type LayerOptions struct {
	// Dir holds the feature store. An empty Dir keeps the layer in memory.
	Dir    string
	Fields []Field
	Log    *zap.Logger
}

// Layer is a point layer whose features carry temporal profiles. Features
// are stored as zstd compressed JSON documents in badger.
type Layer struct {
	db     *badger.DB
	seq    *badger.Sequence
	fields []Field
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	log    *zap.Logger

	mu        sync.Mutex
	listeners []func(fids []uint64)
}

// OpenLayer opens or creates a layer. A persisted schema takes precedence
// over opts.Fields; a new layer without fields gets one profile field
// named "profile".
func OpenLayer(opts LayerOptions) (*Layer, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	bopts := badger.DefaultOptions(opts.Dir)
	if opts.Dir == "" {
		bopts = bopts.WithInMemory(true)
	}
	bopts.Logger = nil
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open profile store")
	}

	l := &Layer{db: db, log: log}
	if err := l.initSchema(opts.Fields); err != nil {
		db.Close()
		return nil, err
	}
	if l.seq, err = db.GetSequence(sequenceKey, 100); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to allocate feature ids")
	}
	l.enc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	l.dec, _ = zstd.NewReader(nil)
	return l, nil
}

func (l *Layer) initSchema(fields []Field) error {
	return l.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(schemaKey)
		if err == nil {
			return item.Value(func(val []byte) error {
				return json.Unmarshal(val, &l.fields)
			})
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		if len(fields) == 0 {
			fields = []Field{NewProfileField(DefaultProfileField)}
		}
		if len(ProfileFields(fields)) == 0 {
			return ErrNoProfileField
		}
		l.fields = append([]Field(nil), fields...)
		data, err := json.Marshal(l.fields)
		if err != nil {
			return err
		}
		return txn.Set(schemaKey, data)
	})
}

func (l *Layer) Fields() []Field {
	return append([]Field(nil), l.fields...)
}

func (l *Layer) ProfileFields() []Field {
	return ProfileFields(l.fields)
}

func (l *Layer) field(name string) (Field, bool) {
	for _, f := range l.fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// OnProfilesAdded registers fn to receive the ids of features added by a
// committed edit.
func (l *Layer) OnProfilesAdded(fn func(fids []uint64)) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// Edit runs fn inside write transactions. Writes go to the current
// transaction until it outgrows what badger accepts in one commit; it is
// then committed and a new one is started. Each such chunk commits or
// rolls back as a whole: when fn returns an error, the chunk in progress is
// rolled back and chunks already committed remain. Listeners receive the
// ids of every committed feature.
func (l *Layer) Edit(fn func(e *Editor) error) error {
	e := &Editor{layer: l, txn: l.db.NewTransaction(true)}
	err := fn(e)
	if err == nil {
		err = e.commit(false)
	}
	e.txn.Discard()

	if len(e.committed) > 0 {
		l.log.Debug("profiles added", zap.Int("features", len(e.committed)))
		l.mu.Lock()
		listeners := append([]func([]uint64){}, l.listeners...)
		l.mu.Unlock()
		for _, fn := range listeners {
			fn(e.committed)
		}
	}
	return err
}

func featureKey(fid uint64) []byte {
	key := make([]byte, len(featurePfx)+8)
	copy(key, featurePfx)
	binary.BigEndian.PutUint64(key[len(featurePfx):], fid)
	return key
}

func (l *Layer) encode(f *Feature) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return l.enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func (l *Layer) decode(val []byte) (*Feature, error) {
	data, err := l.dec.DecodeAll(val, nil)
	if err != nil {
		return nil, errors.Wrap(err, "corrupt feature payload")
	}
	var f Feature
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (l *Layer) get(txn *badger.Txn, fid uint64) (*Feature, error) {
	item, err := txn.Get(featureKey(fid))
	if err == badger.ErrKeyNotFound {
		return nil, errors.Wrapf(ErrFeatureNotFound, "fid %d", fid)
	}
	if err != nil {
		return nil, err
	}
	var f *Feature
	err = item.Value(func(val []byte) error {
		f, err = l.decode(val)
		return err
	})
	return f, err
}

func (l *Layer) Feature(fid uint64) (*Feature, error) {
	var f *Feature
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		f, err = l.get(txn, fid)
		return err
	})
	return f, err
}

// Features returns all features ordered by id.
func (l *Layer) Features() ([]*Feature, error) {
	var out []*Feature
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(featurePfx); it.ValidForPrefix(featurePfx); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				f, err := l.decode(val)
				if err != nil {
					return err
				}
				out = append(out, f)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func (l *Layer) Count() (int, error) {
	n := 0
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(featurePfx); it.ValidForPrefix(featurePfx); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (l *Layer) Close() error {
	var err error
	if l.seq != nil {
		err = l.seq.Release()
	}
	l.enc.Close()
	l.dec.Close()
	if cerr := l.db.Close(); err == nil {
		err = cerr
	}
	return err
}

// Editor is valid only inside the function passed to Layer.Edit.
type Editor struct {
	layer     *Layer
	txn       *badger.Txn
	pending   []uint64
	committed []uint64
	chunks    int
}

func (e *Editor) commit(next bool) error {
	if err := e.txn.Commit(); err != nil {
		return err
	}
	e.chunks++
	e.committed = append(e.committed, e.pending...)
	e.pending = nil
	if next {
		e.txn = e.layer.db.NewTransaction(true)
	}
	return nil
}

// write applies op, moving to a new transaction when the current one is
// full.
func (e *Editor) write(op func(txn *badger.Txn) error) error {
	err := op(e.txn)
	if err != badger.ErrTxnTooBig {
		return err
	}
	e.layer.log.Debug("committing full profile transaction", zap.Int("chunk", e.chunks+1))
	if err := e.commit(true); err != nil {
		return err
	}
	return op(e.txn)
}

func (e *Editor) check(f *Feature) error {
	for name := range f.Attributes {
		fd, ok := e.layer.field(name)
		if !ok || fd.IsProfileField() {
			return errors.Wrapf(ErrUnknownField, "attribute %q", name)
		}
	}
	for name, rec := range f.Profiles {
		fd, ok := e.layer.field(name)
		if !ok || !fd.IsProfileField() {
			return errors.Wrapf(ErrUnknownField, "profile field %q", name)
		}
		if err := rec.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (e *Editor) put(f *Feature) error {
	data, err := e.layer.encode(f)
	if err != nil {
		return err
	}
	key := featureKey(f.ID)
	return e.write(func(txn *badger.Txn) error { return txn.Set(key, data) })
}

// AddFeature stores f under a new id, which is written back to f.ID.
func (e *Editor) AddFeature(f *Feature) (uint64, error) {
	if err := e.check(f); err != nil {
		return 0, err
	}
	next, err := e.layer.seq.Next()
	if err != nil {
		return 0, err
	}
	f.ID = next + 1
	if err := e.put(f); err != nil {
		return 0, err
	}
	e.pending = append(e.pending, f.ID)
	return f.ID, nil
}

func (e *Editor) UpdateFeature(f *Feature) error {
	if _, err := e.layer.get(e.txn, f.ID); err != nil {
		return err
	}
	if err := e.check(f); err != nil {
		return err
	}
	return e.put(f)
}

// SetProfile replaces the record held by one profile field of a feature.
func (e *Editor) SetProfile(fid uint64, field string, rec *Record) error {
	f, err := e.layer.get(e.txn, fid)
	if err != nil {
		return err
	}
	if f.Profiles == nil {
		f.Profiles = make(map[string]*Record)
	}
	f.Profiles[field] = rec
	return e.UpdateFeature(f)
}

func (e *Editor) DeleteFeature(fid uint64) error {
	if _, err := e.layer.get(e.txn, fid); err != nil {
		return err
	}
	key := featureKey(fid)
	return e.write(func(txn *badger.Txn) error { return txn.Delete(key) })
}
