package storage

// PrefixDB is a namespace inside a shared DB: every key is stored under a
// fixed prefix and ForEach hands keys back without it. The keychain vault,
// nonce records, sessions and settings each get one.
type PrefixDB struct {
	inner  DB
	prefix []byte
}

// NewPrefixDB returns the namespace prefix of inner.
func NewPrefixDB(inner DB, prefix []byte) *PrefixDB {
	return &PrefixDB{inner: inner, prefix: cloneBytes(prefix)}
}

func (p *PrefixDB) key(k []byte) []byte {
	out := make([]byte, 0, len(p.prefix)+len(k))
	out = append(out, p.prefix...)
	return append(out, k...)
}

func (p *PrefixDB) Get(key []byte) ([]byte, error) { return p.inner.Get(p.key(key)) }
func (p *PrefixDB) Put(key, value []byte) error    { return p.inner.Put(p.key(key), value) }
func (p *PrefixDB) Delete(key []byte) error        { return p.inner.Delete(p.key(key)) }
func (p *PrefixDB) Has(key []byte) (bool, error)   { return p.inner.Has(p.key(key)) }

// ForEach iterates over the namespace keys starting with prefix. Keys are
// passed to fn relative to the namespace.
func (p *PrefixDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return p.inner.ForEach(p.key(prefix), func(key, value []byte) error {
		return fn(key[len(p.prefix):], value)
	})
}

// Update runs fn inside the inner database's atomic update, if it has one.
func (p *PrefixDB) Update(fn func(w Writer) error) error {
	return Update(p.inner, func(w Writer) error {
		return fn(prefixWriter{w: w, p: p})
	})
}

// Clear deletes every key in the namespace in one update.
func (p *PrefixDB) Clear() error {
	var keys [][]byte
	err := p.ForEach(nil, func(key, _ []byte) error {
		keys = append(keys, cloneBytes(key))
		return nil
	})
	if err != nil {
		return err
	}
	return p.Update(func(w Writer) error {
		for _, k := range keys {
			if err := w.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close is a no-op; the shared DB owns the lifecycle.
func (p *PrefixDB) Close() error {
	return nil
}

type prefixWriter struct {
	w Writer
	p *PrefixDB
}

func (pw prefixWriter) Put(key, value []byte) error { return pw.w.Put(pw.p.key(key), value) }
func (pw prefixWriter) Delete(key []byte) error     { return pw.w.Delete(pw.p.key(key)) }
