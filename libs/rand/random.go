package rand

import (
	crand "crypto/rand"
	"encoding/binary"
	mrand "math/rand"
	"sync"
)

// Rand is a prng seeded with OS randomness. Unlike a bare math/rand.Rand it
// is safe for concurrent use. None of its methods are suitable for
// cryptographic usage.
type Rand struct {
	mtx  sync.Mutex
	rand *mrand.Rand
}

// NewRand returns a prng, that is seeded with OS randomness.
func NewRand() *Rand {
	return &Rand{rand: mrand.New(mrand.NewSource(seed()))}
}

// NewRandFromSeed returns a deterministic prng, for tests.
func NewRandFromSeed(seed int64) *Rand {
	return &Rand{rand: mrand.New(mrand.NewSource(seed))}
}

func seed() int64 {
	var s int64
	binary.Read(crand.Reader, binary.BigEndian, &s) //nolint:errcheck
	return s
}

// Intn returns a number in [0, n). It panics if n <= 0.
func (r *Rand) Intn(n int) int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.rand.Intn(n)
}

// Int63n returns a number in [0, n). It panics if n <= 0.
func (r *Rand) Int63n(n int64) int64 {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.rand.Int63n(n)
}

// Bytes returns n random bytes.
func (r *Rand) Bytes(n int) []byte {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	bs := make([]byte, n)
	for i := 0; i < len(bs); i++ {
		bs[i] = byte(r.rand.Int() & 0xFF)
	}
	return bs
}

// Bytes returns n random bytes generated from a freshly instantiated prng.
func Bytes(n int) []byte {
	return NewRand().Bytes(n)
}
