package blockbuffer

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/creachadair/atomicfile"
	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/blockstream/config"
	bsos "github.com/tendermint/blockstream/libs/os"
	bsproto "github.com/tendermint/blockstream/proto/blockstream"
)

const (
	// FileBackend stores the buffer as a single snapshot file.
	FileBackend = "file"

	bufferFileName = "buffer.bin"
	bufferDBName   = "block_buffer"
)

// Store persists snapshots of the block buffer.
type Store interface {
	// Load returns the latest snapshot, or nil if none was saved.
	Load() (*bsproto.BufferSnapshot, error)
	// Save replaces the stored snapshot.
	Save(*bsproto.BufferSnapshot) error
	Close() error
}

// NewStore opens the store selected by the buffer configuration.
func NewStore(cfg *config.BufferConfig) (Store, error) {
	dir := cfg.BufferDir()
	if cfg.PersistenceBackend == FileBackend {
		return NewFileStore(dir), nil
	}

	if err := bsos.EnsureDir(dir, 0700); err != nil {
		return nil, err
	}
	db, err := dbm.NewDB(bufferDBName, dbm.BackendType(cfg.PersistenceBackend), dir)
	if err != nil {
		return nil, fmt.Errorf("opening %s block buffer store in %q: %w", cfg.PersistenceBackend, dir, err)
	}
	return NewDBStore(db), nil
}

//-----------------------------------------------------------------------------
// FileStore

// FileStore keeps the snapshot in a single file that is replaced atomically
// on every save.
type FileStore struct {
	dir string
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store writing into dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (fs *FileStore) path() string {
	return filepath.Join(fs.dir, bufferFileName)
}

func (fs *FileStore) Load() (*bsproto.BufferSnapshot, error) {
	bz, err := os.ReadFile(fs.path())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	snapshot := new(bsproto.BufferSnapshot)
	if err := snapshot.Unmarshal(bz); err != nil {
		return nil, fmt.Errorf("decoding %q: %w", fs.path(), err)
	}
	return snapshot, nil
}

func (fs *FileStore) Save(snapshot *bsproto.BufferSnapshot) error {
	bz, err := snapshot.Marshal()
	if err != nil {
		return err
	}
	if err := bsos.EnsureDir(fs.dir, 0700); err != nil {
		return err
	}
	_, err = atomicfile.WriteAll(fs.path(), bytes.NewReader(bz), 0600)
	return err
}

func (fs *FileStore) Close() error { return nil }

//-----------------------------------------------------------------------------
// DBStore

const (
	// prefixes are unique across all tm-db's used by the node
	prefixBufferedBlock = int64(1)
	prefixHighestAcked  = int64(2)
)

// DBStore keeps one record per block in a tm-db database, keyed so that
// iteration yields blocks in ascending order.
type DBStore struct {
	db dbm.DB
}

var _ Store = (*DBStore)(nil)

// NewDBStore returns a store on top of db.
func NewDBStore(db dbm.DB) *DBStore {
	return &DBStore{db: db}
}

func bufferedBlockKey(blockNumber int64) []byte {
	key, err := orderedcode.Append(nil, prefixBufferedBlock, blockNumber)
	if err != nil {
		panic(err)
	}
	return key
}

func prefixKey(prefix int64) []byte {
	key, err := orderedcode.Append(nil, prefix)
	if err != nil {
		panic(err)
	}
	return key
}

func (s *DBStore) Load() (*bsproto.BufferSnapshot, error) {
	snapshot := &bsproto.BufferSnapshot{HighestAckedBlockNumber: -1}

	itr, err := s.db.Iterator(bufferedBlockKey(0), bufferedBlockKey(math.MaxInt64))
	if err != nil {
		return nil, err
	}
	defer itr.Close()

	for ; itr.Valid(); itr.Next() {
		block := new(bsproto.BufferedBlock)
		if err := block.Unmarshal(itr.Value()); err != nil {
			return nil, fmt.Errorf("decoding buffered block: %w", err)
		}
		snapshot.Blocks = append(snapshot.Blocks, block)
	}
	if err := itr.Error(); err != nil {
		return nil, err
	}

	bz, err := s.db.Get(prefixKey(prefixHighestAcked))
	if err != nil {
		return nil, err
	}
	if bz == nil {
		if len(snapshot.Blocks) == 0 {
			return nil, nil
		}
		return snapshot, nil
	}

	var highestAcked int64
	if _, err := orderedcode.Parse(string(bz), &highestAcked); err != nil {
		return nil, fmt.Errorf("decoding acknowledgement watermark: %w", err)
	}
	snapshot.HighestAckedBlockNumber = highestAcked
	return snapshot, nil
}

func (s *DBStore) Save(snapshot *bsproto.BufferSnapshot) error {
	keep := make(map[string]struct{}, len(snapshot.Blocks))
	for _, block := range snapshot.Blocks {
		keep[string(bufferedBlockKey(block.BlockNumber))] = struct{}{}
	}

	stale, err := s.staleKeys(keep)
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, key := range stale {
		if err := batch.Delete(key); err != nil {
			return err
		}
	}
	for _, block := range snapshot.Blocks {
		bz, err := block.Marshal()
		if err != nil {
			return err
		}
		if err := batch.Set(bufferedBlockKey(block.BlockNumber), bz); err != nil {
			return err
		}
	}

	watermark, err := orderedcode.Append(nil, snapshot.HighestAckedBlockNumber)
	if err != nil {
		return err
	}
	if err := batch.Set(prefixKey(prefixHighestAcked), watermark); err != nil {
		return err
	}

	return batch.WriteSync()
}

// staleKeys collects the stored blocks that are not part of keep. Keys are
// collected first because some backends do not allow writes while an
// iterator is open.
func (s *DBStore) staleKeys(keep map[string]struct{}) ([][]byte, error) {
	itr, err := s.db.Iterator(bufferedBlockKey(0), bufferedBlockKey(math.MaxInt64))
	if err != nil {
		return nil, err
	}
	defer itr.Close()

	var stale [][]byte
	for ; itr.Valid(); itr.Next() {
		if _, ok := keep[string(itr.Key())]; !ok {
			stale = append(stale, append([]byte(nil), itr.Key()...))
		}
	}
	return stale, itr.Error()
}

func (s *DBStore) Close() error {
	return s.db.Close()
}
