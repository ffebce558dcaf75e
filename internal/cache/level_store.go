package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/any-hub/tcz-cache/internal/codec"
)

const entryPrefix = "v:"

// levelStore 将条目以 CBOR 编码写入 LevelDB，键为 "v:" + version/arch/name。
type levelStore struct {
	db *leveldb.DB
}

// OpenLevelStore 在 path 打开（或创建）LevelDB 元数据库。
func OpenLevelStore(path string) (Store, error) {
	if path == "" {
		return nil, errors.New("metadata path required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open metadata db: %w", err)
	}
	return &levelStore{db: db}, nil
}

// NewLevelStore 包装已打开的 LevelDB，例如基于内存 storage 的测试实例。
func NewLevelStore(db *leveldb.DB) Store {
	return &levelStore{db: db}
}

func (s *levelStore) Get(ctx context.Context, key ResourceKey) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := s.db.Get([]byte(entryPrefix+key.String()), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read metadata %s: %w", key, err)
	}
	var entry Entry
	if err := codec.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode metadata %s: %w", key, err)
	}
	return &entry, nil
}

func (s *levelStore) Put(ctx context.Context, key ResourceKey, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := codec.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode metadata %s: %w", key, err)
	}
	if err := s.db.Put([]byte(entryPrefix+key.String()), raw, nil); err != nil {
		return fmt.Errorf("write metadata %s: %w", key, err)
	}
	return nil
}

func (s *levelStore) Close() error {
	return s.db.Close()
}
