// Package tilecache keeps rendered map tiles. Values are stored snappy
// compressed.
package tilecache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/golang/snappy"
	log "github.com/sirupsen/logrus"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, data []byte) error
}

// Key names a tile of a layer rendered under a configuration version.
func Key(version, layer string, z, x, y int) string {
	return fmt.Sprintf("%s/%s/%d/%d/%d.png", version, layer, z, x, y)
}

// Memory is a bounded LRU cache.
type Memory struct {
	mu    sync.Mutex
	max   int
	ll    *list.List
	items map[string]*list.Element
}

type entry struct {
	key  string
	data []byte
}

func NewMemory(maxEntries int) *Memory {
	return &Memory{max: maxEntries, ll: list.New(), items: map[string]*list.Element{}}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	el, ok := m.items[key]
	if !ok {
		m.mu.Unlock()
		return nil, false, nil
	}
	m.ll.MoveToFront(el)
	cdata := el.Value.(*entry).data
	m.mu.Unlock()

	data, err := snappy.Decode(nil, cdata)
	if err != nil {
		return nil, false, fmt.Errorf("Error decompressing %s: %v", key, err)
	}
	return data, true, nil
}

func (m *Memory) Put(_ context.Context, key string, data []byte) error {
	cdata := snappy.Encode(nil, data)

	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[key]; ok {
		el.Value.(*entry).data = cdata
		m.ll.MoveToFront(el)
		return nil
	}
	m.items[key] = m.ll.PushFront(&entry{key: key, data: cdata})
	for m.max > 0 && m.ll.Len() > m.max {
		last := m.ll.Back()
		m.ll.Remove(last)
		delete(m.items, last.Value.(*entry).key)
	}
	return nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ll.Len()
}

// Bucket stores tiles as objects named {prefix}{key}.snp.
type Bucket struct {
	bkt    *storage.BucketHandle
	prefix string
}

func NewBucket(bkt *storage.BucketHandle, prefix string) *Bucket {
	return &Bucket{bkt: bkt, prefix: prefix}
}

func (b *Bucket) objName(key string) string {
	return b.prefix + key + ".snp"
}

func (b *Bucket) Get(ctx context.Context, key string) ([]byte, bool, error) {
	objName := b.objName(key)
	r, err := b.bkt.Object(objName).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("Error creating object reader: %s: %w", objName, err)
	}
	cdata, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return nil, false, fmt.Errorf("Error reading from object: %s: %w", objName, err)
	}
	data, err := snappy.Decode(nil, cdata)
	if err != nil {
		return nil, false, fmt.Errorf("Error decompressing data: %s: %v", objName, err)
	}
	return data, true, nil
}

func (b *Bucket) Put(ctx context.Context, key string, data []byte) error {
	objName := b.objName(key)
	w := b.bkt.Object(objName).NewWriter(ctx)
	w.ContentType = "application/x-snappy-framed"
	if _, err := w.Write(snappy.Encode(nil, data)); err != nil {
		w.Close()
		return fmt.Errorf("Error writing object: %s: %w", objName, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("Error closing object: %s: %w", objName, err)
	}
	return nil
}

// Chain reads through caches in order and back fills the earlier ones on a
// hit. Put writes to all of them.
type Chain []Cache

func (c Chain) Get(ctx context.Context, key string) ([]byte, bool, error) {
	for i, cache := range c {
		data, ok, err := cache.Get(ctx, key)
		if err != nil {
			log.WithError(err).WithField("key", key).Warn("tile cache read failed")
			continue
		}
		if !ok {
			continue
		}
		for _, prev := range c[:i] {
			if err := prev.Put(ctx, key, data); err != nil {
				log.WithError(err).WithField("key", key).Warn("tile cache backfill failed")
			}
		}
		return data, true, nil
	}
	return nil, false, nil
}

func (c Chain) Put(ctx context.Context, key string, data []byte) error {
	var errs []error
	for _, cache := range c {
		if err := cache.Put(ctx, key, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
