// Package shm models the shared region workers and callers attach to: a
// directory of segments addressed by magic number, each holding a table of
// contents of numbered entries.
package shm

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrSegmentExists   = errors.New("segment already exists")
	ErrSegmentNotFound = errors.New("segment not found")
	ErrKeyExists       = errors.New("toc key already in use")
	ErrKeyNotFound     = errors.New("toc key not found")
)

// Segment is one shared region with its table of contents.
type Segment struct {
	magic uint64
	mu    sync.RWMutex
	toc   map[uint64]any
}

// Magic returns the key the segment was created under.
func (s *Segment) Magic() uint64 { return s.magic }

// Insert publishes v under key.
func (s *Segment) Insert(key uint64, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.toc[key]; ok {
		return fmt.Errorf("%w: %d", ErrKeyExists, key)
	}
	s.toc[key] = v
	return nil
}

// Lookup returns the entry published under key.
func (s *Segment) Lookup(key uint64) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.toc[key]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrKeyNotFound, key)
	}
	return v, nil
}

// LookupAs returns the entry under key as a T.
func LookupAs[T any](s *Segment, key uint64) (T, error) {
	var zero T
	v, err := s.Lookup(key)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("toc key %d holds %T, want %T", key, v, zero)
	}
	return t, nil
}

// Directory holds the segments of one server.
type Directory struct {
	mu       sync.Mutex
	segments map[uint64]*Segment
}

func NewDirectory() *Directory {
	return &Directory{segments: make(map[uint64]*Segment)}
}

// Create makes a new empty segment under magic.
func (d *Directory) Create(magic uint64) (*Segment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.segments[magic]; ok {
		return nil, fmt.Errorf("%w: %#x", ErrSegmentExists, magic)
	}
	s := &Segment{magic: magic, toc: make(map[uint64]any)}
	d.segments[magic] = s
	return s, nil
}

// Attach returns the segment created under magic.
func (d *Directory) Attach(magic uint64) (*Segment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.segments[magic]
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrSegmentNotFound, magic)
	}
	return s, nil
}

// Remove drops the segment under magic. Attached users keep their pointer.
func (d *Directory) Remove(magic uint64) {
	d.mu.Lock()
	delete(d.segments, magic)
	d.mu.Unlock()
}
