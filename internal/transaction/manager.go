// Package transaction scopes storage transactions to a single worker.
package transaction

import (
	"fmt"

	"keydict/internal/logger"
	"keydict/internal/storage"
)

// Scope holds the ambient transaction of one worker. It is not safe for
// concurrent use; each worker owns its own Scope.
type Scope struct {
	engine *storage.Engine
	tx     *storage.Tx
}

// NewScope returns a scope with no transaction in progress.
func NewScope(engine *storage.Engine) *Scope {
	return &Scope{engine: engine}
}

// InProgress reports whether an ambient transaction exists.
func (s *Scope) InProgress() bool { return s.tx.Active() }

// Tx returns the ambient transaction, starting one if none exists.
func (s *Scope) Tx() *storage.Tx {
	if s.tx.Active() {
		return s.tx
	}
	s.tx = s.engine.Begin()
	logger.Debug("transaction: start xid %d", s.tx.XID())
	return s.tx
}

// Finish commits the ambient transaction if there is one.
func (s *Scope) Finish() error {
	if !s.tx.Active() {
		s.tx = nil
		return nil
	}
	tx := s.tx
	s.tx = nil
	logger.Debug("transaction: commit xid %d", tx.XID())
	return tx.Commit()
}

// Abort rolls back the ambient transaction if there is one.
func (s *Scope) Abort() {
	if s.tx.Active() {
		logger.Debug("transaction: abort xid %d", s.tx.XID())
		s.tx.Abort()
	}
	s.tx = nil
}

// Run executes fn inside the ambient transaction, beginning one lazily, and
// commits on success or aborts on error. No transaction outlives Run unless
// one was already in progress when Run was called.
func (s *Scope) Run(fn func(tx *storage.Tx) error) error {
	outer := s.InProgress()
	tx := s.Tx()

	defer func() {
		if r := recover(); r != nil {
			s.Abort()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if !outer {
			s.Abort()
		}
		return err
	}
	if outer {
		return nil
	}
	if err := s.Finish(); err != nil {
		return fmt.Errorf("finish transaction: %w", err)
	}
	return nil
}
