package history

import (
	"errors"
	"fmt"
	"sync"
)

// Tee writes to a primary store and an archive, reading from the primary.
// The archive's indexes follow the primary's.
type Tee struct {
	mu      sync.Mutex
	primary Store
	archive Store
}

// NewTee combines primary and archive.
func NewTee(primary, archive Store) *Tee {
	return &Tee{primary: primary, archive: archive}
}

func (t *Tee) Append(step Step) (Step, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	stored, err := t.primary.Append(step)
	if err != nil {
		return Step{}, err
	}
	// Align the archive with the primary's index after truncation.
	if err := t.archive.Truncate(stored.RunID, stored.Index-1); err != nil {
		return stored, fmt.Errorf("archive: %w", err)
	}
	if _, err := t.archive.Append(stored); err != nil {
		return stored, fmt.Errorf("archive: %w", err)
	}
	return stored, nil
}

func (t *Tee) List(runID string) ([]Step, error) { return t.primary.List(runID) }

func (t *Tee) Get(runID string, index int) (Step, error) { return t.primary.Get(runID, index) }

func (t *Tee) Truncate(runID string, last int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return errors.Join(t.primary.Truncate(runID, last), t.archive.Truncate(runID, last))
}

func (t *Tee) DeleteRun(runID string) error {
	return errors.Join(t.primary.DeleteRun(runID), t.archive.DeleteRun(runID))
}

func (t *Tee) Close() error {
	return errors.Join(t.primary.Close(), t.archive.Close())
}
