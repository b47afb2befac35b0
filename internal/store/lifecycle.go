package store

import (
	"context"
	"errors"
	"time"

	"astrodb/internal/domain"
	"astrodb/internal/events"
	"astrodb/internal/repo"
)

// ensureTransition allows only Queued->Running and Running->Ready.
func ensureTransition(pid int64, from, to domain.Status) error {
	switch from {
	case domain.StatusQueued:
		if to == domain.StatusRunning {
			return nil
		}
	case domain.StatusRunning:
		if to == domain.StatusReady {
			return nil
		}
	}
	return &TransitionError{PID: pid, Current: from, To: to}
}

// SetStatus advances pid to the given status. The update is conditional on
// the status read in the same transaction, so of two racing callers applying
// the same edge exactly one succeeds.
func (s *Store) SetStatus(ctx context.Context, pid int64, to domain.Status) (err error) {
	start := time.Now()
	defer func() { s.observe("set_status", start, err) }()

	tx, err := s.beginWrite(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	from, err := s.repo.ProposalStatus(ctx, tx, pid)
	if err != nil {
		return s.mapRowErr("read status", err, proposalRef(pid))
	}
	if !to.Valid() {
		return invalid("unknown status %d", int(to))
	}
	if err := ensureTransition(pid, from, to); err != nil {
		return err
	}
	ok, err := s.repo.UpdateProposalStatus(ctx, tx, pid, from, to, s.timestamp())
	if err != nil {
		return storageErr("update status", err)
	}
	if !ok {
		current, err := s.repo.ProposalStatus(ctx, tx, pid)
		if errors.Is(err, repo.ErrNotFound) {
			return notFound("%s", proposalRef(pid))
		}
		if err != nil {
			return storageErr("read status", err)
		}
		return &TransitionError{PID: pid, Current: current, To: to}
	}
	payload := events.EventPayload{"from": from.String(), "to": to.String()}
	if err := s.events.Append(ctx, tx, events.ProposalStatusChanged, pid, "proposal", events.EntityID(pid), payload); err != nil {
		return storageErr("append event", err)
	}
	if err := s.commit(tx); err != nil {
		return err
	}
	s.log.Info("proposal status changed", "pid", pid, "from", from.String(), "to", to.String())
	return nil
}
