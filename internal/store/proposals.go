package store

import (
	"context"
	"time"

	"astrodb/internal/domain"
	"astrodb/internal/events"
	"astrodb/internal/repo"
)

// SubmitProposal stores a new Queued proposal with its targets and returns the
// assigned pid. Either everything is written or nothing is.
func (s *Store) SubmitProposal(ctx context.Context, targets []domain.Target) (pid int64, err error) {
	start := time.Now()
	defer func() { s.observe("submit_proposal", start, err) }()

	if err := checkTargets(targets); err != nil {
		return 0, err
	}
	tx, err := s.beginWrite(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	pid, err = s.repo.NextID(ctx, tx, seqProposal)
	if err != nil {
		return 0, storageErr("allocate pid", err)
	}
	now := s.timestamp()
	p := domain.Proposal{PID: pid, Status: domain.StatusQueued, CreatedAt: now, UpdatedAt: now}
	if err := s.repo.InsertProposal(ctx, tx, p); err != nil {
		return 0, s.mapRowErr("insert proposal", err, "proposal")
	}
	tids := make([]string, 0, len(targets))
	for _, t := range targets {
		if err := s.repo.InsertTarget(ctx, tx, pid, t); err != nil {
			return 0, s.mapRowErr("insert target", err, "target "+t.TID)
		}
		tids = append(tids, t.TID)
	}
	if err := s.events.Append(ctx, tx, events.ProposalSubmitted, pid, "proposal", events.EntityID(pid), events.EventPayload{"targets": tids}); err != nil {
		return 0, storageErr("append event", err)
	}
	if err := s.commit(tx); err != nil {
		return 0, err
	}
	s.log.Info("proposal submitted", "pid", pid, "targets", len(targets))
	return pid, nil
}

func checkTargets(targets []domain.Target) error {
	seen := make(map[string]struct{}, len(targets))
	for i, t := range targets {
		if err := domain.ValidateTarget(t); err != nil {
			return invalid("target %d: %v", i, err)
		}
		if _, dup := seen[t.TID]; dup {
			return conflict("duplicate tid %q in proposal", t.TID)
		}
		seen[t.TID] = struct{}{}
	}
	return nil
}

// GetStatus returns the current status of pid.
func (s *Store) GetStatus(ctx context.Context, pid int64) (status domain.Status, err error) {
	start := time.Now()
	defer func() { s.observe("get_status", start, err) }()

	tx, err := s.beginRead(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	status, err = s.repo.ProposalStatus(ctx, tx, pid)
	if err != nil {
		return 0, s.mapRowErr("read status", err, proposalRef(pid))
	}
	return status, s.commit(tx)
}

// GetProposal returns pid with its targets in submission order.
func (s *Store) GetProposal(ctx context.Context, pid int64) (p domain.Proposal, err error) {
	start := time.Now()
	defer func() { s.observe("get_proposal", start, err) }()

	tx, err := s.beginRead(ctx)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()
	p, err = s.repo.GetProposal(ctx, tx, pid)
	if err != nil {
		return domain.Proposal{}, s.mapRowErr("read proposal", err, proposalRef(pid))
	}
	s.log.Debug("proposal read", "pid", pid)
	return p, s.commit(tx)
}

// ListQueuedProposals returns every Queued proposal, ascending by pid, read
// from a single snapshot.
func (s *Store) ListQueuedProposals(ctx context.Context) (list []domain.Proposal, err error) {
	start := time.Now()
	defer func() { s.observe("list_queued", start, err) }()

	queued := domain.StatusQueued
	return s.listProposals(ctx, repo.ProposalFilter{Status: &queued})
}

type ProposalFilter struct {
	Status   *domain.Status
	AfterPID int64
	Limit    int
}

// ListProposals pages through proposals in ascending pid order.
func (s *Store) ListProposals(ctx context.Context, f ProposalFilter) (list []domain.Proposal, err error) {
	start := time.Now()
	defer func() { s.observe("list_proposals", start, err) }()

	if f.Limit < 0 || f.AfterPID < 0 {
		return nil, invalid("limit and after must not be negative")
	}
	if f.Status != nil && !f.Status.Valid() {
		return nil, invalid("unknown status %d", int(*f.Status))
	}
	return s.listProposals(ctx, repo.ProposalFilter{Status: f.Status, AfterPID: f.AfterPID, Limit: f.Limit})
}

func (s *Store) listProposals(ctx context.Context, f repo.ProposalFilter) ([]domain.Proposal, error) {
	tx, err := s.beginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	list, err := s.repo.ListProposals(ctx, tx, f)
	if err != nil {
		return nil, storageErr("list proposals", err)
	}
	s.log.Debug("proposals listed", "count", len(list))
	return list, s.commit(tx)
}

// RemoveProposal deletes pid with its targets and images. Unknown pids fail
// with ErrNotFound.
func (s *Store) RemoveProposal(ctx context.Context, pid int64) (err error) {
	start := time.Now()
	defer func() { s.observe("remove_proposal", start, err) }()

	if pid <= 0 {
		return notFound("%s", proposalRef(pid))
	}
	tx, err := s.beginWrite(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	keys, err := s.repo.BlobKeys(ctx, tx, pid)
	if err != nil {
		return storageErr("list blob keys", err)
	}
	if err := s.repo.DeleteProposal(ctx, tx, pid); err != nil {
		return s.mapRowErr("delete proposal", err, proposalRef(pid))
	}
	if err := s.events.Append(ctx, tx, events.ProposalRemoved, pid, "proposal", events.EntityID(pid), nil); err != nil {
		return storageErr("append event", err)
	}
	if err := s.commit(tx); err != nil {
		return err
	}
	s.deleteBlobs(ctx, keys)
	s.log.Info("proposal removed", "pid", pid)
	return nil
}

// Clean removes every proposal, target and image. Identity sequences keep
// their position so ids are never handed out twice.
func (s *Store) Clean(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { s.observe("clean", start, err) }()

	tx, err := s.beginWrite(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	keys, err := s.repo.AllBlobKeys(ctx, tx)
	if err != nil {
		return storageErr("list blob keys", err)
	}
	n, err := s.repo.DeleteAll(ctx, tx)
	if err != nil {
		return storageErr("clean", err)
	}
	if err := s.events.Append(ctx, tx, events.StoreCleaned, 0, "store", "", events.EventPayload{"proposals": n}); err != nil {
		return storageErr("append event", err)
	}
	if err := s.commit(tx); err != nil {
		return err
	}
	s.deleteBlobs(ctx, keys)
	s.log.Info("store cleaned", "proposals", n)
	return nil
}

type EventFilter struct {
	PID      int64
	Type     string
	BeforeID int64
	Limit    int
}

// Events returns the audit log, newest first.
func (s *Store) Events(ctx context.Context, f EventFilter) (list []domain.Event, err error) {
	start := time.Now()
	defer func() { s.observe("events", start, err) }()

	if f.Limit < 0 || f.BeforeID < 0 {
		return nil, invalid("limit and before must not be negative")
	}
	tx, err := s.beginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	list, err = s.repo.ListEvents(ctx, tx, repo.EventFilter{PID: f.PID, Type: f.Type, BeforeID: f.BeforeID, Limit: f.Limit})
	if err != nil {
		return nil, storageErr("list events", err)
	}
	return list, s.commit(tx)
}

func proposalRef(pid int64) string {
	return "proposal " + events.EntityID(pid)
}
