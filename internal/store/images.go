package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"astrodb/internal/blob"
	"astrodb/internal/domain"
	"astrodb/internal/events"
	"astrodb/internal/repo"
)

// StoreImage attaches an image to target tid of proposal pid and returns the
// new image id. Checks run in order: proposal exists, target exists, proposal
// is Ready (unless the write gate is disabled), no image yet for the pair.
func (s *Store) StoreImage(ctx context.Context, pid int64, tid string, in domain.ImageInput) (oid int64, err error) {
	start := time.Now()
	defer func() { s.observe("store_image", start, err) }()

	if err := domain.ValidateImageInput(in); err != nil {
		return 0, invalid("image for %s/%s: %v", proposalRef(pid), tid, err)
	}
	row := repo.ImageRow{
		PID:         pid,
		Payload:     in.Data,
		URI:         in.URI,
		ContentType: in.ContentType,
		Metadata:    in.Metadata,
		CapturedAt:  in.CapturedAt,
	}
	if row.CapturedAt == "" {
		row.CapturedAt = s.timestamp()
	}

	if s.blobs != nil && len(in.Data) > 0 {
		key := fmt.Sprintf("proposals/%d/%s", pid, uuid.NewString())
		opts := blob.PutOptions{ContentType: in.ContentType, Metadata: map[string]string{"pid": events.EntityID(pid), "tid": tid}}
		if _, err := s.blobs.Put(ctx, key, bytes.NewReader(in.Data), opts); err != nil {
			return 0, storageErr("blob put", err)
		}
		defer func() {
			if err == nil {
				return
			}
			// The row never committed; drop the orphaned object.
			if _, derr := s.blobs.Delete(context.WithoutCancel(ctx), key); derr != nil {
				s.log.Warn("blob cleanup failed", "key", key, "error", derr)
			}
		}()
		row.Payload = nil
		row.URI = blob.URI(key)
		row.BlobKey = key
	}

	tx, err := s.beginWrite(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	status, err := s.repo.ProposalStatus(ctx, tx, pid)
	if err != nil {
		return 0, s.mapRowErr("read status", err, proposalRef(pid))
	}
	targetID, err := s.repo.TargetID(ctx, tx, pid, tid)
	if err != nil {
		return 0, s.mapRowErr("read target", err, fmt.Sprintf("target %q in %s", tid, proposalRef(pid)))
	}
	if s.requireReady && status != domain.StatusReady {
		return 0, fmt.Errorf("%w: %s is %s", ErrNotReady, proposalRef(pid), status)
	}
	exists, err := s.repo.ImageExists(ctx, tx, pid, targetID)
	if err != nil {
		return 0, storageErr("read image", err)
	}
	if exists {
		return 0, conflict("image for target %q in %s", tid, proposalRef(pid))
	}

	oid, err = s.repo.NextID(ctx, tx, seqImage)
	if err != nil {
		return 0, storageErr("allocate image id", err)
	}
	row.ID = oid
	row.TargetID = targetID
	if err := s.repo.InsertImage(ctx, tx, row); err != nil {
		return 0, s.mapRowErr("insert image", err, fmt.Sprintf("image for target %q in %s", tid, proposalRef(pid)))
	}
	payload := events.EventPayload{"tid": tid, "offloaded": s.blobs != nil && len(in.Data) > 0}
	if err := s.events.Append(ctx, tx, events.ImageStored, pid, "image", events.EntityID(oid), payload); err != nil {
		return 0, storageErr("append event", err)
	}
	if err := s.commit(tx); err != nil {
		return 0, err
	}
	s.log.Info("image stored", "pid", pid, "tid", tid, "oid", oid)
	return oid, nil
}

// GetImages returns the images of a Ready proposal ordered by image id.
// Proposals that are not Ready fail with ErrNotReady.
func (s *Store) GetImages(ctx context.Context, pid int64) (images []domain.Image, err error) {
	start := time.Now()
	defer func() { s.observe("get_images", start, err) }()

	tx, err := s.beginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	status, err := s.repo.ProposalStatus(ctx, tx, pid)
	if err != nil {
		return nil, s.mapRowErr("read status", err, proposalRef(pid))
	}
	if status != domain.StatusReady {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotReady, proposalRef(pid), status)
	}
	stored, err := s.repo.ListImages(ctx, tx, pid)
	if err != nil {
		return nil, storageErr("list images", err)
	}
	if err := s.commit(tx); err != nil {
		return nil, err
	}
	images, err = s.loadOffloaded(ctx, stored)
	if err != nil {
		return nil, err
	}
	s.log.Debug("images read", "pid", pid, "count", len(images))
	return images, nil
}

// loadOffloaded fills in payloads kept in the blob store. Only keys the store
// recorded itself are fetched; caller URIs are returned untouched.
func (s *Store) loadOffloaded(ctx context.Context, stored []repo.StoredImage) ([]domain.Image, error) {
	images := make([]domain.Image, 0, len(stored))
	for _, si := range stored {
		img := si.Image
		if si.BlobKey != "" {
			if s.blobs == nil {
				return nil, storageErr("blob get", fmt.Errorf("image %d is offloaded but no blob store is configured", img.ID))
			}
			data, err := blob.ReadAll(ctx, s.blobs, si.BlobKey)
			if errors.Is(err, blob.ErrNotFound) {
				return nil, storageErr("blob get", fmt.Errorf("image %d: payload missing: %w", img.ID, err))
			}
			if err != nil {
				return nil, storageErr("blob get", err)
			}
			img.Data = data
			img.URI = ""
		}
		images = append(images, img)
	}
	return images, nil
}
