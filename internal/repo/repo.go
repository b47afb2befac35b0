package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"astrodb/internal/db"
	"astrodb/internal/domain"
)

// Repo holds the row-level queries. Every method runs inside a caller-owned
// transaction; the store decides transaction boundaries.
type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var ErrNotFound = errors.New("not found")

func (r Repo) q(query string) string {
	return r.Dialect.Rebind(query)
}

// NextID advances the named sequence and returns its new value. The increment
// rolls back with the surrounding transaction.
func (r Repo) NextID(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, r.q(`UPDATE id_sequence SET value=value+1 WHERE name=? RETURNING value`), name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("sequence %s missing", name)
	}
	return id, err
}

func (r Repo) InsertProposal(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO proposal(id,status,created_at,updated_at) VALUES (?,?,?,?)`),
		p.PID, int(p.Status), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) InsertTarget(ctx context.Context, tx *sql.Tx, pid int64, t domain.Target) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO target(proposal_id,tid,coord_a,coord_b,exposure_time) VALUES (?,?,?,?,?)`),
		pid, t.TID, t.Position.A, t.Position.B, t.ExposureTime)
	return err
}

func (r Repo) ProposalStatus(ctx context.Context, tx *sql.Tx, pid int64) (domain.Status, error) {
	var status int
	err := tx.QueryRowContext(ctx, r.q(`SELECT status FROM proposal WHERE id=?`), pid).Scan(&status)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return domain.Status(status), err
}

// UpdateProposalStatus applies the edge only if the row still holds from.
// It reports whether a row was changed.
func (r Repo) UpdateProposalStatus(ctx context.Context, tx *sql.Tx, pid int64, from, to domain.Status, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE proposal SET status=?, updated_at=? WHERE id=? AND status=?`),
		int(to), updatedAt, pid, int(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) GetProposal(ctx context.Context, tx *sql.Tx, pid int64) (domain.Proposal, error) {
	if pid <= 0 {
		return domain.Proposal{}, ErrNotFound
	}
	list, err := r.ListProposals(ctx, tx, ProposalFilter{PID: pid})
	if err != nil {
		return domain.Proposal{}, err
	}
	if len(list) == 0 {
		return domain.Proposal{}, ErrNotFound
	}
	return list[0], nil
}

type ProposalFilter struct {
	PID      int64
	Status   *domain.Status
	AfterPID int64
	Limit    int
}

// ListProposals returns proposals in ascending pid order with their targets
// in submission order, loaded by a single query.
func (r Repo) ListProposals(ctx context.Context, tx *sql.Tx, f ProposalFilter) ([]domain.Proposal, error) {
	var clauses []string
	var args []any
	if f.PID > 0 {
		clauses = append(clauses, "id=?")
		args = append(args, f.PID)
	}
	if f.Status != nil {
		clauses = append(clauses, "status=?")
		args = append(args, int(*f.Status))
	}
	if f.AfterPID > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.AfterPID)
	}
	inner := `SELECT id FROM proposal`
	if len(clauses) > 0 {
		inner += " WHERE " + strings.Join(clauses, " AND ")
	}
	inner += " ORDER BY id"
	if f.Limit > 0 {
		inner += " LIMIT ?"
		args = append(args, f.Limit)
	}
	query := `SELECT p.id,p.status,p.created_at,p.updated_at,t.tid,t.coord_a,t.coord_b,t.exposure_time
FROM proposal p LEFT JOIN target t ON t.proposal_id=p.id
WHERE p.id IN (` + inner + `)
ORDER BY p.id, t.id`
	rows, err := tx.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Proposal{}
	for rows.Next() {
		var (
			pid                 int64
			status              int
			createdAt, updated  string
			tid                 sql.NullString
			coordA, coordB, exp sql.NullFloat64
		)
		if err := rows.Scan(&pid, &status, &createdAt, &updated, &tid, &coordA, &coordB, &exp); err != nil {
			return nil, err
		}
		if len(res) == 0 || res[len(res)-1].PID != pid {
			res = append(res, domain.Proposal{
				PID:       pid,
				Status:    domain.Status(status),
				CreatedAt: createdAt,
				UpdatedAt: updated,
				Targets:   []domain.Target{},
			})
		}
		if tid.Valid {
			p := &res[len(res)-1]
			p.Targets = append(p.Targets, domain.Target{
				TID:          tid.String,
				Position:     domain.Position{A: coordA.Float64, B: coordB.Float64},
				ExposureTime: exp.Float64,
			})
		}
	}
	return res, rows.Err()
}

// TargetID resolves the row id of tid within proposal pid.
func (r Repo) TargetID(ctx context.Context, tx *sql.Tx, pid int64, tid string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, r.q(`SELECT id FROM target WHERE proposal_id=? AND tid=?`), pid, tid).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return id, err
}

func (r Repo) ImageExists(ctx context.Context, tx *sql.Tx, pid, targetID int64) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM image WHERE proposal_id=? AND target_id=?`), pid, targetID).Scan(&n)
	return n > 0, err
}

// ImageRow is an image as persisted. Payload is nil when URI carries the data
// or when BlobKey names the object holding it.
type ImageRow struct {
	ID          int64
	PID         int64
	TargetID    int64
	Payload     []byte
	URI         string
	BlobKey     string
	ContentType string
	Metadata    map[string]any
	CapturedAt  string
}

// StoredImage is a read image plus the key of its offloaded payload, if any.
type StoredImage struct {
	domain.Image
	BlobKey string
}

func (r Repo) InsertImage(ctx context.Context, tx *sql.Tx, img ImageRow) error {
	var meta any
	if len(img.Metadata) > 0 {
		data, err := json.Marshal(img.Metadata)
		if err != nil {
			return fmt.Errorf("marshal image metadata: %w", err)
		}
		meta = string(data)
	}
	var payload any
	if len(img.Payload) > 0 {
		payload = img.Payload
	}
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO image(id,proposal_id,target_id,payload,uri,blob_key,content_type,metadata,captured_at) VALUES (?,?,?,?,?,?,?,?,?)`),
		img.ID, img.PID, img.TargetID, payload, nullable(img.URI), nullable(img.BlobKey), nullable(img.ContentType), meta, img.CapturedAt)
	return err
}

// ListImages returns the images of pid ordered by image id.
func (r Repo) ListImages(ctx context.Context, tx *sql.Tx, pid int64) ([]StoredImage, error) {
	rows, err := tx.QueryContext(ctx, r.q(`SELECT i.id,i.proposal_id,t.tid,i.payload,i.uri,i.blob_key,i.content_type,i.metadata,i.captured_at
FROM image i JOIN target t ON t.id=i.target_id
WHERE i.proposal_id=? ORDER BY i.id`), pid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []StoredImage{}
	for rows.Next() {
		var (
			img                      domain.Image
			payload                  []byte
			uri, key, ctype, rawMeta sql.NullString
		)
		if err := rows.Scan(&img.ID, &img.PID, &img.TID, &payload, &uri, &key, &ctype, &rawMeta, &img.CapturedAt); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			img.Data = append([]byte(nil), payload...)
		}
		img.URI = uri.String
		img.ContentType = ctype.String
		if rawMeta.Valid && rawMeta.String != "" {
			if err := json.Unmarshal([]byte(rawMeta.String), &img.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of image %d: %w", img.ID, err)
			}
		}
		res = append(res, StoredImage{Image: img, BlobKey: key.String})
	}
	return res, rows.Err()
}

// BlobKeys lists the offloaded payload keys of pid's images.
func (r Repo) BlobKeys(ctx context.Context, tx *sql.Tx, pid int64) ([]string, error) {
	return r.blobKeys(ctx, tx, `SELECT blob_key FROM image WHERE blob_key IS NOT NULL AND proposal_id=? ORDER BY id`, pid)
}

// AllBlobKeys lists every offloaded payload key in the store.
func (r Repo) AllBlobKeys(ctx context.Context, tx *sql.Tx) ([]string, error) {
	return r.blobKeys(ctx, tx, `SELECT blob_key FROM image WHERE blob_key IS NOT NULL ORDER BY id`)
}

func (r Repo) blobKeys(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		res = append(res, key)
	}
	return res, rows.Err()
}

// DeleteProposal removes the proposal; targets and images follow through
// ON DELETE CASCADE.
func (r Repo) DeleteProposal(ctx context.Context, tx *sql.Tx, pid int64) error {
	res, err := tx.ExecContext(ctx, r.q(`DELETE FROM proposal WHERE id=?`), pid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAll wipes proposals, targets and images. Sequences and events stay.
func (r Repo) DeleteAll(ctx context.Context, tx *sql.Tx) (int64, error) {
	for _, stmt := range []string{`DELETE FROM image`, `DELETE FROM target`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return 0, err
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM proposal`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type EventFilter struct {
	PID      int64
	Type     string
	BeforeID int64
	Limit    int
}

// ListEvents returns events newest first.
func (r Repo) ListEvents(ctx context.Context, tx *sql.Tx, f EventFilter) ([]domain.Event, error) {
	var clauses []string
	var args []any
	if f.PID > 0 {
		clauses = append(clauses, "proposal_id=?")
		args = append(args, f.PID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.BeforeID > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.BeforeID)
	}
	query := `SELECT id,ts,type,proposal_id,entity_kind,entity_id,payload_json FROM event`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := tx.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		var pid sql.NullInt64
		var entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &pid, &e.EntityKind, &entityID, &e.Payload); err != nil {
			return nil, err
		}
		e.PID = pid.Int64
		e.EntityID = entityID.String
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
