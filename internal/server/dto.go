package server

import (
	"astrodb/internal/domain"
)

// Request payloads

type PositionBody struct {
	A float64 `json:"a" doc:"First coordinate (for example right ascension)"`
	B float64 `json:"b" doc:"Second coordinate (for example declination)"`
}

type TargetBody struct {
	TID          string       `json:"tid" minLength:"1" maxLength:"128" example:"m42"`
	Position     PositionBody `json:"position"`
	ExposureTime float64      `json:"exposure_time" minimum:"0" example:"30"`
}

type SubmitProposalRequest struct {
	Targets []TargetBody `json:"targets"`
}

type SetStatusRequest struct {
	Status string `json:"status" enum:"queued,running,ready"`
}

type StoreImageRequest struct {
	Data        []byte         `json:"data,omitempty" doc:"Base64 encoded image payload"`
	URI         string         `json:"uri,omitempty" doc:"Location of externally stored image data"`
	ContentType string         `json:"content_type,omitempty" example:"image/fits"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CapturedAt  string         `json:"captured_at,omitempty" format:"date-time"`
}

// Responses

type ProposalResponse struct {
	PID        int64        `json:"pid"`
	Status     string       `json:"status" enum:"queued,running,ready"`
	StatusCode int          `json:"status_code" enum:"0,1,2"`
	CreatedAt  string       `json:"created_at"`
	UpdatedAt  string       `json:"updated_at"`
	Targets    []TargetBody `json:"targets"`
}

type SubmitProposalResponse struct {
	PID    int64  `json:"pid"`
	Status string `json:"status"`
}

type StatusResponse struct {
	PID        int64  `json:"pid"`
	Status     string `json:"status" enum:"queued,running,ready"`
	StatusCode int    `json:"status_code" enum:"0,1,2"`
}

type ImageResponse struct {
	ID          int64          `json:"id"`
	PID         int64          `json:"pid"`
	TID         string         `json:"tid"`
	Data        []byte         `json:"data,omitempty"`
	URI         string         `json:"uri,omitempty"`
	ContentType string         `json:"content_type,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CapturedAt  string         `json:"captured_at"`
}

type StoreImageResponse struct {
	ID  int64  `json:"id"`
	PID int64  `json:"pid"`
	TID string `json:"tid"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	PID        int64  `json:"pid,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

type proposalList struct {
	Items      []ProposalResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type imageList struct {
	Items []ImageResponse `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func targetsFromBody(in []TargetBody) []domain.Target {
	out := make([]domain.Target, 0, len(in))
	for _, t := range in {
		out = append(out, domain.Target{
			TID:          t.TID,
			Position:     domain.Position{A: t.Position.A, B: t.Position.B},
			ExposureTime: t.ExposureTime,
		})
	}
	return out
}

func proposalResponse(p domain.Proposal) ProposalResponse {
	resp := ProposalResponse{
		PID:        p.PID,
		Status:     p.Status.String(),
		StatusCode: int(p.Status),
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
		Targets:    make([]TargetBody, 0, len(p.Targets)),
	}
	for _, t := range p.Targets {
		resp.Targets = append(resp.Targets, TargetBody{
			TID:          t.TID,
			Position:     PositionBody{A: t.Position.A, B: t.Position.B},
			ExposureTime: t.ExposureTime,
		})
	}
	return resp
}

func statusResponse(pid int64, s domain.Status) StatusResponse {
	return StatusResponse{PID: pid, Status: s.String(), StatusCode: int(s)}
}

func imageResponse(img domain.Image) ImageResponse {
	return ImageResponse(img)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse(e)
}
