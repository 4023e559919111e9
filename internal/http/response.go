package http

import "caskdb/pkg/engine"

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status Status        `json:"status,omitempty"`
	Value  *string       `json:"value,omitempty"`
	Error  string        `json:"error,omitempty"`
	Stats  *StatsPayload `json:"stats,omitempty"`
}

// StatsPayload is engine.Stats plus a human-readable disk size.
type StatsPayload struct {
	engine.Stats
	Disk string `json:"disk"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

// NewValueResponse keeps empty values in the payload.
func NewValueResponse(value string) Response {
	return Response{Status: StatusSuccess, Value: &value}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

func NewStatsResponse(st engine.Stats, disk string) Response {
	return Response{Status: StatusSuccess, Stats: &StatsPayload{Stats: st, Disk: disk}}
}
