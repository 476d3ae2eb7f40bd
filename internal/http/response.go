package http

import "tscluster/pkg/command"

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusPartial indicates an insert where some measurements failed.
	StatusPartial Status = "partial"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status Status `json:"status,omitempty"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// FailureResponse describes one failed measurement of an insert.
type FailureResponse struct {
	Index       int    `json:"index"`
	Measurement string `json:"measurement"`
	Type        string `json:"type"`
	Error       string `json:"error"`
}

// InsertResponse is the data of a POST /api/insert response.
type InsertResponse struct {
	Device   string            `json:"device"`
	Written  int               `json:"written"`
	Rounds   int               `json:"rounds"`
	Failures []FailureResponse `json:"failures,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewDataResponse(data any) Response {
	return Response{Status: StatusSuccess, Data: data}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

func newFailureResponses(failures []command.Failure) []FailureResponse {
	res := make([]FailureResponse, len(failures))
	for i, f := range failures {
		res[i] = FailureResponse{
			Index:       f.Index,
			Measurement: f.Measurement,
			Type:        f.Type.String(),
		}
		if f.Cause != nil {
			res[i].Error = f.Cause.Error()
		}
	}
	return res
}
