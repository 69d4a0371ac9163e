package http

import "membuf/pkg/engine"

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Item is one key-value pair of a scan result. Keys and values are
// arbitrary bytes and travel base64 encoded.
type Item struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

// Response represents the standard API response format.
type Response struct {
	Status Status        `json:"status,omitempty"`
	Key    string        `json:"key,omitempty"`
	Value  []byte        `json:"value,omitzero"`
	Items  []Item        `json:"items,omitempty"`
	Stats  *engine.Stats `json:"stats,omitempty"`
	Error  string        `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

// NewValueResponse keeps an empty value in the output so it is
// distinguishable from a missing one.
func NewValueResponse(key string, value []byte) Response {
	if value == nil {
		value = []byte{}
	}
	return Response{Status: StatusSuccess, Key: key, Value: value}
}

func NewItemsResponse(items []Item) Response {
	return Response{Status: StatusSuccess, Items: items}
}

func NewStatsResponse(stats engine.Stats) Response {
	return Response{Status: StatusSuccess, Stats: &stats}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
