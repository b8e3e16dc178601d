package common

import "errors"

type ApiContextKeyType string

// ErrNotFound is answered with 404 by the dispatcher.
var ErrNotFound = errors.New("not found")

type BasicResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
}

type StringResponse struct {
	Value string `json:"value"`
}
