package repository

import "errors"

// ErrGroupNotFound is returned when an inventory group does not exist in
// the durable store. Handlers translate it into an HTTP 404 response.
var ErrGroupNotFound = errors.New("inventory group not found")
