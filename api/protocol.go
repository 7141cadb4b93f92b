package api

import "github.com/amelbenhazem/task-ws-api/domain"

const maxBodySize = 64 * 1024 // 64 KiB

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerIfMatch        = "If-Match"
)

type errorResponse = domain.ErrorBody

// DELETE /api/tasks/{id} response body
type deleteResponse struct {
	Message string `json:"message"`
	ID      string `json:"id"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}
