package session

import (
	"context"
	"errors"

	"github.com/digkill/mediaroute/internal/models"
)

// ErrNotFound is returned by operations that require an existing session.
var ErrNotFound = errors.New("session not found")

// Store tracks per-conversation working media and uploads with TTL
// eviction. Per-session updates are linearizable: replacing working
// media is atomic, so the last committed writer wins with no torn state.
type Store interface {
	// Create starts a new session owned by userID.
	Create(ctx context.Context, userID int64) (*models.Session, error)

	// Get returns the session, or nil when it is missing or expired.
	// The returned snapshot stays valid for the caller even if the
	// session expires afterwards.
	Get(ctx context.Context, id string) (*models.Session, error)

	// SetWorkingMedia atomically replaces the session's working media
	// and refreshes its TTL.
	SetWorkingMedia(ctx context.Context, id string, media models.MediaRef) error

	// AppendUploads records media uploaded within the conversation.
	AppendUploads(ctx context.Context, id string, uploads []models.MediaRef) error

	// Touch refreshes the session's TTL.
	Touch(ctx context.Context, id string) error

	// Delete destroys the session. Deleting a missing session is a no-op.
	Delete(ctx context.Context, id string) error
}

// ResolveContinuity picks the media a request edits. Priority order:
// explicit working media on the request, the session's stored working
// media, the most recently uploaded media on the request, then none.
func ResolveContinuity(req models.GenerationRequest, sess *models.Session) (*models.MediaRef, models.ImageSourceType) {
	if req.CurrentWorkingMedia != nil {
		return req.CurrentWorkingMedia, models.SourceExplicit
	}
	if sess != nil && sess.WorkingMedia != nil {
		return sess.WorkingMedia, models.SourceSession
	}
	if len(req.UploadedMedia) > 0 {
		last := req.UploadedMedia[len(req.UploadedMedia)-1]
		return &last, models.SourceUpload
	}
	return nil, models.SourceNone
}
