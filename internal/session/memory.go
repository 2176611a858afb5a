package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/mediaroute/internal/models"
)

// MemoryStore keeps sessions in-process with TTL-based eviction checked
// on access. Expiry never retroactively invalidates a snapshot a request
// already holds.
type MemoryStore struct {
	mu       sync.RWMutex
	ttl      time.Duration
	sessions map[string]*models.Session
	now      func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryStore{
		ttl:      ttl,
		sessions: make(map[string]*models.Session),
		now:      time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, userID int64) (*models.Session, error) {
	now := s.now()
	sess := &models.Session{
		ID:            uuid.NewString(),
		UserID:        userID,
		CreatedAt:     now,
		LastTouchedAt: now,
		TTL:           s.ttl,
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return copySession(sess), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.live(id)
	if sess == nil {
		return nil, nil
	}
	return copySession(sess), nil
}

func (s *MemoryStore) SetWorkingMedia(ctx context.Context, id string, media models.MediaRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.live(id)
	if sess == nil {
		return ErrNotFound
	}
	m := media
	sess.WorkingMedia = &m
	sess.LastTouchedAt = s.now()
	return nil
}

func (s *MemoryStore) AppendUploads(ctx context.Context, id string, uploads []models.MediaRef) error {
	if len(uploads) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.live(id)
	if sess == nil {
		return ErrNotFound
	}
	sess.UploadedMedia = append(sess.UploadedMedia, uploads...)
	sess.LastTouchedAt = s.now()
	return nil
}

func (s *MemoryStore) Touch(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.live(id)
	if sess == nil {
		return ErrNotFound
	}
	sess.LastTouchedAt = s.now()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return nil
}

// live returns the stored session, evicting it if the TTL elapsed.
// Callers hold s.mu.
func (s *MemoryStore) live(id string) *models.Session {
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	if s.now().Sub(sess.LastTouchedAt) > s.ttl {
		delete(s.sessions, id)
		return nil
	}
	return sess
}

func copySession(sess *models.Session) *models.Session {
	c := *sess
	if sess.WorkingMedia != nil {
		m := *sess.WorkingMedia
		c.WorkingMedia = &m
	}
	c.UploadedMedia = append([]models.MediaRef(nil), sess.UploadedMedia...)
	return &c
}
