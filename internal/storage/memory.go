package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/visiodeibc/omnirelay/internal/jobs"
	"github.com/visiodeibc/omnirelay/internal/session"
)

// Memory implements Store with in-process maps. It mirrors the Postgres
// semantics closely enough that worker and gateway tests can run against
// it unchanged.
type Memory struct {
	mu          sync.RWMutex
	jobs        map[string]*jobs.Job
	order       []string
	sessions    map[string]*session.Session
	sessionKeys map[sessionKey]string
	memories    map[string][]session.Memory
	lastCreated time.Time
}

type sessionKey struct {
	platform string
	userID   string
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		jobs:        make(map[string]*jobs.Job),
		sessions:    make(map[string]*session.Session),
		sessionKeys: make(map[sessionKey]string),
		memories:    make(map[string][]session.Memory),
	}
}

// nextCreated returns a strictly increasing timestamp so FIFO ordering and
// cursor pagination stay deterministic even for same-instant inserts.
// Callers must hold the write lock.
func (s *Memory) nextCreated() time.Time {
	now := time.Now().UTC()
	if !now.After(s.lastCreated) {
		now = s.lastCreated.Add(time.Microsecond)
	}
	s.lastCreated = now
	return now
}

func cloneJob(j *jobs.Job) *jobs.Job {
	c := *j
	if j.RunAfter != nil {
		t := *j.RunAfter
		c.RunAfter = &t
	}
	if j.ProcessedAt != nil {
		t := *j.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}

func cloneSession(sess *session.Session) *session.Session {
	c := *sess
	if sess.LastMessageAt != nil {
		t := *sess.LastMessageAt
		c.LastMessageAt = &t
	}
	return &c
}

func (s *Memory) InsertJob(ctx context.Context, in jobs.NewJob) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nextCreated()
	job := &jobs.Job{
		ID:          uuid.New().String(),
		Type:        in.Type,
		Status:      jobs.StatusQueued,
		Payload:     in.Payload,
		Platform:    in.Platform,
		ChatID:      in.ChatID,
		SessionID:   in.SessionID,
		ParentJobID: in.ParentJobID,
		MaxAttempts: in.MaxAttempts,
		RunAfter:    in.RunAfter,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = jobs.DefaultMaxAttempts
	}

	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)

	return cloneJob(job), nil
}

func (s *Memory) GetJob(ctx context.Context, jobID string) (*jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *Memory) ListJobs(ctx context.Context, filter JobFilter) ([]jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.PageSize + 1
	list := make([]jobs.Job, 0, limit)

	// Newest first, matching the (created_at, id) DESC order of Postgres.
	for i := len(s.order) - 1; i >= 0 && len(list) < limit; i-- {
		job := s.jobs[s.order[i]]

		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		if filter.Platform != "" && job.Platform != filter.Platform {
			continue
		}
		if filter.SessionID != "" && job.SessionID != filter.SessionID {
			continue
		}
		if c := filter.Cursor; c != nil && !beforeCursor(job, c) {
			continue
		}

		list = append(list, *cloneJob(job))
	}

	return list, nil
}

func beforeCursor(job *jobs.Job, c *JobCursor) bool {
	if job.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return job.CreatedAt.Equal(c.CreatedAt) && job.ID < c.JobID
}

func (s *Memory) FetchQueued(ctx context.Context, limit int) ([]jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	list := make([]jobs.Job, 0, limit)

	for _, id := range s.order {
		if len(list) >= limit {
			break
		}
		job := s.jobs[id]
		if job.Status != jobs.StatusQueued {
			continue
		}
		if job.RunAfter != nil && job.RunAfter.After(now) {
			continue
		}
		list = append(list, *cloneJob(job))
	}

	return list, nil
}

func (s *Memory) TryClaim(ctx context.Context, jobID, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.Status != jobs.StatusQueued {
		return false, nil
	}

	job.Status = jobs.StatusProcessing
	job.ClaimedBy = workerID
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *Memory) UpdateJob(ctx context.Context, jobID string, update jobs.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return jobs.ErrNotFound
	}

	now := time.Now().UTC()
	job.UpdatedAt = now

	if update.Status != nil {
		job.Status = *update.Status

		switch job.Status {
		case jobs.StatusCompleted, jobs.StatusFailed:
			t := now
			job.ProcessedAt = &t
		case jobs.StatusQueued:
			job.ClaimedBy = ""
		}
	}

	if update.Result != nil {
		job.Result = update.Result
	}
	if update.Error != nil {
		job.Error = *update.Error
	}
	if update.Attempts != nil {
		job.Attempts = *update.Attempts
	}
	if update.RunAfter != nil {
		t := *update.RunAfter
		job.RunAfter = &t
	}

	return nil
}

func (s *Memory) CountStaleProcessing(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-olderThan)
	count := 0
	for _, job := range s.jobs {
		if job.Status == jobs.StatusProcessing && job.UpdatedAt.Before(cutoff) {
			count++
		}
	}
	return count, nil
}

func (s *Memory) EnsureSession(ctx context.Context, in session.Ensure) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	key := sessionKey{platform: in.Platform, userID: in.PlatformUserID}

	if id, ok := s.sessionKeys[key]; ok {
		sess := s.sessions[id]
		if in.PlatformChatID != "" {
			sess.PlatformChatID = in.PlatformChatID
		}
		t := now
		sess.LastMessageAt = &t
		sess.UpdatedAt = now
		return cloneSession(sess), nil
	}

	t := now
	sess := &session.Session{
		ID:             uuid.New().String(),
		Platform:       in.Platform,
		PlatformUserID: in.PlatformUserID,
		PlatformChatID: in.PlatformChatID,
		LastMessageAt:  &t,
		Metadata:       in.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.sessions[sess.ID] = sess
	s.sessionKeys[key] = sess.ID

	return cloneSession(sess), nil
}

func (s *Memory) GetSession(ctx context.Context, platform, platformUserID string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.sessionKeys[sessionKey{platform: platform, userID: platformUserID}]
	if !ok {
		return nil, session.ErrNotFound
	}
	return cloneSession(s.sessions[id]), nil
}

func (s *Memory) GetSessionByID(ctx context.Context, sessionID string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, session.ErrNotFound
	}
	return cloneSession(sess), nil
}

func (s *Memory) AppendSessionMemory(ctx context.Context, mem session.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[mem.SessionID]; !ok {
		return session.ErrNotFound
	}

	s.memories[mem.SessionID] = append(s.memories[mem.SessionID], mem)
	return nil
}

// SessionMemories returns the recorded entries for a session, used by tests.
func (s *Memory) SessionMemories(sessionID string) []session.Memory {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]session.Memory, len(s.memories[sessionID]))
	copy(list, s.memories[sessionID])
	return list
}
