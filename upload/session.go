package upload

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an upload session.
type Status string

const (
	// StatusQueued ...
	StatusQueued Status = "queued"
	// StatusUploading ...
	StatusUploading Status = "uploading"
	// StatusProcessing ...
	StatusProcessing Status = "processing"
	// StatusCompleted ...
	StatusCompleted Status = "completed"
	// StatusFailed ...
	StatusFailed Status = "failed"
	// StatusCancelled ...
	StatusCancelled Status = "cancelled"
)

// allowedTransitions encodes the legal lifecycle moves. Anything not listed
// here is rejected, so a terminal session can never start uploading again.
var allowedTransitions = map[Status][]Status{
	StatusQueued:     {StatusUploading, StatusCancelled, StatusFailed},
	StatusUploading:  {StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return len(allowedTransitions[s]) == 0
}

// Session tracks one upload attempt of one file. It lives for the duration
// of the attempt only, there is no persistence across restarts.
type Session struct {
	ID       string
	FileName string
	FileSize int64
	MimeType string

	mu               sync.Mutex
	status           Status
	progressPercent  int
	objectKey        string
	providerUploadID string
	err              error
}

// NewSession ...
func NewSession(fileName string, fileSize int64, mimeType string) *Session {
	return &Session{
		ID:       uuid.NewString(),
		FileName: fileName,
		FileSize: fileSize,
		MimeType: mimeType,
		status:   StatusQueued,
	}
}

// Status ...
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Progress returns the last reported percentage.
func (s *Session) Progress() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progressPercent
}

// Err returns the failure that terminated the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ObjectKey ...
func (s *Session) ObjectKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objectKey
}

// ProviderUploadID ...
func (s *Session) ProviderUploadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.providerUploadID
}

// SetProgress records a new percentage. Progress never decreases and is
// ignored once the session is terminal.
func (s *Session) SetProgress(percent int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.IsTerminal() {
		return
	}
	if percent > s.progressPercent {
		s.progressPercent = percent
	}
}

// SetRemoteIdentity records the server-side identity once known. Ignored
// once the session is terminal, like SetProgress.
func (s *Session) SetRemoteIdentity(objectKey string, providerUploadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.IsTerminal() {
		return
	}
	s.objectKey = objectKey
	s.providerUploadID = providerUploadID
}

// MarkUploading ...
func (s *Session) MarkUploading() error {
	return s.transition(StatusUploading, nil)
}

// MarkProcessing ...
func (s *Session) MarkProcessing() error {
	return s.transition(StatusProcessing, nil)
}

// MarkCompleted ...
func (s *Session) MarkCompleted() error {
	return s.transition(StatusCompleted, nil)
}

// MarkFailed ...
func (s *Session) MarkFailed(cause error) error {
	return s.transition(StatusFailed, cause)
}

// MarkCancelled records a cancellation. Cancellation is terminal but carries
// no error, it is not a failure.
func (s *Session) MarkCancelled() error {
	return s.transition(StatusCancelled, nil)
}

func (s *Session) transition(to Status, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	legal := false
	for _, next := range allowedTransitions[s.status] {
		if next == to {
			legal = true
			break
		}
	}
	if !legal {
		return fmt.Errorf("illegal session transition: %s -> %s", s.status, to)
	}

	s.status = to
	s.err = cause
	return nil
}

// Registry holds the live sessions of this process so callers can observe
// and dismiss them.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry ...
func NewRegistry() *Registry {
	return &Registry{sessions: map[string]*Session{}}
}

// Add ...
func (r *Registry) Add(session *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.ID] = session
}

// Get ...
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	return session, ok
}

// Dismiss drops a terminal session from the registry. Active sessions can't
// be dismissed, they have to be cancelled first.
func (r *Registry) Dismiss(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("no session with id %s", id)
	}
	if !session.Status().IsTerminal() {
		return fmt.Errorf("session %s is still %s", id, session.Status())
	}

	delete(r.sessions, id)
	return nil
}

// List returns the registered sessions in no particular order.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}
