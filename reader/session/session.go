package session

import (
	"sync"
	"time"

	"github.com/ZanzyTHEbar/paper-reader/reader/figures"
	ports "github.com/ZanzyTHEbar/paper-reader/reader/generation/harness/ports"
	"github.com/ZanzyTHEbar/paper-reader/reader/generation/harness/tools"
	"github.com/ZanzyTHEbar/paper-reader/reader/profile"
	"github.com/ZanzyTHEbar/paper-reader/reader/stages"
)

// Session is one user's conversation about one document.
type Session struct {
	// turn serializes Start and Send; a session has a single writer.
	turn sync.Mutex

	id        string
	language  string
	doc       ports.DocumentRef
	workDir   string
	createdAt time.Time

	mu         sync.RWMutex
	transcript []ports.PromptMessage

	profile   *profile.Profile
	machine   *stages.Machine
	catalog   *figures.Catalog
	extractor *figures.Extractor
}

func (s *Session) ID() string                  { return s.id }
func (s *Session) Language() string            { return s.language }
func (s *Session) Document() ports.DocumentRef { return s.doc }
func (s *Session) WorkDir() string             { return s.workDir }
func (s *Session) Profile() *profile.Profile   { return s.profile }
func (s *Session) Machine() *stages.Machine    { return s.machine }
func (s *Session) Catalog() *figures.Catalog   { return s.catalog }

// Extractor returns the figure pipeline bound to this session's document and catalog.
func (s *Session) Extractor() tools.FigureExtractor { return s.extractor }

// Transcript returns a copy of the user and assistant messages so far.
func (s *Session) Transcript() []ports.PromptMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ports.PromptMessage(nil), s.transcript...)
}

// LastAssistantMessage returns the most recent assistant text, if any.
func (s *Session) LastAssistantMessage() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.transcript) - 1; i >= 0; i-- {
		if s.transcript[i].Role == ports.RoleAssistant {
			return s.transcript[i].Content, true
		}
	}
	return "", false
}

func (s *Session) appendMessages(msgs ...ports.PromptMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, msgs...)
}

// Record returns the persisted form of the session.
func (s *Session) Record() *Record {
	return &Record{
		ID:        s.id,
		Document:  s.doc,
		Language:  s.language,
		State:     s.machine.State(),
		Figures:   s.catalog.Records(),
		CreatedAt: s.createdAt,
	}
}
