package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	internal "github.com/ZanzyTHEbar/paper-reader/reader"
	"github.com/ZanzyTHEbar/paper-reader/reader/agent"
	"github.com/ZanzyTHEbar/paper-reader/reader/config"
	"github.com/ZanzyTHEbar/paper-reader/reader/figures"
	"github.com/ZanzyTHEbar/paper-reader/reader/generation/harness"
	ports "github.com/ZanzyTHEbar/paper-reader/reader/generation/harness/ports"
	"github.com/ZanzyTHEbar/paper-reader/reader/profile"
	"github.com/ZanzyTHEbar/paper-reader/reader/stages"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidID       = errors.New("invalid session id")
	ErrEmptyMessage    = errors.New("message is empty")
	ErrNoDocument      = errors.New("a document is required to start a session")
	ErrDocumentDiffers = errors.New("session was opened for a different document")
)

// Runner executes turns. *agent.StageOrchestrator implements it.
type Runner interface {
	RunTurn(ctx context.Context, sess agent.SessionView, userText string, status harness.StatusFunc) (*agent.TurnResult, error)
	Bootstrap(ctx context.Context, sess agent.SessionView, status harness.StatusFunc) (*agent.BootstrapResult, error)
}

// Options configures where session files live and how figures are produced.
type Options struct {
	UploadsDir   string // absolute root; each session gets UploadsDir/<id>
	PublicPrefix string // caller-facing prefix of figure paths
	Language     string // default response language
	Renderer     ports.PageRenderer
	Vision       ports.VisionModel
	Figures      config.FiguresConfig
}

// OpenOptions identifies the session to create or restore.
type OpenOptions struct {
	ID       string // empty generates a new id
	Document ports.DocumentRef
	Language string
}

// Reply is what a caller shows after Start or Send.
type Reply struct {
	SessionID string
	Text      string
	Figures   []figures.Record
	Stage     string
	Restored  bool // Start returned the stored last answer instead of bootstrapping
	Exhausted bool
}

// Manager owns the open sessions and persists every turn.
type Manager struct {
	store  Store
	runner Runner
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	profile  *profile.Profile // shared by every session, loaded on first open
}

// NewManager creates a session manager.
func NewManager(store Store, runner Runner, opts Options, logger zerolog.Logger) *Manager {
	if opts.UploadsDir == "" {
		opts.UploadsDir = internal.DefaultUploadsDir
	}
	if opts.PublicPrefix == "" {
		opts.PublicPrefix = internal.DefaultPublicPrefix
	}
	if opts.Language == "" {
		opts.Language = internal.DefaultLanguage
	}
	return &Manager{
		store:    store,
		runner:   runner,
		opts:     opts,
		logger:   logger.With().Str("component", "session").Logger(),
		sessions: make(map[string]*Session),
	}
}

// ValidateID rejects ids that cannot safely name a directory.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Open creates a session or restores a stored one. Restore reloads the transcript,
// figures, stage state and plan; the figure counter continues after the stored figures.
func (m *Manager) Open(ctx context.Context, o OpenOptions) (*Session, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if err := ValidateID(o.ID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[o.ID]; ok {
		if o.Document.Path != "" && o.Document.Path != s.doc.Path {
			return nil, fmt.Errorf("%w: %s", ErrDocumentDiffers, s.doc.Path)
		}
		return s, nil
	}

	if m.profile == nil {
		snap, err := m.store.LoadProfile(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load profile: %w", err)
		}
		m.profile = profile.New(snap)
	}

	rec, transcript, err := m.store.LoadSession(ctx, o.ID)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		if o.Document.Path == "" {
			return nil, ErrNoDocument
		}
		language := o.Language
		if language == "" {
			language = m.opts.Language
		}
		rec = &Record{ID: o.ID, Document: o.Document, Language: language, CreatedAt: time.Now()}
		if err := m.store.SaveSession(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		m.logger.Info().Str("session", o.ID).Str("document", o.Document.Path).Msg("Session created")
	case err != nil:
		return nil, fmt.Errorf("failed to load session %s: %w", o.ID, err)
	default:
		if o.Document.Path != "" && o.Document.Path != rec.Document.Path {
			return nil, fmt.Errorf("%w: %s", ErrDocumentDiffers, rec.Document.Path)
		}
		m.logger.Info().
			Str("session", o.ID).
			Int("messages", len(transcript)).
			Int("figures", len(rec.Figures)).
			Str("stage", rec.State.Current).
			Msg("Session restored")
	}

	s := m.build(rec, transcript)
	m.sessions[s.id] = s
	return s, nil
}

func (m *Manager) build(rec *Record, transcript []ports.PromptMessage) *Session {
	machine := stages.NewMachine(stages.DefaultVocabulary(), m.logger)
	machine.Restore(rec.State)

	catalog := figures.NewCatalog(rec.Figures)
	workDir := filepath.Join(m.opts.UploadsDir, rec.ID)
	extractor := figures.NewExtractor(m.opts.Renderer, m.opts.Vision, catalog, rec.Document, figures.Options{
		OutputDir:     workDir,
		PublicDir:     path.Join(m.opts.PublicPrefix, rec.ID),
		DPI:           m.opts.Figures.DPI,
		Padding:       m.opts.Figures.Padding,
		RenderWorkers: m.opts.Figures.RenderWorkers,
		RenderTimeout: m.opts.Figures.RenderTimeout,
	}, m.logger)

	return &Session{
		id:         rec.ID,
		language:   rec.Language,
		doc:        rec.Document,
		workDir:    workDir,
		createdAt:  rec.CreatedAt,
		transcript: append([]ports.PromptMessage(nil), transcript...),
		profile:    m.profile,
		machine:    machine,
		catalog:    catalog,
		extractor:  extractor,
	}
}

// Get returns an open session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Start opens the reading. A session that already has an answer returns its last
// assistant message; a new one runs the quick scan bootstrap.
func (m *Manager) Start(ctx context.Context, id string, status harness.StatusFunc) (*Reply, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	s.turn.Lock()
	defer s.turn.Unlock()

	if last, ok := s.LastAssistantMessage(); ok {
		s.machine.EnsureStarted()
		return &Reply{
			SessionID: s.id,
			Text:      last,
			Figures:   s.catalog.Records(),
			Stage:     s.machine.Current(),
			Restored:  true,
		}, nil
	}

	res, err := m.runner.Bootstrap(ctx, s, status)
	if err != nil {
		return nil, err
	}
	if err := m.persist(ctx, s, res.Message); err != nil {
		return nil, err
	}
	return &Reply{
		SessionID: s.id,
		Text:      res.Message.Content,
		Figures:   res.Figures,
		Stage:     res.Stage,
	}, nil
}

// Send runs one user turn and persists it.
func (m *Manager) Send(ctx context.Context, id, text string, status harness.StatusFunc) (*Reply, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	s.turn.Lock()
	defer s.turn.Unlock()

	res, err := m.runner.RunTurn(ctx, s, text, status)
	if err != nil {
		return nil, err
	}
	if err := m.persist(ctx, s, res.Messages...); err != nil {
		return nil, err
	}
	return &Reply{
		SessionID: s.id,
		Text:      res.Text,
		Figures:   res.Figures,
		Stage:     res.Stage,
		Exhausted: res.Exhausted,
	}, nil
}

// persist appends msgs to the transcript and stores them with the session state.
func (m *Manager) persist(ctx context.Context, s *Session, msgs ...ports.PromptMessage) error {
	s.appendMessages(msgs...)
	for _, msg := range msgs {
		if err := m.store.AppendMessage(ctx, s.id, msg); err != nil {
			return fmt.Errorf("failed to persist message: %w", err)
		}
	}
	if err := m.store.SaveSession(ctx, s.Record()); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}

// Delete removes a session, its transcript, and its figure directory.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}

	m.mu.Lock()
	s, open := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if open {
		s.turn.Lock()
		defer s.turn.Unlock()
	}

	if err := m.store.DeleteSession(ctx, id); err != nil {
		return err
	}

	workDir := filepath.Join(m.opts.UploadsDir, id)
	if err := os.RemoveAll(workDir); err != nil {
		m.logger.Warn().Err(err).Str("dir", workDir).Msg("Could not remove session figures")
	}
	m.logger.Info().Str("session", id).Msg("Session deleted")
	return nil
}

// List returns stored sessions, most recently updated first.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	return m.store.ListSessions(ctx)
}

// SaveProfile persists the shared user profile. It is the agent's ProfileSaver.
func (m *Manager) SaveProfile(ctx context.Context, s profile.Snapshot) error {
	return m.store.SaveProfile(ctx, s)
}

var _ agent.SessionView = (*Session)(nil)
