// Package room runs one participant's live session in a room: it keeps the
// ordered message view current, posts messages and drives the assistant.
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"icebreaker/backend/internal/assist"
	"icebreaker/backend/internal/command"
	"icebreaker/backend/internal/identity"
	"icebreaker/backend/internal/metrics"
	"icebreaker/backend/internal/models"
	"icebreaker/backend/internal/store"
	"icebreaker/backend/internal/stream"
	"icebreaker/backend/pkg/cache"
	"icebreaker/backend/pkg/logger"
)

var (
	ErrClosed     = errors.New("session closed")
	ErrNotStarted = errors.New("session not started")
)

// Store is the storage the session needs
type Store interface {
	stream.Source
	AppendMessage(ctx context.Context, msg *models.Message) error
	GetRoom(ctx context.Context, roomID string) (*models.Room, error)
	GetIdentity(ctx context.Context, id string) (*models.Identity, error)
}

// SessionConfig identifies the room and the participant
type SessionConfig struct {
	RoomID string
	UserID string
}

// Deps are the collaborators shared between sessions
type Deps struct {
	Store   Store
	Gateway assist.Gateway
	Parser  *command.Parser
	// Rooms caches room metadata across sessions; optional
	Rooms *cache.Cache
	Log   *logger.Logger
}

// Session is safe for concurrent use. Send and Summarize may run at the same
// time; each drives its own status slot.
type Session struct {
	cfg      SessionConfig
	deps     Deps
	log      *logger.Logger
	resolver *identity.Resolver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	updates chan struct{}
	ready   chan struct{}

	mu            sync.Mutex
	state         State
	closed        bool
	started       bool
	sub           *stream.Subscription
	handle        string
	title         string
	messages      []models.Message
	assistPending int
	assistStatus  string
	summaryRuns   int
	summary       string
	sendErr       string
	streamErr     string
}

// NewSession creates a session in the connecting state
func NewSession(cfg SessionConfig, deps Deps) *Session {
	if deps.Parser == nil {
		deps.Parser = command.NewParser(command.DefaultPersona)
	}
	log := deps.Log
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithRoom(cfg.RoomID).WithUserID(cfg.UserID)

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:      cfg,
		deps:     deps,
		log:      log,
		resolver: identity.NewResolver(deps.Store, log),
		ctx:      ctx,
		cancel:   cancel,
		updates:  make(chan struct{}, 1),
		ready:    make(chan struct{}),
		state:    StateConnecting,
		handle:   models.DefaultHandle,
		title:    cfg.RoomID,
	}
}

// Start establishes the participant's handle, loads room metadata and opens
// the message stream. It returns once the first batch is in the view.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()
	metrics.ActiveSessions.Inc()

	handle, err := s.ownHandle(ctx)
	if err != nil {
		return err
	}
	title := s.roomTitle(ctx)

	s.mu.Lock()
	s.handle = handle
	s.title = title
	s.mu.Unlock()

	if err := s.subscribe(); err != nil {
		return err
	}

	select {
	case <-s.ready:
		s.log.Debug("session active")
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) ownHandle(ctx context.Context) (string, error) {
	if s.cfg.UserID == "" {
		return "", errors.New("session has no user id")
	}
	ident, err := s.deps.Store.GetIdentity(ctx, s.cfg.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return models.DefaultHandle, nil
	}
	if err != nil {
		return "", fmt.Errorf("load identity %s: %w", s.cfg.UserID, err)
	}
	if ident.Handle == "" {
		return models.DefaultHandle, nil
	}
	return ident.Handle, nil
}

// roomTitle never fails; a missing or unreadable room shows its id
func (s *Session) roomTitle(ctx context.Context) string {
	if s.deps.Rooms != nil {
		if v, ok := s.deps.Rooms.Get(s.cfg.RoomID); ok {
			if room, ok := v.(*models.Room); ok {
				return room.DisplayTitle()
			}
		}
	}

	room, err := s.deps.Store.GetRoom(ctx, s.cfg.RoomID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return s.cfg.RoomID
	case err != nil:
		s.log.Warn("room metadata unavailable", "error", err.Error())
		return s.cfg.RoomID
	}
	if s.deps.Rooms != nil {
		s.deps.Rooms.Set(s.cfg.RoomID, room)
	}
	return room.DisplayTitle()
}

func (s *Session) subscribe() error {
	sub, err := stream.Subscribe(s.ctx, s.deps.Store, s.cfg.RoomID, s.log)
	if err != nil {
		s.mu.Lock()
		s.streamErr = err.Error()
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Close()
		return ErrClosed
	}
	s.sub = sub
	s.streamErr = ""
	s.wg.Add(1)
	s.mu.Unlock()

	go s.consume(sub)
	return nil
}

// Resubscribe replaces a failed stream. Messages already in the view stay.
func (s *Session) Resubscribe() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	old := s.sub
	s.sub = nil
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return s.subscribe()
}

func (s *Session) consume(sub *stream.Subscription) {
	defer s.wg.Done()

	for batch := range sub.Batches() {
		if !s.apply(batch) {
			return
		}
		s.wg.Add(1)
		go s.resolveHandles(batch)
	}

	if err := sub.Err(); err != nil {
		s.mutate(func() {
			if s.sub == sub {
				s.streamErr = err.Error()
			}
		})
	}
}

// apply merges a batch into the view; false once the session is closed
func (s *Session) apply(batch []models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.messages = stream.Merge(s.messages, batch)
	if s.state == StateConnecting {
		s.state = StateActive
		close(s.ready)
	}
	s.notify()
	return true
}

// resolveHandles runs after each batch without holding up the next one. The
// view already shows fallback handles until this finishes.
func (s *Session) resolveHandles(batch []models.Message) {
	defer s.wg.Done()

	ids := make([]string, 0, len(batch))
	for _, m := range batch {
		if m.Kind == models.KindAssistant {
			continue
		}
		if _, ok := s.resolver.Handle(m.AuthorID); !ok {
			ids = append(ids, m.AuthorID)
		}
	}
	if len(ids) == 0 {
		return
	}
	if got := s.resolver.Resolve(s.ctx, ids); len(got) > 0 {
		s.mutate(func() {})
	}
}

// Send posts text to the room. An assist query also asks the assistant and
// posts its answer; Send then returns when the answer is posted or failed.
func (s *Session) Send(ctx context.Context, text string) error {
	question, err := s.Post(ctx, text)
	if err != nil || question == "" {
		return err
	}
	return s.ask(ctx, question)
}

// Post appends the participant's message and returns the assistant question
// it carries, or "" for a plain message. Posts from one caller are stored in
// call order. Post never contacts the assistant; pass the question to Ask.
func (s *Session) Post(ctx context.Context, text string) (string, error) {
	if err := s.usable(); err != nil {
		return "", err
	}

	cmd, err := s.deps.Parser.Parse(text)
	switch {
	case errors.Is(err, command.ErrEmptyMessage):
		return "", err
	case errors.Is(err, command.ErrEmptyCommand):
		s.mutate(func() { s.assistStatus = s.deps.Parser.Hint() })
		return "", err
	case err != nil:
		return "", err
	}

	body := cmd.Body
	if cmd.Kind == command.KindAssistQuery {
		body = cmd.Query
	}

	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()

	msg := &models.Message{
		RoomID:       s.cfg.RoomID,
		AuthorID:     s.cfg.UserID,
		AuthorHandle: handle,
		Body:         body,
		Kind:         models.KindUser,
	}
	if err := s.deps.Store.AppendMessage(ctx, msg); err != nil {
		s.log.LogError(err, "append message failed")
		s.mutate(func() { s.sendErr = sendErrorText(err) })
		return "", err
	}
	s.mutate(func() { s.sendErr = "" })

	if cmd.Kind == command.KindAssistQuery {
		return cmd.Query, nil
	}
	return "", nil
}

// Ask sends question to the assistant and posts the answer
func (s *Session) Ask(ctx context.Context, question string) error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.ask(ctx, question)
}

func (s *Session) ask(ctx context.Context, question string) error {
	persona := s.deps.Parser.Persona()
	s.mutate(func() {
		s.assistPending++
		s.assistStatus = "Asking " + persona + "…"
	})

	ctx, done := s.scoped(ctx)
	defer done()

	answer, err := s.deps.Gateway.Request(ctx, assist.Request{
		RoomID:   s.cfg.RoomID,
		Mode:     assist.ModeQA,
		Question: question,
	})
	if err == nil {
		err = s.deps.Store.AppendMessage(ctx, &models.Message{
			RoomID:       s.cfg.RoomID,
			AuthorID:     persona,
			AuthorHandle: persona,
			Body:         answer,
			Kind:         models.KindAssistant,
		})
		if err != nil {
			s.log.LogError(err, "append assistant answer failed")
		}
	}

	s.mutate(func() {
		s.assistPending--
		switch {
		case err != nil:
			s.assistStatus = assistErrorText(err)
		case s.assistPending == 0:
			s.assistStatus = ""
		}
	})
	return err
}

// Summarize asks the assistant for a summary of the room. The result, or
// the failure text, replaces the summary slot; it is never posted.
func (s *Session) Summarize(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}

	s.mutate(func() {
		s.summaryRuns++
		s.summary = ""
	})

	ctx, done := s.scoped(ctx)
	defer done()

	text, err := s.deps.Gateway.Request(ctx, assist.Request{RoomID: s.cfg.RoomID, Mode: assist.ModeSummary})
	s.mutate(func() {
		s.summaryRuns--
		if err != nil {
			s.summary = assistErrorText(err)
		} else {
			s.summary = text
		}
	})
	return err
}

// Teardown stops the stream and every background task. After it returns
// the session makes no further state changes and Updates is closed.
func (s *Session) Teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = StateClosed
	started := s.started
	sub := s.sub
	close(s.updates)
	s.mu.Unlock()

	s.cancel()
	if sub != nil {
		sub.Close()
	}
	s.wg.Wait()

	if started {
		metrics.ActiveSessions.Dec()
	}
	s.log.Debug("session torn down")
}

// Updates signals that View changed. Signals coalesce; read View after each.
// The channel is closed by Teardown.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// View returns a snapshot of the session
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	handles := s.resolver.Handles()
	msgs := make([]ViewMessage, len(s.messages))
	for i, m := range s.messages {
		msgs[i] = ViewMessage{
			ID:        m.ID,
			AuthorID:  m.AuthorID,
			Handle:    displayHandle(m, handles),
			Body:      m.Body,
			Kind:      m.Kind,
			CreatedAt: m.CreatedAt,
			Self:      m.AuthorID == s.cfg.UserID,
		}
	}

	return View{
		RoomID:         s.cfg.RoomID,
		Title:          s.title,
		State:          s.state,
		Handle:         s.handle,
		Messages:       msgs,
		AssistStatus:   s.assistStatus,
		AssistInFlight: s.assistPending > 0,
		Summary:        s.summary,
		Summarizing:    s.summaryRuns > 0,
		SendError:      s.sendErr,
		StreamError:    s.streamErr,
		Notice:         ContentNotice,
	}
}

func displayHandle(m models.Message, handles map[string]string) string {
	if m.Kind != models.KindAssistant {
		if h, ok := handles[m.AuthorID]; ok {
			return h
		}
	}
	if m.AuthorHandle != "" {
		return m.AuthorHandle
	}
	return m.AuthorID
}

func (s *Session) usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.started {
		return ErrNotStarted
	}
	return nil
}

// mutate applies fn under the lock and signals a change, unless closed
func (s *Session) mutate(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	fn()
	s.notify()
}

// notify must be called with mu held and the session open
func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// scoped returns a context cancelled by either the caller or Teardown
func (s *Session) scoped(ctx context.Context) (context.Context, func()) {
	merged, cancel := context.WithCancel(s.ctx)
	stop := context.AfterFunc(ctx, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}

func assistErrorText(err error) string {
	var ae *assist.Error
	if errors.As(err, &ae) {
		return ae.Detail
	}
	if errors.Is(err, context.Canceled) {
		return "request cancelled"
	}
	return err.Error()
}

func sendErrorText(err error) string {
	switch {
	case errors.Is(err, store.ErrBodyTooLong):
		return err.Error()
	case errors.Is(err, store.ErrEmptyBody):
		return "message is empty"
	default:
		return "message could not be sent"
	}
}
