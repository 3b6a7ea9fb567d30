// Package session runs one ClientSyncSession per connected viewer.
//
// Each session is an actor: a single goroutine owns the viewer's message set,
// conversation list, open conversation and read overlay. Public methods send
// commands to it and wait for the reply; store and feed I/O runs in helper
// goroutines whose results come back to the actor tagged with a generation,
// so results from before a reconciliation or after Close are dropped.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"market-chat/internal/errs"
	"market-chat/internal/feed"
	"market-chat/internal/models"
	"market-chat/internal/repositories"
)

// Session is a ClientSyncSession.
type Session struct {
	id     string
	store  repositories.MessageStore
	feed   feed.Feed
	cfg    Config
	logger *slog.Logger

	cmds    chan command
	updates chan Update
	state   atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.RWMutex
	viewerID string
	readyCh  chan struct{} // closed while Ready, replaced on leaving Ready
	onClose  func(*Session)
}

// New builds a session for viewerID. Call Start to begin the initial fetch.
func New(id, viewerID string, store repositories.MessageStore, f feed.Feed, cfg Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       id,
		store:    store,
		feed:     f,
		cfg:      cfg,
		logger:   logger.With("session_id", id),
		cmds:     make(chan command),
		updates:  make(chan Update, cfg.UpdateBuffer),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		viewerID: viewerID,
		readyCh:  make(chan struct{}),
	}
	s.state.Store(int32(Initializing))
	return s
}

// Start launches the actor.
func (s *Session) Start() {
	a := newActor(s)
	go a.run()
}

func (s *Session) ID() string { return s.id }

// ViewerID is the identity the session currently syncs for.
func (s *Session) ViewerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewerID
}

func (s *Session) setViewerID(viewerID string) {
	s.mu.Lock()
	s.viewerID = viewerID
	s.mu.Unlock()
}

// State reports the lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev == st {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case st == Ready:
		close(s.readyCh)
	case prev == Ready:
		s.readyCh = make(chan struct{})
	}
}

// WaitReady blocks until the session is Ready.
func (s *Session) WaitReady(ctx context.Context) error {
	for {
		s.mu.RLock()
		ch := s.readyCh
		s.mu.RUnlock()
		select {
		case <-ch:
			if s.State() == Ready {
				return nil
			}
		case <-s.done:
			return errs.ErrSessionClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Updates streams state, conversation and message changes. It is closed when
// the session closes.
func (s *Session) Updates() <-chan Update {
	return s.updates
}

// Done is closed once the session has shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close unsubscribes from the feed and abandons in-flight I/O.
func (s *Session) Close() {
	s.cancel()
	<-s.done
}

// ListConversations returns the viewer's conversations, most recent first.
func (s *Session) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	reply := make(chan listReply, 1)
	if err := s.dispatch(ctx, &listCmd{baseCmd: baseCmd{ctx: ctx}, reply: reply}); err != nil {
		return nil, err
	}
	r := await(s, ctx, reply, func(err error) listReply { return listReply{err: err} })
	return r.convs, r.err
}

// OpenConversation returns the conversation's messages oldest first and marks
// the viewer's unread ones read as one batch.
func (s *Session) OpenConversation(ctx context.Context, key models.ConversationKey) ([]models.Message, error) {
	reply := make(chan openReply, 1)
	if err := s.dispatch(ctx, &openCmd{baseCmd: baseCmd{ctx: ctx}, key: key, reply: reply}); err != nil {
		return nil, err
	}
	r := await(s, ctx, reply, func(err error) openReply { return openReply{err: err} })
	return r.msgs, r.err
}

// CloseConversation leaves the open conversation and widens the feed filter.
// It fails with errs.ErrConflict when key is not the open conversation.
func (s *Session) CloseConversation(ctx context.Context, key models.ConversationKey) error {
	reply := make(chan error, 1)
	if err := s.dispatch(ctx, &closeConvCmd{baseCmd: baseCmd{ctx: ctx}, key: key, reply: reply}); err != nil {
		return err
	}
	return await(s, ctx, reply, func(err error) error { return err })
}

// Send writes a message into the conversation. On failure the optimistic copy
// is withdrawn and a *errs.RetryableError carrying the arguments is returned.
func (s *Session) Send(ctx context.Context, key models.ConversationKey, content string) (models.Message, error) {
	reply := make(chan sendReply, 1)
	if err := s.dispatch(ctx, &sendCmd{baseCmd: baseCmd{ctx: ctx}, key: key, content: content, reply: reply}); err != nil {
		return models.Message{}, err
	}
	r := await(s, ctx, reply, func(err error) sendReply { return sendReply{err: err} })
	return r.msg, r.err
}

// MarkRead marks the given messages read. Ids the viewer does not receive,
// or that are already read, are skipped.
func (s *Session) MarkRead(ctx context.Context, ids []string) error {
	reply := make(chan error, 1)
	if err := s.dispatch(ctx, &markReadCmd{baseCmd: baseCmd{ctx: ctx}, ids: ids, reply: reply}); err != nil {
		return err
	}
	return await(s, ctx, reply, func(err error) error { return err })
}

// ChangeIdentity rebinds the session to another viewer, dropping all state.
// An empty viewerID closes the session.
func (s *Session) ChangeIdentity(ctx context.Context, viewerID string) error {
	reply := make(chan error, 1)
	if err := s.dispatch(ctx, &identityCmd{baseCmd: baseCmd{ctx: ctx}, viewerID: viewerID, reply: reply}); err != nil {
		return err
	}
	return await(s, ctx, reply, func(err error) error { return err })
}

func (s *Session) dispatch(ctx context.Context, cmd command) error {
	select {
	case s.cmds <- cmd:
		return nil
	case <-s.done:
		return errs.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// await waits for the actor's reply. A reply that raced with Close still wins.
func await[T any](s *Session, ctx context.Context, reply chan T, failed func(error) T) T {
	select {
	case r := <-reply:
		return r
	case <-s.done:
		select {
		case r := <-reply:
			return r
		default:
			return failed(errs.ErrSessionClosed)
		}
	case <-ctx.Done():
		return failed(ctx.Err())
	}
}
