package session

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"market-chat/internal/conversations"
	"market-chat/internal/errs"
	"market-chat/internal/feed"
	"market-chat/internal/models"
	"market-chat/internal/observability"
	"market-chat/internal/readstate"
	"market-chat/internal/retry"
)

// actor is the state owned by the session goroutine. Nothing here is touched
// from any other goroutine.
type actor struct {
	s        *Session
	viewerID string
	gen      uint64

	sub      feed.Subscription
	messages map[string]models.Message
	convs    []models.Conversation
	tracker  *readstate.Tracker

	openKey  *models.ConversationKey
	openList []models.Message

	provisional map[string]struct{}
	// feed deliveries that arrived while a refetch was in flight
	held []models.Message

	queue     []command
	results   chan result
	fetching  bool
	backoff   backoff.BackOff
	retryWait <-chan time.Time
}

func newActor(s *Session) *actor {
	viewerID := s.ViewerID()
	return &actor{
		s:           s,
		viewerID:    viewerID,
		messages:    make(map[string]models.Message),
		tracker:     readstate.New(viewerID, s.store, retry.Once(s.cfg.RetryDelay, s.cfg.WriteTimeout)),
		provisional: make(map[string]struct{}),
		results:     make(chan result, 8),
		backoff:     retry.Exponential(s.cfg.ReconnectInitial, s.cfg.ReconnectMax),
	}
}

func (a *actor) run() {
	defer a.shutdown()
	a.s.logger.Info("session started", "viewer_id", a.viewerID)
	a.reconcile("init")

	for {
		var (
			feedCh <-chan models.Message
			doneCh <-chan struct{}
		)
		if a.sub != nil {
			feedCh = a.sub.Messages()
			doneCh = a.sub.Done()
		}

		select {
		case <-a.s.ctx.Done():
			return
		case cmd := <-a.s.cmds:
			a.handle(cmd)
		case msg := <-feedCh:
			a.onFeedMessage(msg)
		case <-doneCh:
			a.onFeedLost()
		case r := <-a.results:
			a.onResult(r)
		case <-a.retryWait:
			a.retryWait = nil
			a.reconcile("retry")
		}
		if a.s.State() == Closed {
			return
		}
	}
}

func (a *actor) shutdown() {
	a.s.cancel()
	if a.sub != nil {
		a.s.feed.Unsubscribe(a.sub)
		a.sub = nil
	}
	for _, cmd := range a.queue {
		cmd.fail(errs.ErrSessionClosed)
	}
	a.queue = nil
	a.s.setState(Closed)
	a.emit(Update{Type: UpdateState, State: Closed})
	close(a.s.updates)
	if a.s.onClose != nil {
		a.s.onClose(a.s)
	}
	close(a.s.done)
	a.s.logger.Info("session closed", "viewer_id", a.viewerID)
}

func (a *actor) handle(cmd command) {
	if !cmd.queued() {
		cmd.apply(a)
		return
	}
	if a.s.State() != Ready || len(a.queue) > 0 {
		a.queue = append(a.queue, cmd)
		a.drain()
		return
	}
	a.exec(cmd)
}

func (a *actor) exec(cmd command) {
	if err := cmd.caller().Err(); err != nil {
		cmd.fail(err)
		return
	}
	cmd.apply(a)
}

// drain runs queued commands in order while the session stays Ready.
func (a *actor) drain() {
	for a.s.State() == Ready && len(a.queue) > 0 {
		cmd := a.queue[0]
		a.queue = a.queue[1:]
		a.exec(cmd)
	}
}

func (a *actor) failQueue(err error) {
	for _, cmd := range a.queue {
		cmd.fail(err)
	}
	a.queue = nil
}

func (a *actor) enter(st State) {
	if a.s.State() == st {
		return
	}
	a.s.setState(st)
	a.s.logger.Debug("session state", "state", st.String())
	a.emit(Update{Type: UpdateState, State: st})
}

// emit pushes an update without blocking. When the buffer is full the oldest
// update is dropped; conversation updates are full snapshots.
func (a *actor) emit(u Update) {
	for {
		select {
		case a.s.updates <- u:
			return
		default:
		}
		select {
		case <-a.s.updates:
		default:
		}
	}
}

func (a *actor) post(r result) {
	select {
	case a.results <- r:
	case <-a.s.ctx.Done():
	}
}

// reconcile discards local state and starts a full refetch. It keeps the
// current subscription when it is still alive, otherwise subscribes anew
// before fetching so nothing inserted meanwhile is missed.
func (a *actor) reconcile(reason string) {
	a.gen++
	a.fetching = true
	a.retryWait = nil
	a.held = nil
	if a.s.State() != Initializing {
		a.enter(Reconciling)
	}
	observability.IncReconciliation(reason)
	a.s.logger.Info("session reconciling", "viewer_id", a.viewerID, "reason", reason, "generation", a.gen)

	gen := a.gen
	viewerID := a.viewerID
	needSub := a.sub == nil
	filter := a.filter()
	ctx := a.s.ctx
	go func() {
		var sub feed.Subscription
		if needSub {
			var err error
			sub, err = a.s.feed.Subscribe(ctx, viewerID, filter)
			if err != nil {
				a.post(fetchResult{gen: gen, err: err})
				return
			}
		}
		var msgs []models.Message
		err := retry.Do(ctx, retry.Once(a.s.cfg.RetryDelay, a.s.cfg.FetchTimeout), func(ctx context.Context) error {
			var err error
			msgs, err = a.s.store.QueryMessages(ctx, viewerID, models.MessageFilter{})
			return err
		})
		a.post(fetchResult{gen: gen, sub: sub, msgs: msgs, err: err})
	}()
}

func (a *actor) filter() models.MessageFilter {
	if a.openKey != nil {
		return models.ForConversation(*a.openKey)
	}
	return models.MessageFilter{}
}

func (a *actor) onResult(r result) {
	if r.generation() != a.gen {
		a.dropStale(r)
		return
	}
	switch r := r.(type) {
	case fetchResult:
		a.onFetched(r)
	case sendResult:
		a.onSent(r)
	case readResult:
		a.onReadWritten(r)
	}
}

// dropStale releases what a stale result holds. Callers still get an answer,
// but nothing is applied to the rebuilt state.
func (a *actor) dropStale(r result) {
	switch r := r.(type) {
	case fetchResult:
		if r.sub != nil {
			a.s.feed.Unsubscribe(r.sub)
		}
	case sendResult:
		if r.err != nil {
			r.cmd.reply <- sendReply{err: a.sendError(r.cmd, r.err)}
			return
		}
		r.cmd.reply <- sendReply{msg: r.msg}
	case readResult:
		if r.reply != nil {
			r.reply <- r.err
		}
	}
}

func (a *actor) onFetched(r fetchResult) {
	a.fetching = false
	if r.sub != nil {
		a.sub = r.sub
	}
	if r.err != nil {
		if r.sub != nil {
			a.s.feed.Unsubscribe(r.sub)
			a.sub = nil
		}
		wait := a.backoff.NextBackOff()
		a.s.logger.Warn("session refetch failed", "viewer_id", a.viewerID, "error", r.err, "retry_in", wait)
		observability.IncOperationFailure("list")
		a.emit(Update{Type: UpdateError, Op: "list", Err: r.err})
		a.failQueue(&errs.RetryableError{Op: "list", Err: errs.Transient("list", r.err)})
		a.retryWait = time.After(wait)
		return
	}
	a.backoff.Reset()

	a.messages = make(map[string]models.Message, len(r.msgs))
	a.provisional = make(map[string]struct{})
	a.tracker.Reset()
	conversations.Merge(a.messages, r.msgs...)
	conversations.Merge(a.messages, a.held...)
	a.held = nil
	if a.openKey != nil {
		a.sub.SetFilter(models.ForConversation(*a.openKey))
		a.rebuildOpen()
	}
	a.refresh()
	a.enter(Ready)
	a.autoMarkOpen()
	a.drain()
}

// onFeedLost resubscribes and refetches. Terminations that are not a
// delivery gap are still reconciled but logged as unexpected.
func (a *actor) onFeedLost() {
	err := a.sub.Err()
	a.s.feed.Unsubscribe(a.sub)
	a.sub = nil
	reason := "disconnect"
	switch {
	case errors.Is(err, feed.ErrLagged):
		reason = "lagged"
	case !errors.Is(err, errs.ErrReconciliationRequired):
		reason = "unexpected"
	}
	a.s.logger.Warn("session feed lost", "viewer_id", a.viewerID, "reason", reason, "error", err)
	a.reconcile(reason)
}

func (a *actor) onFeedMessage(msg models.Message) {
	if a.fetching {
		a.held = append(a.held, msg)
		return
	}
	if !msg.Involves(a.viewerID) {
		observability.IncFeedEvent("filtered")
		return
	}
	if !a.upsert(msg) {
		observability.IncFeedEvent("duplicate")
		return
	}
	observability.IncFeedEvent("applied")
	a.refresh()
	stored := a.messages[msg.ID]
	a.emit(Update{Type: UpdateMessage, Message: &stored})
	if a.isOpen(msg.Key()) && stored.UnreadFor(a.viewerID) {
		a.startMarkRead([]models.Message{stored}, nil)
	}
}

// upsert merges msg into the message set and the open list. It reports
// whether anything changed.
func (a *actor) upsert(msg models.Message) bool {
	prev, existed := a.messages[msg.ID]
	if !conversations.Merge(a.messages, msg) {
		return false
	}
	delete(a.provisional, msg.ID)
	if a.isOpen(msg.Key()) {
		if existed && !prev.CreatedAt.Equal(msg.CreatedAt) {
			a.openList, _ = conversations.Remove(a.openList, msg.ID)
		}
		a.openList, _ = conversations.InsertSorted(a.openList, a.messages[msg.ID])
	}
	return true
}

func (a *actor) isOpen(key models.ConversationKey) bool {
	return a.openKey != nil && *a.openKey == key
}

func (a *actor) all() []models.Message {
	out := make([]models.Message, 0, len(a.messages))
	for _, m := range a.messages {
		out = append(out, m)
	}
	return out
}

// refresh recomputes the conversation list with the read overlay applied and
// publishes it.
func (a *actor) refresh() {
	a.convs = conversations.Aggregate(a.viewerID, a.tracker.Apply(a.all()))
	a.emit(Update{Type: UpdateConversations, Conversations: a.convs})
}

func (a *actor) rebuildOpen() {
	a.openList = a.openList[:0]
	for _, m := range a.messages {
		if m.Key() == *a.openKey {
			a.openList = append(a.openList, m)
		}
	}
	conversations.SortMessages(a.openList)
}

func (a *actor) autoMarkOpen() {
	if a.openKey == nil {
		return
	}
	a.startMarkRead(a.openList, nil)
}

// startMarkRead applies the overlay and writes in the background. With a nil
// reply a failure is reported on Updates instead.
func (a *actor) startMarkRead(msgs []models.Message, reply chan error) {
	ids := a.tracker.Begin(msgs)
	if len(ids) == 0 {
		if reply != nil {
			reply <- nil
		}
		return
	}
	a.refresh()

	gen := a.gen
	tracker := a.tracker
	ctx := a.s.ctx
	go func() {
		confirmed, err := tracker.Write(ctx, ids)
		a.post(readResult{gen: gen, ids: ids, confirmed: confirmed, err: err, reply: reply})
	}()
}

func (a *actor) onReadWritten(r readResult) {
	a.tracker.Confirm(r.confirmed)
	for _, id := range r.confirmed {
		m, ok := a.messages[id]
		if !ok {
			continue
		}
		m.Read = true
		a.upsert(m)
	}
	if r.err != nil {
		failed := missing(r.ids, r.confirmed)
		a.tracker.Rollback(failed)
		observability.IncOperationFailure("read")
		a.s.logger.Warn("mark read failed", "viewer_id", a.viewerID, "message_ids", failed, "error", r.err)
		if r.reply == nil {
			a.emit(Update{Type: UpdateError, Op: "read", Err: r.err})
		}
	}
	a.refresh()
	if r.reply != nil {
		r.reply <- r.err
	}
}

func missing(all, confirmed []string) []string {
	done := make(map[string]struct{}, len(confirmed))
	for _, id := range confirmed {
		done[id] = struct{}{}
	}
	var out []string
	for _, id := range all {
		if _, ok := done[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func (a *actor) list(c *listCmd) {
	out := make([]models.Conversation, len(a.convs))
	copy(out, a.convs)
	c.reply <- listReply{convs: out}
}

func (a *actor) open(c *openCmd) {
	if !c.key.Valid() {
		c.fail(errs.Validation("open", "invalid conversation key"))
		return
	}
	if !c.key.Has(a.viewerID) {
		c.fail(errs.E(errs.ErrAuthorization, "open", "not a participant"))
		return
	}
	key := c.key
	a.openKey = &key
	gap := a.sub.SetFilter(models.ForConversation(key))
	a.rebuildOpen()
	a.startMarkRead(a.openList, nil)
	msgs := a.tracker.Apply(a.openList)
	if a.missed(gap) {
		a.reconcile("filter_gap")
	}
	c.reply <- openReply{msgs: msgs}
}

func (a *actor) closeConversation(c *closeConvCmd) {
	if a.openKey == nil || *a.openKey != c.key {
		c.fail(errs.E(errs.ErrConflict, "close", "conversation is not open"))
		return
	}
	a.openKey = nil
	a.openList = nil
	if a.missed(a.sub.SetFilter(models.MessageFilter{})) {
		a.reconcile("filter_gap")
	}
	c.reply <- nil
}

// missed reports whether the filter held back a message the session does not
// already have, such as anything but its own sends.
func (a *actor) missed(gap feed.Gap) bool {
	if gap.Overflow {
		return true
	}
	for _, id := range gap.IDs {
		if _, ok := a.messages[id]; !ok {
			return true
		}
	}
	return false
}

func (a *actor) markRead(c *markReadCmd) {
	var msgs []models.Message
	for _, id := range c.ids {
		if m, ok := a.messages[id]; ok {
			msgs = append(msgs, m)
		}
	}
	a.startMarkRead(msgs, c.reply)
}

func (a *actor) send(c *sendCmd) {
	content := models.TrimContent(c.content)
	if content == "" {
		c.fail(errs.Validation("send", "message content is empty"))
		return
	}
	if !c.key.Valid() {
		c.fail(errs.Validation("send", "invalid conversation key"))
		return
	}
	counterpart, ok := c.key.Counterpart(a.viewerID)
	if !ok {
		c.fail(errs.E(errs.ErrAuthorization, "send", "not a participant"))
		return
	}

	in := models.NewMessage{
		ID:         uuid.NewString(),
		ListingID:  c.key.ListingID,
		SenderID:   a.viewerID,
		ReceiverID: counterpart,
		Content:    content,
	}
	provisional := models.Message{
		ID:         in.ID,
		ListingID:  in.ListingID,
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Content:    in.Content,
		CreatedAt:  time.Now().UTC(),
	}
	a.upsert(provisional)
	a.provisional[in.ID] = struct{}{}
	a.refresh()

	gen := a.gen
	ctx := a.s.ctx
	store := a.s.store
	policy := retry.Once(a.s.cfg.RetryDelay, a.s.cfg.WriteTimeout)
	go func() {
		var msg models.Message
		err := retry.Do(ctx, policy, func(ctx context.Context) error {
			var err error
			msg, err = store.InsertMessage(ctx, in)
			return err
		})
		a.post(sendResult{gen: gen, cmd: c, id: in.ID, msg: msg, err: err})
	}()
}

func (a *actor) onSent(r sendResult) {
	_, stillProvisional := a.provisional[r.id]
	if r.err != nil && !stillProvisional {
		// the feed echo proves the insert landed even though the reply was lost
		r.cmd.reply <- sendReply{msg: a.messages[r.id]}
		return
	}
	if r.err != nil {
		delete(a.provisional, r.id)
		delete(a.messages, r.id)
		a.openList, _ = conversations.Remove(a.openList, r.id)
		a.refresh()
		observability.IncOperationFailure("send")
		a.s.logger.Warn("send failed", "viewer_id", a.viewerID, "message_id", r.id, "error", r.err)
		r.cmd.reply <- sendReply{err: a.sendError(r.cmd, r.err)}
		return
	}
	if a.upsert(r.msg) {
		a.refresh()
	}
	delete(a.provisional, r.id)
	r.cmd.reply <- sendReply{msg: a.messages[r.id]}
}

func (a *actor) sendError(c *sendCmd, err error) error {
	if !errs.IsTransient(err) {
		return err
	}
	return &errs.RetryableError{Op: "send", Key: c.key, Content: c.content, Err: err}
}

func (a *actor) changeIdentity(c *identityCmd) {
	if c.viewerID == "" {
		c.reply <- nil
		a.s.cancel()
		return
	}
	if c.viewerID == a.viewerID {
		c.reply <- nil
		return
	}
	a.s.logger.Info("session identity changed", "from", a.viewerID, "to", c.viewerID)
	if a.sub != nil {
		a.s.feed.Unsubscribe(a.sub)
		a.sub = nil
	}
	a.failQueue(errs.E(errs.ErrAuthorization, "identity", "viewer changed"))
	a.viewerID = c.viewerID
	a.s.setViewerID(c.viewerID)
	a.tracker = readstate.New(c.viewerID, a.s.store, retry.Once(a.s.cfg.RetryDelay, a.s.cfg.WriteTimeout))
	a.messages = make(map[string]models.Message)
	a.provisional = make(map[string]struct{})
	a.convs = nil
	a.openKey = nil
	a.openList = nil
	a.reconcile("identity")
	c.reply <- nil
}
