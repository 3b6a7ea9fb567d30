package session

import (
	"context"

	"market-chat/internal/feed"
	"market-chat/internal/models"
)

// command is a request executed on the actor goroutine.
type command interface {
	caller() context.Context
	// queued reports whether the command waits for Ready.
	queued() bool
	apply(a *actor)
	fail(err error)
}

type baseCmd struct {
	ctx context.Context
}

func (c baseCmd) caller() context.Context { return c.ctx }
func (c baseCmd) queued() bool            { return true }

type listReply struct {
	convs []models.Conversation
	err   error
}

type listCmd struct {
	baseCmd
	reply chan listReply
}

func (c *listCmd) apply(a *actor) { a.list(c) }
func (c *listCmd) fail(err error) { c.reply <- listReply{err: err} }

type openReply struct {
	msgs []models.Message
	err  error
}

type openCmd struct {
	baseCmd
	key   models.ConversationKey
	reply chan openReply
}

func (c *openCmd) apply(a *actor) { a.open(c) }
func (c *openCmd) fail(err error) { c.reply <- openReply{err: err} }

type closeConvCmd struct {
	baseCmd
	key   models.ConversationKey
	reply chan error
}

func (c *closeConvCmd) apply(a *actor) { a.closeConversation(c) }
func (c *closeConvCmd) fail(err error) { c.reply <- err }

type sendReply struct {
	msg models.Message
	err error
}

type sendCmd struct {
	baseCmd
	key     models.ConversationKey
	content string
	reply   chan sendReply
}

func (c *sendCmd) apply(a *actor) { a.send(c) }
func (c *sendCmd) fail(err error) { c.reply <- sendReply{err: err} }

type markReadCmd struct {
	baseCmd
	ids   []string
	reply chan error
}

func (c *markReadCmd) apply(a *actor) { a.markRead(c) }
func (c *markReadCmd) fail(err error) { c.reply <- err }

type identityCmd struct {
	baseCmd
	viewerID string
	reply    chan error
}

func (c *identityCmd) queued() bool   { return false }
func (c *identityCmd) apply(a *actor) { a.changeIdentity(c) }
func (c *identityCmd) fail(err error) { c.reply <- err }

// results of helper goroutines, tagged with the generation that started them
type result interface {
	generation() uint64
}

type fetchResult struct {
	gen  uint64
	sub  feed.Subscription
	msgs []models.Message
	err  error
}

func (r fetchResult) generation() uint64 { return r.gen }

type sendResult struct {
	gen uint64
	cmd *sendCmd
	id  string
	msg models.Message
	err error
}

func (r sendResult) generation() uint64 { return r.gen }

type readResult struct {
	gen       uint64
	ids       []string
	confirmed []string
	err       error
	reply     chan error
}

func (r readResult) generation() uint64 { return r.gen }
