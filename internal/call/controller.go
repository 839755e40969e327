package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/globalconnect/internal/lobby"
	"github.com/1ureka/globalconnect/internal/match"
	"github.com/1ureka/globalconnect/internal/media"
	"github.com/1ureka/globalconnect/internal/negotiation"
	"github.com/1ureka/globalconnect/internal/pubsub"
	"github.com/1ureka/globalconnect/internal/util"
)

var log = util.Scope("call")

// Deps are the collaborators of a Controller.
type Deps struct {
	Transport pubsub.Transport
	Capturer  media.Capturer      // defaults to media.SilenceCapturer
	Backend   negotiation.Backend // defaults to a RawBackend over Transport
	Self      match.Participant
	Policy    match.Policy // defaults to match.LexicalPolicy
}

// Options tune the policy layers around the core flow. Zero values disable
// the timeouts.
type Options struct {
	InviteTimeout  time.Duration
	ConnectTimeout time.Duration
	// Requeue re-enters search when a match is lost before media flowed.
	Requeue      bool
	TickInterval time.Duration // elapsed-time refresh, default 1s
}

// Controller owns the lifecycle of one participant's calls. All methods are
// safe for concurrent use.
type Controller struct {
	deps Deps
	opts Options

	mu      sync.Mutex
	session Session
	current *attempt
	onState func(Session)
	onError func(ErrorKind, string)

	notify *notifier
}

// New creates an idle controller.
func New(deps Deps, opts Options) *Controller {
	if deps.Policy == nil {
		deps.Policy = match.LexicalPolicy{}
	}
	if deps.Capturer == nil {
		deps.Capturer = media.SilenceCapturer{}
	}
	if deps.Backend == nil {
		deps.Backend = &negotiation.RawBackend{
			Transport:         deps.Transport,
			NewPeerConnection: media.Factory(nil),
		}
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	return &Controller{
		deps:    deps,
		opts:    opts,
		session: Session{Status: StatusIdle},
		notify:  newNotifier(),
	}
}

// OnStateChange registers fn for every state change. Calls are made in
// order from a single goroutine.
func (c *Controller) OnStateChange(fn func(Session)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// OnError registers fn for failures the user should see.
func (c *Controller) OnError(fn func(ErrorKind, string)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// Session returns the current state.
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// StartSearch acquires the microphone, joins the lobby and starts looking
// for a partner. Matching and negotiation continue in the background.
func (c *Controller) StartSearch(ctx context.Context) error {
	c.mu.Lock()
	if c.current != nil || c.session.Status != StatusIdle {
		c.mu.Unlock()
		return ErrNotIdle
	}
	a := newAttempt()
	c.current = a
	c.mu.Unlock()

	local, err := c.deps.Capturer.Acquire(ctx)
	if err != nil {
		err = &Error{Kind: ErrPermissionDenied, Err: err}
		c.end(a, err)
		return err
	}
	if !a.attachLocal(local) {
		local.Stop()
		return context.Canceled
	}

	if !c.transition(a, func(s *Session) { *s = Session{Status: StatusSearching} }) {
		return context.Canceled
	}

	lb, err := lobby.Join(ctx, c.deps.Transport, c.deps.Self.SelfID, c.deps.Self.DisplayName, lobby.StatusSearching)
	if err != nil {
		err = &Error{Kind: ErrTransportUnavailable, Err: err}
		c.end(a, err)
		return err
	}
	if !a.attachLobby(lb) {
		_ = lb.Leave()
		return context.Canceled
	}
	lb.OnError(func(err error) { c.end(a, &Error{Kind: ErrTransportUnavailable, Err: err}) })

	log.Info("%s searching", c.deps.Self.SelfID)
	go c.run(a, lb)
	return nil
}

// Cancel ends the current attempt, whatever its stage, and returns to idle.
// Only the first of concurrent calls does the teardown; the rest are no-ops.
func (c *Controller) Cancel() {
	c.mu.Lock()
	a := c.current
	if a == nil {
		if c.session.Status == StatusError {
			c.setLocked(Session{Status: StatusIdle})
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.end(a, nil)
}

// EndCall hangs up. It is Cancel under the name the call screen uses.
func (c *Controller) EndCall() { c.Cancel() }

// Retry leaves the error state and searches again.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	if c.session.Status != StatusError {
		c.mu.Unlock()
		return ErrNoError
	}
	c.setLocked(Session{Status: StatusIdle})
	c.mu.Unlock()
	return c.StartSearch(ctx)
}

// Close ends any attempt and stops delivering callbacks.
func (c *Controller) Close() {
	c.Cancel()
	c.notify.close()
}

// run matches, negotiates and then watches the call until it ends.
func (c *Controller) run(a *attempt, lb *lobby.Lobby) {
	mm := match.New(c.deps.Self, c.deps.Policy)
	mm.InviteTimeout = c.opts.InviteTimeout

	pairing, err := match.Run(a.ctx, lb, mm)
	if err != nil {
		if a.ctx.Err() == nil {
			c.end(a, err)
		}
		return
	}
	log.Info("%s paired with %s in %s", pairing.SelfID, pairing.PeerID, pairing.SessionID)

	if !c.transition(a, func(s *Session) {
		*s = Session{Status: StatusConnecting, PartnerDisplayName: pairing.PeerDisplayName}
	}) {
		return
	}

	sess, err := c.deps.Backend.Open(a.ctx, pairing, a.local)
	if err != nil {
		if a.ctx.Err() == nil {
			c.end(a, err)
		}
		return
	}
	if !a.attachSession(sess) {
		_ = sess.Close()
		return
	}
	c.watch(a, lb, pairing, sess)
}

// watch follows negotiation events and the partner's lobby record.
func (c *Controller) watch(a *attempt, lb *lobby.Lobby, p match.Pairing, sess negotiation.Session) {
	snaps := lb.Observe()

	var timeout <-chan time.Time
	if c.opts.ConnectTimeout > 0 {
		timer := time.NewTimer(c.opts.ConnectTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var ticker *time.Ticker
	var tick <-chan time.Time
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	seen := false
	for {
		select {
		case ev := <-sess.Events():
			switch ev.Kind {
			case negotiation.EventConnected:
				timeout = nil
				ticker = time.NewTicker(c.opts.TickInterval)
				tick = ticker.C
				c.connected(a)
			case negotiation.EventPeerLeft:
				c.end(a, fmt.Errorf("%w: %s", errPeerLost, ev.Reason))
				return
			case negotiation.EventFailed:
				c.end(a, ev.Err)
				return
			}

		case snap, ok := <-snaps:
			if !ok {
				return
			}
			if _, present := snap.Get(p.PeerID); present {
				seen = true
			} else if seen {
				c.end(a, fmt.Errorf("%w: %s left the lobby", errPeerLost, p.PeerID))
				return
			}

		case <-timeout:
			c.end(a, fmt.Errorf("%w: no media after %s", errPeerLost, c.opts.ConnectTimeout))
			return

		case now := <-tick:
			c.transition(a, func(s *Session) {
				s.ElapsedSeconds = int(now.Sub(s.StartedAt) / time.Second)
			})

		case <-a.ctx.Done():
			return
		}
	}
}

func (c *Controller) connected(a *attempt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != a {
		return
	}
	a.connected = true
	s := c.session
	s.Status = StatusConnected
	s.StartedAt = time.Now()
	s.ElapsedSeconds = 0
	c.setLocked(s)
	log.Info("%s connected to %s", c.deps.Self.SelfID, s.PartnerDisplayName)
}

// transition applies fn to the session if a is still the current attempt.
func (c *Controller) transition(a *attempt, fn func(*Session)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != a {
		return false
	}
	s := c.session
	fn(&s)
	if s != c.session {
		c.setLocked(s)
	}
	return true
}

// end tears a down exactly once and settles the resulting state. A nil
// cause is a local hang-up.
func (c *Controller) end(a *attempt, cause error) {
	c.mu.Lock()
	if c.current != a {
		c.mu.Unlock()
		return
	}
	c.current = nil
	wasConnected := a.connected
	c.mu.Unlock()

	a.release()

	next := Session{Status: StatusIdle}
	var kind ErrorKind
	report, requeue := false, false
	if cause != nil {
		kind = classify(cause)
		switch {
		case kind == ErrPeerLost:
			requeue = !wasConnected && c.opts.Requeue
		case kind == ErrNegotiationFailure && wasConnected:
			// media already flowed; this is an ordinary end of call
		default:
			report = true
			next.Status = StatusError
		}
	}

	c.mu.Lock()
	c.setLocked(next)
	if report {
		if fn := c.onError; fn != nil {
			msg := cause.Error()
			c.notify.push(func() { fn(kind, msg) })
		}
	}
	c.mu.Unlock()

	switch {
	case report:
		log.Warn("%s: %v", c.deps.Self.SelfID, cause)
	case cause != nil:
		log.Info("%s: call ended: %v", c.deps.Self.SelfID, cause)
	default:
		log.Info("%s: hung up", c.deps.Self.SelfID)
	}

	if requeue {
		if err := c.StartSearch(context.Background()); err != nil {
			log.Warn("requeue: %v", err)
		}
	}
}

// setLocked stores s and queues the state callback. c.mu held.
func (c *Controller) setLocked(s Session) {
	c.session = s
	if fn := c.onState; fn != nil {
		c.notify.push(func() { fn(s) })
	}
}

// ---------------------------------------------------------------------------
// attempt: everything acquired for one search, released together
// ---------------------------------------------------------------------------

type attempt struct {
	ctx    context.Context
	cancel context.CancelFunc

	connected bool // guarded by Controller.mu

	mu      sync.Mutex
	closed  bool
	local   *media.LocalStream
	lobby   *lobby.Lobby
	session negotiation.Session
}

func newAttempt() *attempt {
	a := &attempt{}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	return a
}

// attach* hand a resource to the attempt. They report false once the
// attempt is released, and the caller then owns the resource.

func (a *attempt) attachLocal(s *media.LocalStream) bool {
	return a.attach(func() { a.local = s })
}

func (a *attempt) attachLobby(lb *lobby.Lobby) bool {
	return a.attach(func() { a.lobby = lb })
}

func (a *attempt) attachSession(s negotiation.Session) bool {
	return a.attach(func() { a.session = s })
}

func (a *attempt) attach(set func()) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	set()
	return true
}

// release frees whatever was attached. The negotiation goes first so the
// peer is told before the lobby record disappears.
func (a *attempt) release() {
	a.cancel()

	a.mu.Lock()
	a.closed = true
	sess, lb, local := a.session, a.lobby, a.local
	a.mu.Unlock()

	if sess != nil {
		if err := sess.Close(); err != nil {
			log.Debug("close negotiation: %v", err)
		}
	}
	if lb != nil {
		if err := lb.Leave(); err != nil {
			log.Debug("leave lobby: %v", err)
		}
	}
	if local != nil {
		local.Stop()
	}
}

// ---------------------------------------------------------------------------
// notifier: ordered callback delivery off the caller's goroutine
// ---------------------------------------------------------------------------

type notifier struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newNotifier() *notifier {
	n := &notifier{wake: make(chan struct{}, 1), done: make(chan struct{})}
	go n.run()
	return n
}

func (n *notifier) push(fn func()) {
	n.mu.Lock()
	n.queue = append(n.queue, fn)
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	for {
		n.mu.Lock()
		queue := n.queue
		n.queue = nil
		n.mu.Unlock()

		for _, fn := range queue {
			fn()
		}

		select {
		case <-n.wake:
		case <-n.done:
			return
		}
	}
}

func (n *notifier) close() {
	n.once.Do(func() { close(n.done) })
}
