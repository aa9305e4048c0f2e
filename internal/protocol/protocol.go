// internal/protocol/protocol.go
//
// The interactive prompt capability shared by the ready-check, captain
// draft, map veto and map vote. A prompt renders state onto a Surface,
// receives Signals routed by message identifier, and resolves to either a
// completed value or a timeout.
package protocol

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned by a protocol whose deadline elapsed. The draft and
// veto treat it as terminal; the ready-check and vote fold it into a partial
// result.
var ErrTimeout = errors.New("protocol: timed out")

// Signal is one confirmable input: a user selected a choice token on a
// prompt. Choice tokens are the same emoji-style strings the surface offers.
type Signal struct {
	PromptID string
	UserID   string
	Choice   string
}

// Field is a titled section of a prompt view.
type Field struct {
	Name  string
	Value string
}

// View is the render state a prompt pushes to its surface.
type View struct {
	Title       string
	Description string
	Fields      []Field
	Footer      string
}

// Surface is the messaging capability a prompt drives. Implementations are
// best-effort; a prompt never fails because a display update did.
type Surface interface {
	// ID is the platform identifier signals for this surface carry.
	ID() string
	// Update re-renders the prompt display.
	Update(ctx context.Context, view View) error
	// Offer makes choice tokens selectable.
	Offer(ctx context.Context, choices []string) error
	// Retract removes a spent choice token from everyone.
	Retract(ctx context.Context, choice string) error
	// Withdraw undoes a single illegal input.
	Withdraw(ctx context.Context, sig Signal) error
	// Clear removes all choice tokens.
	Clear(ctx context.Context) error
}

// Router fans inbound signals out to the prompt that owns them. Signals for
// unknown prompts are dropped.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]func(Signal)
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]func(Signal))}
}

// Bind registers a handler for a prompt identifier, replacing any previous one.
func (r *Router) Bind(promptID string, fn func(Signal)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[promptID] = fn
}

// Release removes the handler for a prompt identifier.
func (r *Router) Release(promptID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, promptID)
}

// Dispatch delivers a signal to its prompt, if one is bound.
func (r *Router) Dispatch(sig Signal) {
	r.mu.RLock()
	fn := r.handlers[sig.PromptID]
	r.mu.RUnlock()
	if fn != nil {
		fn(sig)
	}
}

// prompt is the shared half of every interactive protocol: router binding,
// the completion future and the deadline. Embedding types guard their state
// with mu and call complete once their terminal condition holds.
type prompt struct {
	router  *Router
	surface Surface

	mu     sync.Mutex
	done   chan struct{}
	sealed bool
}

func newPrompt(router *Router, surface Surface) prompt {
	return prompt{
		router:  router,
		surface: surface,
		done:    make(chan struct{}),
	}
}

// complete resolves the prompt. Caller must hold mu.
func (p *prompt) complete() {
	if !p.sealed {
		p.sealed = true
		close(p.done)
	}
}

// bind starts routing signals for this prompt to fn.
func (p *prompt) bind(fn func(Signal)) {
	p.router.Bind(p.surface.ID(), fn)
}

// release seals the prompt and stops routing. Late signals arriving between
// the deadline and release are no-ops because handlers check sealed.
func (p *prompt) release() {
	p.mu.Lock()
	if !p.sealed {
		p.sealed = true
		close(p.done)
	}
	p.mu.Unlock()
	p.router.Release(p.surface.ID())
}

// await blocks until completion, the timeout, or context cancellation.
func (p *prompt) await(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
