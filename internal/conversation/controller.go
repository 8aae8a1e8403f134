// Package conversation runs edit and ask turns against a session: it
// serializes turns per session, calls the generator and records the exchange.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/comigor/khitab/internal/llm"
	"github.com/comigor/khitab/internal/logger"
	"github.com/comigor/khitab/internal/session"
	"github.com/qmuntal/stateless"
)

// ErrInvalidInput reports a blank required argument.
var ErrInvalidInput = errors.New("invalid input")

type phase string

const (
	phaseResolving  phase = "Resolving"
	phaseGenerating phase = "Generating"
	phaseRecording  phase = "Recording"
	phaseDone       phase = "Done"
	phaseFailed     phase = "Failed"
)

type trigger string

const (
	triggerResolved  trigger = "Resolved"
	triggerGenerated trigger = "Generated"
	triggerRecorded  trigger = "Recorded"
	triggerFailed    trigger = "Failed"
)

type turnKind string

const (
	kindEdit turnKind = "edit"
	kindAsk  turnKind = "ask"
)

// turn carries the state of one operation through the phases.
type turn struct {
	kind          turnKind
	id            string
	currentLetter string
	input         string

	sess   *session.Session
	req    llm.Request
	output string
	err    error
}

// Controller implements edit and ask on top of a session store.
type Controller struct {
	store  session.Store
	guard  session.Guard
	gen    llm.Generator
	logger *slog.Logger
}

// New creates a Controller. The guard must live on the same backing as the
// store when several workers share it.
func New(store session.Store, guard session.Guard, gen llm.Generator) *Controller {
	return &Controller{
		store:  store,
		guard:  guard,
		gen:    gen,
		logger: logger.With("conversation"),
	}
}

// Edit applies feedback to currentLetter and returns the updated letter.
func (c *Controller) Edit(ctx context.Context, id, currentLetter, feedback string) (string, error) {
	if strings.TrimSpace(currentLetter) == "" {
		return "", fmt.Errorf("%w: current_letter is required", ErrInvalidInput)
	}
	if strings.TrimSpace(feedback) == "" {
		return "", fmt.Errorf("%w: feedback is required", ErrInvalidInput)
	}
	return c.run(ctx, &turn{kind: kindEdit, id: id, currentLetter: currentLetter, input: feedback})
}

// Ask answers a question about the letter. currentLetter may be empty.
func (c *Controller) Ask(ctx context.Context, id, question, currentLetter string) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", fmt.Errorf("%w: question is required", ErrInvalidInput)
	}
	return c.run(ctx, &turn{kind: kindAsk, id: id, currentLetter: currentLetter, input: question})
}

func (c *Controller) newMachine(t *turn) *stateless.StateMachine {
	fsm := stateless.NewStateMachine(phaseResolving)

	fsm.Configure(phaseResolving).
		Permit(triggerResolved, phaseGenerating).
		Permit(triggerFailed, phaseFailed)
	fsm.Configure(phaseGenerating).
		Permit(triggerGenerated, phaseRecording).
		Permit(triggerFailed, phaseFailed)
	fsm.Configure(phaseRecording).
		Permit(triggerRecorded, phaseDone).
		Permit(triggerFailed, phaseFailed)

	fsm.OnTransitioned(func(_ context.Context, tr stateless.Transition) {
		c.logger.Debug("turn transition",
			"session_id", t.id, "kind", t.kind,
			"from", tr.Source, "to", tr.Destination, "trigger", tr.Trigger)
	})
	return fsm
}

func (c *Controller) run(ctx context.Context, t *turn) (string, error) {
	release, err := c.guard.Acquire(ctx, t.id)
	if err != nil {
		return "", fmt.Errorf("%s %s: acquire session: %w", t.kind, t.id, err)
	}
	defer release()

	fsm := c.newMachine(t)
	for {
		current := fsm.MustState()
		if current == phaseDone || current == phaseFailed {
			break
		}
		next := c.step(ctx, current.(phase), t)
		if err := fsm.FireCtx(ctx, next); err != nil {
			return "", fmt.Errorf("%s %s: %w", t.kind, t.id, err)
		}
	}

	if t.err != nil {
		if !errors.Is(t.err, session.ErrNotFound) && ctx.Err() == nil {
			c.logger.Warn("turn failed", "session_id", t.id, "kind", t.kind, "error", t.err)
		}
		return "", fmt.Errorf("%s %s: %w", t.kind, t.id, t.err)
	}
	c.logger.Info("turn completed", "session_id", t.id, "kind", t.kind, "messages", len(t.sess.History)+2)
	return t.output, nil
}

// step performs the work of one phase and returns the trigger that leaves it.
func (c *Controller) step(ctx context.Context, p phase, t *turn) trigger {
	switch p {
	case phaseResolving:
		// the window restarts now so a slow generation cannot outlive it
		if _, err := c.store.Touch(ctx, t.id); err != nil {
			t.err = err
			return triggerFailed
		}
		sess, err := c.store.Get(ctx, t.id)
		if err != nil {
			t.err = err
			return triggerFailed
		}
		t.sess = sess
		if t.kind == kindEdit {
			t.req = editRequest(sess, t.currentLetter, t.input)
		} else {
			t.req = askRequest(sess, t.input, t.currentLetter)
		}
		return triggerResolved

	case phaseGenerating:
		out, err := c.gen.Generate(ctx, t.req)
		if err != nil {
			t.err = err
			return triggerFailed
		}
		if t.kind == kindEdit {
			out = cleanLetter(out)
			if out == "" {
				t.err = fmt.Errorf("%w: letter is empty", llm.ErrMalformedOutput)
				return triggerFailed
			}
		}
		t.output = out
		return triggerGenerated

	case phaseRecording:
		err := c.store.Append(ctx, t.id,
			session.Message{Role: session.RoleUser, Content: t.input},
			session.Message{Role: session.RoleAssistant, Content: t.output},
		)
		if err == nil {
			_, err = c.store.Touch(ctx, t.id)
		}
		if err != nil {
			t.err = err
			return triggerFailed
		}
		return triggerRecorded
	}

	t.err = fmt.Errorf("unexpected phase %q", p)
	return triggerFailed
}
