package goprobe

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

const DefaultAttempts = 3

// State of a single exchange.
//
//	Idle -> FrameSent -> AwaitingResponse -> Validated
//	                                      -> Retrying -> FrameSent ...
//	                                      -> Failed
type State int

const (
	StateIdle State = iota
	StateFrameSent
	StateAwaitingResponse
	StateValidated
	StateRetrying
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateFrameSent:
		return "FrameSent"
	case StateAwaitingResponse:
		return "AwaitingResponse"
	case StateValidated:
		return "Validated"
	case StateRetrying:
		return "Retrying"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

type Transition struct {
	Channel Channel
	Command CommandID
	Attempt int
	From    State
	To      State
	Err     error
}

// Validator inspects the payload of an acknowledged response. Errors wrapped
// with Unrecoverable end the exchange, any other error spends an attempt.
type Validator func(resp *Frame) error

// Engine runs request/response exchanges over the Mux, retrying recoverable
// failures up to its attempt budget.
type Engine struct {
	mux      *Mux
	attempts int
	log      zerolog.Logger
	observer func(Transition)
}

func NewEngine(mux *Mux, attempts int, log zerolog.Logger) *Engine {
	if attempts < 1 {
		attempts = DefaultAttempts
	}
	return &Engine{
		mux:      mux,
		attempts: attempts,
		log:      log.With().Str("component", "engine").Logger(),
	}
}

// SetObserver registers fn to be called on every state transition. It must
// be set before the engine is used. fn is not called for an exchange after
// its Do has returned.
func (e *Engine) SetObserver(fn func(Transition)) {
	e.observer = fn
}

func (e *Engine) Attempts() int {
	return e.attempts
}

type exchange struct {
	req      *Frame
	validate Validator
	state    State
	attempt  int
	cause    error

	// detached is set once Do has returned while the frame may still be on
	// the wire. Later transitions are dropped.
	mu       sync.Mutex
	detached bool
}

// Do sends req and returns the validated response. The returned error is the
// terminal failure: *CommunicationFailure once the budget is spent, or the
// error that ended the exchange early (NAK, unrecoverable validation, closed
// link, ctx).
func (e *Engine) Do(ctx context.Context, req *Frame, validate Validator) (*Frame, error) {
	x := &exchange{req: req, validate: validate, state: StateIdle}
	for {
		switch x.state {
		case StateIdle, StateRetrying:
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			x.attempt++
			resp, err := e.mux.Exchange(ctx, req, func() {
				e.transition(x, StateFrameSent, nil)
				e.transition(x, StateAwaitingResponse, nil)
			})
			if err != nil {
				if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
					x.mu.Lock()
					x.detached = true
					x.mu.Unlock()
					return nil, err
				}
				if !IsRecoverable(err) || errors.Is(err, ErrClosed) {
					return nil, e.fail(x, err)
				}
				e.retryOrFail(x, err)
				continue
			}
			if err := e.check(x, resp); err != nil {
				if !IsRecoverable(err) {
					return nil, e.fail(x, err)
				}
				e.retryOrFail(x, err)
				continue
			}
			e.transition(x, StateValidated, nil)
			return resp, nil
		case StateFailed:
			return nil, &CommunicationFailure{
				Channel:  req.Channel,
				Command:  req.Command,
				Attempts: x.attempt,
				Cause:    x.cause,
			}
		default:
			return nil, Unrecoverable(errors.New("exchange in unexpected state " + x.state.String()))
		}
	}
}

func (e *Engine) check(x *exchange, resp *Frame) error {
	if resp.Channel != x.req.Channel || resp.Command&^FlagNAK != x.req.Command {
		return &MismatchError{
			WantChannel: x.req.Channel,
			WantCommand: x.req.Command,
			GotChannel:  resp.Channel,
			GotCommand:  resp.Command,
		}
	}
	if resp.Command.IsNAK() {
		status := StatusBadCommand
		if len(resp.Payload) > 0 {
			status = Status(resp.Payload[0])
		}
		err := &StatusError{Channel: resp.Channel, Command: x.req.Command, Status: status}
		switch status {
		case StatusBusy, StatusChecksumError:
			return err
		default:
			return Unrecoverable(err)
		}
	}
	if x.validate != nil {
		return x.validate(resp)
	}
	return nil
}

func (e *Engine) retryOrFail(x *exchange, cause error) {
	x.cause = cause
	if x.attempt >= e.attempts {
		e.transition(x, StateFailed, cause)
		return
	}
	e.transition(x, StateRetrying, cause)
}

// fail ends the exchange early and returns the error without its
// unrecoverable marker.
func (e *Engine) fail(x *exchange, err error) error {
	var u unrecoverableError
	if errors.As(err, &u) && u.error != nil {
		err = u.error
	}
	e.transition(x, StateFailed, err)
	return err
}

func (e *Engine) transition(x *exchange, to State, err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.detached {
		return
	}
	t := Transition{
		Channel: x.req.Channel,
		Command: x.req.Command,
		Attempt: x.attempt,
		From:    x.state,
		To:      to,
		Err:     err,
	}
	x.state = to
	ev := e.log.Debug()
	if to == StateRetrying || to == StateFailed {
		ev = e.log.Warn()
	}
	ev.Stringer("channel", t.Channel).
		Stringer("command", t.Command).
		Int("attempt", t.Attempt).
		Stringer("from", t.From).
		Stringer("to", t.To).
		Err(err).
		Msg("exchange")
	if e.observer != nil {
		e.observer(t)
	}
}
