package harness

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/statekit/internal/compiler"
	"github.com/roach88/statekit/internal/ir"
	"github.com/roach88/statekit/internal/testutil"
	"github.com/roach88/statekit/internal/trait"
)

// outcome is the simulated result of one triggered effect.
type outcome struct {
	task    string
	payload ir.IRValue
	result  ir.IRValue
	err     error
	echo    bool

	gate   *testutil.Deferred[ir.IRValue]
	picked chan struct{}
	done   chan struct{}
}

func (o *outcome) isPicked() bool { return closed(o.picked) }
func (o *outcome) isDone() bool   { return closed(o.done) }

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// simulator hands scripted outcomes to task effects. Outcomes are matched
// by task and canonical payload, first in first out.
//
// Thread-safety: all methods are safe for concurrent use.
type simulator struct {
	mu     sync.Mutex
	queued map[string][]*outcome
	held   []*outcome
}

func newSimulator() *simulator {
	return &simulator{queued: make(map[string][]*outcome)}
}

func outcomeKey(taskName string, payload ir.IRValue) string {
	b, err := ir.MarshalCanonical(payload)
	if err != nil {
		return taskName + "\x00" + fmt.Sprint(payload)
	}
	return taskName + "\x00" + string(b)
}

// expect scripts the outcome of the next effect call of taskName with
// payload. A held outcome waits for release.
func (s *simulator) expect(taskName string, payload, result ir.IRValue, err error, hold bool) *outcome {
	o := &outcome{
		task:    taskName,
		payload: payload,
		result:  result,
		err:     err,
		echo:    result == nil && err == nil,
		picked:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	if o.echo {
		o.result = payload
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := outcomeKey(taskName, payload)
	s.queued[key] = append(s.queued[key], o)
	if hold {
		o.gate = testutil.NewDeferred[ir.IRValue]()
		s.held = append(s.held, o)
	}
	return o
}

func (s *simulator) take(taskName string, payload ir.IRValue) *outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := outcomeKey(taskName, payload)
	q := s.queued[key]
	if len(q) == 0 {
		return nil
	}
	o := q[0]
	s.queued[key] = q[1:]
	return o
}

// effect returns the effect of taskName. Calls without a scripted outcome
// echo their payload.
func (s *simulator) effect(taskName string) compiler.TaskEffect {
	return func(ctx context.Context, payload ir.IRValue) (ir.IRValue, error) {
		o := s.take(taskName, payload)
		if o == nil {
			return payload, nil
		}
		close(o.picked)
		defer close(o.done)
		if o.gate != nil {
			return o.gate.Wait(ctx)
		}
		return o.result, o.err
	}
}

// release settles every held outcome of taskName and returns them.
func (s *simulator) release(taskName string) []*outcome {
	s.mu.Lock()
	var released, kept []*outcome
	for _, o := range s.held {
		if o.task == taskName {
			released = append(released, o)
		} else {
			kept = append(kept, o)
		}
	}
	s.held = kept
	s.mu.Unlock()

	for _, o := range released {
		if o.err != nil {
			o.gate.Reject(o.err)
		} else {
			o.gate.Resolve(o.result)
		}
	}
	return released
}

// blocking reports whether a held outcome could still keep a runner busy.
func (s *simulator) blocking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.held {
		if !o.isDone() {
			return true
		}
	}
	return false
}

// abandon rejects every held outcome and returns those whose effect was
// still waiting.
func (s *simulator) abandon() []*outcome {
	s.mu.Lock()
	held := s.held
	s.held = nil
	s.mu.Unlock()

	var waiting []*outcome
	for _, o := range held {
		if o.isPicked() && !o.isDone() {
			waiting = append(waiting, o)
		}
		o.gate.Reject(context.Canceled)
	}
	return waiting
}

// resources builds simulated loaders from the scenario stubs.
func resources(stubs map[string][]ResourceStub) (*trait.Resources, error) {
	res := trait.NewResources()
	for name, list := range stubs {
		type entry struct {
			key   ir.IRValue
			value ir.IRValue
			err   string
		}
		entries := make([]entry, 0, len(list))
		for i, stub := range list {
			var e entry
			if present(stub.Key) {
				k, err := nodeValue(stub.Key)
				if err != nil {
					return nil, fmt.Errorf("resources.%s[%d].key: %w", name, i, err)
				}
				e.key = k
			}
			if present(stub.Value) {
				v, err := nodeValue(stub.Value)
				if err != nil {
					return nil, fmt.Errorf("resources.%s[%d].value: %w", name, i, err)
				}
				e.value = v
			}
			e.err = stub.Error
			entries = append(entries, e)
		}

		resource := name
		res.Register(name, func(_ context.Context, key ir.IRValue) (ir.IRValue, error) {
			for _, e := range entries {
				if e.key != nil && !ir.Equal(e.key, key) {
					continue
				}
				if e.err != "" {
					return nil, errors.New(e.err)
				}
				return e.value, nil
			}
			return nil, fmt.Errorf("resource %s: no simulated value for key %v", resource, key)
		})
	}
	return res, nil
}
