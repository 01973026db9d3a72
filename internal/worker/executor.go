// Package worker runs iterative two-dimensional layouts on a dedicated
// goroutine.
//
// An Executor owns one layout at a time and is driven by messages: INIT
// starts the goroutine, RUN sends neighbours and parameters and iterates to
// completion, RERUN repeats the last run while streaming intermediate
// coordinates to an Animator, FETCH reads the current coordinates and KILL
// stops the goroutine. Every message is answered through a Future.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kanaverse/bakana-sub002/internal/kernels"
)

// Op identifies an executor message.
type Op int

const (
	OpInit Op = iota
	OpRun
	OpRerun
	OpFetch
	OpKill
	opRestore
)

func (o Op) String() string {
	switch o {
	case OpInit:
		return "INIT"
	case OpRun:
		return "RUN"
	case OpRerun:
		return "RERUN"
	case OpFetch:
		return "FETCH"
	case OpKill:
		return "KILL"
	case opRestore:
		return "RESTORE"
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

var (
	// ErrNoNeighbors is returned by a run that reuses neighbours which were
	// never sent to the executor.
	ErrNoNeighbors = errors.New("worker: no neighbours have been sent")
	// ErrKilled is returned for messages sent after KILL.
	ErrKilled = errors.New("worker: executor killed")
)

// Layout is an iterative embedding.
type Layout interface {
	Step()
	Coordinates() (x, y []float64)
}

// Builder creates a layout from nearest neighbours.
type Builder func(nn *kernels.Neighbors) Layout

// Animator receives intermediate coordinates.
type Animator func(kind string, x, y []float64, iteration int)

// Spec describes one RUN.
type Spec struct {
	// Neighbors replaces the neighbours held by the executor; nil reuses
	// the neighbours of an earlier run.
	Neighbors  *kernels.Neighbors
	Build      Builder
	Iterations int
	// Animator, when set, receives the coordinates every Every iterations
	// and once at the end.
	Animator Animator
	Every    int
}

// Result is the output of a finished run.
type Result struct {
	X, Y       []float64
	Iterations int
}

// Future resolves when the executor answers a message.
type Future struct {
	done chan struct{}
	res  Result
	err  error
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func (f *Future) resolve(res Result, err error) {
	f.res, f.err = res, err
	close(f.done)
}

// Done is closed once the future resolves.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future resolves or ctx ends.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type message struct {
	op      Op
	spec    Spec
	restore Result
	reply   *Future
}

// Executor runs one layout kind on its own goroutine.
type Executor struct {
	kind string
	log  logrus.FieldLogger

	msgs chan message
	once sync.Once
	quit chan struct{}
	wg   sync.WaitGroup

	// owned by the executor goroutine
	nn     *kernels.Neighbors
	last   Spec
	result Result
}

// New creates an executor for the named layout kind. It does not start
// until Init is called.
func New(kind string, log logrus.FieldLogger) *Executor {
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		log = l
	}
	return &Executor{
		kind: kind,
		log:  log.WithField("executor", kind),
		msgs: make(chan message),
		quit: make(chan struct{}),
	}
}

// Kind returns the layout kind, e.g. "tsne".
func (e *Executor) Kind() string { return e.kind }

// Init starts the executor goroutine. Repeated calls are no-ops.
func (e *Executor) Init() *Future {
	f := newFuture()
	e.once.Do(func() {
		e.wg.Add(1)
		go e.loop()
	})
	f.resolve(Result{}, nil)
	return f
}

// Run sends neighbours and parameters and iterates the layout to
// completion.
func (e *Executor) Run(spec Spec) *Future {
	return e.send(message{op: OpRun, spec: spec})
}

// Rerun repeats the last run from scratch, calling animate with the
// coordinates every `every` iterations and at the end.
func (e *Executor) Rerun(animate Animator, every int) *Future {
	return e.send(message{op: OpRerun, spec: Spec{Animator: animate, Every: every}})
}

// Fetch returns the current coordinates.
func (e *Executor) Fetch() *Future {
	return e.send(message{op: OpFetch})
}

// Restore installs coordinates computed elsewhere. The executor keeps no
// neighbours, so the next run must send them.
func (e *Executor) Restore(res Result) *Future {
	return e.send(message{op: opRestore, restore: res})
}

// Kill stops the executor and waits for its goroutine to exit.
func (e *Executor) Kill() {
	e.Init()
	e.send(message{op: OpKill})
	e.wg.Wait()
}

func (e *Executor) send(m message) *Future {
	m.reply = newFuture()
	e.Init()
	select {
	case e.msgs <- m:
	case <-e.quit:
		m.reply.resolve(Result{}, ErrKilled)
	}
	return m.reply
}

func (e *Executor) loop() {
	defer e.wg.Done()
	for m := range e.msgs {
		switch m.op {
		case OpRun:
			res, err := e.run(m.spec)
			m.reply.resolve(res, err)
		case OpRerun:
			spec := e.last
			spec.Neighbors = nil
			spec.Animator, spec.Every = m.spec.Animator, m.spec.Every
			res, err := e.run(spec)
			m.reply.resolve(res, err)
		case OpFetch:
			m.reply.resolve(e.result, nil)
		case opRestore:
			e.nn, e.last = nil, Spec{}
			e.result = m.restore
			m.reply.resolve(e.result, nil)
		case OpKill:
			close(e.quit)
			m.reply.resolve(e.result, nil)
			e.log.Debug("executor stopped")
			return
		}
	}
}

func (e *Executor) run(spec Spec) (Result, error) {
	if spec.Neighbors != nil {
		e.nn = spec.Neighbors
	}
	if e.nn == nil {
		return Result{}, ErrNoNeighbors
	}
	if spec.Build == nil {
		return Result{}, fmt.Errorf("worker: %s run without a layout builder", e.kind)
	}

	layout := spec.Build(e.nn)
	for it := 1; it <= spec.Iterations; it++ {
		layout.Step()
		if spec.Animator != nil && spec.Every > 0 && it%spec.Every == 0 && it < spec.Iterations {
			x, y := layout.Coordinates()
			spec.Animator(e.kind, x, y, it)
		}
	}
	x, y := layout.Coordinates()
	if spec.Animator != nil {
		spec.Animator(e.kind, x, y, spec.Iterations)
	}

	e.last = Spec{Build: spec.Build, Iterations: spec.Iterations}
	e.result = Result{X: x, Y: y, Iterations: spec.Iterations}
	e.log.WithField("iterations", spec.Iterations).Debug("layout finished")
	return e.result, nil
}
