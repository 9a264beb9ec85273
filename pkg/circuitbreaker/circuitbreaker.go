package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned while the breaker refuses calls.
var ErrOpen = errors.New("circuit breaker is open")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Settings tunes the breaker. Threshold consecutive failures open it;
// after Cooldown a limited number of probe calls decide whether it
// closes again.
type Settings struct {
	Threshold      int
	Cooldown       time.Duration
	HalfOpenProbes int
}

func DefaultSettings() Settings {
	return Settings{
		Threshold:      5,
		Cooldown:       30 * time.Second,
		HalfOpenProbes: 2,
	}
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	settings Settings
	onChange func(from, to State)

	mu        sync.Mutex
	state     State
	failures  int
	probes    int
	successes int
	openedAt  time.Time
}

func New(settings Settings) *Breaker {
	if settings.Threshold <= 0 {
		settings.Threshold = 1
	}
	if settings.HalfOpenProbes <= 0 {
		settings.HalfOpenProbes = 1
	}
	return &Breaker{settings: settings}
}

// OnStateChange installs a transition hook. Called outside the lock.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.onChange = fn
}

// Do runs fn if the breaker allows it. Failures count against the
// threshold; ErrOpen is returned without calling fn while open.
func (b *Breaker) Do(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}

	err := fn()
	b.after(err == nil)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()

	switch b.state {
	case Open:
		if time.Since(b.openedAt) < b.settings.Cooldown {
			b.mu.Unlock()
			return ErrOpen
		}
		b.transition(HalfOpen)
		b.probes = 1
		b.mu.Unlock()
		return nil
	case HalfOpen:
		if b.probes >= b.settings.HalfOpenProbes {
			b.mu.Unlock()
			return ErrOpen
		}
		b.probes++
		b.mu.Unlock()
		return nil
	default:
		b.mu.Unlock()
		return nil
	}
}

func (b *Breaker) after(success bool) {
	b.mu.Lock()

	if success {
		switch b.state {
		case HalfOpen:
			b.successes++
			if b.successes >= b.settings.HalfOpenProbes {
				b.transition(Closed)
			}
		default:
			b.failures = 0
		}
		b.mu.Unlock()
		return
	}

	switch b.state {
	case HalfOpen:
		b.transition(Open)
	default:
		b.failures++
		if b.failures >= b.settings.Threshold {
			b.transition(Open)
		}
	}
	b.mu.Unlock()
}

// transition must be called with the lock held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	switch to {
	case Open:
		b.openedAt = time.Now()
	case Closed:
		b.failures = 0
	}
	b.probes = 0
	b.successes = 0

	if b.onChange != nil {
		go b.onChange(from, to)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
