package roomsync

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TypingConfig configures a TypingEmitter.
type TypingConfig struct {
	QuietWindow time.Duration
	Scheduler   Scheduler
	Now         func() time.Time
}

func (c *TypingConfig) defaults() {
	if c.QuietWindow == 0 {
		c.QuietWindow = DefaultQuietWindow
	}
	if c.Scheduler == nil {
		c.Scheduler = wallScheduler{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// TypingEmitter turns local input changes into debounced typing broadcasts.
//
// The first keystroke publishes true. While typing continues, true is
// republished at most once per quiet window so remote indicators do not
// expire. After a quiet window without keystrokes, or when the input is
// emptied, false is published once.
//
// publish is called with the emitter lock held, which keeps true/false in
// order; it must not call back into the emitter.
type TypingEmitter struct {
	cfg     TypingConfig
	publish func(typing bool)
	limiter *rate.Limiter

	mu     sync.Mutex
	active bool
	timer  Timer
	gen    uint64
}

// NewTypingEmitter creates an emitter that reports state changes to publish.
func NewTypingEmitter(publish func(typing bool), config *TypingConfig) *TypingEmitter {
	var cfg TypingConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &TypingEmitter{
		cfg:     cfg,
		publish: publish,
		limiter: rate.NewLimiter(rate.Every(cfg.QuietWindow), 1),
	}
}

// InputChanged reports the current content of the local input.
func (e *TypingEmitter) InputChanged(text string) {
	if text == "" {
		e.Stop()
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	allowed := e.limiter.AllowN(e.cfg.Now(), 1)
	send := !e.active || allowed

	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.timer = e.cfg.Scheduler.AfterFunc(e.cfg.QuietWindow, func() { e.expire(gen) })
	e.active = true

	if send {
		e.publish(true)
	}
}

// Stop publishes false if a typing indicator is up and cancels the timer.
func (e *TypingEmitter) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++
	if e.active {
		e.active = false
		e.publish(false)
	}
}

// Active reports whether the local participant is currently shown as typing.
func (e *TypingEmitter) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *TypingEmitter) expire(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen || !e.active {
		return
	}
	e.active = false
	e.timer = nil
	e.publish(false)
}
