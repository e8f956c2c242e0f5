package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskpulse/pkg/logx"
)

var (
	// ErrAlreadyExists is returned by Schedule when a job with the same
	// id is still pending.
	ErrAlreadyExists = errors.New("job already scheduled")

	// ErrNotFound is returned by Cancel when no pending job carries the
	// id. Callers treat it as already-cancelled.
	ErrNotFound = errors.New("job not found")
)

// Scheduler is the contract the coordinators require from the external
// trigger service.
type Scheduler interface {
	Schedule(jobID string, fireAt time.Time, payload []byte) error
	Cancel(jobID string) error
}

// FireHandler receives job fires. Delivery is at-least-once: the same
// job id may be handed over more than once, and a returned error causes
// a redelivery after backoff.
type FireHandler func(ctx context.Context, jobID string, payload []byte) error

// Config controls the trigger service.
type Config struct {
	Workers     int
	QueueSize   int
	FireTimeout time.Duration // per handler invocation; 0 disables
	RetryMax    int           // redeliveries after a failed handler call
	RetryBase   time.Duration
	RetryMaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	return c
}

type fire struct {
	jobID    string
	payload  []byte
	enqueued time.Time
}

type maintenanceDef struct {
	name    string
	spec    string
	job     func(ctx context.Context)
	entryID cron.EntryID
}

// Service is the in-process Scheduler implementation.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	handler FireHandler

	c      *cron.Cron
	defs   []maintenanceDef
	parser cron.Parser

	queue  chan fire
	stopCh chan struct{}
	// stopDone is non-nil while a Stop() is in progress; it is closed
	// when workers fully exit.
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	// one-shot timers (timers are runtime; onceAt/oncePayload are
	// persistent definitions rebuilt on Start)
	tmu         sync.Mutex
	timers      map[string]*time.Timer
	onceAt      map[string]time.Time
	oncePayload map[string][]byte
	onceVer     map[string]uint64
}
