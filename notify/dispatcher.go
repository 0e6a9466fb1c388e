package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type channel uint8

const (
	channelEmail channel = iota + 1
	channelSMS
)

type job struct {
	channel channel
	msg     Message
}

// DispatcherConfig sizes the delivery queue.
type DispatcherConfig struct {
	QueueSize   int
	SendTimeout time.Duration
}

// Dispatcher queues messages and delivers them from a single worker. A full
// queue drops the message and counts it.
type Dispatcher struct {
	email   EmailSender
	sms     SMSSender
	logger  *slog.Logger
	timeout time.Duration

	ch        chan job
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	failed    atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewDispatcher starts a dispatcher. Either sender may be nil, in which case
// messages for that channel are logged and discarded.
func NewDispatcher(email EmailSender, sms SMSSender, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		email:   email,
		sms:     sms,
		logger:  logger,
		timeout: cfg.SendTimeout,
		ch:      make(chan job, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Email queues msg for email delivery.
func (d *Dispatcher) Email(_ context.Context, msg Message) { d.enqueue(job{channel: channelEmail, msg: msg}) }

// SMS queues msg for SMS delivery.
func (d *Dispatcher) SMS(_ context.Context, msg Message) { d.enqueue(job{channel: channelSMS, msg: msg}) }

func (d *Dispatcher) enqueue(j job) {
	if d == nil || d.closed.Load() {
		return
	}
	select {
	case d.ch <- j:
	case <-d.done:
	default:
		d.dropped.Add(1)
		d.logger.Warn("dwayauth: notification queue full", "template", j.msg.Template)
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case j := <-d.ch:
			d.deliver(j)
		case <-d.done:
			for {
				select {
				case j := <-d.ch:
					d.deliver(j)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	var err error
	switch j.channel {
	case channelEmail:
		if d.email == nil {
			err = ErrNoSender
		} else {
			err = d.email.SendEmail(ctx, j.msg)
		}
	case channelSMS:
		if d.sms == nil {
			err = ErrNoSender
		} else {
			err = d.sms.SendSMS(ctx, j.msg)
		}
	}
	if err != nil {
		d.failed.Add(1)
		d.logger.Warn("dwayauth: notification delivery failed", "template", j.msg.Template, "error", err)
	}
}

// Close stops accepting messages and drains the queue.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped returns how many messages were discarded because the queue was full.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// Failed returns how many deliveries returned an error.
func (d *Dispatcher) Failed() uint64 {
	if d == nil {
		return 0
	}
	return d.failed.Load()
}
