package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

type UpdateOptions struct {
	// Silent edits the message without pinging the channel.
	Silent bool
}

// UpdateFunc re-renders the channel's signup message from the current roster.
type UpdateFunc func(ctx context.Context, channelID string, opts UpdateOptions) error

type dispatchState int

const (
	dispatchIdle dispatchState = iota
	dispatchInFlight
	dispatchInFlightQueued
)

func (s dispatchState) String() string {
	switch s {
	case dispatchInFlight:
		return "in_flight"
	case dispatchInFlightQueued:
		return "in_flight_queued"
	default:
		return "idle"
	}
}

type channelDispatch struct {
	state   dispatchState
	pending UpdateOptions
}

// UpdateDispatcher coalesces re-render requests per channel. At most one update
// runs per channel; requests arriving meanwhile collapse into one follow-up
// that starts after a short delay and reads the state fresh.
type UpdateDispatcher struct {
	sync.Mutex
	ctx     context.Context
	logger  *zap.Logger
	metrics Metrics
	update  UpdateFunc
	delay   time.Duration
	timeout time.Duration

	channels map[string]*channelDispatch
	running  sync.WaitGroup
}

func NewUpdateDispatcher(ctx context.Context, logger *zap.Logger, metrics Metrics, update UpdateFunc, delay, timeout time.Duration) *UpdateDispatcher {
	return &UpdateDispatcher{
		ctx:      ctx,
		logger:   logger.With(zap.String("component", "update_dispatcher")),
		metrics:  metrics,
		update:   update,
		delay:    delay,
		timeout:  timeout,
		channels: make(map[string]*channelDispatch),
	}
}

// RequestUpdate asks for the channel's message to be re-rendered. When an
// update is already running, the latest options are kept for the follow-up.
func (d *UpdateDispatcher) RequestUpdate(channelID string, opts UpdateOptions) {
	d.Lock()
	defer d.Unlock()

	c, ok := d.channels[channelID]
	if !ok {
		c = &channelDispatch{}
		d.channels[channelID] = c
	}

	switch c.state {
	case dispatchIdle:
		c.state = dispatchInFlight
		d.running.Add(1)
		go d.run(channelID, opts)
	case dispatchInFlight, dispatchInFlightQueued:
		c.state = dispatchInFlightQueued
		c.pending = opts
		d.metrics.CustomCounter("dispatcher_coalesced", nil, 1)
	}
}

// State reports the channel's dispatch state.
func (d *UpdateDispatcher) State(channelID string) string {
	d.Lock()
	defer d.Unlock()
	if c, ok := d.channels[channelID]; ok {
		return c.state.String()
	}
	return dispatchIdle.String()
}

// Wait blocks until no update is running.
func (d *UpdateDispatcher) Wait() {
	d.running.Wait()
}

func (d *UpdateDispatcher) setIdle(channelID string) {
	d.Lock()
	d.channels[channelID].state = dispatchIdle
	d.Unlock()
}

func (d *UpdateDispatcher) run(channelID string, opts UpdateOptions) {
	defer d.running.Done()

	for {
		d.apply(channelID, opts)

		d.Lock()
		c := d.channels[channelID]
		if c.state != dispatchInFlightQueued {
			c.state = dispatchIdle
			d.Unlock()
			return
		}
		c.state = dispatchInFlight
		opts = c.pending
		c.pending = UpdateOptions{}
		d.Unlock()

		select {
		case <-time.After(d.delay):
		case <-d.ctx.Done():
			d.setIdle(channelID)
			return
		}
	}
}

func (d *UpdateDispatcher) apply(channelID string, opts UpdateOptions) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Panic in message update", zap.String("channel_id", channelID), zap.Any("panic", r))
		}
	}()

	if err := d.update(ctx, channelID, opts); err != nil {
		var renderErr *RenderError
		if !errors.As(err, &renderErr) {
			err = &RenderError{ChannelID: channelID, Err: err}
		}
		d.metrics.CustomCounter("render_error", nil, 1)
		d.logger.Warn("Failed to update signup message", zap.String("channel_id", channelID), zap.Bool("silent", opts.Silent), zap.Error(err))
		return
	}
	d.metrics.CustomTimer("render", nil, time.Since(start))
	d.logger.Debug("Updated signup message", zap.String("channel_id", channelID), zap.Duration("took", time.Since(start)))
}
