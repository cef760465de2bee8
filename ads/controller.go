// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package ads

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

// Single byte commands understood by the device.
const (
	cmdStop            = 0xFF
	cmdHardwareRequest = 0xFA
	cmdPing            = 0xFB
	cmdHello           = 0xFD
)

const (
	defaultPollInterval = time.Second
	defaultSettleDelay  = time.Second
	defaultStartTimeout = 30 * time.Second
	activePeriod        = 2 * time.Second
)

// State is the device acquisition state as known by the controller.
type State int32

const (
	// StateUndefined means no communication with the device is confirmed.
	StateUndefined State = iota
	// StateStopped means the device acknowledged a stop.
	StateStopped
	// StateRecording means acquisition was commanded.
	StateRecording
)

func (s State) String() string {
	switch s {
	case StateUndefined:
		return "undefined"
	case StateStopped:
		return "stopped"
	case StateRecording:
		return "recording"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger used by the controller and its decoders.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithPollInterval sets the period of hardware requests and pings.
func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) {
		c.pollInterval = d
	}
}

// WithSettleDelay sets how long the device is given to stop.
func WithSettleDelay(d time.Duration) Option {
	return func(c *Controller) {
		c.settleDelay = d
	}
}

// WithStartTimeout sets the time limit of the starting sequence.
func WithStartTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.startTimeout = d
	}
}

// Controller drives the device over a Transport. All device commands run on
// a single worker so monitoring, starting, pinging and stopping never
// overlap. Incoming bytes are decoded on the transport's goroutine, which
// only touches atomic fields and the registered listeners.
type Controller struct {
	transport    Transport
	logger       zerolog.Logger
	pollInterval time.Duration
	settleDelay  time.Duration
	startTimeout time.Duration

	state        atomic.Int32
	deviceType   atomic.Int32
	lastEvent    atomic.Int64 // Unix nanoseconds.
	dataReceived atomic.Bool
	closed       atomic.Bool
	decoder      atomic.Pointer[FrameDecoder]
	events       chan struct{}

	// opMu serializes the public operations.
	opMu   sync.Mutex
	worker *worker

	listenerMu sync.RWMutex
	onData     DataListener
	onMessage  MessageListener
}

// New creates a controller that owns the given open transport.
func New(t Transport, opts ...Option) *Controller {
	c := &Controller{
		transport:    t,
		logger:       log.Logger.With().Str("component", "ads").Logger(),
		pollInterval: defaultPollInterval,
		settleDelay:  defaultSettleDelay,
		startTimeout: defaultStartTimeout,
		events:       make(chan struct{}, 1),
		worker:       newWorker(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.installDecoder(nil)
	t.SetListener(c.onBytes)

	return c
}

// State returns the current device state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// IsRecording reports whether acquisition was commanded.
func (c *Controller) IsRecording() bool {
	return c.State() == StateRecording
}

// IsActive reports whether a device type message or data frame arrived
// within the last two seconds.
func (c *Controller) IsActive() bool {
	last := c.lastEvent.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) <= activePeriod
}

// DeviceType returns the type reported by the device, or DeviceUnknown.
func (c *Controller) DeviceType() DeviceType {
	return DeviceType(c.deviceType.Load())
}

// SetDataListener sets the receiver of numbered data frames, nil removes it.
// During recording every frame is one device sub-frame.
func (c *Controller) SetDataListener(l DataListener) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()

	c.onData = l
}

// SetMessageListener sets the receiver of device messages, nil removes it.
func (c *Controller) SetMessageListener(l MessageListener) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()

	c.onMessage = l
}

// StartMonitoring polls the device with hardware requests once a second,
// replacing any scheduled task.
func (c *Controller) StartMonitoring() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.checkOpen(); err != nil {
		return err
	}
	if c.IsRecording() {
		return fmt.Errorf("%w: device is recording, stop it first", ErrInvalidState)
	}

	c.installDecoder(nil)
	c.worker.cancelAll()

	sendStop := c.State() == StateUndefined
	c.worker.submit(func(ctx context.Context) {
		if sendStop {
			c.command(cmdStop)
		}
		c.repeat(ctx, cmdHardwareRequest)
	})

	c.logger.Debug().Msg("Monitoring started")
	return nil
}

// StartRecording starts acquisition with the given configuration. The
// configuration is normalized on a copy, the caller's value is not modified.
//
// Errors for a closed transport, a recording device or an invalid
// configuration are returned directly and leave the state unchanged. The
// returned channel receives the outcome of the starting sequence: nil once
// the first data frame arrived, or ErrStartTimeout, ErrStartCancelled,
// ErrDeviceTypeMismatch or a transport error.
func (c *Controller) StartRecording(cfg Config) (<-chan error, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if c.IsRecording() {
		return nil, fmt.Errorf("%w: device is recording, stop it first", ErrInvalidState)
	}

	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c.worker.cancelAll()
	c.dataReceived.Store(false)
	c.installDecoder(&cfg)
	prior := State(c.state.Swap(int32(StateRecording)))

	c.logger.Debug().
		Str("from", prior.String()).
		Str("to", StateRecording.String()).
		Msg("State changed")

	result := make(chan error, 1)
	c.worker.submit(func(ctx context.Context) {
		c.startTask(ctx, cfg, prior, result)
	})

	return result, nil
}

// Stop cancels any scheduled task and sends the stop command. The returned
// error only reflects the transmission of the command.
func (c *Controller) Stop() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.checkOpen(); err != nil {
		return err
	}

	c.installDecoder(nil)
	return c.stop()
}

// Disconnect stops the device and closes the transport. It is a no-op if the
// transport is already closed. Listeners are cleared even when closing fails.
func (c *Controller) Disconnect() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.closed.Load() {
		return nil
	}

	var err error
	if c.transport.IsOpen() {
		if stopErr := c.stop(); stopErr != nil {
			c.logger.Warn().Err(stopErr).Msg("Failed to stop device before disconnecting")
		}
		if closeErr := c.transport.Close(); closeErr != nil {
			err = fmt.Errorf("error closing transport: %w", closeErr)
		}
	}

	c.closed.Store(true)
	c.transport.SetListener(nil)
	c.worker.shutdown()
	c.SetDataListener(nil)
	c.SetMessageListener(nil)

	c.logger.Debug().Msg("Disconnected")
	return err
}

func (c *Controller) checkOpen() error {
	if c.closed.Load() || !c.transport.IsOpen() {
		return fmt.Errorf("%w: device is disconnected", ErrInvalidState)
	}
	return nil
}

// stop must be called with opMu held.
func (c *Controller) stop() error {
	c.worker.cancelAll()

	if c.state.CompareAndSwap(int32(StateRecording), int32(StateUndefined)) {
		c.logger.Debug().
			Str("from", StateRecording.String()).
			Str("to", StateUndefined.String()).
			Msg("State changed")
	}

	var err error
	j := c.worker.submit(func(ctx context.Context) {
		if err = c.transport.WriteByte(cmdStop); err != nil {
			return
		}
		_ = sleep(ctx, c.settleDelay)
	})
	<-j.Done()

	if err != nil {
		return fmt.Errorf("error sending stop command: %w", err)
	}
	return nil
}

func (c *Controller) startTask(ctx context.Context, cfg Config, prior State, result chan<- error) {
	defer close(result)

	if err := c.start(ctx, cfg, prior); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to start recording")

		c.command(cmdStop)
		c.state.Store(int32(StateUndefined))
		result <- err
		return
	}

	c.logger.Info().
		Int("sampleRate", int(cfg.SampleRate)).
		Int("channels", len(cfg.EnabledChannels())).
		Msg("Recording started")
	result <- nil

	c.repeat(ctx, cmdPing)
}

func (c *Controller) start(parent context.Context, cfg Config, prior State) error {
	ctx, cancel := context.WithTimeout(parent, c.startTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for c.DeviceType() == DeviceUnknown {
		c.command(cmdHardwareRequest)
		if err := c.awaitEvent(ctx, ticker.C); err != nil {
			return err
		}
	}

	if t := c.DeviceType(); t != cfg.DeviceType {
		return fmt.Errorf("%w: configured %s, connected %s", ErrDeviceTypeMismatch, cfg.DeviceType, t)
	}

	if prior == StateUndefined {
		if err := c.transport.WriteByte(cmdStop); err == nil {
			if err := sleep(ctx, c.settleDelay); err != nil {
				return startError(err)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return startError(err)
	}

	cmd, err := cfg.Command()
	if err != nil {
		return err
	}
	if _, err := c.transport.Write(cmd); err != nil {
		return fmt.Errorf("error sending configuration: %w", err)
	}

	for !c.dataReceived.Load() {
		if err := c.awaitEvent(ctx, nil); err != nil {
			return err
		}
	}
	return nil
}

// awaitEvent blocks until a device event, a tick or the end of ctx.
func (c *Controller) awaitEvent(ctx context.Context, tick <-chan time.Time) error {
	select {
	case <-ctx.Done():
		return startError(ctx.Err())
	case <-c.events:
	case <-tick:
	}
	return nil
}

func startError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrStartTimeout
	}
	return ErrStartCancelled
}

// repeat sends cmd every poll interval until ctx is done.
func (c *Controller) repeat(ctx context.Context, cmd byte) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		c.command(cmd)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Controller) command(cmd byte) {
	if err := c.transport.WriteByte(cmd); err != nil {
		c.logger.Warn().Err(err).Msgf("Failed to send command 0x%02X", cmd)
	}
}

func (c *Controller) installDecoder(cfg *Config) {
	d := NewFrameDecoder(cfg, c.logger)
	if cfg != nil {
		d.SetDataListener(c.handleData)
	}
	d.SetMessageListener(c.handleMessage)
	c.decoder.Store(d)
}

func (c *Controller) onBytes(p []byte) {
	if d := c.decoder.Load(); d != nil {
		d.Feed(p)
	}
}

func (c *Controller) handleData(frame []int, number int) {
	c.lastEvent.Store(time.Now().UnixNano())
	c.dataReceived.Store(true)
	c.signal()

	c.listenerMu.RLock()
	l := c.onData
	c.listenerMu.RUnlock()
	if l != nil {
		l(frame, number)
	}
}

func (c *Controller) handleMessage(m Message) {
	switch m.Type {
	case MessageDeviceType:
		if old := DeviceType(c.deviceType.Swap(int32(m.DeviceType))); old != m.DeviceType {
			c.logger.Info().Str("deviceType", m.DeviceType.String()).Msg("Device type detected")
		}
		c.lastEvent.Store(time.Now().UnixNano())
	case MessageStopRecording:
		if c.state.CompareAndSwap(int32(StateUndefined), int32(StateStopped)) {
			c.logger.Debug().
				Str("from", StateUndefined.String()).
				Str("to", StateStopped.String()).
				Msg("State changed")
		}
	case MessageFrameBroken:
		c.logger.Info().Msg(m.Info)
	}
	c.signal()

	c.listenerMu.RLock()
	l := c.onMessage
	c.listenerMu.RUnlock()
	if l != nil {
		l(m)
	}
}

// signal wakes a task waiting in awaitEvent without blocking.
func (c *Controller) signal() {
	select {
	case c.events <- struct{}{}:
	default:
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
