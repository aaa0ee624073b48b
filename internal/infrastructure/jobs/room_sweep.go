package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hilthontt/ephemera/internal/infrastructure/logging"
	"github.com/sourcegraph/conc"
)

// Sweeper is the part of the coordinator the sweep job drives.
type Sweeper interface {
	SweepExpiredRooms(ctx context.Context) (int, error)
	SweepIdleConnections(ctx context.Context, timeout time.Duration) int
}

type RoomSweepJob struct {
	sweeper     Sweeper
	logger      logging.Logger
	interval    time.Duration
	idleTimeout time.Duration

	stopChan chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	done     chan struct{}
}

func NewRoomSweepJob(sweeper Sweeper, logger logging.Logger, interval, idleTimeout time.Duration) *RoomSweepJob {
	if interval <= 0 {
		interval = time.Minute
	}
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	return &RoomSweepJob{
		sweeper:     sweeper,
		logger:      logger,
		interval:    interval,
		idleTimeout: idleTimeout,
		stopChan:    make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start blocks until Stop is called or ctx is cancelled.
func (j *RoomSweepJob) Start(ctx context.Context) {
	if !j.started.CompareAndSwap(false, true) {
		return
	}
	defer close(j.done)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Info(logging.Room, logging.Sweep, "Room sweep job started", map[logging.ExtraKey]any{
		logging.Latency: j.interval.String(),
	})

	for {
		select {
		case <-ticker.C:
			j.RunOnce(ctx)
		case <-j.stopChan:
			j.logger.Info(logging.Room, logging.Sweep, "Room sweep job stopped", nil)
			return
		case <-ctx.Done():
			j.logger.Info(logging.Room, logging.Sweep, "Room sweep job context cancelled", nil)
			return
		}
	}
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (j *RoomSweepJob) Stop() {
	j.stopOnce.Do(func() {
		close(j.stopChan)
	})
	if j.started.Load() {
		<-j.done
	}
}

// RunOnce sweeps expired rooms and idle connections concurrently.
func (j *RoomSweepJob) RunOnce(ctx context.Context) {
	startTime := time.Now()

	var (
		wg      conc.WaitGroup
		rooms   int
		idle    int
		roomErr error
	)
	wg.Go(func() {
		rooms, roomErr = j.sweeper.SweepExpiredRooms(ctx)
	})
	wg.Go(func() {
		idle = j.sweeper.SweepIdleConnections(ctx, j.idleTimeout)
	})
	wg.Wait()

	if roomErr != nil {
		j.logger.Error(logging.Room, logging.Sweep, "Expired room sweep failed", map[logging.ExtraKey]any{
			logging.ErrorMessage: roomErr.Error(),
			logging.Latency:      time.Since(startTime).String(),
		})
	}

	if rooms > 0 {
		j.logger.Info(logging.Room, logging.Sweep, "Sweep completed", map[logging.ExtraKey]any{
			logging.Count:   rooms,
			logging.Reason:  "expired rooms",
			logging.Latency: time.Since(startTime).String(),
		})
	}
	if idle > 0 {
		j.logger.Info(logging.WebSocket, logging.Sweep, "Idle connections evicted", map[logging.ExtraKey]any{
			logging.Count:   idle,
			logging.Latency: time.Since(startTime).String(),
		})
	}
}
