package service

import (
	"context"
	"errors"
	"sync"

	"github.com/tendermint/blockstream/libs/log"
)

var (
	// ErrAlreadyStarted is returned when somebody tries to start an already
	// running service.
	ErrAlreadyStarted = errors.New("already started")
	// ErrAlreadyStopped is returned when somebody tries to start a stopped
	// service.
	ErrAlreadyStopped = errors.New("already stopped")
)

// Service defines a service that can be started and stopped.
type Service interface {
	// Start is called to start the service, which should run until
	// the context terminates. If the service is already running, Start
	// must report an error.
	Start(context.Context) error

	// Stop stops the service. It is safe to call more than once.
	Stop()

	// Return true if the service is running
	IsRunning() bool

	// String representation of the service
	String() string

	// Wait blocks until the service is stopped.
	Wait()
}

// Implementation describes the implementation that the
// BaseService implementation wraps.
type Implementation interface {
	// Called by the Services Start Method. The context is canceled when
	// the service stops.
	OnStart(context.Context) error

	// Called when the service stops.
	OnStop()
}

/*
BaseService provides start/stop bookkeeping for a service. Users embed it and
implement OnStart/OnStop, which are called at most once each. If OnStart
returns an error the service is not marked as started and may be started
again. OnStart must not call IsRunning.

Typical usage:

	type FooService struct {
		service.BaseService
		// private fields
	}

	func NewFooService(logger log.Logger) *FooService {
		fs := &FooService{}
		fs.BaseService = *service.NewBaseService(logger, "FooService", fs)
		return fs
	}

	func (fs *FooService) OnStart(ctx context.Context) error {
		// start subroutines that run until ctx is done
	}

	func (fs *FooService) OnStop() {
		// close/destroy private fields
	}
*/
type BaseService struct {
	logger log.Logger
	name   string
	mtx    sync.Mutex
	quit   <-chan struct{}
	done   chan struct{}
	cancel context.CancelFunc

	// The "subclass" of BaseService
	impl Implementation
}

// NewBaseService creates a new BaseService.
func NewBaseService(logger log.Logger, name string, impl Implementation) *BaseService {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &BaseService{
		logger: logger,
		name:   name,
		impl:   impl,
	}
}

// Start starts the Service and calls its OnStart method. An error will be
// returned if the service is already running or has been stopped. The
// service stops when the context is canceled.
func (bs *BaseService) Start(ctx context.Context) error {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if bs.quit != nil {
		select {
		case <-bs.quit:
			return ErrAlreadyStopped
		default:
			return ErrAlreadyStarted
		}
	}

	bs.logger.Info("starting service", "service", bs.name)

	srvCtx, cancel := context.WithCancel(context.Background())
	if err := bs.impl.OnStart(srvCtx); err != nil {
		cancel()
		return err
	}

	bs.quit = srvCtx.Done()
	bs.done = make(chan struct{})
	bs.cancel = cancel

	go func() {
		select {
		case <-srvCtx.Done():
			// someone else explicitly called stop
			// and then we shouldn't.
			return
		case <-ctx.Done():
			// the context was canceled and we
			// should stop.
			bs.Stop()
		}

		bs.logger.Info("stopped service", "service", bs.name)
	}()

	return nil
}

// Stop manually terminates the service by calling OnStop method from
// the implementation and releases all resources related to the
// service. IsRunning reports false while OnStop is in progress.
func (bs *BaseService) Stop() {
	bs.mtx.Lock()
	if bs.quit == nil {
		bs.mtx.Unlock()
		return
	}

	select {
	case <-bs.quit:
		bs.mtx.Unlock()
		return
	default:
	}

	bs.cancel()
	done := bs.done
	bs.mtx.Unlock()

	bs.logger.Info("stopping service", "service", bs.name)
	bs.impl.OnStop()
	close(done)
}

// IsRunning implements Service by returning true or false depending on the
// service's state.
func (bs *BaseService) IsRunning() bool {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if bs.quit == nil {
		return false
	}

	select {
	case <-bs.quit:
		return false
	default:
		return true
	}
}

// Wait blocks until the service is stopped. It returns immediately if the
// service was never started.
func (bs *BaseService) Wait() {
	bs.mtx.Lock()
	done := bs.done
	bs.mtx.Unlock()

	if done == nil {
		return
	}
	<-done
}

// String implements Service by returning a string representation of the service.
func (bs *BaseService) String() string { return bs.name }
