package service

import (
	"context"
	"fmt"

	"github.com/tendermint/blockstream/libs/log"
)

// Group starts a set of services in order and stops them in reverse order.
type Group struct {
	BaseService
	logger   log.Logger
	services []Service
}

// NewGroup returns a service that owns the lifecycle of services.
func NewGroup(logger log.Logger, name string, services ...Service) *Group {
	g := &Group{
		logger:   logger,
		services: services,
	}
	g.BaseService = *NewBaseService(logger, name, g)
	return g
}

func (g *Group) OnStart(ctx context.Context) error {
	for idx, srv := range g.services {
		if err := srv.Start(ctx); err != nil {
			for i := idx - 1; i >= 0; i-- {
				g.services[i].Stop()
			}
			return fmt.Errorf("starting %s: %w", srv, err)
		}
	}
	return nil
}

func (g *Group) OnStop() {
	for i := len(g.services) - 1; i >= 0; i-- {
		g.services[i].Stop()
	}
}
