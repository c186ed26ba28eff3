package workers

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/securemsg/internal/logging"
)

// Sizes configures one pool.
type Sizes struct {
	Workers int
	Queue   int
}

// Pools groups the three executors of the engine: E2EE work (key wrapping,
// event dispatch), signature verification and cleanup notifications.
type Pools struct {
	E2EE      *Pool
	Signature *Pool
	Cleanup   *Pool
}

func NewPools(e2ee, signature, cleanup Sizes, l logging.Logger) *Pools {
	return &Pools{
		E2EE:      NewPool("e2ee", e2ee.Workers, e2ee.Queue, CallerRuns, l),
		Signature: NewPool("signature", signature.Workers, signature.Queue, CallerRuns, l),
		Cleanup:   NewPool("cleanup", cleanup.Workers, cleanup.Queue, Discard, l),
	}
}

func (p *Pools) Start() {
	p.E2EE.Start()
	p.Signature.Start()
	p.Cleanup.Start()
}

func (p *Pools) Stop(ctx context.Context) error {
	return errors.Join(
		p.E2EE.Stop(ctx),
		p.Signature.Stop(ctx),
		p.Cleanup.Stop(ctx),
	)
}
