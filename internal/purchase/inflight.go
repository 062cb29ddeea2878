package purchase

import (
	"context"

	"github.com/MrJamesThe3rd/iapkit/internal/actor"
)

// inflight is the set of product ids with a purchase attempt in progress.
type inflight struct {
	loop *actor.Loop
	ids  map[string]struct{}
}

func newInflight() *inflight {
	return &inflight{loop: actor.New(), ids: make(map[string]struct{})}
}

func (g *inflight) acquire(ctx context.Context, productID string) (bool, error) {
	var ok bool

	err := g.loop.Do(ctx, func() {
		if _, busy := g.ids[productID]; busy {
			return
		}

		g.ids[productID] = struct{}{}
		ok = true
	})

	return ok, err
}

// release runs even when the caller's context is already cancelled.
func (g *inflight) release(productID string) {
	_ = g.loop.Exec(func() { delete(g.ids, productID) })
}

func (g *inflight) contains(ctx context.Context, productID string) bool {
	var ok bool

	_ = g.loop.Do(ctx, func() { _, ok = g.ids[productID] })

	return ok
}

func (g *inflight) len(ctx context.Context) int {
	var n int

	_ = g.loop.Do(ctx, func() { n = len(g.ids) })

	return n
}

func (g *inflight) stop() {
	g.loop.Stop()
}
