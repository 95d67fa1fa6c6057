// Package corecontext defines the explicit capability context passed
// through bbscore's function signatures in place of the cyclic
// BBS<->session<->dispatcher<->store references between components.
// Every component that needs the store, transport, crypto envelope,
// config, metrics, or logger takes a *Context rather than reaching for a
// global or a parent object.
package corecontext

import (
	"go.uber.org/zap"

	"github.com/n8n-radio/bbscore/internal/config"
	"github.com/n8n-radio/bbscore/internal/cryptoenv"
	"github.com/n8n-radio/bbscore/internal/observability"
	"github.com/n8n-radio/bbscore/internal/store"
	"github.com/n8n-radio/bbscore/internal/transport"
)

// Context bundles the capabilities every bbscore component is built from.
// Construct once at startup in cmd/bbscore and pass by pointer.
type Context struct {
	Config    *config.Config
	Store     *store.Store
	Transport *transport.Facade
	Crypto    *cryptoenv.Envelope
	Metrics   *observability.Metrics
	Logger    *zap.Logger
}

// New assembles a Context from already-constructed capabilities. Each
// argument must be non-nil; callers (cmd/bbscore) own construction order.
func New(cfg *config.Config, st *store.Store, tr *transport.Facade, crypto *cryptoenv.Envelope, metrics *observability.Metrics, logger *zap.Logger) *Context {
	return &Context{
		Config:    cfg,
		Store:     st,
		Transport: tr,
		Crypto:    crypto,
		Metrics:   metrics,
		Logger:    logger,
	}
}
