package corecontext

import (
	"testing"

	"go.uber.org/zap"

	"github.com/n8n-radio/bbscore/internal/config"
	"github.com/n8n-radio/bbscore/internal/observability"
)

func TestNew_BundlesCapabilitiesByPointer(t *testing.T) {
	cfg := config.Defaults()
	metrics := observability.NewMetrics()
	logger := zap.NewNop()

	ctx := New(&cfg, nil, nil, nil, metrics, logger)

	if ctx.Config != &cfg {
		t.Fatal("expected Context.Config to be the same pointer passed in")
	}
	if ctx.Metrics != metrics {
		t.Fatal("expected Context.Metrics to be the same pointer passed in")
	}
	if ctx.Logger != logger {
		t.Fatal("expected Context.Logger to be the same pointer passed in")
	}
	if ctx.Store != nil || ctx.Transport != nil || ctx.Crypto != nil {
		t.Fatal("expected unset capabilities to remain nil")
	}
}
