package authority

import (
	"sync"

	"github.com/zmlAEQ/aequa-quorum/internal/tss/bls"
	"github.com/zmlAEQ/aequa-quorum/pkg/logger"
	"github.com/zmlAEQ/aequa-quorum/pkg/metrics"
)

// KeyCell holds a node's key material. It is written at most once; the DKG
// writes it and request handlers read it.
type KeyCell struct {
	mu sync.RWMutex
	km *bls.KeyMaterial
}

// Install stores km unless key material is already present. It reports
// whether km was stored.
func (c *KeyCell) Install(km bls.KeyMaterial) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.km != nil {
		metrics.Inc("keycell_install_total", map[string]string{"result": "ignored"})
		logger.WarnJ("keycell", map[string]any{"op": "install", "result": "ignored"})
		return false
	}
	c.km = &km
	metrics.Inc("keycell_install_total", map[string]string{"result": "ok"})
	metrics.SetGauge("keycell_installed", nil, 1)
	return true
}

func (c *KeyCell) Get() (bls.KeyMaterial, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.km == nil {
		return bls.KeyMaterial{}, false
	}
	return *c.km, true
}

func (c *KeyCell) Installed() bool {
	_, ok := c.Get()
	return ok
}
