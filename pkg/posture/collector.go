package posture

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"
)

// Collector runs posture probes in parallel with a shared timeout. Probe
// failures are recorded per probe and leave the corresponding fact at its
// zero value, which scores as a failed control.
type Collector struct {
	timeout time.Duration
	mu      sync.Mutex
	errors  map[string]string
}

func NewCollector(timeout time.Duration) *Collector {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Collector{
		timeout: timeout,
		errors:  make(map[string]string),
	}
}

// Collect gathers all facts. It never returns an error: a probe that fails
// simply leaves its control failed and the failure is available via Errors.
func (c *Collector) Collect(ctx context.Context) *Facts {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.mu.Lock()
	c.errors = make(map[string]string)
	c.mu.Unlock()

	facts := &Facts{
		OS:          runtime.GOOS,
		CollectedAt: time.Now().UTC(),
	}
	hostname, _ := os.Hostname()
	facts.Hostname = hostname

	var wg sync.WaitGroup
	probes := []struct {
		name string
		fn   func(context.Context, *Facts) error
	}{
		{"antivirus", c.probeAntivirus},
		{"firewall", c.probeFirewall},
		{"disk_encryption", c.probeDiskEncryption},
		{"screen_lock", c.probeScreenLock},
		{"updates", c.probeUpdates},
	}

	var factsMu sync.Mutex
	for _, probe := range probes {
		wg.Add(1)
		go func(name string, fn func(context.Context, *Facts) error) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					c.recordError(name, fmt.Sprintf("panic: %v", r))
				}
			}()
			local := &Facts{}
			if err := fn(ctx, local); err != nil {
				c.recordError(name, err.Error())
			}
			factsMu.Lock()
			merge(facts, name, local)
			factsMu.Unlock()
		}(probe.name, probe.fn)
	}
	wg.Wait()

	return facts
}

// Errors reports probe failures from the most recent Collect call.
func (c *Collector) Errors() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.errors))
	for k, v := range c.errors {
		out[k] = v
	}
	return out
}

func (c *Collector) recordError(probe, msg string) {
	c.mu.Lock()
	c.errors[probe] = msg
	c.mu.Unlock()
}

func merge(dst *Facts, probe string, src *Facts) {
	switch probe {
	case "antivirus":
		dst.Antivirus = src.Antivirus
	case "firewall":
		dst.Firewall = src.Firewall
	case "disk_encryption":
		dst.DiskEncryption = src.DiskEncryption
	case "screen_lock":
		dst.ScreenLock = src.ScreenLock
	case "updates":
		dst.PendingUpdates = src.PendingUpdates
	}
}
