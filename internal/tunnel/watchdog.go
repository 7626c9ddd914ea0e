package tunnel

import (
	"context"
	"log"
	"time"

	"github.com/porticodev/portico/internal/metrics"
	"github.com/porticodev/portico/internal/model"
)

// Watchdog periodically sweeps the registry for sessions whose subprocess
// died behind our back (crash, external kill) and drives them through the
// normal teardown so the registry never advertises a dead tunnel.
type Watchdog struct {
	manager  *Manager
	interval time.Duration
}

func NewWatchdog(manager *Manager, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Watchdog{manager: manager, interval: interval}
}

func (w *Watchdog) Start(ctx context.Context) {
	go w.run(ctx)
}

func (w *Watchdog) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep()
		}
	}
}

// Sweep reaps every live session whose subprocess has exited.
func (w *Watchdog) Sweep() {
	for _, sess := range w.manager.Registry().Sessions() {
		state := sess.State()
		if state != model.TunnelListening && state != model.TunnelActive {
			continue
		}
		if !sess.exited() {
			continue
		}
		log.Printf("event=watchdog_reap session_id=%s local_port=%d", sess.ID(), sess.Port())
		metrics.Default().IncCounter("portico_watchdog_reaps_total", nil)
		w.manager.teardown(sess, "watchdog")
	}
}
