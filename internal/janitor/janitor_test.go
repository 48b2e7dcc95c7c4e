package janitor

import (
	"testing"
	"time"

	"github.com/emryslou/filetunnel/internal/broker"
)

func TestJanitorSweepsExpiredClients(t *testing.T) {
	registry := broker.NewRegistry(broker.NopLogger{})
	registry.GetOrCreateClient("short-lived", time.Now().Add(-1*time.Hour))

	j := New(registry, broker.NopLogger{}, 5*time.Millisecond)
	go j.Run()
	defer j.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := registry.GetClient("short-lived"); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("janitor did not evict the expired client session in time")
}

func TestJanitorStopIsIdempotent(t *testing.T) {
	registry := broker.NewRegistry(broker.NopLogger{})
	j := New(registry, broker.NopLogger{}, time.Millisecond)
	go j.Run()
	j.Stop()
	j.Stop()
}

func TestNewJanitorDefaultsInterval(t *testing.T) {
	registry := broker.NewRegistry(broker.NopLogger{})
	j := New(registry, broker.NopLogger{}, 0)
	if j.interval != DefaultInterval {
		t.Errorf("interval = %v, want %v", j.interval, DefaultInterval)
	}
}
