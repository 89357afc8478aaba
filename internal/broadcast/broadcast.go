// Package broadcast implements C11: fan-out of one command to many live
// shell sessions. It holds no sessions itself — it is handed a lookup over
// whatever tracks currently open C6 sessions (the orchestrator) and writes
// concurrently to whichever hosts have one.
package broadcast

import (
	"sync"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// Writer is the subset of sshsession.Session the coordinator needs. Shaped
// to match sshsession.Session.Write exactly so the concrete type satisfies
// it with no adapter.
type Writer interface {
	Write(p []byte) error
}

// Lookup resolves a host id to its currently open interactive session, if
// any. Implementations typically close over the orchestrator's session
// tracker/registry.
type Lookup func(hostID string) (Writer, bool)

// Config configures the Coordinator.
type Config struct {
	Lookup Lookup
	Log    *logrus.Entry
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Lookup == nil {
		return trace.BadParameter("missing session lookup")
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger()).WithField(trace.Component, "broadcast")
	}
	return nil
}

// Coordinator implements C11.
type Coordinator struct {
	cfg Config
}

// New constructs a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Coordinator{cfg: cfg}, nil
}

// Outcome is the per-host result of one Broadcast call.
type Outcome struct {
	Success bool
	Error   error
}

// Broadcast writes command+"\n" concurrently to every host in hostIDs that
// has a live, writable session. Hosts without one get a NotFound outcome
// and are never dialed or otherwise touched. One host's write failure does
// not affect any other host's outcome.
func (c *Coordinator) Broadcast(hostIDs []string, command string) map[string]Outcome {
	results := make(map[string]Outcome, len(hostIDs))
	var mu sync.Mutex
	var wg sync.WaitGroup

	payload := []byte(command + "\n")

	for _, hostID := range hostIDs {
		session, ok := c.cfg.Lookup(hostID)
		if !ok {
			mu.Lock()
			results[hostID] = Outcome{Success: false, Error: trace.NotFound("no active session for host %q", hostID)}
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(hostID string, session Writer) {
			defer wg.Done()
			err := session.Write(payload)
			mu.Lock()
			if err != nil {
				results[hostID] = Outcome{Success: false, Error: trace.Wrap(err)}
			} else {
				results[hostID] = Outcome{Success: true}
			}
			mu.Unlock()
		}(hostID, session)
	}

	wg.Wait()
	return results
}
