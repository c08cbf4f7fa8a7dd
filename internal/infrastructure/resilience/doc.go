/*
Package resilience provides a circuit breaker for calls to external
collaborators such as the container engine.

# States

  - Closed: normal operation, requests pass through
  - Open: collaborator considered down, requests fail fast with ErrCircuitOpen
  - Half-Open: limited probes test whether the collaborator recovered

# Usage

	breaker := resilience.New("container-engine", resilience.Settings{
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	err := breaker.Execute(func() error {
		return engine.Start(ctx, id)
	})
*/
package resilience
