/*
Package health provides HTTP and TCP liveness checks with failure-streak
hysteresis.

The download coordinator uses these to decide whether a peer that has
stopped responding should be temporarily skipped during source selection,
without waiting for a full download attempt to time out first.

# Usage

	checker := health.NewHTTPChecker("http://10.0.0.5:8080/api/peers").
		WithTimeout(3 * time.Second)

	status := health.NewStatus()
	cfg := health.Config{Interval: 15 * time.Second, Retries: 3}

	result := checker.Check(ctx)
	status.Update(result, cfg)
	if !status.Healthy {
		// skip this peer for this download attempt
	}

Status implements hysteresis: a peer needs Retries consecutive failures
before being marked unhealthy, and a single success clears the streak. This
keeps a momentarily slow peer from being blacklisted on one dropped packet.
*/
package health
