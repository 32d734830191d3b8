/*
Package health watches the dependencies a CodeHarbor process cannot work
without and feeds their state into the readiness endpoint.

A Checker performs one check: HTTPChecker issues a GET and expects a status
in a range (2xx and 3xx by default, redirects are not followed), CheckFunc
wraps any func(ctx) error such as the engine's Ping.

A Monitor runs a Checker every Interval, bounded by Timeout. One failure
does not flip the verdict; Retries consecutive failures do, and the next
success restores it. Only transitions are reported:

	m := health.NewMonitor("docker", health.CheckFunc(engine.Ping),
		health.Config{Interval: 15 * time.Second}, metrics.UpdateComponent)
	go m.Run(ctx)
*/
package health
