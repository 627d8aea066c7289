/*
Package httpserver hosts API handlers behind a chi router with request logging,
health endpoints and graceful shutdown.

Every handler passed to New registers its own routes. The server adds:

  - GET /livez - Liveness check
  - GET /readyz - Readiness check, 503 while draining
  - GET /drain - Mark server as not ready
  - GET /undrain - Mark server as ready
  - /debug/pprof - when EnablePprof is set

Example usage:

	cfg := api.NewHTTPServerConfig("127.0.0.1:8080", logger)
	cfg.DrainDuration = 45 * time.Second

	srv, err := httpserver.New(cfg, signerhandler.NewHandler(session, logger))
	if err != nil {
		return err
	}

	srv.RunInBackground()
	defer srv.Shutdown()
*/
package httpserver
