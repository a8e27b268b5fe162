// Architecture overview:
//   - Frontier: sites and pages live in the configured FrontierStore (memory or Postgres). Workers claim a site
//     atomically, crawl it for a bounded session, then disclaim it so any worker may pick it up next.
//   - Browsers: a fixed pool of Chromium processes, each driven over the DevTools websocket. A browser is bound to one
//     site at a time and restarted with the site's proxy when needed.
//   - Pages: each claimed page is browsed, behaviors are run, the screenshot and thumbnail are written to the blob
//     store, and accepted outlinks are scheduled back into the frontier.
//   - Coordination: the worker heartbeats into the service registry (memory or Redis) so /v1/status lists live workers
//     and their load. Crawl lifecycle events fan out through the progress hub to logs, Prometheus and, when
//     configured, a Pub/Sub or Kafka publisher.
//   - HTTP: /healthz, /readyz and /metrics stay open; /v1 carries job submission, stop requests and lookups, guarded
//     by server.api_key when set.
//
// Operational notes:
//   - SIGINT/SIGTERM stops claiming, aborts running sessions, disclaims their sites and unregisters the worker before
//     the HTTP server drains.
//   - Every config key can be overridden by a CRAWLER_ prefixed environment variable, e.g. CRAWLER_WORKER_POOL_SIZE.
//   - Run locally: go run ./cmd/crawl-worker -config crawler.yaml
package main
