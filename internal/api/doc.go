// Package api serves the operator HTTP interface of a crawl worker.
//
// Probes and scraping live at the root (/healthz, /readyz, /metrics). The /v1
// routes submit jobs, request a job stop, read job and site records and list
// workers with a live heartbeat; they honour an optional API key.
package api
