// Package sinks holds the progress consumers wired by the worker binary:
// zap logging, Prometheus series per job and routing of events onto the
// worker, site and page topics of a crawler.Publisher.
package sinks
