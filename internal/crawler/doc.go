// Package crawler holds the crawl data model (jobs, sites, pages), the scope
// and priority rules that govern link admission, URL canonicalization and the
// error taxonomy shared by the browser, frontier and worker packages.
package crawler
