/*
Package health gates upgrade success on a component's liveness signal.

A Checker probes once; Poll drives a checker with exponential backoff until
it reports healthy or the budget is exhausted. The HTTP checker matches an
expected status code and an optional body substring, covering the health
endpoints the monitored components expose (e.g. /-/healthy returning 200 OK).
*/
package health
