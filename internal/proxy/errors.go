package proxy

import "errors"

// Sentinel errors for proxy lifecycle failures. Callers use errors.Is
// against these to classify a failure without parsing strings.
var (
	// ErrProxyStartFailed means the proxy container never became healthy
	// within the bounded timeout. Fatal for the run; Acquire does not retry.
	ErrProxyStartFailed = errors.New("proxy_start_failed")

	// ErrDuplicateRun is the duplicate_run error kind. Acquire itself does
	// not return it: a repeat Acquire for a runId that already has a live
	// ProxyInstance returns that instance.
	ErrDuplicateRun = errors.New("duplicate_run")

	// ErrNotFound means the runId has no live ProxyInstance.
	ErrNotFound = errors.New("proxy instance not found")
)
