package delivery

import "net/http"

// class is the retry classification of a delivery outcome.
type class int

const (
	classDelivered class = iota
	classTransient
	classPermanent
)

// classify maps an HTTP status to its retry class.
//
// 2xx delivered. 5xx transient: the endpoint exists but is unhealthy.
// Request Timeout and Too Many Requests are the two 4xx codes that describe
// load rather than a broken request, so they retry too. Every other 4xx is
// permanent: the request itself is rejected and resending the same bytes
// cannot succeed.
func classify(status int) class {
	switch {
	case status >= 200 && status < 300:
		return classDelivered
	case status >= 500:
		return classTransient
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return classTransient
	default:
		return classPermanent
	}
}
