package pending

import "net/http"

// Request is the immutable description of the outbound call. It is created
// once by the caller and reused verbatim for every attempt, including
// retries. Mutating a Request after handing it to New is a caller bug.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// NewRequest builds a Request with an initialized header map.
func NewRequest(method, url string) *Request {
	return &Request{
		Method: method,
		URL:    url,
		Header: make(http.Header),
	}
}

// Response is one raw outcome delivered by a Dispatcher: the HTTP status and
// the fully read body. Dispatchers drain the body so a Result never touches
// the underlying connection.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}
