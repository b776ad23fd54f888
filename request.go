package windowlimit

import (
	"context"
	"net/http"
	"strings"
)

// Request is the read-only view of an incoming request that key generators
// and skip predicates work against. Header returns every value of a header
// joined by ", ", so forwarded-for chains survive multi-line headers.
type Request interface {
	Method() string
	Path() string
	Header(name string) string
}

// RemoteAddresser is implemented by Request views that know the peer address
// of the connection, such as the one returned by FromHTTP.
type RemoteAddresser interface {
	RemoteAddr() string
}

// FromHTTP adapts a net/http request. A nil request yields a nil Request.
func FromHTTP(r *http.Request) Request {
	if r == nil {
		return nil
	}
	return httpRequest{r: r}
}

type httpRequest struct {
	r *http.Request
}

func (h httpRequest) Method() string { return h.r.Method }

func (h httpRequest) Path() string {
	if h.r.URL == nil {
		return ""
	}
	return h.r.URL.Path
}

func (h httpRequest) Header(name string) string {
	return strings.Join(h.r.Header.Values(name), ", ")
}

func (h httpRequest) RemoteAddr() string { return h.r.RemoteAddr }

// Next is the downstream continuation. It is invoked at most once per request
// and either produces a response or fails.
type Next func(ctx context.Context) (*Response, error)

// Response is a buffered downstream response. The body is a byte slice so a
// response can be duplicated any number of times.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// NewResponse returns a response with an empty header set.
func NewResponse(status int, body []byte) *Response {
	return &Response{StatusCode: status, Header: make(http.Header), Body: body}
}

// Text returns a text/plain response.
func Text(status int, body string) *Response {
	r := NewResponse(status, []byte(body))
	r.Header.Set("Content-Type", "text/plain; charset=utf-8")
	return r
}

// Status returns the reason phrase for the status code.
func (r *Response) Status() string {
	return http.StatusText(r.StatusCode)
}

// Clone returns a deep copy of r.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := &Response{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
	}
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return out
}

// WithHeader returns a copy of r with h applied on top of its headers.
// Keys present in h replace the existing values.
func (r *Response) WithHeader(h http.Header) *Response {
	out := r.Clone()
	if out == nil {
		return nil
	}
	for k, v := range h {
		out.Header[k] = append([]string(nil), v...)
	}
	return out
}

// WriteTo writes r to w.
func (r *Response) WriteTo(w http.ResponseWriter) error {
	dst := w.Header()
	for k, v := range r.Header {
		dst[k] = append([]string(nil), v...)
	}
	status := r.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(r.Body) == 0 {
		return nil
	}
	_, err := w.Write(r.Body)
	return err
}
