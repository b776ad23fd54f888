package windowlimit

import "net/http"

// DefaultErrorText is the body of a rejection when no error response is set.
const DefaultErrorText = "Too Many Requests"

// ErrorResponse selects what a rejected request gets back. Exactly one of
// the three forms is active; the zero value behaves like
// ErrorText(DefaultErrorText).
type ErrorResponse struct {
	text     string
	hasText  bool
	template *Response
	err      error
}

// ErrorText rejects with a 429 text/plain response carrying text. An empty
// text is sent as an empty body.
func ErrorText(text string) ErrorResponse {
	return ErrorResponse{text: text, hasText: true}
}

// ErrorTemplate rejects with a copy of resp. The template itself is never
// modified, so it can serve any number of rejections.
func ErrorTemplate(resp *Response) ErrorResponse {
	return ErrorResponse{template: resp.Clone()}
}

// ErrorSignal makes Reject return err instead of a response. The caller is
// responsible for turning it into a transport-level reply.
func ErrorSignal(err error) ErrorResponse {
	return ErrorResponse{err: err}
}

// Err returns the signal error, or nil for response-producing forms.
func (e ErrorResponse) Err() error { return e.err }

func (e ErrorResponse) build() (*Response, error) {
	switch {
	case e.err != nil:
		return nil, e.err
	case e.template != nil:
		return e.template.Clone(), nil
	case e.hasText:
		return Text(http.StatusTooManyRequests, e.text), nil
	default:
		return Text(http.StatusTooManyRequests, DefaultErrorText), nil
	}
}
