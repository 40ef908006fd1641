package api

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest marks request bodies the extractor never sees.
var ErrInvalidRequest = errors.New("invalid request")

// RequestError is a 400 caused by one field of the request body.
type RequestError struct {
	Param string
	Msg   string
}

func (e *RequestError) Error() string { return e.Msg }

func (e *RequestError) Unwrap() error { return ErrInvalidRequest }

func newInvalidRequest(param, format string, args ...any) error {
	return &RequestError{Param: param, Msg: fmt.Sprintf(format, args...)}
}

// requestParam returns the offending field of err, if it names one.
func requestParam(err error) string {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Param
	}
	return ""
}
