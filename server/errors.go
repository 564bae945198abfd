package main

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Launch failures. launchStatus maps each to the HTTP status returned to the host.
var (
	ErrConfiguration   = errors.New("launch middleware is misconfigured")
	ErrAuthentication  = errors.New("bad LTI credentials")
	ErrMalformedLaunch = errors.New("malformed LTI launch")
	ErrUnroutableRole  = errors.New("no page for resolved role")
)

func launchStatus(err error) int {
	switch {
	case errors.Is(err, ErrAuthentication), errors.Is(err, ErrMalformedLaunch):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// httpError carries a status code out of a transaction closure.
type httpError struct {
	status int
	msg    string
}

func (e *httpError) Error() string { return e.msg }

func httpErrorf(status int, format string, params ...interface{}) error {
	return &httpError{status: status, msg: fmt.Sprintf(format, params...)}
}

// statusOf picks the response status for an error returned from a store transaction.
func statusOf(err error) int {
	var he *httpError
	switch {
	case errors.As(err, &he):
		return he.status
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound
	default:
		return launchStatus(err)
	}
}

func loggedHTTPDBNotFoundError(w http.ResponseWriter, err error) {
	msg := "not found"
	status := http.StatusNotFound
	if err != sql.ErrNoRows {
		msg = fmt.Sprintf("db error: %v", err)
		status = http.StatusInternalServerError
	}
	http.Error(w, msg, status)
}

func loggedHTTPErrorf(w http.ResponseWriter, status int, format string, params ...interface{}) error {
	msg := fmt.Sprintf(format, params...)
	log.Print(logPrefix() + msg)
	http.Error(w, msg, status)
	return fmt.Errorf("%s", msg)
}

func loggedErrorf(f string, params ...interface{}) error {
	log.Print(logPrefix() + fmt.Sprintf(f, params...))
	return fmt.Errorf(f, params...)
}

func logPrefix() string {
	prefix := ""
	if _, file, line, ok := runtime.Caller(2); ok {
		if slash := strings.LastIndex(file, "/"); slash >= 0 {
			file = file[slash+1:]
		}
		prefix = fmt.Sprintf("%s:%d: ", file, line)
	}
	return prefix
}
