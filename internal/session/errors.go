package session

import "errors"

// ErrAuthFailed covers every login failure mode: network errors fetching
// the login page, a missing anti-forgery token, and rejected credentials.
// Callers retry with a bounded attempt budget before aborting the run.
var ErrAuthFailed = errors.New("authentication failed")
