package main

import (
	"errors"
	"fmt"
)

// Exit codes for CLI commands.
const (
	exitSuccess      = 0
	exitFailure      = 1 // runtime failure (engine error, consume failure)
	exitCommandError = 2 // command error (bad flags, missing config, bad query)
)

// exitError carries a process exit code alongside the error message.
type exitError struct {
	code    int
	message string
	err     error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.message, e.err)
	}
	return e.message
}

func (e *exitError) Unwrap() error { return e.err }

func commandErr(message string, err error) *exitError {
	return &exitError{code: exitCommandError, message: message, err: err}
}

func failureErr(message string, err error) *exitError {
	return &exitError{code: exitFailure, message: message, err: err}
}

// exitCode extracts the exit code from an error, defaulting to exitFailure.
func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFailure
}
