// Package coproc defines the errors coprocessor handlers may return.
//
// The kinds form a three-level chain reachable with errors.As:
//
//	*ScriptFailedError / *ScriptIllegalActionError → *ScriptError → *Error
//
// The RPC layer treats all of them as handler failures; it only looks inside to
// log the script id.
package coproc

import (
	"errors"
	"fmt"
)

// ScriptID identifies a deployed coprocessor script.
type ScriptID uint64

// Error is the root coprocessor error.
type Error struct {
	Msg string
}

func (e *Error) Error() string { return e.Msg }

// ScriptError is raised by actions a script performs itself.
type ScriptError struct {
	ID   ScriptID
	root Error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script %d: %s", e.ID, e.root.Msg)
}

func (e *ScriptError) Unwrap() error { return &e.root }

// ScriptFailedError reports a script that failed while running.
type ScriptFailedError struct {
	ScriptError
}

func (e *ScriptFailedError) Unwrap() error { return &e.ScriptError }

// ScriptIllegalActionError reports a script that attempted a disallowed action,
// such as producing onto a normal topic.
type ScriptIllegalActionError struct {
	ScriptError
}

func (e *ScriptIllegalActionError) Unwrap() error { return &e.ScriptError }

func New(msg string) *Error { return &Error{Msg: msg} }

func NewScriptFailed(id ScriptID, msg string) *ScriptFailedError {
	return &ScriptFailedError{ScriptError{ID: id, root: Error{Msg: msg}}}
}

func NewScriptIllegalAction(id ScriptID, msg string) *ScriptIllegalActionError {
	return &ScriptIllegalActionError{ScriptError{ID: id, root: Error{Msg: msg}}}
}

// ScriptIDOf reports the script id carried by err, if any.
func ScriptIDOf(err error) (ScriptID, bool) {
	var se *ScriptError
	if errors.As(err, &se) {
		return se.ID, true
	}
	return 0, false
}
