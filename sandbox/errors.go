// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

// ErrSandboxDestroyed is returned by any operation on a destroyed sandbox.
var ErrSandboxDestroyed = errors.New("sandbox destroyed")

// SandboxBuildError reports an entry script that failed to evaluate.
type SandboxBuildError struct {
	Script string
	Err    error
}

func (e *SandboxBuildError) Error() string {
	return fmt.Sprintf("sandbox build failed evaluating %s: %v", e.Script, e.Err)
}

func (e *SandboxBuildError) Unwrap() error { return e.Err }

// ApplicationFactoryMissingError reports an artifact whose scripts evaluated
// without providing a createApplication factory.
type ApplicationFactoryMissingError struct {
	App     string
	Scripts []string
}

func (e *ApplicationFactoryMissingError) Error() string {
	return fmt.Sprintf("application %q exports no createApplication factory from scripts [%s]", e.App, strings.Join(e.Scripts, ", "))
}

// Terminal reports that rebuilding from the same artifact yields the same error.
func (e *ApplicationFactoryMissingError) Terminal() bool { return true }

// ScriptError is a JavaScript value thrown or rejected by application code.
type ScriptError struct {
	Message string
	Stack   string
}

func (e *ScriptError) Error() string { return e.Message }

// jsError converts a thrown or rejected JS value into a Go error, unwrapping
// Go errors that crossed into the runtime.
func jsError(v goja.Value) error {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return &ScriptError{Message: "promise rejected without a reason"}
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return &ScriptError{Message: v.String()}
	}
	if inner := obj.Get("value"); inner != nil {
		if err, ok := inner.Export().(error); ok {
			return err
		}
	}
	e := &ScriptError{Message: v.String()}
	if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
		e.Stack = stack.String()
	}
	return e
}

// unwrapException returns the Go error carried by a JS exception, if any.
func unwrapException(err error) error {
	var ex *goja.Exception
	if !errors.As(err, &ex) {
		return err
	}
	if obj, ok := ex.Value().(*goja.Object); ok {
		if inner := obj.Get("value"); inner != nil {
			if goErr, ok := inner.Export().(error); ok {
				return goErr
			}
		}
	}
	return err
}
