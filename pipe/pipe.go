// Package pipe composes fallible steps into a single operation
package pipe

import (
	sErrors "github.com/johnstarich/sagelink/errors"
)

// Op is a single step. Can be composed into OpFuncs or All and run as one unit
type Op interface {
	Do() error
}

// OpFunc wraps an anonymous function into an Op
type OpFunc func() error

// Do implements the Op interface
func (o OpFunc) Do() error {
	return o()
}

// OpFuncs runs functions in series, stopping on the first error
type OpFuncs []func() error

// Do implements the Op interface
func (ops OpFuncs) Do() error {
	for _, op := range ops {
		if err := op(); err != nil {
			return err
		}
	}
	return nil
}

// All runs every function in series, even after a failure. Every error is returned together
type All []func() error

// Do implements the Op interface
func (ops All) Do() error {
	var errs sErrors.Errors
	for _, op := range ops {
		if op != nil {
			errs.AddErr(op())
		}
	}
	return errs.ErrOrNil()
}
