// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the ipc.Handler type for functions
// with other signatures, including handlers that exchange bulk data with the
// caller while the call is pending.
//
// Parameters may be []byte or string, or a type whose pointer supports one of
// the encoding.BinaryUnmarshaler or encoding.TextUnmarshaler interfaces.
//
// Results may be []byte or string, or any type that supports the one of the
// encoding.BinaryMarshaler or encoding.TextMarshaler interfaces.
package handler

import (
	"bytes"
	"context"
	"encoding"
	"errors"
	"fmt"

	"github.com/creachadair/tcpclient/ipc"
)

// reqContextKey is a context key for the request value to a handler.
type reqContextKey struct{}

// ContextRequest returns the original request message passed to the handler,
// or nil if ctx has no associated request. The context passed to a handler
// returned by this package will have this value.
func ContextRequest(ctx context.Context) *ipc.Request {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*ipc.Request)
	}
	return nil
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a ipc.Handler.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) ipc.Handler {
	return func(ctx context.Context, req *ipc.Request) ([]byte, error) {
		var p P
		if err := unmarshal(req.Data, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx, p)
		if err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a ipc.Handler.
func ParamResult[P, R any](f func(context.Context, P) R) ipc.Handler {
	return func(ctx context.Context, req *ipc.Request) ([]byte, error) {
		var p P
		if err := unmarshal(req.Data, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return marshal(f(hctx, p))
	}
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a ipc.Handler.
func ParamError[P any](f func(context.Context, P) error) ipc.Handler {
	return func(ctx context.Context, req *ipc.Request) ([]byte, error) {
		var p P
		if err := unmarshal(req.Data, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return nil, f(hctx, p)
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a ipc.Handler.
func ResultError[R any](f func(context.Context) (R, error)) ipc.Handler {
	return func(ctx context.Context, req *ipc.Request) ([]byte, error) {
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx)
		if err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R without error, to an ipc.Handler.
func ResultOnly[R any](f func(context.Context) R) ipc.Handler {
	return func(ctx context.Context, req *ipc.Request) ([]byte, error) {
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		return marshal(f(hctx))
	}
}

// errNoCall is reported by transfer adapters invoked outside an inbound call.
var errNoCall = errors.New("handler requires an inbound call")

// Upload adapts a function f that accepts parameters of type P and a block of
// data written by the caller, and returns a result of type R and an error, to
// an ipc.Handler. The handler waits for the caller to transfer the data
// before calling f.
func Upload[P, R any](f func(context.Context, P, []byte) (R, error)) ipc.Handler {
	return func(ctx context.Context, req *ipc.Request) ([]byte, error) {
		var p P
		if err := unmarshal(req.Data, &p); err != nil {
			return nil, err
		}
		call := ipc.ContextCall(ctx)
		if call == nil {
			return nil, errNoCall
		}
		data, err := call.AcceptWrite(ctx)
		if err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		r, err := f(hctx, p, data)
		if err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

// Download adapts a function f that accepts parameters of type P and the most
// bytes the caller will read, and returns the data to transfer along with a
// result of type R and an error, to an ipc.Handler. The handler waits for the
// caller to ask for data before calling f. An error from f is reported both
// for the transfer and for the call.
func Download[P, R any](f func(context.Context, P, int) ([]byte, R, error)) ipc.Handler {
	return func(ctx context.Context, req *ipc.Request) ([]byte, error) {
		var p P
		if err := unmarshal(req.Data, &p); err != nil {
			return nil, err
		}
		call := ipc.ContextCall(ctx)
		if call == nil {
			return nil, errNoCall
		}
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		var r R
		if err := call.AnswerRead(ctx, func(limit int) ([]byte, error) {
			data, res, err := f(hctx, p, limit)
			r = res
			return data, err
		}); err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

// unmarshal decodes data into v. The concrete type of v must be a pointer to a
// []byte or string, or must implement either the encoding.BinaryUnmarshaler
// interface or the encoding.TextUnmarshaler interface.  If v implements both,
// BinaryUnmarshaler is preferred.
func unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
	return nil
}

// marshal encodes v into data. The concrete type of v must be a []byte or
// string (or a pointer to these); otherwise it must implement either the
// encoding.BinaryMarshaler interface or the encoding.TextMarshaler
// interface. If v implements both, BinaryUnmarshaler is preferred.
//
// As a special case if v is a nil pointer to a string or []byte, the result is
// nil without error.
func marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *[]byte:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case string:
		return []byte(t), nil
	case *string:
		if t == nil {
			return nil, nil
		}
		return []byte(*t), nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		return nil, fmt.Errorf("cannot marshal %T", v)
	}
}
