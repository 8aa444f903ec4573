package jsonrpcserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrNotFunction         = errors.New("not a function")
	ErrMustReturnError     = errors.New("function must return error as a last return value")
	ErrMustHaveContext     = errors.New("function must have context.Context as a first argument")
	ErrTooManyReturnValues = errors.New("too many return values")

	ErrTooManyParams = errors.New("too many params")
	ErrInvalidParams = errors.New("invalid params")
	ErrMethodPanic   = errors.New("method panicked")
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// method is a function exposed over JSON-RPC, params holds the argument types after the context.
type method struct {
	fn        reflect.Value
	params    []reflect.Type
	hasResult bool
}

func newMethod(fn any) (*method, error) {
	fnType := reflect.TypeOf(fn)
	if fnType == nil || fnType.Kind() != reflect.Func {
		return nil, ErrNotFunction
	}
	if fnType.NumIn() == 0 || fnType.In(0) != contextType {
		return nil, ErrMustHaveContext
	}
	numOut := fnType.NumOut()
	if numOut == 0 || !fnType.Out(numOut-1).Implements(errorType) {
		return nil, ErrMustReturnError
	}
	if numOut > 2 {
		return nil, ErrTooManyReturnValues
	}

	params := make([]reflect.Type, fnType.NumIn()-1)
	for i := range params {
		params[i] = fnType.In(i + 1)
	}
	return &method{
		fn:        reflect.ValueOf(fn),
		params:    params,
		hasResult: numOut == 2,
	}, nil
}

// call decodes params and invokes the method. Argument errors wrap ErrInvalidParams, a panic inside the
// method is returned as ErrMethodPanic.
func (m *method) call(ctx context.Context, params []json.RawMessage) (result any, err error) {
	args, err := decodeParams(m.params, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("%w: %v", ErrMethodPanic, r)
		}
	}()

	out := m.fn.Call(append([]reflect.Value{reflect.ValueOf(ctx)}, args...))

	if errVal := out[len(out)-1]; !errVal.IsNil() {
		err = errVal.Interface().(error) //nolint:forcetypeassert
	}
	if m.hasResult {
		result = out[0].Interface()
	}
	return result, err
}

// decodeParams decodes positional params into values of types. Missing trailing params and explicit
// nulls are zero values. Object params must not carry unknown fields.
func decodeParams(types []reflect.Type, params []json.RawMessage) ([]reflect.Value, error) {
	if len(params) > len(types) {
		return nil, fmt.Errorf("%w: expected at most %d, got %d", ErrTooManyParams, len(types), len(params))
	}

	args := make([]reflect.Value, len(types))
	for i, typ := range types {
		arg := reflect.New(typ)
		if i < len(params) {
			dec := json.NewDecoder(bytes.NewReader(params[i]))
			dec.DisallowUnknownFields()
			if err := dec.Decode(arg.Interface()); err != nil {
				return nil, fmt.Errorf("param %d: %w", i, err)
			}
		}
		args[i] = arg.Elem()
	}
	return args, nil
}
