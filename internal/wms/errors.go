package wms

import (
	"fmt"

	"wmstiles/internal/grid"
)

// UnknownLayerError reports a request for a layer the catalog does not
// declare.
type UnknownLayerError struct {
	Layer string
}

func (e *UnknownLayerError) Error() string {
	return fmt.Sprintf("layer %q is not defined", e.Layer)
}

// DataSourceError reports a failed fetch from a data or style collaborator.
// Callers may retry it.
type DataSourceError struct {
	Layer string
	Op    string // what was being fetched
	Err   error
}

func (e *DataSourceError) Error() string {
	return fmt.Sprintf("layer %s: %s failed: %v", e.Layer, e.Op, e.Err)
}

func (e *DataSourceError) Unwrap() error { return e.Err }

// RenderError reports a tile that could not be drawn.
type RenderError struct {
	Key grid.TileKey
	Err error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: %v", e.Key, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// RequestError reports a request that can never succeed as made. Code is the
// WMS exception code.
type RequestError struct {
	Code string
	Msg  string
	Err  error
}

func (e *RequestError) Error() string {
	msg := e.Msg
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RequestError) Unwrap() error { return e.Err }

func badRequest(code, format string, args ...interface{}) *RequestError {
	return &RequestError{Code: code, Msg: fmt.Sprintf(format, args...)}
}
