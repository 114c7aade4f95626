package main

import (
	"errors"

	"cellsd/internal/cellerr"
	"cellsd/internal/cellrpc"
)

// mapError translates the core's Go error taxonomy onto wire response
// codes, installed once at startup via cellrpc.SetErrorMapper. Anything
// not recognized here maps to Internal rather than leaking a raw error
// string under a misleadingly specific code.
func mapError(err error) cellrpc.Response {
	var (
		cellExists       *cellerr.CellExists
		cellNotFound     *cellerr.CellNotFound
		cellNotAllocated *cellerr.CellNotAllocated
		cgroupNotFound   *cellerr.CgroupNotFound
		foreignCgroup    *cellerr.CgroupIsNotACell
		nestedUnreach    *cellerr.NestedUnreachable
		execExists       *cellerr.ExecutableExists
		execNotFound     *cellerr.ExecutableNotFound
		invalidArg       *cellerr.InvalidArgument
	)

	switch {
	case errors.As(err, &cellExists):
		return cellrpc.Response{Code: cellrpc.CodeAlreadyExists, Message: err.Error()}
	case errors.As(err, &execExists):
		return cellrpc.Response{Code: cellrpc.CodeAlreadyExists, Message: err.Error()}
	case errors.As(err, &cellNotFound):
		return cellrpc.Response{Code: cellrpc.CodeNotFound, Message: err.Error()}
	case errors.As(err, &cgroupNotFound):
		return cellrpc.Response{Code: cellrpc.CodeNotFound, Message: err.Error()}
	case errors.As(err, &execNotFound):
		return cellrpc.Response{Code: cellrpc.CodeNotFound, Message: err.Error()}
	case errors.As(err, &cellNotAllocated):
		return cellrpc.Response{Code: cellrpc.CodeFailedPrecondition, Message: err.Error()}
	case errors.As(err, &foreignCgroup):
		return cellrpc.Response{Code: cellrpc.CodeFailedPrecondition, Message: err.Error()}
	case errors.As(err, &invalidArg):
		return cellrpc.Response{Code: cellrpc.CodeInvalidArgument, Message: err.Error()}
	case errors.As(err, &nestedUnreach):
		return cellrpc.Response{Code: cellrpc.CodeUnavailable, Message: err.Error()}
	default:
		return cellrpc.Response{Code: cellrpc.CodeInternal, Message: err.Error()}
	}
}
