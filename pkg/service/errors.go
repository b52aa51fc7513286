package service

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var ErrEngineNotInitialized = status.New(codes.Internal, "AI Engine not initialized").Err()
var ErrNoURL = status.New(codes.InvalidArgument, "No URL provided").Err()

// FetchError is returned when the image could not be downloaded.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string { return e.Err.Error() }

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) GRPCStatus() *status.Status { return status.New(codes.Internal, e.Error()) }

// DecodeError is returned when the downloaded bytes are not a usable image.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) GRPCStatus() *status.Status { return status.New(codes.Internal, e.Error()) }

// InferenceError is returned when the model fails on a decoded image.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string { return "inference failed: " + e.Err.Error() }

func (e *InferenceError) Unwrap() error { return e.Err }

func (e *InferenceError) GRPCStatus() *status.Status { return status.New(codes.Internal, e.Error()) }
