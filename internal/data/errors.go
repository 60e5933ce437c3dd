package data

import "errors"

// Shared sentinel errors for the storage implementations.
var (
	// ErrBrokerNameRequired is returned when a broker without a name is upserted.
	ErrBrokerNameRequired = errors.New("broker name is required")
	// ErrProfileQueryNameRequired is returned when a profile query lacks a first or last name.
	ErrProfileQueryNameRequired = errors.New("profile query first and last name are required")
)
