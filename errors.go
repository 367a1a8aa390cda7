package mmate

import "errors"

var (
	// ErrDuplicateConnection is returned when a connection name is registered twice
	ErrDuplicateConnection = errors.New("mmate: duplicate connection name")
	// ErrDuplicateListener is returned when a listener name is registered twice
	ErrDuplicateListener = errors.New("mmate: duplicate message listener name")
	// ErrUnknownConnection is returned for references to unregistered connections
	ErrUnknownConnection = errors.New("mmate: unknown connection")
	// ErrMissingConnectionFactory is returned when a definition names no usable factory
	ErrMissingConnectionFactory = errors.New("mmate: missing connection factory")
	// ErrClientIDInNoManagedThreadsMode rejects client identifiers on connections without managed threads
	ErrClientIDInNoManagedThreadsMode = errors.New("mmate: client id cannot be set in no-managed-threads mode")
	// ErrPollerRequired is returned for push listeners on connections without managed threads
	ErrPollerRequired = errors.New("mmate: message poller required in no-managed-threads mode")
	// ErrUnknownHandler is returned when a configured name has no registered object
	ErrUnknownHandler = errors.New("mmate: unknown handler")

	// ErrRollback may be returned by a message listener to roll back the
	// current transaction without reporting a failure
	ErrRollback = errors.New("mmate: rollback requested")
)
