package config

import "fmt"

// ParseError wraps a failure to read or unmarshal a config file.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("config: parse error: %v", e.Err)
	}
	return fmt.Sprintf("config: parse error in %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// MutuallyExclusiveError is returned when event_loop.prompt and
// event_loop.prompt_file are both set to non-default values.
type MutuallyExclusiveError struct {
	FieldA, FieldB string
}

func (e *MutuallyExclusiveError) Error() string {
	return fmt.Sprintf("config: %s and %s are mutually exclusive", e.FieldA, e.FieldB)
}

// AmbiguousRoutingError mirrors bus.AmbiguousRoutingError at config
// validation time, surfaced before any loop runs.
type AmbiguousRoutingError struct {
	Topic      string
	HatA, HatB string
}

func (e *AmbiguousRoutingError) Error() string {
	return fmt.Sprintf("config: topic %q is claimed by both hat %q and hat %q", e.Topic, e.HatA, e.HatB)
}

// ReservedTriggerError is returned when a hat declares a trigger on a
// topic reserved for the event loop itself (models.ReservedTriggers).
type ReservedTriggerError struct {
	HatID, Topic string
}

func (e *ReservedTriggerError) Error() string {
	return fmt.Sprintf("config: hat %q cannot trigger on reserved topic %q", e.HatID, e.Topic)
}

// UnknownBackendError is returned when cli.backend names a backend
// that has no built-in definition and no matching adapters entry.
type UnknownBackendError struct {
	Backend string
}

func (e *UnknownBackendError) Error() string {
	return fmt.Sprintf("config: unknown backend %q (not built-in, no adapters entry)", e.Backend)
}
