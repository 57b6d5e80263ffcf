package srpc

import "fmt"

// Error kinds from §7. Each is a distinct type so callers can
// errors.As against the taxonomy instead of matching strings.

// NotRegisteredError: no entry for an id/target referenced by a message.
type NotRegisteredError struct {
	Registry string
	ID       string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("srpc: %s: no entry registered for id %q", e.Registry, e.ID)
}

// MemberNotFoundError: property or method absent on the resolved host target.
type MemberNotFoundError struct {
	ObjID string
	Name  string
}

func (e *MemberNotFoundError) Error() string {
	return fmt.Sprintf("srpc: object %q has no member %q", e.ObjID, e.Name)
}

// SpecMismatchError: descriptor does not cover an interface member
// required by a proxy shape.
type SpecMismatchError struct {
	ClassID string
	Member  string
}

func (e *SpecMismatchError) Error() string {
	return fmt.Sprintf("srpc: class %q descriptor does not cover member %q", e.ClassID, e.Member)
}

// MarshalError: argument count mismatch, value-type/null violation,
// incompatible conversion.
type MarshalError struct {
	Reason string
}

func (e *MarshalError) Error() string {
	return "srpc: marshal error: " + e.Reason
}

// RemoteCallError: the peer reported success=false; Message is the
// payload string propagated verbatim.
type RemoteCallError struct {
	Message string
}

func (e *RemoteCallError) Error() string {
	return e.Message
}

// ChannelUnavailableError: required send capability not present.
type ChannelUnavailableError struct {
	Capability string
}

func (e *ChannelUnavailableError) Error() string {
	return fmt.Sprintf("srpc: channel lacks %s capability", e.Capability)
}

// ProtocolError: malformed or unknown message.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "srpc: protocol error: " + e.Reason
}
