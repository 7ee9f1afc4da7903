package protocol

import "strconv"

// Negotiation holds validated connection parameters. LastSequence is nil
// when the client did not request replay.
type Negotiation struct {
	Version      string
	LastSequence *int64
}

// Negotiate validates raw connect-time parameters before any
// conversation state is touched. version and lastSequence arrive as raw
// query-parameter strings; an empty lastSequence means no replay.
func Negotiate(version, lastSequence string) (*Negotiation, error) {
	if version == "" {
		return nil, Errorf(CodeProtocolVersionUnsupported, "protocol version is required")
	}
	if version != Version {
		return nil, Errorf(CodeProtocolVersionUnsupported, "protocol version %q is not supported (want %s)", version, Version)
	}

	neg := &Negotiation{Version: version}
	if lastSequence == "" {
		return neg, nil
	}

	cursor, err := strconv.ParseInt(lastSequence, 10, 64)
	if err != nil || cursor < 0 {
		return nil, Errorf(CodeMalformedCursor, "last_sequence %q is not a non-negative integer", lastSequence)
	}
	neg.LastSequence = &cursor
	return neg, nil
}
