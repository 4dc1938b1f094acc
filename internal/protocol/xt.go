// Package protocol implements the XT wire protocol: percent-delimited
// packets carried in NUL-terminated frames.
package protocol

import (
	"fmt"
	"strings"
)

// Delimiter terminates every frame on the wire.
const Delimiter byte = 0x00

// Error codes sent to clients as `%xt%e%-1%<code>%`.
const (
	// CodeServerFull is sent when the registry is at capacity. Terminal.
	CodeServerFull = 103
	// CodeItemDuplicate is sent when a player already owns an item. Non-terminal.
	CodeItemDuplicate = 400
	// CodeItemPatched is sent when an item is administratively disabled. Non-terminal.
	CodeItemPatched = 410
	// CodeIdentityNotReady is sent when an identity-requiring operation runs
	// on an unbound session. Terminal.
	CodeIdentityNotReady = 800
)

// UnsolicitedChannel is the channel id for messages with no originating request.
const UnsolicitedChannel = -1

// Encode builds an XT packet payload: %xt%<command>%<channel>%<arg0>%...%
//
// Postcondition: Returns the payload without the frame delimiter.
func Encode(command string, channel int, args ...any) string {
	var b strings.Builder
	b.WriteString("%xt%")
	b.WriteString(command)
	b.WriteByte('%')
	fmt.Fprintf(&b, "%d", channel)
	b.WriteByte('%')
	for _, arg := range args {
		fmt.Fprintf(&b, "%v", arg)
		b.WriteByte('%')
	}
	return b.String()
}

// EncodeError builds the error packet for the given code: %xt%e%-1%<code>%
func EncodeError(code int) string {
	return Encode("e", UnsolicitedChannel, code)
}

// Packet is a decoded XT payload.
type Packet struct {
	// Command is the packet's command word (e.g. "e", "ai").
	Command string
	// Channel correlates a response to a request; -1 means unsolicited.
	Channel int
	// Args are the remaining fields, in wire order.
	Args []string
}

// Parse decodes an XT packet payload produced by Encode.
//
// Postcondition: Returns the Packet, or an error if the payload does not
// start with %xt% or lacks command/channel fields.
func Parse(payload string) (Packet, error) {
	if !strings.HasPrefix(payload, "%xt%") {
		return Packet{}, fmt.Errorf("not an xt packet: %q", payload)
	}
	body := strings.TrimPrefix(payload, "%xt%")
	body = strings.TrimSuffix(body, "%")
	fields := strings.Split(body, "%")
	if len(fields) < 2 || fields[0] == "" {
		return Packet{}, fmt.Errorf("malformed xt packet: %q", payload)
	}

	var channel int
	if _, err := fmt.Sscanf(fields[1], "%d", &channel); err != nil {
		return Packet{}, fmt.Errorf("parsing channel %q: %w", fields[1], err)
	}

	pkt := Packet{
		Command: fields[0],
		Channel: channel,
	}
	if len(fields) > 2 {
		pkt.Args = fields[2:]
	}
	return pkt, nil
}
