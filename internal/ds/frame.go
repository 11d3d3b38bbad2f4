package ds

import (
	"strings"
	"unicode"
)

// recordSeparator terminates handshake and message records on the wire.
const recordSeparator = '\x1e'

// handshakeFrame activates push notifications. It is the first frame sent
// on every new connection.
const handshakeFrame = `{"protocol":"json","version":1}` + string(recordSeparator)

// Message is one inbound notification. It carries no state; a recognized
// Command only signals that a fresh snapshot should be fetched.
type Message struct {
	Command string
	Payload string
}

// ParseFrame splits a text frame into messages. Records are separated by
// the record separator, may carry a stray control character at either end
// and hold "command;payload". The empty handshake ack is dropped.
func ParseFrame(frame string) []Message {
	var messages []Message
	for _, record := range strings.Split(frame, string(recordSeparator)) {
		record = strings.TrimFunc(record, unicode.IsControl)
		if record == "" || record == "{}" {
			continue
		}

		command, payload, _ := strings.Cut(record, ";")
		messages = append(messages, Message{
			Command: strings.TrimSpace(command),
			Payload: payload,
		})
	}
	return messages
}
