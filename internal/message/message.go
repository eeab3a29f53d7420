// Package message defines the wire-level Message type shared by every
// backend implementation and the HTTP long-poll layer.
package message

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Message is an immutable record delivered from a publisher to subscribers.
// GlobalID is monotonic across the whole bus; MessageID is monotonic within
// Channel only. Zero value is not a valid Message (GlobalID/MessageID start
// at 1).
type Message struct {
	GlobalID  uint64
	MessageID uint64
	Channel   string
	Data      []byte

	// UserIDs, GroupIDs, ClientIDs restrict delivery when non-empty; an
	// empty set means "no scoping by this dimension" (see identity.Hooks).
	UserIDs   []string
	GroupIDs  []string
	ClientIDs []string
	SiteID    string
}

// Clone returns a deep copy safe to hand to code that might mutate Data or
// the ID slices. Filters (internal/bus) must clone before mutating.
func (m Message) Clone() Message {
	out := m
	out.Data = append([]byte(nil), m.Data...)
	out.UserIDs = append([]string(nil), m.UserIDs...)
	out.GroupIDs = append([]string(nil), m.GroupIDs...)
	out.ClientIDs = append([]string(nil), m.ClientIDs...)
	return out
}

// Encode renders the envelope used inside backend storage and on the Redis
// fan-out channel (HTTP responses use WireJSON instead):
//
//	global_id|message_id|channel
//	user_ids|group_ids|client_ids|site_id
//	<payload>
//
// The first two newlines are significant; id lists are comma-joined and
// assumed not to contain '|' or ',' themselves (the same assumption the
// header line already makes about channel not containing '|'). Only the
// first two newlines are ever inspected, so payloads containing embedded
// newlines still round-trip correctly.
func Encode(m Message) []byte {
	buf := make([]byte, 0, 64+len(m.Channel)+len(m.Data))
	buf = strconv.AppendUint(buf, m.GlobalID, 10)
	buf = append(buf, '|')
	buf = strconv.AppendUint(buf, m.MessageID, 10)
	buf = append(buf, '|')
	buf = append(buf, m.Channel...)
	buf = append(buf, '\n')
	buf = append(buf, EncodeScope(m.UserIDs, m.GroupIDs, m.ClientIDs, m.SiteID)...)
	buf = append(buf, '\n')
	buf = append(buf, m.Data...)
	return buf
}

// EncodeScope renders the second envelope line carrying delivery-scoping
// metadata. Exported so redisbackend's Lua publish script (which builds
// the envelope itself, in Lua) and Encode produce byte-identical output.
func EncodeScope(userIDs, groupIDs, clientIDs []string, siteID string) []byte {
	return []byte(strings.Join([]string{
		strings.Join(userIDs, ","),
		strings.Join(groupIDs, ","),
		strings.Join(clientIDs, ","),
		siteID,
	}, "|"))
}

// Decode parses the wire format produced by Encode, including the
// UserIDs/GroupIDs/ClientIDs/SiteID scoping line.
func Decode(raw []byte) (Message, error) {
	nl1 := bytes.IndexByte(raw, '\n')
	if nl1 < 0 {
		return Message{}, fmt.Errorf("message: malformed envelope: no header separator")
	}
	header := raw[:nl1]
	rest := raw[nl1+1:]

	parts := bytes.SplitN(header, []byte{'|'}, 3)
	if len(parts) != 3 {
		return Message{}, fmt.Errorf("message: malformed header %q: want 3 parts, got %d", header, len(parts))
	}

	globalID, err := strconv.ParseUint(string(parts[0]), 10, 64)
	if err != nil {
		return Message{}, fmt.Errorf("message: bad global_id %q: %w", parts[0], err)
	}
	messageID, err := strconv.ParseUint(string(parts[1]), 10, 64)
	if err != nil {
		return Message{}, fmt.Errorf("message: bad message_id %q: %w", parts[1], err)
	}
	channel := string(parts[2])

	nl2 := bytes.IndexByte(rest, '\n')
	if nl2 < 0 {
		return Message{}, fmt.Errorf("message: malformed envelope: no scope separator")
	}
	scopeLine := rest[:nl2]
	payload := rest[nl2+1:]

	userIDs, groupIDs, clientIDs, siteID, err := DecodeScope(scopeLine)
	if err != nil {
		return Message{}, err
	}

	data := make([]byte, len(payload))
	copy(data, payload)

	return Message{
		GlobalID:  globalID,
		MessageID: messageID,
		Channel:   channel,
		Data:      data,
		UserIDs:   userIDs,
		GroupIDs:  groupIDs,
		ClientIDs: clientIDs,
		SiteID:    siteID,
	}, nil
}

// DecodeScope parses the scope line rendered by EncodeScope.
func DecodeScope(line []byte) (userIDs, groupIDs, clientIDs []string, siteID string, err error) {
	parts := bytes.SplitN(line, []byte{'|'}, 4)
	if len(parts) != 4 {
		return nil, nil, nil, "", fmt.Errorf("message: malformed scope line %q: want 4 parts, got %d", line, len(parts))
	}
	return splitCSV(parts[0]), splitCSV(parts[1]), splitCSV(parts[2]), string(parts[3]), nil
}

func splitCSV(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	return strings.Split(string(b), ",")
}
