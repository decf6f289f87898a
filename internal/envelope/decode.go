package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// authorKeys are checked in order; the server uses "user", the web client "author_id".
var authorKeys = []string{"author_id", "user", "username"}

// Decode parses a text frame and classifies it.
// It returns ErrMalformed for non-JSON or non-object frames and
// ErrMissingDiscriminant when neither a system nor a message field is present.
func Decode(data []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return Envelope{}, fmt.Errorf("%w: not an object", ErrMalformed)
	}

	username, err := optionalString(fields, "username")
	if err != nil {
		return Envelope{}, err
	}

	if raw, ok := fields["system"]; ok {
		var subtype string
		if err := json.Unmarshal(raw, &subtype); err != nil {
			return Envelope{}, fmt.Errorf("%w: system field is not a string", ErrMalformed)
		}
		return Envelope{Kind: systemKind(subtype), System: subtype, Username: username}, nil
	}

	if raw, ok := fields["message"]; ok {
		return decodeMessageField(raw, fields, username)
	}

	if _, ok := fields["text"]; ok {
		msg, err := messageFromFields(fields)
		if err != nil {
			return Envelope{}, err
		}
		return Envelope{Kind: KindMessage, Username: username, Message: msg}, nil
	}

	return Envelope{}, ErrMissingDiscriminant
}

func systemKind(subtype string) Kind {
	switch subtype {
	case SystemHeartbeat:
		return KindHeartbeat
	case SystemConnected, SystemConnecting:
		return KindHandshake
	case SystemUserConnected:
		return KindNotice
	default:
		return KindUnknown
	}
}

// decodeMessageField handles the three shapes of a "message" field:
// the "connecting" hello, a plain text body, and a nested message object.
func decodeMessageField(raw json.RawMessage, fields map[string]json.RawMessage, username string) (Envelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty message field", ErrMalformed)
	}

	switch trimmed[0] {
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if text == SystemConnecting && isHello(fields) {
			return Envelope{Kind: KindHandshake, System: SystemConnecting, Username: username}, nil
		}
		msg, err := messageFromFields(fields)
		if err != nil {
			return Envelope{}, err
		}
		msg.Text = text
		if msg.AuthorID == "" {
			msg.AuthorID = username
		}
		return Envelope{Kind: KindMessage, Username: username, Message: msg}, nil

	case '{':
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &nested); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		msg, err := messageFromFields(nested)
		if err != nil {
			return Envelope{}, err
		}
		if msg.AuthorID == "" {
			msg.AuthorID = username
		}
		return Envelope{Kind: KindMessage, Username: username, Message: msg}, nil
	}

	return Envelope{}, fmt.Errorf("%w: message field must be a string or object", ErrMalformed)
}

// isHello reports whether a "connecting" body is the client hello rather than
// chat text. The hello carries only a username; broadcasts carry an author.
func isHello(fields map[string]json.RawMessage) bool {
	for _, key := range []string{"id", "author_id", "user"} {
		if _, ok := fields[key]; ok {
			return false
		}
	}
	return true
}

func messageFromFields(fields map[string]json.RawMessage) (Message, error) {
	var msg Message
	var err error

	if msg.ID, err = scalar(fields["id"]); err != nil {
		return Message{}, fmt.Errorf("%w: id: %v", ErrMalformed, err)
	}
	if msg.Text, err = optionalString(fields, "text"); err != nil {
		return Message{}, err
	}
	for _, key := range authorKeys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		if msg.AuthorID, err = scalar(raw); err != nil {
			return Message{}, fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
		}
		break
	}
	return msg, nil
}

func optionalString(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: %s field is not a string", ErrMalformed, key)
	}
	return s, nil
}

// scalar renders a JSON string or number as text. Other values (the server
// sends its peer address as an array) are kept in compact JSON form.
func scalar(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return "", err
	}
	return buf.String(), nil
}
