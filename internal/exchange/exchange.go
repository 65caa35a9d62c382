// Package exchange models one chat-completion request/response pair as seen by
// the usage monitor.
//
// DESIGN: The exchange body is kept as raw JSON. Reads go through gjson and
// in-place content rewrites go through sjson, so fields the monitor does not
// understand (model, stream, files, tool definitions, ...) pass through to the
// accounting service byte-for-byte.
//
// FILES:
//   - exchange.go:  Exchange type, message access and rewriting
//   - principal.go: Principal (the calling user/session)
package exchange

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrInvalidExchange is returned when a body is not a JSON object.
var ErrInvalidExchange = errors.New("exchange: body must be a JSON object")

// Message roles used by the monitor.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is a read-only view of one entry of the messages array.
type Message struct {
	Index int
	Role  string

	// Content is set only when IsText is true.
	Content string
	IsText  bool
}

// Exchange is one request/response pair. Not safe for concurrent mutation.
type Exchange struct {
	ID        string
	StartedAt time.Time

	body []byte
}

// New wraps a raw JSON body. The body is copied.
func New(body []byte) (*Exchange, error) {
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return nil, ErrInvalidExchange
	}
	cp := make([]byte, len(body))
	copy(cp, body)
	return &Exchange{
		ID:        uuid.New().String(),
		StartedAt: time.Now(),
		body:      cp,
	}, nil
}

// Bytes returns the current body.
func (e *Exchange) Bytes() []byte {
	return e.body
}

// MarshalJSON emits the raw body so an Exchange can be embedded in payloads.
func (e *Exchange) MarshalJSON() ([]byte, error) {
	if e == nil || len(e.body) == 0 {
		return []byte("null"), nil
	}
	return e.body, nil
}

// Model returns the "model" field, if any.
func (e *Exchange) Model() string {
	return gjson.GetBytes(e.body, "model").String()
}

// Messages returns every entry of the messages array in order.
// A missing or non-array messages field yields nil.
func (e *Exchange) Messages() []Message {
	arr := gjson.GetBytes(e.body, "messages")
	if !arr.IsArray() {
		return nil
	}

	var out []Message
	arr.ForEach(func(_, v gjson.Result) bool {
		content := v.Get("content")
		out = append(out, Message{
			Index:   len(out),
			Role:    v.Get("role").String(),
			Content: content.String(),
			IsText:  content.Type == gjson.String,
		})
		return true
	})
	return out
}

// SetContent replaces the string content of the message at index i.
func (e *Exchange) SetContent(i int, content string) error {
	path := "messages." + strconv.Itoa(i) + ".content"
	if !gjson.GetBytes(e.body, "messages."+strconv.Itoa(i)).Exists() {
		return fmt.Errorf("exchange: no message at index %d", i)
	}
	updated, err := sjson.SetBytes(e.body, path, content)
	if err != nil {
		return fmt.Errorf("exchange: setting %s: %w", path, err)
	}
	e.body = updated
	return nil
}

// LastAssistant returns the most recent assistant message, whatever its
// content type.
func (e *Exchange) LastAssistant() (Message, bool) {
	msgs := e.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleAssistant {
			return msgs[i], true
		}
	}
	return Message{}, false
}

// AppendToLastAssistant appends text to the most recent assistant message.
// Returns false (and leaves the body untouched) if there is none or its
// content is not a plain string; older replies are never annotated.
func (e *Exchange) AppendToLastAssistant(text string) (bool, error) {
	msg, ok := e.LastAssistant()
	if !ok || !msg.IsText {
		return false, nil
	}
	if err := e.SetContent(msg.Index, msg.Content+text); err != nil {
		return false, err
	}
	return true, nil
}
