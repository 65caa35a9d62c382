// Package sanitizer strips trailing injected text from message contents before
// an exchange is sent to the accounting service.
//
// DESIGN: Everything from the LAST occurrence of a marker token onward is cut,
// and the remaining prefix is whitespace-trimmed. Usage lines appended to
// earlier assistant replies start with the marker, so they never leak into the
// next billing payload.
package sanitizer

import (
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/compresr/usage-monitor/internal/exchange"
)

// Clean truncates content before the last occurrence of marker.
// Content without the marker (or an empty marker) is returned unchanged.
func Clean(content, marker string) string {
	if marker == "" {
		return content
	}
	idx := strings.LastIndex(content, marker)
	if idx == -1 {
		return content
	}
	return strings.TrimSpace(content[:idx])
}

// Sanitizer applies Clean to every text message of an exchange.
type Sanitizer struct {
	marker string
}

// New creates a sanitizer for the given marker.
func New(marker string) *Sanitizer {
	return &Sanitizer{marker: marker}
}

// Marker returns the configured marker token.
func (s *Sanitizer) Marker() string {
	return s.marker
}

// Apply rewrites the exchange in place and returns how many messages changed.
func (s *Sanitizer) Apply(ex *exchange.Exchange) (int, error) {
	if s.marker == "" {
		return 0, nil
	}

	changed := 0
	for _, msg := range ex.Messages() {
		if !msg.IsText {
			continue
		}
		cleaned := Clean(msg.Content, s.marker)
		if cleaned == msg.Content {
			continue
		}
		if err := ex.SetContent(msg.Index, cleaned); err != nil {
			return changed, err
		}
		changed++
	}

	if changed > 0 {
		log.Debug().
			Str("exchange_id", ex.ID).
			Int("messages", changed).
			Msg("sanitizer: stripped trailing marker text")
	}
	return changed, nil
}
