package mail

import (
	"bytes"
	"io"

	"github.com/emersion/go-message"
)

// UnwrapJournal extracts the original enveloped message from a journal-copy
// wrapper. It returns the inner message bytes and true, or nil and false when
// the input is not a journal item.
//
// The wrapper is expected to carry exactly one message/rfc822 part holding
// the original mail. Some providers reject the journal copy at SMTP level and
// re-deliver it wrapped in an "Undeliverable" bounce, which carries two
// message/rfc822 parts with the true journal copy appended last; that case is
// detected by the first of several parts starting with a raw header block,
// and the second part is returned instead. A lone part is always returned
// as-is. This heuristic matches observed provider behavior, not a protocol
// guarantee.
func UnwrapJournal(raw []byte) ([]byte, bool) {
	cover, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, false
	}

	var inners [][]byte
	walkErr := cover.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil {
			return nil
		}
		t, _, _ := part.Header.ContentType()
		if t != "message/rfc822" {
			return nil
		}
		// The part body is the inner message with its transfer encoding
		// already decoded.
		b, err := io.ReadAll(part.Body)
		if err != nil {
			return nil
		}
		inners = append(inners, b)
		return nil
	})
	if walkErr != nil || len(inners) == 0 {
		return nil, false
	}

	if len(inners) > 1 && bytes.HasPrefix(inners[0], []byte("Content-Type:")) {
		return inners[1], true
	}
	return inners[0], true
}
