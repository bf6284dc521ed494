// Package mail derives index metadata from raw RFC 5322 messages and
// unwraps journal-envelope messages.
package mail

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// receivedForRE extracts the "for <addr>" clause of a Received header, the
// only trace of the true recipient on BCC and list deliveries.
var receivedForRE = regexp.MustCompile(`(?i)\bfor\s+<?([\w\-.]+@[\w\-.]+\w)>?`)

// Summary is the metadata derived from a message's header block.
type Summary struct {
	EmailID    string
	Date       time.Time
	Subject    string
	Sender     []string
	Recipients []string
}

// Summarize parses the header block of a raw message and extracts the fields
// the metadata index records. Sender is taken from From; Recipients is the
// union of To, CC, and Received "for" clauses. Addresses are lower-cased and
// deduplicated. A missing or unparsable Date yields the zero time.
func Summarize(raw []byte) (Summary, error) {
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return Summary{}, fmt.Errorf("parsing message: %w", err)
	}
	h := mail.Header{Header: e.Header}

	var s Summary
	s.EmailID = strings.TrimSpace(e.Header.Get("Message-Id"))
	if date, err := h.Date(); err == nil {
		s.Date = date
	}
	if subject, err := h.Subject(); err == nil {
		s.Subject = subject
	} else {
		s.Subject = e.Header.Get("Subject")
	}

	s.Sender = addressSet(addressList(h, "From"))
	s.Recipients = addressSet(append(append(addressList(h, "To"), addressList(h, "Cc")...), receivedFor(e)...))
	return s, nil
}

// addressList returns the bare addresses of a header field, tolerating
// malformed entries by returning what parsed.
func addressList(h mail.Header, key string) []string {
	addrs, err := h.AddressList(key)
	if err != nil && addrs == nil {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a.Address != "" {
			out = append(out, a.Address)
		}
	}
	return out
}

// receivedFor scans all Received headers for "for <addr>" clauses.
func receivedFor(e *message.Entity) []string {
	var out []string
	fields := e.Header.FieldsByKey("Received")
	for fields.Next() {
		if m := receivedForRE.FindStringSubmatch(fields.Value()); m != nil {
			out = append(out, m[1])
		}
	}
	return out
}

// addressSet lower-cases, deduplicates, and sorts addresses.
func addressSet(addrs []string) []string {
	seen := make(map[string]bool, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		a = strings.ToLower(a)
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
