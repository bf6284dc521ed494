package jobs

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"imapcas/internal/config"
	"imapcas/internal/index"
	"imapcas/internal/mailbox"
)

type fakeMessage struct {
	id      uint32
	date    time.Time
	raw     []byte
	deleted bool
}

type fakeSession struct {
	caps      mailbox.Caps
	folders   map[string][]*fakeMessage
	selected  string
	queries   []mailbox.SearchQuery
	appended  map[string][][]byte
	moved     map[uint32]string
	selectErr map[string]error
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		caps:      mailbox.Caps{Move: true},
		folders:   map[string][]*fakeMessage{},
		appended:  map[string][][]byte{},
		moved:     map[uint32]string{},
		selectErr: map[string]error{},
	}
}

func (s *fakeSession) Caps() mailbox.Caps { return s.caps }

func (s *fakeSession) ListFolders() ([]mailbox.Folder, error) {
	var out []mailbox.Folder
	for name := range s.folders {
		out = append(out, mailbox.Folder{Name: name})
	}
	return out, nil
}

func (s *fakeSession) SelectFolder(name string, readOnly bool) (uint32, error) {
	if err := s.selectErr[name]; err != nil {
		return 0, err
	}
	msgs, ok := s.folders[name]
	if !ok {
		return 0, errors.New("no such folder: " + name)
	}
	s.selected = name
	return uint32(len(msgs)), nil
}

func (s *fakeSession) UnselectFolder() error { s.selected = ""; return nil }

func (s *fakeSession) FolderExists(name string) (bool, error) {
	_, ok := s.folders[name]
	return ok, nil
}

func (s *fakeSession) CreateFolder(name string) error {
	s.folders[name] = nil
	return nil
}

func (s *fakeSession) Search(q mailbox.SearchQuery) ([]uint32, error) {
	s.queries = append(s.queries, q)
	var ids []uint32
	for _, m := range s.folders[s.selected] {
		if m.deleted {
			continue
		}
		if !q.Since.IsZero() && m.date.Before(q.Since) {
			continue
		}
		ids = append(ids, m.id)
	}
	return ids, nil
}

func (s *fakeSession) Fetch(ids []uint32) ([]mailbox.FetchedMessage, error) {
	var out []mailbox.FetchedMessage
	for _, m := range s.folders[s.selected] {
		for _, id := range ids {
			if m.id == id {
				out = append(out, mailbox.FetchedMessage{ID: m.id, InternalDate: m.date, Raw: m.raw})
			}
		}
	}
	return out, nil
}

func (s *fakeSession) Append(folder string, raw []byte, date time.Time) error {
	s.appended[folder] = append(s.appended[folder], raw)
	return nil
}

func (s *fakeSession) Move(ids []uint32, folder string) error {
	if !s.caps.Move {
		return mailbox.ErrUnsupported
	}
	for _, id := range ids {
		s.moved[id] = folder
		for name, msgs := range s.folders {
			var kept []*fakeMessage
			for _, m := range msgs {
				if m.id != id {
					kept = append(kept, m)
				}
			}
			s.folders[name] = kept
		}
	}
	return nil
}

func (s *fakeSession) MarkDeleted(ids []uint32) error {
	for _, m := range s.folders[s.selected] {
		for _, id := range ids {
			if m.id == id {
				m.deleted = true
			}
		}
	}
	return nil
}

func (s *fakeSession) Expunge() error {
	var kept []*fakeMessage
	for _, m := range s.folders[s.selected] {
		if !m.deleted {
			kept = append(kept, m)
		}
	}
	s.folders[s.selected] = kept
	return nil
}

func (s *fakeSession) ExpungeIDs(ids []uint32) error {
	var kept []*fakeMessage
	for _, m := range s.folders[s.selected] {
		drop := false
		for _, id := range ids {
			if m.id == id && m.deleted {
				drop = true
			}
		}
		if !drop {
			kept = append(kept, m)
		}
	}
	s.folders[s.selected] = kept
	return nil
}

func (s *fakeSession) FetchLabels(uint32) ([]string, error) {
	return nil, mailbox.ErrUnsupported
}

func (s *fakeSession) IdleWait(time.Duration) (bool, error) { return false, nil }

func (s *fakeSession) Logout() error { return nil }

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func rawMessage(id, subject string) []byte {
	lines := []string{
		"Message-Id: <" + id + ">",
		"From: sender@example.com",
		"To: rcpt@example.com",
		"Subject: " + subject,
		"Date: Mon, 02 Jan 2006 15:04:05 +0000",
		"",
		"body " + id,
	}
	return []byte(strings.Join(lines, "\r\n"))
}

func dialerFor(s *fakeSession) Dialer {
	return func(mailbox.DialConfig) (mailbox.Session, error) { return s, nil }
}

func TestBackup(t *testing.T) {
	ctx := context.Background()
	passStart := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("indexed backup sets the watermark at pass start", func(t *testing.T) {
		s := newFakeSession()
		s.folders["INBOX"] = []*fakeMessage{
			{id: 1, raw: rawMessage("one@x", "first")},
			{id: 2, raw: rawMessage("two@x", "second")},
		}
		r := NewRunner(dialerFor(s), nil, fixedClock{passStart})
		job := &config.Job{Name: "acct", WithDB: true, Incremental: true, Folders: []string{"INBOX"}}
		dest := t.TempDir()

		if err := r.Backup(ctx, job, dest); err != nil {
			t.Fatal(err)
		}

		ix, err := index.Open(dest + "/" + indexFile)
		if err != nil {
			t.Fatal(err)
		}
		defer ix.Close()

		msgs, err := ix.Messages(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != 2 {
			t.Fatalf("got %d indexed messages, want 2", len(msgs))
		}

		for _, m := range msgs {
			if m.Mailbox != "acct" {
				t.Fatalf("mailbox = %q", m.Mailbox)
			}
			labels, err := ix.MessageLabels(ctx, m.MessageID)
			if err != nil {
				t.Fatal(err)
			}
			if len(labels) != 1 || labels[0] != "INBOX" {
				t.Fatalf("labels = %v", labels)
			}
		}

		mailboxID, _ := ix.AddMailbox(ctx, "acct")
		labelID, _ := ix.AddLabel(ctx, "INBOX")
		watermark, ok, err := ix.GetSnapshotDate(ctx, mailboxID, labelID)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatal("watermark not set")
		}
		if !watermark.Equal(passStart) {
			t.Fatalf("watermark = %v, want %v", watermark, passStart)
		}
	})

	t.Run("incremental run searches since the prior watermark", func(t *testing.T) {
		s := newFakeSession()
		s.folders["INBOX"] = []*fakeMessage{
			{id: 1, date: passStart.Add(time.Hour), raw: rawMessage("one@x", "first")},
		}
		r := NewRunner(dialerFor(s), nil, fixedClock{passStart})
		job := &config.Job{Name: "acct", WithDB: true, Incremental: true, Folders: []string{"INBOX"}}
		dest := t.TempDir()

		if err := r.Backup(ctx, job, dest); err != nil {
			t.Fatal(err)
		}
		if err := r.Backup(ctx, job, dest); err != nil {
			t.Fatal(err)
		}

		if len(s.queries) != 2 {
			t.Fatalf("got %d searches, want 2", len(s.queries))
		}
		if !s.queries[0].Since.IsZero() {
			t.Fatalf("first search since = %v, want zero", s.queries[0].Since)
		}
		want := passStart.Add(-24 * time.Hour)
		if !s.queries[1].Since.Equal(want) {
			t.Fatalf("second search since = %v, want %v", s.queries[1].Since, want)
		}
	})

	t.Run("failed folder withholds its watermark, siblings continue", func(t *testing.T) {
		s := newFakeSession()
		s.folders["good"] = []*fakeMessage{{id: 1, raw: rawMessage("one@x", "ok")}}
		s.folders["bad"] = nil
		s.selectErr["bad"] = errors.New("select refused")
		r := NewRunner(dialerFor(s), nil, fixedClock{passStart})
		job := &config.Job{Name: "acct", WithDB: true, Incremental: true, Folders: []string{"bad", "good"}}
		dest := t.TempDir()

		err := r.Backup(ctx, job, dest)
		if err == nil {
			t.Fatal("expected aggregated error")
		}

		ix, err := index.Open(dest + "/" + indexFile)
		if err != nil {
			t.Fatal(err)
		}
		defer ix.Close()

		mailboxID, _ := ix.AddMailbox(ctx, "acct")
		badLabel, _ := ix.AddLabel(ctx, "bad")
		if _, ok, _ := ix.GetSnapshotDate(ctx, mailboxID, badLabel); ok {
			t.Fatal("failed folder got a watermark")
		}
		goodLabel, _ := ix.AddLabel(ctx, "good")
		if _, ok, _ := ix.GetSnapshotDate(ctx, mailboxID, goodLabel); !ok {
			t.Fatal("sibling folder did not get a watermark")
		}
	})

	t.Run("store-only backup leaves no index", func(t *testing.T) {
		s := newFakeSession()
		s.folders["INBOX"] = []*fakeMessage{{id: 1, raw: rawMessage("one@x", "plain")}}
		r := NewRunner(dialerFor(s), nil, fixedClock{passStart})
		job := &config.Job{Name: "acct", Folders: []string{"INBOX"}}
		dest := t.TempDir()

		if err := r.Backup(ctx, job, dest); err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(dest + "/" + indexFile); !os.IsNotExist(err) {
			t.Fatalf("index file created on a store-only job: %v", err)
		}
	})
}

func TestConnectTLSOptions(t *testing.T) {
	var got mailbox.DialConfig
	dial := func(cfg mailbox.DialConfig) (mailbox.Session, error) {
		got = cfg
		return newFakeSession(), nil
	}
	r := NewRunner(dial, nil, nil)

	checked := &config.Job{Name: "a", TLS: true, TLSCheckHostname: true, TLSVerifyCert: true}
	if _, err := r.connect(checked); err != nil {
		t.Fatal(err)
	}
	if got.InsecureTLS {
		t.Fatal("verification disabled for a fully checked job")
	}
	if !got.TLS {
		t.Fatal("tls not passed through")
	}

	lax := &config.Job{Name: "b", TLS: true, TLSCheckHostname: true, TLSVerifyCert: false}
	if _, err := r.connect(lax); err != nil {
		t.Fatal(err)
	}
	if !got.InsecureTLS {
		t.Fatal("tls_verify_cert=false did not disable verification")
	}
}

func TestCopy(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("move_to_archive without template fails before dialing", func(t *testing.T) {
		dials := 0
		dial := func(mailbox.DialConfig) (mailbox.Session, error) {
			dials++
			return newFakeSession(), nil
		}
		r := NewRunner(dial, nil, fixedClock{now})
		source := &config.Job{Name: "src", MoveToArchive: true}
		err := r.Copy(ctx, source, &config.Job{Name: "dst"}, false)
		if !errors.Is(err, ErrJobConfig) {
			t.Fatalf("err = %v, want ErrJobConfig", err)
		}
		if dials != 0 {
			t.Fatalf("dialed %d times before validation", dials)
		}
	})

	t.Run("one-shot copies INBOX to the destination", func(t *testing.T) {
		src := newFakeSession()
		src.folders["INBOX"] = []*fakeMessage{
			{id: 1, raw: rawMessage("one@x", "first")},
			{id: 2, raw: rawMessage("two@x", "second")},
		}
		dst := newFakeSession()
		sessions := []mailbox.Session{src, dst}
		dial := func(mailbox.DialConfig) (mailbox.Session, error) {
			s := sessions[0]
			sessions = sessions[1:]
			return s, nil
		}
		r := NewRunner(dial, nil, fixedClock{now})

		err := r.Copy(ctx, &config.Job{Name: "src"}, &config.Job{Name: "dst"}, false)
		if err != nil {
			t.Fatal(err)
		}
		if len(dst.appended["INBOX"]) != 2 {
			t.Fatalf("destination got %d messages, want 2", len(dst.appended["INBOX"]))
		}
	})

	t.Run("archive move expands the strftime template", func(t *testing.T) {
		src := newFakeSession()
		src.folders["INBOX"] = []*fakeMessage{{id: 5, raw: rawMessage("one@x", "first")}}
		dst := newFakeSession()
		sessions := []mailbox.Session{src, dst}
		dial := func(mailbox.DialConfig) (mailbox.Session, error) {
			s := sessions[0]
			sessions = sessions[1:]
			return s, nil
		}
		r := NewRunner(dial, nil, fixedClock{now})
		source := &config.Job{Name: "src", MoveToArchive: true, ArchiveFolder: "archived/%Y-%m"}

		if err := r.Copy(ctx, source, &config.Job{Name: "dst"}, false); err != nil {
			t.Fatal(err)
		}
		if src.moved[5] != "archived/2024-06" {
			t.Fatalf("moved = %v", src.moved)
		}
	})

	t.Run("archive falls back to save plus delete without MOVE", func(t *testing.T) {
		src := newFakeSession()
		src.caps.Move = false
		src.folders["INBOX"] = []*fakeMessage{{id: 5, raw: rawMessage("one@x", "first")}}
		dst := newFakeSession()
		sessions := []mailbox.Session{src, dst}
		dial := func(mailbox.DialConfig) (mailbox.Session, error) {
			s := sessions[0]
			sessions = sessions[1:]
			return s, nil
		}
		r := NewRunner(dial, nil, fixedClock{now})
		source := &config.Job{Name: "src", MoveToArchive: true, ArchiveFolder: "archived/%Y-%m"}

		if err := r.Copy(ctx, source, &config.Job{Name: "dst"}, false); err != nil {
			t.Fatal(err)
		}
		if len(src.appended["archived/2024-06"]) != 1 {
			t.Fatalf("no archive copy saved: %v", src.appended)
		}
		if len(src.folders["INBOX"]) != 0 {
			t.Fatal("source message not deleted")
		}
	})
}

func TestFolderList(t *testing.T) {
	s := newFakeSession()
	s.folders["INBOX"] = nil
	r := NewRunner(dialerFor(s), nil, nil)

	var buf bytes.Buffer
	if err := r.FolderList(context.Background(), &config.Job{Name: "acct"}, &buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "INBOX") {
		t.Fatalf("output = %q", buf.String())
	}
}

func TestReindex(t *testing.T) {
	ctx := context.Background()
	passStart := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	// Build a store through a backup, wipe the index, then rebuild it.
	s := newFakeSession()
	s.folders["INBOX"] = []*fakeMessage{
		{id: 1, raw: rawMessage("one@x", "first")},
		{id: 2, raw: rawMessage("two@x", "second")},
	}
	r := NewRunner(dialerFor(s), nil, fixedClock{passStart})
	dest := t.TempDir()
	if err := r.Backup(ctx, &config.Job{Name: "acct", Folders: []string{"INBOX"}}, dest); err != nil {
		t.Fatal(err)
	}

	if err := r.Reindex(ctx, dest, "recovered"); err != nil {
		t.Fatal(err)
	}

	ix, err := index.Open(dest + "/" + indexFile)
	if err != nil {
		t.Fatal(err)
	}
	defer ix.Close()

	msgs, err := ix.Messages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d reindexed messages, want 2", len(msgs))
	}
	for _, m := range msgs {
		if m.Mailbox != "recovered" {
			t.Fatalf("mailbox = %q", m.Mailbox)
		}
	}
}
