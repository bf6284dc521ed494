package mailbox

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// capGmailExt marks Gmail's provider extension.
const capGmailExt = imap.Cap("X-GM-EXT-1")

// DialConfig describes how to reach and authenticate one IMAP server.
type DialConfig struct {
	Server   string
	Port     int
	Username string
	Password string
	// TLS selects implicit TLS; false upgrades via STARTTLS.
	TLS bool
	// InsecureTLS disables certificate and hostname verification, for
	// servers with self-signed or mismatched certificates. The zero value
	// verifies.
	InsecureTLS bool
}

// imapSession implements Session on an imapclient connection.
type imapSession struct {
	client  *imapclient.Client
	caps    Caps
	updates chan struct{}
}

// Dial connects, authenticates, and computes the session capability set.
func Dial(cfg DialConfig) (Session, error) {
	s := &imapSession{updates: make(chan struct{}, 1)}

	opts := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(*imapclient.UnilateralDataMailbox) {
				select {
				case s.updates <- struct{}{}:
				default:
				}
			},
			Expunge: func(uint32) {
				select {
				case s.updates <- struct{}{}:
				default:
				}
			},
		},
	}
	if cfg.InsecureTLS {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server, cfg.Port)
	var (
		client *imapclient.Client
		err    error
	)
	if cfg.TLS {
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialStartTLS(addr, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}

	if err := client.Login(cfg.Username, cfg.Password).Wait(); err != nil {
		client.Close()
		return nil, fmt.Errorf("authenticating %s: %w", cfg.Username, err)
	}

	caps := client.Caps()
	s.client = client
	s.caps = Caps{
		Move:     caps.Has(imap.CapMove),
		UIDPlus:  caps.Has(imap.CapUIDPlus),
		GmailExt: caps.Has(capGmailExt),
	}
	return s, nil
}

func (s *imapSession) Caps() Caps { return s.caps }

func (s *imapSession) ListFolders() ([]Folder, error) {
	lists, err := s.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("listing folders: %w", err)
	}
	folders := make([]Folder, 0, len(lists))
	for _, l := range lists {
		flags := make([]string, 0, len(l.Attrs))
		for _, a := range l.Attrs {
			flags = append(flags, string(a))
		}
		folders = append(folders, Folder{Name: l.Mailbox, Flags: flags})
	}
	return folders, nil
}

func (s *imapSession) SelectFolder(name string, readOnly bool) (uint32, error) {
	data, err := s.client.Select(name, &imap.SelectOptions{ReadOnly: readOnly}).Wait()
	if err != nil {
		return 0, fmt.Errorf("selecting folder %s: %w", name, err)
	}
	return data.NumMessages, nil
}

func (s *imapSession) UnselectFolder() error {
	return s.client.Unselect().Wait()
}

func (s *imapSession) FolderExists(name string) (bool, error) {
	lists, err := s.client.List("", name, nil).Collect()
	if err != nil {
		return false, fmt.Errorf("checking folder %s: %w", name, err)
	}
	return len(lists) > 0, nil
}

func (s *imapSession) CreateFolder(name string) error {
	if err := s.client.Create(name, nil).Wait(); err != nil {
		return fmt.Errorf("creating folder %s: %w", name, err)
	}
	return nil
}

func (s *imapSession) Search(q SearchQuery) ([]uint32, error) {
	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagDeleted},
	}
	if !q.Since.IsZero() {
		criteria.Since = q.Since
	}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching: %w", err)
	}
	uids := data.AllUIDs()
	ids := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		ids = append(ids, uint32(uid))
	}
	return ids, nil
}

func (s *imapSession) Fetch(ids []uint32) ([]FetchedMessage, error) {
	bodySection := &imap.FetchItemBodySection{Peek: true}
	opts := &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	}

	msgs, err := s.client.Fetch(uidSet(ids), opts).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}

	out := make([]FetchedMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, FetchedMessage{
			ID:           uint32(m.UID),
			InternalDate: m.InternalDate,
			Raw:          m.FindBodySection(bodySection),
		})
	}
	return out, nil
}

func (s *imapSession) Append(folder string, raw []byte, date time.Time) error {
	opts := &imap.AppendOptions{}
	if !date.IsZero() {
		opts.Time = date
	}
	cmd := s.client.Append(folder, int64(len(raw)), opts)
	if _, err := cmd.Write(raw); err != nil {
		cmd.Close()
		return fmt.Errorf("appending to %s: %w", folder, err)
	}
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("appending to %s: %w", folder, err)
	}
	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("appending to %s: %w", folder, err)
	}
	return nil
}

func (s *imapSession) Move(ids []uint32, folder string) error {
	if _, err := s.client.Move(uidSet(ids), folder).Wait(); err != nil {
		return fmt.Errorf("moving to %s: %w", folder, err)
	}
	return nil
}

func (s *imapSession) MarkDeleted(ids []uint32) error {
	cmd := s.client.Store(uidSet(ids), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil)
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("marking deleted: %w", err)
	}
	return nil
}

func (s *imapSession) Expunge() error {
	if err := s.client.Expunge().Close(); err != nil {
		return fmt.Errorf("expunging: %w", err)
	}
	return nil
}

func (s *imapSession) ExpungeIDs(ids []uint32) error {
	if err := s.client.UIDExpunge(uidSet(ids)).Close(); err != nil {
		return fmt.Errorf("expunging messages: %w", err)
	}
	return nil
}

// FetchLabels is capability-gated on the Gmail extension. The transport
// library has no X-GM-LABELS fetch item yet, so even Gmail sessions report
// ErrUnsupported and callers fall back to folder-derived labels.
func (s *imapSession) FetchLabels(uint32) ([]string, error) {
	return nil, ErrUnsupported
}

func (s *imapSession) IdleWait(timeout time.Duration) (bool, error) {
	// Drain any notification that arrived while not idling.
	select {
	case <-s.updates:
		return true, nil
	default:
	}

	idle, err := s.client.Idle()
	if err != nil {
		return false, fmt.Errorf("starting idle: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	notified := false
	select {
	case <-s.updates:
		notified = true
	case <-timer.C:
	}

	if err := idle.Close(); err != nil {
		return notified, fmt.Errorf("stopping idle: %w", err)
	}
	if err := idle.Wait(); err != nil {
		return notified, fmt.Errorf("finishing idle: %w", err)
	}
	return notified, nil
}

func (s *imapSession) Logout() error {
	return s.client.Logout().Wait()
}

func uidSet(ids []uint32) imap.UIDSet {
	uids := make([]imap.UID, 0, len(ids))
	for _, id := range ids {
		uids = append(uids, imap.UID(id))
	}
	return imap.UIDSetNum(uids...)
}
