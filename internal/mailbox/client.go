package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"imapcas/internal/cas"
	"imapcas/internal/mail"
)

// ErrWatchBroken signals that the watch loop detected a silently dead
// connection: the blocking wait returned almost immediately without a
// notification, which the underlying primitive does not surface as an error.
var ErrWatchBroken = errors.New("watch connection broken")

const (
	defaultChunkSize        = 10
	defaultWatchTimeout     = 20 * time.Second
	defaultWatchMaxDuration = time.Hour
)

// Options are the per-job settings that shape folder operations.
type Options struct {
	// IgnoreFolderFlags excludes folders whose type flags match any entry
	// (case-insensitive, leading backslashes ignored).
	IgnoreFolderFlags []string
	// IgnoreFolderNames excludes folders whose name matches any of these
	// regular expressions (anchored at the start, like the job file
	// documents). Patterns that fail to compile are logged and dropped.
	IgnoreFolderNames []string
	// DeleteAfterExport removes messages from the server once exported.
	DeleteAfterExport bool
	// ExchangeJournal unwraps journal envelopes before storing.
	ExchangeJournal bool
	// TrashFolder is cleared after a folder backup on providers that
	// advertise the Gmail extension.
	TrashFolder string
	// ErrorFolder receives messages that fail journal unwrapping. Honored
	// only when the server supports MOVE.
	ErrorFolder string
	// WatchTimeout bounds a single blocking wait (default 20s).
	WatchTimeout time.Duration
	// WatchMaxDuration bounds one watch loop before the caller should
	// refresh the session (default 1h).
	WatchMaxDuration time.Duration
}

// Metadata describes one exported message for the index callback.
type Metadata struct {
	Mailbox    string
	Folder     string
	EmailID    string
	StoreID    string
	Labels     []string
	Sender     []string
	Recipients []string
	Date       time.Time
	Subject    string
}

// Client drives folder-level operations on one session. All operations are
// serialized under a single mutex: the blocking watch call leaves the session
// in a wait state that must never interleave with ordinary commands.
type Client struct {
	mu      sync.Mutex
	session Session
	jobName string
	opts    Options
	caps    Caps
	logger  *slog.Logger

	ignoreNames []*regexp.Regexp
	chunkSize   int
}

// NewClient wraps a session for the named job.
func NewClient(session Session, jobName string, opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.WatchTimeout <= 0 {
		opts.WatchTimeout = defaultWatchTimeout
	}
	if opts.WatchMaxDuration <= 0 {
		opts.WatchMaxDuration = defaultWatchMaxDuration
	}
	caps := session.Caps()
	if !caps.Move {
		// Routing to an error folder needs MOVE.
		opts.ErrorFolder = ""
	}
	var ignoreNames []*regexp.Regexp
	for _, p := range opts.IgnoreFolderNames {
		re, err := regexp.Compile("^(?:" + p + ")")
		if err != nil {
			logger.Warn("invalid folder name pattern dropped", "job", jobName, "pattern", p, "error", err)
			continue
		}
		ignoreNames = append(ignoreNames, re)
	}
	return &Client{
		session:     session,
		jobName:     jobName,
		opts:        opts,
		caps:        caps,
		logger:      logger,
		ignoreNames: ignoreNames,
		chunkSize:   defaultChunkSize,
	}
}

// Caps returns the session's capability set.
func (c *Client) Caps() Caps { return c.caps }

// Logout closes the underlying session.
func (c *Client) Logout() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Logout()
}

// matchesFlag reports whether any folder flag matches one of the patterns.
func matchesFlag(flags, patterns []string) bool {
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimLeft(p, "\\"))
		for _, f := range flags {
			if strings.ToLower(strings.TrimLeft(f, "\\")) == p {
				return true
			}
		}
	}
	return false
}

// matchesName reports whether the folder name matches any compiled pattern.
func matchesName(name string, patterns []*regexp.Regexp) bool {
	for _, re := range patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// Folders lists server folders with the job's ignore filters applied.
func (c *Client) Folders() ([]Folder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	all, err := c.session.ListFolders()
	if err != nil {
		return nil, err
	}
	folders := make([]Folder, 0, len(all))
	for _, f := range all {
		if matchesFlag(f.Flags, c.opts.IgnoreFolderFlags) {
			continue
		}
		if matchesName(f.Name, c.ignoreNames) {
			continue
		}
		folders = append(folders, f)
	}
	return folders, nil
}

// searchQuery widens a watermark by one day to tolerate server-side date
// granularity and clock skew.
func searchQuery(since time.Time) SearchQuery {
	var q SearchQuery
	if !since.IsZero() {
		q.Since = since.Add(-24 * time.Hour)
	}
	return q
}

// selectAndSearch selects the folder and returns the matching ids.
// Must be called with the client lock held.
func (c *Client) selectAndSearch(folder string, since time.Time, readOnly bool) ([]uint32, error) {
	inFolder, err := c.session.SelectFolder(folder, readOnly)
	if err != nil {
		return nil, err
	}
	ids, err := c.session.Search(searchQuery(since))
	if err != nil {
		return nil, err
	}
	if uint32(len(ids)) != inFolder {
		c.logger.Info("found messages", "job", c.jobName, "folder", folder, "found", len(ids), "in_folder", inFolder)
	} else {
		c.logger.Info("found messages", "job", c.jobName, "folder", folder, "found", len(ids))
	}
	return ids, nil
}

// chunks splits ids into fetch batches bounding memory and per-call latency.
func chunks(ids []uint32, n int) [][]uint32 {
	var out [][]uint32
	for len(ids) > 0 {
		if len(ids) < n {
			n = len(ids)
		}
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}

// messageLabels derives the label set for a stored message: the folder name,
// plus provider labels when the extension is available. On Gmail the
// pseudo-folders under "[Google Mail]" are not recorded as labels themselves.
func (c *Client) messageLabels(folder string, id uint32) []string {
	if !c.caps.GmailExt {
		return []string{folder}
	}
	labels, err := c.session.FetchLabels(id)
	if err != nil {
		return []string{folder}
	}
	if strings.HasPrefix(folder, "[Google Mail]") {
		return labels
	}
	return append([]string{folder}, labels...)
}

// FolderBackup exports a folder's messages into the content store, invoking
// onMessage for each stored message's metadata. It returns the number of
// messages exported and the number found. Per-message failures are logged
// and skipped; a folder-level failure is returned after unselecting, and the
// caller must not advance the folder's watermark.
func (c *Client) FolderBackup(ctx context.Context, folder string, store *cas.Store, since time.Time, onMessage func(Metadata) error) (copied, found int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids, err := c.selectAndSearch(folder, since, !c.opts.DeleteAfterExport)
	if err != nil {
		return 0, 0, err
	}
	defer c.session.UnselectFolder()

	for _, chunk := range chunks(ids, c.chunkSize) {
		if err := ctx.Err(); err != nil {
			return copied, len(ids), err
		}
		msgs, err := c.session.Fetch(chunk)
		if err != nil {
			c.logger.Error("fetch failed", "job", c.jobName, "folder", folder, "ids", chunk, "error", err)
			continue
		}
		for _, msg := range msgs {
			if c.backupOne(folder, store, msg, onMessage) {
				copied++
			}
		}
	}

	if c.opts.DeleteAfterExport {
		if err := c.session.Expunge(); err != nil {
			return copied, len(ids), err
		}
	}

	if c.caps.GmailExt && c.opts.TrashFolder != "" {
		c.clearFolder(c.opts.TrashFolder)
	}
	return copied, len(ids), nil
}

// backupOne stores a single message and reports whether it counted. Failures
// are logged and skipped so the folder pass continues.
func (c *Client) backupOne(folder string, store *cas.Store, msg FetchedMessage, onMessage func(Metadata) error) bool {
	raw := msg.Raw
	if c.opts.ExchangeJournal {
		inner, ok := mail.UnwrapJournal(raw)
		if !ok {
			if c.opts.ErrorFolder != "" {
				c.logger.Warn("not a journal item, moving to error folder", "job", c.jobName, "folder", folder, "id", msg.ID)
				if err := c.moveLocked(msg.ID, c.opts.ErrorFolder); err != nil {
					c.logger.Error("moving to error folder failed", "job", c.jobName, "folder", folder, "id", msg.ID, "error", err)
				}
			} else {
				c.logger.Warn("not a journal item, skipping", "job", c.jobName, "folder", folder, "id", msg.ID)
			}
			return false
		}
		raw = inner
	}

	res, err := store.AddBytes(raw)
	if err != nil {
		c.logger.Error("storing message failed", "job", c.jobName, "folder", folder, "id", msg.ID, "error", err)
		return false
	}
	if res.Status == cas.StatusCollision {
		c.logger.Warn("digest collision, stored in collision area", "job", c.jobName, "folder", folder, "id", msg.ID, "store_id", res.Digest, "path", res.Path)
	}
	c.logger.Info("message stored", "job", c.jobName, "folder", folder, "id", msg.ID, "status", res.Status, "store_id", res.Digest)

	if onMessage != nil {
		summary, err := mail.Summarize(raw)
		if err != nil {
			c.logger.Error("deriving metadata failed", "job", c.jobName, "folder", folder, "id", msg.ID, "error", err)
			return false
		}
		md := Metadata{
			Mailbox:    c.jobName,
			Folder:     folder,
			EmailID:    summary.EmailID,
			StoreID:    res.Digest,
			Labels:     c.messageLabels(folder, msg.ID),
			Sender:     summary.Sender,
			Recipients: summary.Recipients,
			Date:       summary.Date,
			Subject:    summary.Subject,
		}
		if err := onMessage(md); err != nil {
			c.logger.Error("metadata callback failed", "job", c.jobName, "folder", folder, "id", msg.ID, "error", err)
			return false
		}
	}

	if c.opts.DeleteAfterExport {
		if err := c.session.MarkDeleted([]uint32{msg.ID}); err != nil {
			c.logger.Error("marking deleted failed", "job", c.jobName, "folder", folder, "id", msg.ID, "error", err)
		}
	}
	return true
}

// clearFolder empties the named folder. Errors are logged, not propagated:
// trash cleanup never fails a backup.
func (c *Client) clearFolder(folder string) {
	if _, err := c.session.SelectFolder(folder, false); err != nil {
		c.logger.Error("selecting trash folder failed", "job", c.jobName, "folder", folder, "error", err)
		return
	}
	defer func() {
		if err := c.session.Expunge(); err != nil {
			c.logger.Error("expunging trash folder failed", "job", c.jobName, "folder", folder, "error", err)
		}
		c.session.UnselectFolder()
	}()

	ids, err := c.session.Search(SearchQuery{})
	if err != nil {
		c.logger.Error("searching trash folder failed", "job", c.jobName, "folder", folder, "error", err)
		return
	}
	for _, chunk := range chunks(ids, c.chunkSize) {
		if err := c.session.MarkDeleted(chunk); err != nil {
			c.logger.Error("clearing trash folder failed", "job", c.jobName, "folder", folder, "error", err)
		}
	}
}

// GetMessages streams a folder's messages to fn in fetch order, with the
// same selection logic as FolderBackup. An fn error aborts the folder. fn
// runs without the session lock held, so it may use this client (move,
// delete, save).
func (c *Client) GetMessages(ctx context.Context, folder string, since time.Time, fn func(id uint32, date time.Time, raw []byte) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids, err := c.selectAndSearch(folder, since, !c.opts.DeleteAfterExport)
	if err != nil {
		return err
	}
	defer c.session.UnselectFolder()

	for _, chunk := range chunks(ids, c.chunkSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msgs, err := c.session.Fetch(chunk)
		if err != nil {
			c.logger.Error("fetch failed", "job", c.jobName, "folder", folder, "ids", chunk, "error", err)
			continue
		}
		for _, msg := range msgs {
			c.mu.Unlock()
			err := fn(msg.ID, msg.InternalDate, msg.Raw)
			c.mu.Lock()
			if err != nil {
				return err
			}
			if c.opts.DeleteAfterExport {
				if err := c.session.MarkDeleted([]uint32{msg.ID}); err != nil {
					c.logger.Error("marking deleted failed", "job", c.jobName, "folder", folder, "id", msg.ID, "error", err)
				}
			}
		}
	}

	if c.opts.DeleteAfterExport {
		return c.session.Expunge()
	}
	return nil
}

// SaveMessage appends a raw message to the named folder, creating the folder
// if absent.
func (c *Client) SaveMessage(raw []byte, folder string, date time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureFolder(folder); err != nil {
		return err
	}
	return c.session.Append(folder, raw, date)
}

// MoveMessage moves a message to the named folder, creating it if absent.
// Returns ErrUnsupported when the server lacks the MOVE capability.
func (c *Client) MoveMessage(id uint32, folder string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.moveLocked(id, folder)
}

func (c *Client) moveLocked(id uint32, folder string) error {
	if !c.caps.Move {
		return fmt.Errorf("moving message: %w", ErrUnsupported)
	}
	if err := c.ensureFolder(folder); err != nil {
		return err
	}
	return c.session.Move([]uint32{id}, folder)
}

// DeleteMessage flags a message as deleted and optionally expunges. With
// UIDPLUS only this message is expunged; otherwise the whole folder is, which
// sweeps any other flagged messages along.
func (c *Client) DeleteMessage(id uint32, expunge bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.session.MarkDeleted([]uint32{id}); err != nil {
		return err
	}
	if !expunge {
		return nil
	}
	if c.caps.UIDPlus {
		return c.session.ExpungeIDs([]uint32{id})
	}
	return c.session.Expunge()
}

func (c *Client) ensureFolder(folder string) error {
	exists, err := c.session.FolderExists(folder)
	if err != nil {
		return err
	}
	if !exists {
		return c.session.CreateFolder(folder)
	}
	return nil
}

// WatchFolder blocks on the folder's change notifications and invokes
// onChange for each one. It returns nil when WatchMaxDuration elapses (the
// caller should refresh the session and call again), ErrWatchBroken when the
// connection appears silently dead, any transport error, or the context
// error on cancellation. onChange runs without the session lock held, so it
// may use this client.
func (c *Client) WatchFolder(ctx context.Context, folder string, onChange func(ctx context.Context) error) error {
	start := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Since(start) >= c.opts.WatchMaxDuration {
			c.logger.Debug("watch max duration reached", "job", c.jobName, "folder", folder)
			return nil
		}

		notified, waited, err := c.watchOnce(folder)
		if err != nil {
			return err
		}
		if !notified {
			if waited < c.opts.WatchTimeout/2 {
				// The wait primitive does not always surface a broken
				// connection as an error; returning almost immediately
				// without a notification is the tell.
				c.logger.Warn("watch connection broken", "job", c.jobName, "folder", folder)
				return ErrWatchBroken
			}
			continue
		}

		c.logger.Debug("watch notification", "job", c.jobName, "folder", folder)
		if err := onChange(ctx); err != nil {
			return err
		}
	}
}

// watchOnce performs one select + bounded wait under the session lock.
func (c *Client) watchOnce(folder string) (notified bool, waited time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureFolder(folder); err != nil {
		return false, 0, err
	}
	if _, err := c.session.SelectFolder(folder, true); err != nil {
		return false, 0, err
	}

	waitStart := time.Now()
	notified, err = c.session.IdleWait(c.opts.WatchTimeout)
	return notified, time.Since(waitStart), err
}
