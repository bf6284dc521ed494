// Package mailbox adapts an IMAP session into the folder-level operations
// the sync orchestrator needs: filtered folder listing, incremental folder
// backup into a content store, message streaming, folder mutation, and a
// long-lived watch loop.
package mailbox

import (
	"errors"
	"time"
)

// ErrUnsupported is returned when the server lacks a capability required by
// the requested operation (e.g. MOVE, provider labels).
var ErrUnsupported = errors.New("operation not supported by server")

// Caps is the capability set of a session, computed once at dial time and
// carried alongside the session handle.
type Caps struct {
	// Move reports the MOVE extension.
	Move bool
	// UIDPlus reports the UIDPLUS extension (targeted expunge).
	UIDPlus bool
	// GmailExt reports the X-GM-EXT-1 provider extension (labels, trash
	// handling quirks).
	GmailExt bool
}

// Folder is a server-side folder with its type flags.
type Folder struct {
	Name  string
	Flags []string
}

// FetchedMessage is one message as returned by the server.
type FetchedMessage struct {
	ID           uint32
	InternalDate time.Time
	Raw          []byte
}

// SearchQuery selects messages in the currently selected folder. Deleted
// messages are always excluded; a non-zero Since adds a server-side date
// bound.
type SearchQuery struct {
	Since time.Time
}

// Session is one authenticated transport connection. Implementations are not
// safe for concurrent use; Client serializes access. The transport library
// supplies the protocol mechanics, this interface is the boundary the rest
// of the system programs against.
type Session interface {
	// Caps returns the capability set computed at session open.
	Caps() Caps

	// ListFolders lists all folders with their type flags.
	ListFolders() ([]Folder, error)

	// SelectFolder selects a folder and returns its message count.
	SelectFolder(name string, readOnly bool) (uint32, error)

	// UnselectFolder leaves the selected folder without expunging.
	UnselectFolder() error

	// FolderExists reports whether the named folder exists.
	FolderExists(name string) (bool, error)

	// CreateFolder creates a folder.
	CreateFolder(name string) error

	// Search returns the ids matching the query in the selected folder.
	Search(q SearchQuery) ([]uint32, error)

	// Fetch returns raw bytes and internal dates for the given ids.
	Fetch(ids []uint32) ([]FetchedMessage, error)

	// Append stores a raw message in the named folder with the given
	// internal date.
	Append(folder string, raw []byte, date time.Time) error

	// Move moves messages to another folder. Requires the MOVE capability.
	Move(ids []uint32, folder string) error

	// MarkDeleted flags messages as deleted.
	MarkDeleted(ids []uint32) error

	// Expunge permanently removes deleted messages in the selected folder.
	Expunge() error

	// ExpungeIDs permanently removes only the given deleted messages.
	// Requires the UIDPLUS capability.
	ExpungeIDs(ids []uint32) error

	// FetchLabels returns provider-specific labels for a message, or
	// ErrUnsupported when the provider extension is unavailable.
	FetchLabels(id uint32) ([]string, error)

	// IdleWait blocks on the server's change notification primitive for at
	// most timeout and reports whether a notification arrived. A folder must
	// be selected.
	IdleWait(timeout time.Duration) (bool, error)

	// Logout closes the session.
	Logout() error
}
