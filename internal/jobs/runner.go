// Package jobs is the orchestration layer that coordinates sessions, the
// content store, and the metadata index to run the high-level operations the
// CLI exposes.
package jobs

import (
	"errors"
	"log/slog"
	"time"

	"imapcas/internal/config"
	"imapcas/internal/mailbox"
)

// ErrJobConfig marks an invalid job configuration, detected before any
// network or storage side effect.
var ErrJobConfig = errors.New("invalid job configuration")

// indexFile is the index database filename inside a backup destination.
const indexFile = "index.db"

// Dialer opens a transport session. Tests substitute a fake.
type Dialer func(cfg mailbox.DialConfig) (mailbox.Session, error)

// Clock abstracts time retrieval so watermarks are deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Runner executes jobs.
type Runner struct {
	dial   Dialer
	logger *slog.Logger
	clock  Clock
}

// NewRunner creates a Runner. A nil dialer uses the real transport, a nil
// logger discards, a nil clock uses real time.
func NewRunner(dial Dialer, logger *slog.Logger, clock Clock) *Runner {
	if dial == nil {
		dial = mailbox.Dial
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &Runner{dial: dial, logger: logger, clock: clock}
}

// connect dials the job's server and wraps the session in a client carrying
// the job's folder options.
func (r *Runner) connect(job *config.Job) (*mailbox.Client, error) {
	session, err := r.dial(mailbox.DialConfig{
		Server:   job.Server,
		Port:     job.Port,
		Username: job.Username,
		Password: job.Password,
		TLS:      job.TLS,
		// Both checks default to on; either one set false in the job
		// file turns certificate verification off.
		InsecureTLS: !job.TLSCheckHostname || !job.TLSVerifyCert,
	})
	if err != nil {
		return nil, err
	}
	opts := mailbox.Options{
		IgnoreFolderFlags: job.IgnoreFolderFlags,
		IgnoreFolderNames: job.IgnoreFolderNames,
		DeleteAfterExport: job.DeleteAfterExport,
		ExchangeJournal:   job.ExchangeJournal,
		TrashFolder:       job.TrashFolder,
		ErrorFolder:       job.ErrorFolder,
	}
	return mailbox.NewClient(session, job.Name, opts, r.logger), nil
}

// jobFolders resolves the folder list for a job: the explicit list when
// configured, otherwise all folders that survive the ignore filters.
func (r *Runner) jobFolders(client *mailbox.Client, job *config.Job) ([]string, error) {
	if len(job.Folders) > 0 {
		return job.Folders, nil
	}
	folders, err := client.Folders()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(folders))
	for i, f := range folders {
		names[i] = f.Name
	}
	return names, nil
}
