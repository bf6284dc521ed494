package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"imapcas/internal/cas"
	"imapcas/internal/config"
	"imapcas/internal/index"
	"imapcas/internal/mailbox"
)

// Backup exports the job's folders into a content store rooted at dest.
// With with_db the metadata index (dest/index.db) is updated alongside, and
// incremental jobs resume from each folder's snapshot watermark. A failed
// folder is logged and its watermark withheld; sibling folders continue. The
// returned error aggregates per-folder failures.
func (r *Runner) Backup(ctx context.Context, job *config.Job, dest string) error {
	store, err := cas.New(dest)
	if err != nil {
		return fmt.Errorf("opening store at %s: %w", dest, err)
	}

	client, err := r.connect(job)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", job.Server, err)
	}
	defer client.Logout()

	folders, err := r.jobFolders(client, job)
	if err != nil {
		return fmt.Errorf("listing folders: %w", err)
	}

	if !job.WithDB {
		return r.backupStoreOnly(ctx, job, client, store, folders)
	}

	ix, err := index.Open(filepath.Join(dest, indexFile))
	if err != nil {
		return fmt.Errorf("opening index: %w", err)
	}
	defer ix.Close()

	mailboxID, err := ix.AddMailbox(ctx, job.Name)
	if err != nil {
		return fmt.Errorf("registering mailbox %q: %w", job.Name, err)
	}

	var failures []error
	for _, folder := range folders {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.backupFolder(ctx, job, client, store, ix, mailboxID, folder); err != nil {
			r.logger.Error("folder backup failed", "job", job.Name, "folder", folder, "error", err)
			failures = append(failures, fmt.Errorf("folder %q: %w", folder, err))
		}
	}
	return errors.Join(failures...)
}

// backupFolder runs one folder pass. The watermark is read before and
// advanced after, timestamped at pass start so messages arriving mid-pass
// are re-found next time, and only when the pass completed cleanly.
func (r *Runner) backupFolder(ctx context.Context, job *config.Job, client *mailbox.Client, store *cas.Store, ix *index.Index, mailboxID int64, folder string) error {
	labelID, err := ix.AddLabel(ctx, folder)
	if err != nil {
		return fmt.Errorf("registering label: %w", err)
	}

	var since time.Time
	if job.Incremental {
		watermark, ok, err := ix.GetSnapshotDate(ctx, mailboxID, labelID)
		if err != nil {
			return fmt.Errorf("reading watermark: %w", err)
		}
		if ok {
			since = watermark
		}
	}

	passStart := r.clock.Now()
	copied, found, err := client.FolderBackup(ctx, folder, store, since, func(md mailbox.Metadata) error {
		return r.indexMessage(ctx, ix, mailboxID, md)
	})
	if err != nil {
		return err
	}
	r.logger.Info("folder backup done", "job", job.Name, "folder", folder, "copied", copied, "found", found)

	return ix.SetSnapshot(ctx, mailboxID, labelID, passStart)
}

// indexMessage records one exported message's metadata in a single
// transaction.
func (r *Runner) indexMessage(ctx context.Context, ix *index.Index, mailboxID int64, md mailbox.Metadata) error {
	return ix.WithTx(ctx, func(tx *index.Tx) error {
		messageID, err := tx.AddMessage(ctx, md.StoreID, md.EmailID, md.Date, md.Subject)
		if err != nil {
			return err
		}
		if err := tx.AssignMessageToMailbox(ctx, messageID, mailboxID); err != nil {
			return err
		}
		if err := tx.AddMessageLabels(ctx, messageID, md.Labels...); err != nil {
			return err
		}
		if err := tx.AddMessageSenders(ctx, messageID, md.Sender...); err != nil {
			return err
		}
		return tx.AddMessageRecipients(ctx, messageID, md.Recipients...)
	})
}

// backupStoreOnly is the with_db=false path: plain store passes with no
// watermark tracking.
func (r *Runner) backupStoreOnly(ctx context.Context, job *config.Job, client *mailbox.Client, store *cas.Store, folders []string) error {
	var failures []error
	for _, folder := range folders {
		if err := ctx.Err(); err != nil {
			return err
		}
		copied, found, err := client.FolderBackup(ctx, folder, store, time.Time{}, nil)
		if err != nil {
			r.logger.Error("folder backup failed", "job", job.Name, "folder", folder, "error", err)
			failures = append(failures, fmt.Errorf("folder %q: %w", folder, err))
			continue
		}
		r.logger.Info("folder backup done", "job", job.Name, "folder", folder, "copied", copied, "found", found)
	}
	return errors.Join(failures...)
}
