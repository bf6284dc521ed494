package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"imapcas/internal/cas"
	"imapcas/internal/index"
	"imapcas/internal/mail"
)

// Reindex rebuilds the metadata index of an existing store by walking the
// tree and re-deriving each artifact's metadata from its bytes. Messages are
// attached to the given mailbox name. Folder labels cannot be recovered from
// the bytes and stay as they are.
func (r *Runner) Reindex(ctx context.Context, storePath, mailboxName string) error {
	store, err := cas.New(storePath)
	if err != nil {
		return fmt.Errorf("opening store at %s: %w", storePath, err)
	}

	ix, err := index.Open(filepath.Join(storePath, indexFile))
	if err != nil {
		return fmt.Errorf("opening index: %w", err)
	}
	defer ix.Close()

	mailboxID, err := ix.AddMailbox(ctx, mailboxName)
	if err != nil {
		return fmt.Errorf("registering mailbox %q: %w", mailboxName, err)
	}

	indexed := 0
	err = store.Walk(func(path string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading artifact: %w", err)
		}
		summary, err := mail.Summarize(raw)
		if err != nil {
			r.logger.Error("unreadable artifact skipped", "path", path, "error", err)
			return nil
		}
		storeID := strings.TrimSuffix(filepath.Base(path), store.Suffix())
		if err := r.reindexOne(ctx, ix, mailboxID, storeID, summary); err != nil {
			return fmt.Errorf("indexing %s: %w", storeID, err)
		}
		indexed++
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.Info("reindex done", "store", storePath, "mailbox", mailboxName, "indexed", indexed)
	return nil
}

func (r *Runner) reindexOne(ctx context.Context, ix *index.Index, mailboxID int64, storeID string, summary mail.Summary) error {
	return ix.WithTx(ctx, func(tx *index.Tx) error {
		messageID, err := tx.AddMessage(ctx, storeID, summary.EmailID, summary.Date, summary.Subject)
		if err != nil {
			return err
		}
		if err := tx.AssignMessageToMailbox(ctx, messageID, mailboxID); err != nil {
			return err
		}
		if err := tx.AddMessageSenders(ctx, messageID, summary.Sender...); err != nil {
			return err
		}
		return tx.AddMessageRecipients(ctx, messageID, summary.Recipients...)
	})
}
