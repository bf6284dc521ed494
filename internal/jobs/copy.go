package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ncruces/go-strftime"

	"imapcas/internal/config"
	"imapcas/internal/mailbox"
)

// Copy streams messages from the source mailbox to the destination. One-shot
// mode runs the source's folder list once (default INBOX). Idle mode watches
// INBOX only and re-runs the copy on every change notification, reconnecting
// from scratch on any session failure; context cancellation is the only
// exit. When the source requests move_to_archive, copied messages are moved
// into the strftime-expanded archive folder on the source.
func (r *Runner) Copy(ctx context.Context, source, dest *config.Job, idle bool) error {
	if source.MoveToArchive && source.ArchiveFolder == "" {
		return fmt.Errorf("job %q: move_to_archive requires archive_folder: %w", source.Name, ErrJobConfig)
	}
	if idle {
		return r.copyIdle(ctx, source, dest)
	}
	return r.copyOnce(ctx, source, dest)
}

func (r *Runner) copyOnce(ctx context.Context, source, dest *config.Job) error {
	src, err := r.connect(source)
	if err != nil {
		return fmt.Errorf("connecting to source %s: %w", source.Server, err)
	}
	defer src.Logout()

	dst, err := r.connect(dest)
	if err != nil {
		return fmt.Errorf("connecting to destination %s: %w", dest.Server, err)
	}
	defer dst.Logout()

	folders := source.Folders
	if len(folders) == 0 {
		folders = []string{"INBOX"}
	}
	for _, folder := range folders {
		if err := r.copyFolder(ctx, source, src, dst, folder); err != nil {
			return fmt.Errorf("copying folder %q: %w", folder, err)
		}
	}
	return nil
}

// copyFolder streams one folder. A message that fails to land on the
// destination is logged and left in place on the source.
func (r *Runner) copyFolder(ctx context.Context, source *config.Job, src, dst *mailbox.Client, folder string) error {
	copied := 0
	err := src.GetMessages(ctx, folder, time.Time{}, func(id uint32, date time.Time, raw []byte) error {
		if err := dst.SaveMessage(raw, folder, date); err != nil {
			r.logger.Error("saving to destination failed", "job", source.Name, "folder", folder, "id", id, "error", err)
			return nil
		}
		copied++
		if source.MoveToArchive {
			if err := r.archiveMessage(source, src, id, date, raw); err != nil {
				r.logger.Error("archiving failed", "job", source.Name, "folder", folder, "id", id, "error", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.Info("folder copied", "job", source.Name, "folder", folder, "copied", copied)
	return nil
}

// archiveMessage moves a copied message into the archive folder on the
// source, expanding the strftime template at move time. Servers without MOVE
// get a saved copy plus a hard delete.
func (r *Runner) archiveMessage(source *config.Job, src *mailbox.Client, id uint32, date time.Time, raw []byte) error {
	folder := strftime.Format(source.ArchiveFolder, r.clock.Now())
	err := src.MoveMessage(id, folder)
	if err == nil {
		return nil
	}
	if !errors.Is(err, mailbox.ErrUnsupported) {
		return err
	}
	if err := src.SaveMessage(raw, folder, date); err != nil {
		return err
	}
	return src.DeleteMessage(id, true)
}

// copyIdle is the reconnect loop: dial, copy, watch, and on any failure or
// session timeout start over immediately.
func (r *Runner) copyIdle(ctx context.Context, source, dest *config.Job) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.idleSession(ctx, source, dest); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("idle session failed, reconnecting", "job", source.Name, "error", err)
		}
	}
}

// idleSession runs one live session: copy INBOX immediately, then re-copy on
// each watch notification. Returns nil when the watch loop's max duration
// elapses, which tells the caller to refresh the session.
func (r *Runner) idleSession(ctx context.Context, source, dest *config.Job) error {
	src, err := r.connect(source)
	if err != nil {
		return fmt.Errorf("connecting to source %s: %w", source.Server, err)
	}
	defer src.Logout()

	dst, err := r.connect(dest)
	if err != nil {
		return fmt.Errorf("connecting to destination %s: %w", dest.Server, err)
	}
	defer dst.Logout()

	if err := r.copyFolder(ctx, source, src, dst, "INBOX"); err != nil {
		return err
	}
	return src.WatchFolder(ctx, "INBOX", func(ctx context.Context) error {
		return r.copyFolder(ctx, source, src, dst, "INBOX")
	})
}
