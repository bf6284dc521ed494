package jobs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"imapcas/internal/config"
)

// FolderList prints the job's visible folders to w, one per line, with type
// flags where the server reports them. Read-only.
func (r *Runner) FolderList(ctx context.Context, job *config.Job, w io.Writer) error {
	client, err := r.connect(job)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", job.Server, err)
	}
	defer client.Logout()

	folders, err := client.Folders()
	if err != nil {
		return fmt.Errorf("listing folders: %w", err)
	}
	for _, f := range folders {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(f.Flags) > 0 {
			fmt.Fprintf(w, "%s\t%s\n", f.Name, strings.Join(f.Flags, " "))
		} else {
			fmt.Fprintln(w, f.Name)
		}
	}
	return nil
}
