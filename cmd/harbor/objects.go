package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/evharbor/harbor/internal/gateway"
	"github.com/evharbor/harbor/internal/meta"
	"github.com/evharbor/harbor/pkg/bytesize"
)

const timeLayout = "2006-01-02 15:04:05"

var (
	lsOffset int
	lsLimit  int

	putChunkSize string
	putReset     bool

	getOffset int64
	getSize   int64
	getOutput string

	mvTo   string
	mvName string

	gcOlderThan time.Duration
	gcAll       bool

	locBackup  []string
	locArchive []string
)

func newObjectCmds() []*cobra.Command {
	lsCmd := &cobra.Command{
		Use:   "ls <bucket> [dir]",
		Short: "List a directory",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  withEnv(runLs),
	}
	lsCmd.Flags().IntVar(&lsOffset, "offset", 0, "number of entries to skip")
	lsCmd.Flags().IntVar(&lsLimit, "limit", 0, "page size (0 for the configured default)")

	putCmd := &cobra.Command{
		Use:   "put <bucket> <path> <local-file>",
		Short: "Upload a local file in chunks",
		Long: `Upload a local file in chunks. Use - to read from stdin.

Chunks are written in order at increasing offsets. An interrupted upload can
be resumed by running put again; --reset starts the object over from zero.`,
		Args: cobra.ExactArgs(3),
		RunE: withEnv(runPut),
	}
	putCmd.Flags().StringVar(&putChunkSize, "chunk-size", "4Mi", "upload chunk size")
	putCmd.Flags().BoolVar(&putReset, "reset", false, "truncate an existing object before the first chunk")

	getCmd := &cobra.Command{
		Use:   "get <bucket> <path>",
		Short: "Download an object",
		Args:  cobra.ExactArgs(2),
		RunE:  withEnv(runGet),
	}
	getCmd.Flags().Int64Var(&getOffset, "offset", 0, "start of a ranged read")
	getCmd.Flags().Int64Var(&getSize, "size", 0, "length of a ranged read (0 reads the whole object)")
	getCmd.Flags().StringVarP(&getOutput, "output", "o", "", "write to this file instead of stdout")

	mvCmd := &cobra.Command{
		Use:     "mv <bucket> <path>",
		Aliases: []string{"move", "rename"},
		Short:   "Move and/or rename a file or directory",
		Args:    cobra.ExactArgs(2),
		RunE:    withEnv(runMv),
	}
	mvCmd.Flags().StringVar(&mvTo, "to", "", "destination directory (/ for the bucket root)")
	mvCmd.Flags().StringVar(&mvName, "name", "", "new name")

	gcCmd := &cobra.Command{
		Use:   "gc",
		Short: "Purge objects tombstoned past the retention period",
		Args:  cobra.NoArgs,
		RunE:  withEnv(runGC),
	}
	gcCmd.Flags().DurationVar(&gcOlderThan, "older-than", 0, "retention (default: tombstone.retention_days)")
	gcCmd.Flags().BoolVar(&gcAll, "all", false, "purge every tombstoned object regardless of age")

	locCmd := &cobra.Command{
		Use:   "locations <bucket> <path>",
		Short: "Record backup and archive locations of a file",
		Args:  cobra.ExactArgs(2),
		RunE:  withEnv(runLocations),
	}
	locCmd.Flags().StringSliceVar(&locBackup, "backup", nil, "backup location (repeatable)")
	locCmd.Flags().StringSliceVar(&locArchive, "archive", nil, "archive location (repeatable)")

	return []*cobra.Command{
		{
			Use:   "mkdir <bucket> <path>",
			Short: "Create a directory; missing parents are not created",
			Args:  cobra.ExactArgs(2),
			RunE:  withEnv(runMkdir),
		},
		{
			Use:   "rmdir <bucket> <path>",
			Short: "Remove a directory and everything below it",
			Args:  cobra.ExactArgs(2),
			RunE:  withEnv(runRmdir),
		},
		{
			Use:   "touch <bucket> <path>",
			Short: "Create an empty object",
			Args:  cobra.ExactArgs(2),
			RunE:  withEnv(runTouch),
		},
		{
			Use:   "truncate <bucket> <path> <size>",
			Short: "Set an object's size",
			Args:  cobra.ExactArgs(3),
			RunE:  withEnv(runTruncate),
		},
		{
			Use:   "stat <bucket> <path>",
			Short: "Show a file or directory",
			Args:  cobra.ExactArgs(2),
			RunE:  withEnv(runStat),
		},
		{
			Use:   "rm <bucket> <path>",
			Short: "Delete an object (restorable until purged)",
			Args:  cobra.ExactArgs(2),
			RunE:  withEnv(runRm),
		},
		{
			Use:   "trash <bucket>",
			Short: "List deleted objects",
			Args:  cobra.ExactArgs(1),
			RunE:  withEnv(runTrash),
		},
		{
			Use:   "restore <bucket> <node-id>",
			Short: "Restore a deleted object",
			Args:  cobra.ExactArgs(2),
			RunE:  withEnv(runRestore),
		},
		{
			Use:   "purge <bucket> <node-id>",
			Short: "Permanently delete an object and its content",
			Args:  cobra.ExactArgs(2),
			RunE:  withEnv(runPurge),
		},
		{
			Use:   "refresh <bucket> <path>",
			Short: "Re-read an object's size and mtime from the backing store",
			Args:  cobra.ExactArgs(2),
			RunE:  withEnv(runRefresh),
		},
		{
			Use:   "key <bucket> <path>",
			Short: "Show the backing key of an object",
			Args:  cobra.ExactArgs(2),
			RunE:  withEnv(runKey),
		},
		lsCmd, putCmd, getCmd, mvCmd, gcCmd, locCmd,
	}
}

func runMkdir(cmd *cobra.Command, e *env, args []string) error {
	if _, err := e.svc.Mkdir(cmd.Context(), identity, args[0], args[1]); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	return nil
}

func runRmdir(cmd *cobra.Command, e *env, args []string) error {
	if err := e.svc.Rmdir(cmd.Context(), identity, args[0], args[1]); err != nil {
		return fmt.Errorf("rmdir: %w", err)
	}
	return nil
}

func runTouch(cmd *cobra.Command, e *env, args []string) error {
	if _, err := e.svc.CreateEmptyObject(cmd.Context(), identity, args[0], args[1]); err != nil {
		return fmt.Errorf("touch: %w", err)
	}
	return nil
}

func runTruncate(cmd *cobra.Command, e *env, args []string) error {
	size, err := bytesize.Parse(args[2])
	if err != nil {
		return err
	}
	if err := e.svc.Truncate(cmd.Context(), identity, args[0], args[1], size); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	return nil
}

func runLs(cmd *cobra.Command, e *env, args []string) error {
	dir := ""
	if len(args) > 1 {
		dir = args[1]
	}
	page, err := e.svc.ListDir(cmd.Context(), identity, args[0], dir, lsOffset, lsLimit)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(page.Items) == 0 {
		_, _ = fmt.Fprintln(out, "Directory is empty.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSIZE\tMODIFIED\tSHARE")
	for _, n := range page.Items {
		name, size, modified := n.Name+"/", "-", n.CreatedAt
		if n.IsFile {
			name = n.Name
			size = bytesize.Format(n.Size)
			if n.ModifiedAt != nil {
				modified = *n.ModifiedAt
			}
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			n.ID, name, size, modified.Local().Format(timeLayout), n.Share.Mode)
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "Page %d of %d (%d entries)\n", page.CurrentPage, page.FinalPage, page.Total)
	return nil
}

func runPut(cmd *cobra.Command, e *env, args []string) error {
	chunkSize, err := bytesize.Parse(putChunkSize)
	if err != nil {
		return fmt.Errorf("invalid --chunk-size: %w", err)
	}
	if chunkSize <= 0 {
		return errors.New("--chunk-size must be positive")
	}

	var src io.Reader = cmd.InOrStdin()
	if args[2] != "-" {
		f, err := os.Open(args[2])
		if err != nil {
			return fmt.Errorf("open %s: %w", args[2], err)
		}
		defer func() { _ = f.Close() }()
		src = f
	}

	written, err := upload(cmd, e.svc, args[0], args[1], src, chunkSize, putReset)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s to %s/%s.\n", bytesize.Format(written), args[0], args[1])
	return nil
}

// upload streams src into the object in chunkSize pieces. Only the first
// chunk carries reset.
func upload(cmd *cobra.Command, svc *gateway.Service, bucket, path string, src io.Reader, chunkSize int64, reset bool) (int64, error) {
	buf := make([]byte, chunkSize)
	var offset int64
	for first := true; ; first = false {
		n, readErr := io.ReadFull(src, buf)
		if n > 0 || first {
			if _, err := svc.WriteChunk(cmd.Context(), identity, bucket, path, offset, buf[:n], reset && first); err != nil {
				return offset, fmt.Errorf("write chunk at %d: %w", offset, err)
			}
			offset += int64(n)
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			return offset, nil
		}
		if readErr != nil {
			return offset, fmt.Errorf("read input: %w", readErr)
		}
	}
}

func runGet(cmd *cobra.Command, e *env, args []string) error {
	if getSize > 0 || getOffset > 0 {
		size := getSize
		if size == 0 {
			size = e.cfg.Limits.MaxReadSize.Bytes()
		}
		data, _, err := e.svc.ReadRange(cmd.Context(), identity, args[0], args[1], getOffset, size)
		if err != nil {
			return fmt.Errorf("read range: %w", err)
		}
		return copyOut(cmd, bytes.NewReader(data), getOutput, args[1])
	}

	rc, n, err := e.svc.ReadFull(cmd.Context(), identity, args[0], args[1])
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	defer func() { _ = rc.Close() }()
	return copyOut(cmd, rc, getOutput, n.Name)
}

func runStat(cmd *cobra.Command, e *env, args []string) error {
	n, err := e.svc.Lookup(cmd.Context(), identity, args[0], args[1])
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}
	printNode(cmd.OutOrStdout(), n)
	return nil
}

func printNode(out io.Writer, n *meta.Node) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	kind := "directory"
	if n.IsFile {
		kind = "file"
	}
	_, _ = fmt.Fprintf(w, "ID:\t%d\n", n.ID)
	_, _ = fmt.Fprintf(w, "Name:\t%s\n", n.Name)
	_, _ = fmt.Fprintf(w, "Type:\t%s\n", kind)
	if n.IsFile {
		_, _ = fmt.Fprintf(w, "Size:\t%s (%d bytes)\n", bytesize.Format(n.Size), n.Size)
		_, _ = fmt.Fprintf(w, "Downloads:\t%d\n", n.DownloadCount)
	}
	_, _ = fmt.Fprintf(w, "Created:\t%s\n", n.CreatedAt.Local().Format(timeLayout))
	if n.ModifiedAt != nil {
		_, _ = fmt.Fprintf(w, "Modified:\t%s\n", n.ModifiedAt.Local().Format(timeLayout))
	}
	_, _ = fmt.Fprintf(w, "Share:\t%s\n", describeShare(n.Share))
	if len(n.BackupLocations) > 0 {
		_, _ = fmt.Fprintf(w, "Backups:\t%s\n", strings.Join(n.BackupLocations, ", "))
	}
	if len(n.ArchiveLocations) > 0 {
		_, _ = fmt.Fprintf(w, "Archives:\t%s\n", strings.Join(n.ArchiveLocations, ", "))
	}
	_ = w.Flush()
}

func describeShare(s meta.Share) string {
	if s.Mode == meta.ShareOff {
		return "private"
	}
	desc := s.Mode.String()
	if s.TimeLimit {
		desc += " until " + s.End.Local().Format(timeLayout)
	}
	if s.Password != "" {
		desc += ", password protected"
	}
	return desc
}

func runMv(cmd *cobra.Command, e *env, args []string) error {
	var req gateway.MoveRequest
	if cmd.Flags().Changed("to") {
		to := mvTo
		req.NewParentPath = &to
	}
	req.NewName = mvName

	n, err := e.svc.MoveRename(cmd.Context(), identity, args[0], args[1], req)
	if err != nil {
		return fmt.Errorf("move: %w", err)
	}
	p, err := e.svc.NodePath(cmd.Context(), identity, args[0], n.ID)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Moved to %s/%s.\n", args[0], p)
	return nil
}

func runRm(cmd *cobra.Command, e *env, args []string) error {
	if err := e.svc.DeleteObject(cmd.Context(), identity, args[0], args[1]); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

func runTrash(cmd *cobra.Command, e *env, args []string) error {
	nodes, err := e.svc.ListDeleted(cmd.Context(), identity, args[0], 0)
	if err != nil {
		return fmt.Errorf("list deleted: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(nodes) == 0 {
		_, _ = fmt.Fprintln(out, "Trash is empty.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSIZE\tDELETED")
	for _, n := range nodes {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
			n.ID, n.Name, bytesize.Format(n.Size), n.TombstonedAt.Local().Format(timeLayout))
	}
	_ = w.Flush()
	return nil
}

func runRestore(cmd *cobra.Command, e *env, args []string) error {
	id, err := meta.ParseNodeID(args[1])
	if err != nil {
		return err
	}
	n, err := e.svc.RestoreObject(cmd.Context(), identity, args[0], id)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Restored '%s'.\n", n.Name)
	return nil
}

func runPurge(cmd *cobra.Command, e *env, args []string) error {
	id, err := meta.ParseNodeID(args[1])
	if err != nil {
		return err
	}
	if err := e.svc.PurgeObject(cmd.Context(), identity, args[0], id); err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	return nil
}

func runGC(cmd *cobra.Command, e *env, args []string) error {
	retention := gcOlderThan
	if !gcAll && retention == 0 {
		days := e.cfg.Tombstone.RetentionDays
		if days == 0 {
			return errors.New("tombstone.retention_days is 0 (never purge); pass --older-than or --all")
		}
		retention = time.Duration(days) * 24 * time.Hour
	}
	if gcAll {
		retention = 0
	}

	purged, err := e.svc.PurgeTombstoned(cmd.Context(), retention)
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Purged %d objects.\n", purged)
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	return nil
}

func runRefresh(cmd *cobra.Command, e *env, args []string) error {
	n, changed, err := e.svc.RefreshMetadata(cmd.Context(), identity, args[0], args[1])
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	if !changed {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Metadata is up to date.")
		return nil
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Updated size to %d bytes.\n", n.Size)
	return nil
}

func runKey(cmd *cobra.Command, e *env, args []string) error {
	info, err := e.svc.DerivedKeyInfo(cmd.Context(), identity, args[0], args[1])
	if err != nil {
		return fmt.Errorf("key info: %w", err)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Key:\t%s\n", info.Key)
	_, _ = fmt.Fprintf(w, "Locator:\t%s\n", info.Locator)
	_, _ = fmt.Fprintf(w, "Size:\t%d\n", info.Size)
	_, _ = fmt.Fprintf(w, "Filename:\t%s\n", info.Filename)
	_ = w.Flush()
	return nil
}

func runLocations(cmd *cobra.Command, e *env, args []string) error {
	n, err := e.svc.SetLocations(cmd.Context(), identity, args[0], args[1], locBackup, locArchive)
	if err != nil {
		return fmt.Errorf("set locations: %w", err)
	}
	printNode(cmd.OutOrStdout(), n)
	return nil
}
