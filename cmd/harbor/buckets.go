package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/evharbor/harbor/internal/meta"
	"github.com/evharbor/harbor/pkg/bytesize"
)

var (
	bucketsOffset int
	bucketsLimit  int
)

func newBucketCmd() *cobra.Command {
	bucketCmd := &cobra.Command{
		Use:     "bucket",
		Aliases: []string{"buckets"},
		Short:   "Manage buckets",
		Long: `Manage the buckets owned by --identity.

Examples:
  # Create a bucket
  harbor bucket create photos

  # List your buckets
  harbor bucket list

  # Let anyone read the bucket
  harbor bucket access photos public-read

  # Delete (archive) a bucket
  harbor bucket delete photos`,
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List your buckets",
		Args:    cobra.NoArgs,
		RunE:    withEnv(runBucketsList),
	}
	listCmd.Flags().IntVar(&bucketsOffset, "offset", 0, "number of buckets to skip")
	listCmd.Flags().IntVar(&bucketsLimit, "limit", 0, "page size (0 for the default)")
	bucketCmd.AddCommand(listCmd)

	bucketCmd.AddCommand(&cobra.Command{
		Use:   "create <bucket-name>",
		Short: "Create a new bucket",
		Args:  cobra.ExactArgs(1),
		RunE:  withEnv(runBucketsCreate),
	})

	bucketCmd.AddCommand(&cobra.Command{
		Use:     "delete <bucket-name>",
		Aliases: []string{"rm"},
		Short:   "Delete and archive a bucket",
		Args:    cobra.ExactArgs(1),
		RunE:    withEnv(runBucketsDelete),
	})

	bucketCmd.AddCommand(&cobra.Command{
		Use:   "access <bucket-name> <private|public-read|public-read-write>",
		Short: "Set a bucket's access permission",
		Args:  cobra.ExactArgs(2),
		RunE:  withEnv(runBucketsAccess),
	})

	bucketCmd.AddCommand(&cobra.Command{
		Use:   "remarks <bucket-name> <text>",
		Short: "Set a bucket's remarks",
		Args:  cobra.ExactArgs(2),
		RunE:  withEnv(runBucketsRemarks),
	})

	bucketCmd.AddCommand(&cobra.Command{
		Use:   "stats <bucket-name>",
		Short: "Show object count and space used by a bucket",
		Args:  cobra.ExactArgs(1),
		RunE:  withEnv(runBucketsStats),
	})

	return bucketCmd
}

func runBucketsList(cmd *cobra.Command, e *env, args []string) error {
	page, err := e.svc.ListBuckets(cmd.Context(), identity, bucketsOffset, bucketsLimit)
	if err != nil {
		return fmt.Errorf("list buckets: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(page.Buckets) == 0 {
		_, _ = fmt.Fprintln(out, "No buckets found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tACCESS\tOBJECTS\tSIZE\tCREATED")
	for _, b := range page.Buckets {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			b.Name, b.Access, b.NodeCount, bytesize.Format(b.TotalSize), b.CreatedAt.Local().Format(timeLayout))
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "Page %d of %d (%d buckets)\n", page.CurrentPage, page.FinalPage, page.Total)
	return nil
}

func runBucketsCreate(cmd *cobra.Command, e *env, args []string) error {
	b, err := e.svc.CreateBucket(cmd.Context(), identity, args[0])
	if err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Bucket '%s' created.\n", b.Name)
	return nil
}

func runBucketsDelete(cmd *cobra.Command, e *env, args []string) error {
	if err := e.svc.DeleteBucket(cmd.Context(), identity, args[0]); err != nil {
		return fmt.Errorf("delete bucket: %w", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Bucket '%s' deleted.\n", args[0])
	return nil
}

func runBucketsAccess(cmd *cobra.Command, e *env, args []string) error {
	access, err := meta.ParseAccess(args[1])
	if err != nil {
		return err
	}
	if err := e.svc.SetBucketAccess(cmd.Context(), identity, args[0], access); err != nil {
		return fmt.Errorf("set access: %w", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Bucket '%s' is now %s.\n", args[0], access)
	return nil
}

func runBucketsRemarks(cmd *cobra.Command, e *env, args []string) error {
	if err := e.svc.SetBucketRemarks(cmd.Context(), identity, args[0], args[1]); err != nil {
		return fmt.Errorf("set remarks: %w", err)
	}
	return nil
}

func runBucketsStats(cmd *cobra.Command, e *env, args []string) error {
	u, err := e.svc.BucketStats(cmd.Context(), identity, args[0])
	if err != nil {
		return fmt.Errorf("bucket stats: %w", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Objects: %d\nSpace:   %s (%d bytes)\n", u.Count, bytesize.Format(u.Space), u.Space)
	return nil
}
