package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/evharbor/harbor/pkg/bytesize"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show object count and space used across your buckets",
		Args:  cobra.NoArgs,
		RunE:  withEnv(runStats),
	}
}

func newClusterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cluster",
		Short: "Show backing store capacity and usage",
		Args:  cobra.NoArgs,
		RunE:  withEnv(runCluster),
	}
}

func runStats(cmd *cobra.Command, e *env, args []string) error {
	u, err := e.svc.UserStats(cmd.Context(), identity)
	if err != nil {
		return fmt.Errorf("user stats: %w", err)
	}

	names := make([]string, 0, len(u.PerBucket))
	for name := range u.PerBucket {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "BUCKET\tOBJECTS\tSIZE")
	for _, name := range names {
		b := u.PerBucket[name]
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", name, b.Count, bytesize.Format(b.Space))
	}
	_, _ = fmt.Fprintf(w, "TOTAL\t%d\t%s\n", u.Count, bytesize.Format(u.Space))
	_ = w.Flush()
	return nil
}

func runCluster(cmd *cobra.Command, e *env, args []string) error {
	st, err := e.svc.ClusterStats(cmd.Context())
	if err != nil {
		return fmt.Errorf("cluster stats: %w", err)
	}
	storeMetrics.Observe(st)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Cluster:\t%s/%s\n", e.cfg.Backing.ClusterName, e.cfg.Backing.PoolName)
	_, _ = fmt.Fprintf(w, "Capacity:\t%s\n", bytesize.Format(st.TotalBytes))
	_, _ = fmt.Fprintf(w, "Used:\t%s\n", bytesize.Format(st.UsedBytes))
	_, _ = fmt.Fprintf(w, "Free:\t%s\n", bytesize.Format(st.FreeBytes))
	_, _ = fmt.Fprintf(w, "Objects:\t%d\n", st.Objects)
	_, _ = fmt.Fprintf(w, "Stored:\t%s\n", bytesize.Format(st.StoredBytes))
	_ = w.Flush()
	return nil
}
