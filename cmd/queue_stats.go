package cmd

import (
	"fmt"
	"text/tabwriter"

	"peerprep/internal/services"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// newQueueStatsCmd prints the size and oldest wait of every bucket.
func newQueueStatsCmd(connect func() *redis.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "queue-stats",
		Short: "Print matchmaking queue buckets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			queue := services.NewMatchingQueue(connect(), 0)
			stats, err := queue.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("read queue stats: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DIFFICULTY\tTOPIC\tWAITING\tOLDEST")
			for _, s := range stats {
				fmt.Fprintf(w, "%s\t%s\t%d\t%.0fs\n", s.Difficulty, s.Topic, s.Size, s.OldestWaitSeconds)
			}
			return w.Flush()
		},
	}
}
