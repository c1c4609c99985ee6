package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/querytail/querytail/pkg/progress"
	"github.com/querytail/querytail/pkg/watermark"
)

// topicsOptions holds flags for the topics command.
type topicsOptions struct {
	*rootOptions
	StateDir string
}

// topicInfo summarizes one persisted progress record.
type topicInfo struct {
	Topic    string `json:"topic"`
	Query    string `json:"query"`
	Entities int    `json:"entities"`
	MinKey   int64  `json:"min_key"`
	MaxKey   int64  `json:"max_key"`
}

func newTopicsCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &topicsOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "topics",
		Short: "List persisted subscription progress",
		Long: `List the topics with persisted progress under the state directory,
with each topic's query and watermark range.

Examples:
  querytail topics --state-dir .querytail
  querytail topics --config querytail.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTopics(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.StateDir, "state-dir", "", "progress state directory (overrides config)")

	return cmd
}

func runTopics(cmd *cobra.Command, opts *topicsOptions) error {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return commandErr("failed to load config", err)
	}
	if opts.StateDir != "" {
		cfg.StateDir = opts.StateDir
	}

	infos, err := collectTopics(cmd, cfg.StateDir)
	if err != nil {
		return err
	}

	if opts.Format == "json" {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(infos)
	}

	if len(infos) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no progress records under %s\n", cfg.StateDir)
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "TOPIC\tENTITIES\tMIN KEY\tMAX KEY\tQUERY")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
			info.Topic, info.Entities, formatKey(info.MinKey), formatKey(info.MaxKey), info.Query)
	}
	return tw.Flush()
}

// collectTopics loads every record file in the state directory. Files that
// fail to parse are reported to stderr and skipped; a subscription would
// treat them as a cold start.
func collectTopics(cmd *cobra.Command, dir string) ([]topicInfo, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, commandErr("failed to read state directory", err)
	}

	store := progress.NewFileStore(dir)
	infos := make([]topicInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		rec, found, err := store.Load(cmd.Context(), entry.Name())
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "skipping %s: %v\n", entry.Name(), err)
			continue
		}
		if !found {
			continue
		}
		infos = append(infos, summarize(entry.Name(), rec))
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Topic < infos[j].Topic })
	return infos, nil
}

func summarize(topic string, rec progress.Record) topicInfo {
	info := topicInfo{
		Topic:    topic,
		Query:    rec.Query,
		Entities: len(rec.Entries),
		MinKey:   int64(watermark.KeyMin),
		MaxKey:   int64(watermark.KeyMin),
	}
	for i, e := range rec.Entries {
		k := int64(e.Key)
		if i == 0 || k < info.MinKey {
			info.MinKey = k
		}
		if i == 0 || k > info.MaxKey {
			info.MaxKey = k
		}
	}
	return info
}

// formatKey renders the never-consumed sentinel as "-".
func formatKey(k int64) string {
	if k == int64(watermark.KeyMin) {
		return "-"
	}
	return fmt.Sprintf("%d", k)
}
