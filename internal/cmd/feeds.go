package cmd

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"rssmcp/cli/control"
	"rssmcp/domain"
	"rssmcp/internal/config"
)

func newFeedsCmd() *cobra.Command {
	var addr string
	feeds := &cobra.Command{
		Use:   "feeds",
		Short: "Manage the feeds of a running server through its control plane",
	}
	feeds.PersistentFlags().StringVar(&addr, "control-addr", "", "control plane address (overrides RSSMCP_CONTROL_ADDR)")

	client := func(cmd *cobra.Command) (*control.Client, error) {
		if cmd.Flags().Changed("control-addr") {
			return control.NewClient(addr), nil
		}
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		return control.NewClient(cfg.ControlAddr), nil
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered feeds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client(cmd)
			if err != nil {
				return err
			}
			rows, err := c.ListFeeds(cmd.Context())
			if err != nil {
				return fmt.Errorf("could not list feeds: %w", err)
			}
			printFeeds(cmd.OutOrStdout(), rows)
			return nil
		},
	}

	refresh := &cobra.Command{
		Use:   "refresh NAME",
		Short: "Fetch a feed now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client(cmd)
			if err != nil {
				return err
			}
			res, err := c.Refresh(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("could not refresh %q: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Refreshed %s (%s): %d items at %s\n",
				res.Name, res.Title, res.ItemCount, res.LastUpdated.Format("2006-01-02 15:04:05"))
			return nil
		},
	}

	var (
		name, feedURL string
		maxItems      int
		interval      time.Duration
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a feed, or replace an existing registration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(name) == "" || strings.TrimSpace(feedURL) == "" {
				return fmt.Errorf("both --name and --url are required")
			}
			if _, err := url.ParseRequestURI(feedURL); err != nil {
				return fmt.Errorf("invalid feed URL: %w", err)
			}
			c, err := client(cmd)
			if err != nil {
				return err
			}
			st, err := c.AddFeed(cmd.Context(), control.AddFeedRequest{
				Name:              name,
				URL:               feedURL,
				RefreshIntervalMS: interval.Milliseconds(),
				MaxItems:          maxItems,
			})
			if err != nil {
				return fmt.Errorf("could not add feed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Feed %q added successfully (%s)\n", st.Name, st.URL)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "feed name")
	add.Flags().StringVar(&feedURL, "url", "", "feed URL")
	add.Flags().IntVar(&maxItems, "max-items", 0, "items kept per refresh (0 uses the server default)")
	add.Flags().DurationVar(&interval, "interval", 0, "delay between refreshes (0 uses the server default)")

	remove := &cobra.Command{
		Use:   "remove NAME",
		Short: "Stop refreshing a feed and forget it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client(cmd)
			if err != nil {
				return err
			}
			if err := c.RemoveFeed(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("could not delete feed %q: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Feed %q deleted successfully\n", args[0])
			return nil
		},
	}

	var num int
	itemsCmd := &cobra.Command{
		Use:   "items NAME",
		Short: "Show the cached items of a feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client(cmd)
			if err != nil {
				return err
			}
			snap, err := c.Items(cmd.Context(), args[0], num)
			if err != nil {
				return fmt.Errorf("could not fetch items for %q: %w", args[0], err)
			}
			printItems(cmd.OutOrStdout(), snap)
			return nil
		},
	}
	itemsCmd.Flags().IntVar(&num, "num", 3, "number of items")

	feeds.AddCommand(list, refresh, add, remove, itemsCmd)
	return feeds
}

func printFeeds(w io.Writer, rows []control.FeedStatus) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No feeds registered")
		return
	}
	fmt.Fprint(w, "Registered feeds\n\n")
	for i, f := range rows {
		updated := "never"
		if f.LastUpdated != nil {
			updated = f.LastUpdated.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%d. %s\n   URL: %s\n   Every: %dms, keep %d\n   Items: %d (updated %s)\n\n",
			i+1, f.Name, f.URL, f.RefreshIntervalMS, f.MaxItems, f.ItemCount, updated)
	}
}

func printItems(w io.Writer, snap domain.FeedSnapshot) {
	if len(snap.Items) == 0 {
		fmt.Fprintf(w, "No items found for feed %q\n", snap.Name)
		return
	}
	title := snap.Name
	if snap.Title != "" {
		title = snap.Title
	}
	fmt.Fprintf(w, "Items from feed: %s\n\n", title)
	for i, it := range snap.Items {
		date := it.ISODate
		if len(date) >= 10 {
			date = date[:10]
		}
		if date == "" {
			date = "----------"
		}
		fmt.Fprintf(w, "%d. [%s] %s\n   %s\n\n", i+1, date, it.Title, it.Link)
	}
}
