package main

import (
	"fmt"
	"slices"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/onnwee/modtender/backend/chat"
	"github.com/onnwee/modtender/backend/store"
)

// ChannelsCommand returns the channels command
func ChannelsCommand() *cli.Command {
	return &cli.Command{
		Name:  "channels",
		Usage: "Manage the persisted channel list",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "Show the persisted channel list",
				Action: withSession(runChannelsList),
			},
			{
				Name:      "add",
				Usage:     "Add channels to the list",
				ArgsUsage: "CHANNEL...",
				Action: withSession(func(c *cli.Context, s *session) error {
					return editChannels(c, s, c.Args().Slice(), nil)
				}),
			},
			{
				Name:      "remove",
				Usage:     "Remove channels from the list",
				ArgsUsage: "CHANNEL...",
				Action: withSession(func(c *cli.Context, s *session) error {
					return editChannels(c, s, nil, c.Args().Slice())
				}),
			},
			{
				Name:   "moderated",
				Usage:  "List the channels the logged-in user moderates",
				Action: withSession(runChannelsModerated),
			},
			{
				Name:   "live",
				Usage:  "Show live status of the persisted channels",
				Action: withSession(runChannelsLive),
			},
		},
	}
}

func runChannelsList(c *cli.Context, s *session) error {
	channels, err := store.GetList(c.Context, s.store, store.KeyChannels)
	if err != nil {
		return err
	}
	for _, ch := range channels {
		fmt.Fprintln(s.out, ch)
	}
	return nil
}

func editChannels(c *cli.Context, s *session, add, remove []string) error {
	if len(add) == 0 && len(remove) == 0 {
		return fmt.Errorf("at least one channel is required")
	}
	current, err := store.GetList(c.Context, s.store, store.KeyChannels)
	if err != nil {
		return err
	}
	next := mergeChannels(current, add, remove)
	if err := store.SetList(c.Context, s.store, store.KeyChannels, next); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%d channel(s) configured\n", len(next))
	return nil
}

// mergeChannels normalizes names, appends add, drops remove and dedupes,
// keeping first-seen order.
func mergeChannels(current, add, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, r := range remove {
		drop[chat.NormalizeChannel(r)] = true
	}
	var out []string
	for _, ch := range slices.Concat(current, add) {
		ch = chat.NormalizeChannel(ch)
		if ch == "" || drop[ch] || slices.Contains(out, ch) {
			continue
		}
		out = append(out, ch)
	}
	return out
}

func runChannelsModerated(c *cli.Context, s *session) error {
	chans, err := s.api.GetModeratedChannels(c.Context)
	if err != nil {
		return err
	}
	for _, ch := range chans {
		fmt.Fprintf(s.out, "%s\t%s\n", ch.BroadcasterLogin, ch.BroadcasterName)
	}
	return nil
}

func runChannelsLive(c *cli.Context, s *session) error {
	channels, err := store.GetList(c.Context, s.store, store.KeyChannels)
	if err != nil || len(channels) == 0 {
		return err
	}
	statuses, err := s.api.GetChannelsLiveStatus(c.Context, channels)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL\tLIVE\tVIEWERS\tTITLE")
	for _, st := range statuses {
		fmt.Fprintf(tw, "%s\t%t\t%d\t%s\n", st.Login, st.Live, st.ViewerCount, st.Title)
	}
	return tw.Flush()
}
