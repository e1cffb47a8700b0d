// Command modctl manages the modtender session and channel list from a
// terminal: interactive login, logout, token inspection and the persisted
// channel set. It reads the same environment as the service.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

const version = "0.4.0"

func main() {
	_ = godotenv.Load(".env")
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "modctl",
		Usage:   "Manage the modtender Twitch session and channels",
		Version: version,
		Commands: []*cli.Command{
			LoginCommand(),
			LogoutCommand(),
			WhoamiCommand(),
			ChannelsCommand(),
		},
	}
}
