// cmd/mirror-server is the main entrypoint for a replica node.
//
// Example — first server in a fresh group:
//
//	mirror-server --address 127.0.0.1:50100 --storage-dir /var/mirrorfs/s1
//
// Example — second server joining the group above:
//
//	mirror-server --address 127.0.0.1:50101 --storage-dir /var/mirrorfs/s2 --join 127.0.0.1:50100
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/korrel/mirrorfs/pkg/mirror/credentials"
	"github.com/korrel/mirrorfs/pkg/mirror/logging"
	"github.com/korrel/mirrorfs/pkg/mirror/server"
	"github.com/korrel/mirrorfs/pkg/mirror/types"
)

// tickInterval is the scheduler loop's sleep duration (spec §5's Δ).
const tickInterval = 50 * time.Millisecond

func main() {
	var (
		address         string
		storageDir      string
		join            string
		credentialsFile string
		verbose         bool
	)

	root := &cobra.Command{
		Use:   "mirror-server",
		Short: "Run a file-mirroring replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.NewDefaultLogger()
			logging.ToggleDebug(log, verbose)

			addr, err := types.ParseAddress(address)
			if err != nil {
				return fmt.Errorf("--address: %w", err)
			}

			creds := credentials.NewDefault()
			if credentialsFile != "" {
				creds, err = credentials.LoadFile(credentialsFile)
				if err != nil {
					return err
				}
			}

			var srv *server.Server
			if join != "" {
				leader, err := types.ParseAddress(join)
				if err != nil {
					return fmt.Errorf("--join: %w", err)
				}
				srv, err = server.NewJoining(addr, storageDir, creds, log)
				if err != nil {
					return err
				}
				if err := srv.Connect(leader); err != nil {
					return fmt.Errorf("connect to %s: %w", leader, err)
				}
			} else {
				srv, err = server.New(addr, storageDir, creds, log)
				if err != nil {
					return err
				}
			}
			defer srv.Close()

			log.Infof("mirror-server listening on %s, storage root %s", srv.LocalAddress(), storageDir)
			for {
				srv.Tick()
				time.Sleep(tickInterval)
			}
		},
	}

	flags := root.Flags()
	flags.StringVar(&address, "address", "127.0.0.1:0", "address to listen on (host:port)")
	flags.StringVar(&storageDir, "storage-dir", "./mirrorfs-storage", "directory mirrored files are written under")
	flags.StringVar(&join, "join", "", "address of an existing server to join")
	flags.StringVar(&credentialsFile, "credentials", "", "TOML credentials file (defaults to the built-in table)")
	flags.BoolVar(&verbose, "verbose", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
