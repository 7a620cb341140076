// cmd/mirror-client is the CLI entry-point for the client side of the
// protocol, built with Cobra.
//
// Usage:
//
//	mirror-client run --server 127.0.0.1:50100 --user sar --passwd sar --watch ./docs
//	mirror-client shell --server 127.0.0.1:50100 --user sar --passwd sar
package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/korrel/mirrorfs/pkg/mirror/client"
	"github.com/korrel/mirrorfs/pkg/mirror/fswatch"
	"github.com/korrel/mirrorfs/pkg/mirror/logging"
	"github.com/korrel/mirrorfs/pkg/mirror/types"
)

const tickInterval = 50 * time.Millisecond

var (
	serverAddr string
	username   string
	password   string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:   "mirror-client",
		Short: "Watch directories and mirror their changes onto a server group",
	}
	root.PersistentFlags().StringVar(&serverAddr, "server", "", "address of a server in the group (host:port)")
	root.PersistentFlags().StringVar(&username, "user", "anonymous", "username to authenticate with")
	root.PersistentFlags().StringVar(&password, "passwd", "", "password to authenticate with")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	root.AddCommand(runCmd(), shellCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func connectAndAuth(log logging.Logger) (*client.Client, error) {
	addr, err := types.ParseAddress(serverAddr)
	if err != nil {
		return nil, fmt.Errorf("--server: %w", err)
	}
	c, err := client.New(types.Address{IP: "127.0.0.1", Port: 0}, log)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(addr); err != nil {
		c.Close()
		return nil, err
	}
	if err := waitForServers(c); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.Auth(username, password); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.WaitAuth(); err != nil {
		c.Close()
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return c, nil
}

func waitForServers(c *client.Client) error {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.Tick()
		if len(c.Servers()) > 0 {
			return nil
		}
		time.Sleep(tickInterval)
	}
	return fmt.Errorf("timed out waiting for server list")
}

// runCmd watches one or more directories and streams their changes to
// the server group for the lifetime of the process.
func runCmd() *cobra.Command {
	var watchDirs []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch directories and mirror changes until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.NewDefaultLogger()
			logging.ToggleDebug(log, verbose)

			c, err := connectAndAuth(log)
			if err != nil {
				return err
			}
			defer c.Close()

			watcher, err := fswatch.NewWatcher(log)
			if err != nil {
				return err
			}
			defer watcher.Close()

			for _, dir := range watchDirs {
				if err := watcher.Add(dir, filepath.Base(dir)); err != nil {
					return err
				}
				c.Enqueue(types.NewMessage(types.TopicFile, types.CommandWatched, types.WatchedParams{SrcPath: filepath.Base(dir)}.Encode()))
				log.Infof("watching %s", dir)
			}

			for {
				select {
				case event := <-watcher.Events():
					cmdName, params := event.ToParams()
					c.Enqueue(types.NewMessage(types.TopicFile, cmdName, params))
				default:
				}
				c.Tick()
				time.Sleep(tickInterval)
			}
		},
	}
	cmd.Flags().StringArrayVar(&watchDirs, "watch", nil, "directory to watch (may be repeated)")
	return cmd
}

// shellCmd offers the interactive ADD/REMOVE/LIST/EXIT menu from the
// original implementation's console client, absent from the distilled
// core spec but preserved here as a thin wrapper over the same client.
func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive menu: add/remove watched directories, list, exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.NewDefaultLogger()
			logging.ToggleDebug(log, verbose)

			c, err := connectAndAuth(log)
			if err != nil {
				return err
			}
			defer c.Close()

			watcher, err := fswatch.NewWatcher(log)
			if err != nil {
				return err
			}
			defer watcher.Close()

			watched := map[string]string{}
			done := make(chan struct{})
			go pumpEvents(c, watcher, done)
			defer close(done)

			scanner := bufio.NewScanner(os.Stdin)
			for {
				printMenu()
				if !scanner.Scan() {
					return nil
				}
				switch strings.ToUpper(strings.TrimSpace(scanner.Text())) {
				case "0", "ADD":
					fmt.Print("Directory: ")
					if !scanner.Scan() {
						return nil
					}
					dir := strings.TrimSpace(scanner.Text())
					label := filepath.Base(dir)
					if err := watcher.Add(dir, label); err != nil {
						fmt.Println("error:", err)
						continue
					}
					watched[dir] = label
					c.Enqueue(types.NewMessage(types.TopicFile, types.CommandWatched, types.WatchedParams{SrcPath: label}.Encode()))
				case "1", "REMOVE":
					fmt.Print("Directory: ")
					if !scanner.Scan() {
						return nil
					}
					dir := strings.TrimSpace(scanner.Text())
					delete(watched, dir)
				case "2", "LIST":
					if len(watched) == 0 {
						fmt.Println("Watching no directories")
						continue
					}
					fmt.Println("Watching the following directories:")
					for dir := range watched {
						fmt.Println("-", dir)
					}
				case "3", "EXIT":
					return nil
				default:
					fmt.Println("bad input")
				}
			}
		},
	}
}

func pumpEvents(c *client.Client, watcher *fswatch.Watcher, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case event := <-watcher.Events():
			cmdName, params := event.ToParams()
			c.Enqueue(types.NewMessage(types.TopicFile, cmdName, params))
		case <-time.After(tickInterval):
			c.Tick()
		}
	}
}

func printMenu() {
	fmt.Println("+----+---------------------------------------------+")
	fmt.Println("|  0 | Add directory to watchlist and mirror it     |")
	fmt.Println("|  1 | Remove directory from watchlist              |")
	fmt.Println("|  2 | List currently watched directories           |")
	fmt.Println("|  3 | Exit                                         |")
	fmt.Println("+----+---------------------------------------------+")
}
