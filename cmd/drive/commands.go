// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/drive/lib/archive"
	"github.com/bureau-foundation/drive/lib/archivestore"
	"github.com/bureau-foundation/drive/lib/control"
	"github.com/bureau-foundation/drive/lib/library"
	"github.com/bureau-foundation/drive/lib/version"
)

func root() *Command {
	return &Command{
		Name:    "drive",
		Summary: "Create, share and browse peer-replicated archives.",
		Subcommands: []*Command{
			versionCommand(),
			listCommand(),
			createCommand(),
			forkCommand(),
			infoCommand(),
			statsCommand(),
			catCommand(),
			writeCommand(),
			filesCommand(),
			pathCommand("mkdir", "Create a directory", control.ActionCreateDirectory),
			pathCommand("rm", "Delete a file", control.ActionDeleteFile),
			pathCommand("rmdir", "Delete an empty directory", control.ActionDeleteDirectory),
			downloadCommand(),
			saveCommand("save", "Keep an archive and seed it", true),
			saveCommand("unsave", "Stop keeping an archive", false),
			quotaCommand(),
			manifestCommand(),
			keyCommand("load", "Open an archive without joining its swarm", control.ActionLoadArchive),
			swarmCommand(),
			keyCommand("unswarm", "Take an archive off the network", control.ActionUnswarm),
			resolveCommand(),
		},
	}
}

// flags builds a command's flag set with the shared connection flags.
func flags(name string, conn *connection, extra func(*pflag.FlagSet)) func() *pflag.FlagSet {
	return func() *pflag.FlagSet {
		flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
		conn.addFlags(flagSet)
		if extra != nil {
			extra(flagSet)
		}
		return flagSet
	}
}

func requireArgs(args []string, n int, usage string) error {
	if len(args) != n {
		return fmt.Errorf("usage: %s", usage)
	}
	return nil
}

func versionCommand() *Command {
	var conn connection
	return &Command{
		Name:    "version",
		Summary: "Print client and daemon versions",
		Flags:   flags("version", &conn, nil),
		Run: func([]string) error {
			fmt.Printf("drive %s\n", version.Info())
			client, ctx, cancel, err := conn.dial()
			if err != nil {
				return err
			}
			defer cancel()
			hello, err := client.Hello(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("daemon %s (minimum client %s)\n", hello.Version, hello.MinimumClientVersion)
			return nil
		},
	}
}

func listCommand() *Command {
	var (
		conn  connection
		saved bool
		owned bool
	)
	return &Command{
		Name:    "ls",
		Summary: "List known archives",
		Flags: flags("ls", &conn, func(flagSet *pflag.FlagSet) {
			flagSet.BoolVar(&saved, "saved", false, "only saved archives")
			flagSet.BoolVar(&owned, "owned", false, "only archives this daemon can write")
		}),
		Run: func([]string) error {
			var filter archivestore.Filter
			if saved {
				filter.IsSaved = &saved
			}
			if owned {
				filter.IsOwner = &owned
			}
			var archives []library.ArchiveInfo
			if err := conn.call(control.ActionQueryArchives, control.QueryRequest{Filter: filter}, &archives); err != nil {
				return err
			}
			if done, err := conn.emitJSON(archives); done {
				return err
			}
			printArchives(os.Stdout, archives)
			return nil
		},
	}
}

func printArchives(w io.Writer, archives []library.ArchiveInfo) {
	tw := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tTITLE\tSIZE\tPEERS\tSAVED\tOWNER\tUPDATED")
	for _, info := range archives {
		updated := "-"
		if !info.Mtime.IsZero() {
			updated = humanize.Time(info.Mtime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\t%t\t%s\n",
			info.Key, info.Title, humanize.IBytes(uint64(info.Size)), info.Peers, info.IsSaved, info.IsOwner, updated)
	}
	tw.Flush()
}

func manifestFlags(fields *control.ManifestFields) func(*pflag.FlagSet) {
	return func(flagSet *pflag.FlagSet) {
		flagSet.StringVar(&fields.Title, "title", "", "archive title")
		flagSet.StringVar(&fields.Description, "description", "", "archive description")
		flagSet.StringVar(&fields.Author, "author", "", "archive author")
		flagSet.StringVar(&fields.Version, "archive-version", "", "archive version")
	}
}

func createCommand() *Command {
	var (
		conn   connection
		fields control.ManifestFields
	)
	return &Command{
		Name:    "create",
		Summary: "Create a new archive owned by this daemon",
		Flags:   flags("create", &conn, manifestFlags(&fields)),
		Run: func([]string) error {
			var response control.URLResponse
			if err := conn.call(control.ActionCreateArchive, control.CreateRequest{ManifestFields: fields}, &response); err != nil {
				return err
			}
			if done, err := conn.emitJSON(response); done {
				return err
			}
			fmt.Println(response.URL)
			return nil
		},
	}
}

func forkCommand() *Command {
	var (
		conn   connection
		fields control.ManifestFields
	)
	return &Command{
		Name:    "fork",
		Summary: "Copy an archive's downloaded files into a new archive",
		Usage:   "drive fork <url> [flags]",
		Flags:   flags("fork", &conn, manifestFlags(&fields)),
		Run: func(args []string) error {
			if err := requireArgs(args, 1, "drive fork <url>"); err != nil {
				return err
			}
			var response control.URLResponse
			if err := conn.call(control.ActionForkArchive, control.ForkRequest{URL: args[0], ManifestFields: fields}, &response); err != nil {
				return err
			}
			if done, err := conn.emitJSON(response); done {
				return err
			}
			fmt.Println(response.URL)
			return nil
		},
	}
}

func infoCommand() *Command {
	var (
		conn    connection
		entries bool
	)
	return &Command{
		Name:    "info",
		Summary: "Show an archive's metadata, settings and network state",
		Usage:   "drive info <name> [flags]",
		Flags: flags("info", &conn, func(flagSet *pflag.FlagSet) {
			flagSet.BoolVar(&entries, "entries", false, "include every file entry")
		}),
		Run: func(args []string) error {
			if err := requireArgs(args, 1, "drive info <name>"); err != nil {
				return err
			}
			var details library.Details
			request := control.DetailsRequest{Name: args[0], DetailsOptions: library.DetailsOptions{Entries: entries}}
			if err := conn.call(control.ActionGetArchiveDetails, request, &details); err != nil {
				return err
			}
			if done, err := conn.emitJSON(details); done {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "URL:\t%s\n", details.URL)
			fmt.Fprintf(tw, "Title:\t%s\n", details.Title)
			fmt.Fprintf(tw, "Description:\t%s\n", details.Description)
			fmt.Fprintf(tw, "Size:\t%s (metadata %s)\n", humanize.IBytes(uint64(details.Size)), humanize.IBytes(uint64(details.MetaSize)))
			fmt.Fprintf(tw, "Owner:\t%t\n", details.IsOwner)
			fmt.Fprintf(tw, "Saved:\t%t\n", details.UserSettings.IsSaved)
			fmt.Fprintf(tw, "Swarming:\t%t (%d peers)\n", details.IsSwarming, details.Peers)
			if len(details.ForkOf) > 0 {
				fmt.Fprintf(tw, "Fork of:\t%v\n", details.ForkOf)
			}
			tw.Flush()
			if entries {
				fmt.Println()
				printEntries(os.Stdout, details.Entries)
			}
			return nil
		},
	}
}

func statsCommand() *Command {
	var conn connection
	return &Command{
		Name:    "stats",
		Summary: "Show download progress for an archive",
		Usage:   "drive stats <key> [flags]",
		Flags:   flags("stats", &conn, nil),
		Run: func(args []string) error {
			if err := requireArgs(args, 1, "drive stats <key>"); err != nil {
				return err
			}
			var stats library.Stats
			if err := conn.call(control.ActionGetArchiveStats, control.KeyRequest{Key: args[0]}, &stats); err != nil {
				return err
			}
			if done, err := conn.emitJSON(stats); done {
				return err
			}
			fmt.Printf("files:    %d\n", stats.FilesTotal)
			fmt.Printf("peers:    %d\n", stats.Peers)
			fmt.Printf("metadata: %d/%d blocks\n", stats.Meta.BlocksProgress, stats.Meta.BlocksTotal)
			fmt.Printf("content:  %d/%d blocks (%s)\n",
				stats.Content.BlocksProgress, stats.Content.BlocksTotal, humanize.IBytes(stats.Content.BytesTotal))
			return nil
		},
	}
}

func readFlags(request *control.ReadRequest, timeout *time.Duration) func(*pflag.FlagSet) {
	return func(flagSet *pflag.FlagSet) {
		flagSet.DurationVar(timeout, "timeout", 0, "wait this long for data from peers; negative reads local data only")
		flagSet.StringVar(&request.Encoding, "encoding", "utf8", "output encoding: utf8, hex, base64 or binary")
	}
}

func timeoutMillis(timeout time.Duration) int64 {
	if timeout < 0 {
		return -1
	}
	return timeout.Milliseconds()
}

func catCommand() *Command {
	var (
		conn    connection
		request control.ReadRequest
		timeout time.Duration
	)
	return &Command{
		Name:    "cat",
		Summary: "Print a file from an archive",
		Usage:   "drive cat <url> [flags]",
		Flags:   flags("cat", &conn, readFlags(&request, &timeout)),
		Run: func(args []string) error {
			if err := requireArgs(args, 1, "drive cat <url>"); err != nil {
				return err
			}
			request.URL = args[0]
			request.TimeoutMillis = timeoutMillis(timeout)
			var response control.ReadResponse
			if err := conn.call(control.ActionReadFile, request, &response); err != nil {
				return err
			}
			_, err := os.Stdout.Write(response.Data)
			return err
		},
	}
}

func writeCommand() *Command {
	var (
		conn     connection
		encoding string
	)
	return &Command{
		Name:    "write",
		Summary: "Write a file into an archive this daemon owns",
		Usage:   "drive write <url> [<local file> | -] [flags]",
		Flags: flags("write", &conn, func(flagSet *pflag.FlagSet) {
			flagSet.StringVar(&encoding, "encoding", "binary", "input encoding: utf8, hex, base64 or binary")
		}),
		Run: func(args []string) error {
			if len(args) < 1 || len(args) > 2 {
				return fmt.Errorf("usage: drive write <url> [<local file> | -]")
			}
			var data []byte
			var err error
			if len(args) == 1 || args[1] == "-" {
				data, err = io.ReadAll(os.Stdin)
			} else {
				data, err = os.ReadFile(args[1])
			}
			if err != nil {
				return err
			}
			return conn.call(control.ActionWriteFile, control.WriteRequest{URL: args[0], Data: data, Encoding: encoding}, nil)
		},
	}
}

func filesCommand() *Command {
	var (
		conn    connection
		request control.ReadRequest
		timeout time.Duration
	)
	return &Command{
		Name:    "files",
		Summary: "List a directory of an archive",
		Usage:   "drive files <url> [flags]",
		Flags: flags("files", &conn, func(flagSet *pflag.FlagSet) {
			flagSet.DurationVar(&timeout, "timeout", 0, "wait this long for metadata from peers; negative reads local data only")
		}),
		Run: func(args []string) error {
			if err := requireArgs(args, 1, "drive files <url>"); err != nil {
				return err
			}
			request.URL = args[0]
			request.TimeoutMillis = timeoutMillis(timeout)
			var entries []archive.Entry
			if err := conn.call(control.ActionListFiles, request, &entries); err != nil {
				return err
			}
			if done, err := conn.emitJSON(entries); done {
				return err
			}
			printEntries(os.Stdout, entries)
			return nil
		},
	}
}

func printEntries(w io.Writer, entries []archive.Entry) {
	tw := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	for _, entry := range entries {
		size := humanize.IBytes(entry.Length)
		if entry.IsDirectory() {
			size = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", entry.Type, size, entry.Name)
	}
	tw.Flush()
}

func pathCommand(name, summary, action string) *Command {
	var conn connection
	return &Command{
		Name:    name,
		Summary: summary,
		Usage:   "drive " + name + " <url> [flags]",
		Flags:   flags(name, &conn, nil),
		Run: func(args []string) error {
			if err := requireArgs(args, 1, "drive "+name+" <url>"); err != nil {
				return err
			}
			return conn.call(action, control.PathRequest{URL: args[0]}, nil)
		},
	}
}

func keyCommand(name, summary, action string) *Command {
	var conn connection
	return &Command{
		Name:    name,
		Summary: summary,
		Usage:   "drive " + name + " <key> [flags]",
		Flags:   flags(name, &conn, nil),
		Run: func(args []string) error {
			if err := requireArgs(args, 1, "drive "+name+" <key>"); err != nil {
				return err
			}
			return conn.call(action, control.KeyRequest{Key: args[0]}, nil)
		},
	}
}

func swarmCommand() *Command {
	var conn connection
	return &Command{
		Name:    "swarm",
		Summary: "Put an archive on the network",
		Usage:   "drive swarm <key> [flags]",
		Flags:   flags("swarm", &conn, nil),
		Run: func(args []string) error {
			if err := requireArgs(args, 1, "drive swarm <key>"); err != nil {
				return err
			}
			var state archive.SwarmState
			if err := conn.call(control.ActionSwarm, control.KeyRequest{Key: args[0]}, &state); err != nil {
				return err
			}
			if done, err := conn.emitJSON(state); done {
				return err
			}
			fmt.Printf("swarming with %d peers\n", state.PeerCount)
			return nil
		},
	}
}

func downloadCommand() *Command {
	var (
		conn connection
		wait bool
	)
	return &Command{
		Name:    "download",
		Summary: "Fetch every file of an archive from peers",
		Usage:   "drive download <key> [flags]",
		Flags: flags("download", &conn, func(flagSet *pflag.FlagSet) {
			flagSet.BoolVar(&wait, "wait", false, "block until every file is local")
		}),
		Run: func(args []string) error {
			if err := requireArgs(args, 1, "drive download <key>"); err != nil {
				return err
			}
			var result library.DownloadResult
			request := control.DownloadRequest{Key: args[0], DownloadOptions: library.DownloadOptions{Wait: wait}}
			if err := conn.call(control.ActionDownloadArchive, request, &result); err != nil {
				return err
			}
			if done, err := conn.emitJSON(result); done {
				return err
			}
			fmt.Printf("requested %d files (%d blocks)\n", result.Files, result.Blocks)
			return nil
		},
	}
}

func saveCommand(name, summary string, saved bool) *Command {
	var conn connection
	return &Command{
		Name:    name,
		Summary: summary,
		Usage:   "drive " + name + " <key> [flags]",
		Flags:   flags(name, &conn, nil),
		Run: func(args []string) error {
			if err := requireArgs(args, 1, "drive "+name+" <key>"); err != nil {
				return err
			}
			request := control.SettingsRequest{Key: args[0], SettingsUpdate: archivestore.SettingsUpdate{IsSaved: &saved}}
			return conn.call(control.ActionSetArchiveUserSettings, request, nil)
		},
	}
}

func quotaCommand() *Command {
	var conn connection
	return &Command{
		Name:    "quota",
		Summary: "Set the byte quota of an archive",
		Usage:   "drive quota <key> <size> [flags]",
		Flags:   flags("quota", &conn, nil),
		Run: func(args []string) error {
			if err := requireArgs(args, 2, "drive quota <key> <size>"); err != nil {
				return err
			}
			quota, err := humanize.ParseBytes(args[1])
			if err != nil {
				return fmt.Errorf("parsing size %q: %w", args[1], err)
			}
			var settings archivestore.UserSettings
			request := control.SettingsRequest{Key: args[0], SettingsUpdate: archivestore.SettingsUpdate{BytesAllowed: &quota}}
			if err := conn.call(control.ActionSetArchiveUserSettings, request, &settings); err != nil {
				return err
			}
			if done, err := conn.emitJSON(settings); done {
				return err
			}
			fmt.Printf("quota set to %s\n", humanize.IBytes(settings.BytesAllowed))
			return nil
		},
	}
}

func manifestCommand() *Command {
	var (
		conn    connection
		fields  control.ManifestFields
		flagSet *pflag.FlagSet
	)
	build := flags("manifest", &conn, manifestFlags(&fields))
	return &Command{
		Name:    "manifest",
		Summary: "Change the title, description, author or version of an owned archive",
		Usage:   "drive manifest <key> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet = build()
			return flagSet
		},
		Run: func(args []string) error {
			if err := requireArgs(args, 1, "drive manifest <key>"); err != nil {
				return err
			}
			// Only flags given on the command line change the manifest.
			var update archive.ManifestUpdate
			if flagSet.Changed("title") {
				update.Title = &fields.Title
			}
			if flagSet.Changed("description") {
				update.Description = &fields.Description
			}
			if flagSet.Changed("author") {
				update.Author = &fields.Author
			}
			if flagSet.Changed("archive-version") {
				update.Version = &fields.Version
			}
			var manifest archive.Manifest
			if err := conn.call(control.ActionUpdateManifest, control.ManifestRequest{Key: args[0], ManifestUpdate: update}, &manifest); err != nil {
				return err
			}
			if done, err := conn.emitJSON(manifest); done {
				return err
			}
			fmt.Printf("%s: %s\n", manifest.URL, manifest.Title)
			return nil
		},
	}
}

func resolveCommand() *Command {
	var conn connection
	return &Command{
		Name:    "resolve",
		Summary: "Resolve a name or URL to an archive key",
		Usage:   "drive resolve <name> [flags]",
		Flags:   flags("resolve", &conn, nil),
		Run: func(args []string) error {
			if err := requireArgs(args, 1, "drive resolve <name>"); err != nil {
				return err
			}
			var response control.ResolveResponse
			if err := conn.call(control.ActionResolveName, map[string]string{"name": args[0]}, &response); err != nil {
				return err
			}
			if done, err := conn.emitJSON(response); done {
				return err
			}
			fmt.Println(response.URL)
			return nil
		},
	}
}
