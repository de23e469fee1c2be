// Command files is a file browser plugin. It lists the directory named
// by the query, descends into directories on enter, and opens files
// with xdg-open before detaching.
//
// Build it into this directory so the manifest entrypoint resolves:
//
//	go build -o plugins/files/files ./plugins/files
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/davawen/keal/internal/protocol"
)

// manifestConfigEntries must match the config list in manifest.yaml;
// the handshake carries no terminator.
const manifestConfigEntries = 2

type settings struct {
	root       string
	showHidden bool
}

func loadSettings(entries []protocol.ConfigEntry) settings {
	st := settings{}
	for _, e := range entries {
		switch e.Key {
		case "root":
			st.root = e.Value
		case "show_hidden":
			st.showHidden = e.Value == "true"
		}
	}
	if st.root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "/"
		}
		st.root = home
	}
	return st
}

// entry is one browsable row. rel is the path shown to the user,
// relative to the root unless the query was absolute.
type entry struct {
	rel   string
	path  string
	isDir bool
}

// browse lists the directory the query points into. Everything up to
// the last slash names the directory; the remainder filters entries by
// name prefix, case-insensitively. An absolute query escapes the root.
func browse(st settings, query string) []entry {
	dir, fragment := "", query
	if i := strings.LastIndexByte(query, '/'); i >= 0 {
		dir, fragment = query[:i+1], query[i+1:]
	}

	base := filepath.Join(st.root, dir)
	if strings.HasPrefix(query, "/") {
		// absolute queries escape the root; dir keeps its trailing slash
		base = filepath.Clean(dir)
	}

	dirents, err := os.ReadDir(base)
	if err != nil {
		return nil
	}

	fragment = strings.ToLower(fragment)
	var out []entry
	for _, d := range dirents {
		name := d.Name()
		if !st.showHidden && strings.HasPrefix(name, ".") {
			continue
		}
		if fragment != "" && !strings.HasPrefix(strings.ToLower(name), fragment) {
			continue
		}
		rel := dir + name
		out = append(out, entry{
			rel:   rel,
			path:  filepath.Join(base, name),
			isDir: d.IsDir(),
		})
	}

	// Directories first, then lexical. ReadDir already sorts by name,
	// the stable sort keeps that within each group.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].isDir && !out[j].isDir
	})
	return out
}

func choicesOf(list []entry) []protocol.Choice {
	out := make([]protocol.Choice, len(list))
	for i, e := range list {
		c := protocol.Choice{Name: e.rel}
		if e.isDir {
			c.Icon = &protocol.IconRef{Name: "folder"}
			c.Comment = "directory"
		} else {
			c.Icon = &protocol.IconRef{Name: "text-x-generic"}
		}
		out[i] = c
	}
	return out
}

// serve runs the session loop until the event stream ends. open is
// called for files picked with enter; the session then forks.
func serve(r protocol.LineReader, w io.Writer, st settings, open func(path string) error) error {
	if err := protocol.EncodeSubscription(w, protocol.EventEnter|protocol.EventQuery); err != nil {
		return err
	}

	current := browse(st, "")
	if err := protocol.EncodeChoiceList(w, choicesOf(current)); err != nil {
		return err
	}

	for {
		ev, err := protocol.DecodeEvent(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch ev.Name {
		case protocol.EventNameQuery:
			current = browse(st, ev.Payload)
			if err := protocol.EncodeAction(w, &protocol.Action{
				Kind:    protocol.ActionUpdateAll,
				Choices: choicesOf(current),
			}); err != nil {
				return err
			}

		case protocol.EventNameEnter:
			i, err := strconv.Atoi(ev.Payload)
			if err != nil || i < 0 || i >= len(current) {
				if err := protocol.EncodeAction(w, &protocol.Action{Kind: protocol.ActionNone}); err != nil {
					return err
				}
				continue
			}
			picked := current[i]

			if picked.isDir {
				if err := protocol.EncodeAction(w, &protocol.Action{
					Kind: protocol.ActionChangeQuery,
					Text: picked.rel + "/",
				}); err != nil {
					return err
				}
				continue
			}

			if err := open(picked.path); err != nil {
				fmt.Fprintf(os.Stderr, "failed to open %s: %v\n", picked.path, err)
				if err := protocol.EncodeAction(w, &protocol.Action{Kind: protocol.ActionNone}); err != nil {
					return err
				}
				continue
			}
			return protocol.EncodeAction(w, &protocol.Action{Kind: protocol.ActionFork})

		default:
			// not subscribed, answer anyway rather than stall the stream
			if err := protocol.EncodeAction(w, &protocol.Action{Kind: protocol.ActionNone}); err != nil {
				return err
			}
		}
	}
}

func openDetached(path string) error {
	cmd := exec.Command("xdg-open", path)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	go cmd.Wait()
	return nil
}

func main() {
	in := protocol.NewScanReader(os.Stdin)

	entries, err := protocol.DecodeConfig(in, manifestConfigEntries)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config handshake failed: %v\n", err)
		os.Exit(1)
	}

	if err := serve(in, os.Stdout, loadSettings(entries), openDetached); err != nil {
		fmt.Fprintf(os.Stderr, "session failed: %v\n", err)
		os.Exit(1)
	}
}
