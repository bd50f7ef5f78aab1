// Copyright (c) OpenTela
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/OpenTela/TelaOS/pkg/session"
)

const consoleHelp = `Commands:
  <subsystem> <command> [args...]   send a protocol command, e.g. "sys info"
  sync                              re-run the time sync handshake
  push <file|directory>             push an app to the watch
  help                              show this help
  quit                              disconnect and exit

Arguments parse as typed literals: 42 is a number, true is a boolean,
"42" is a string. Quote anything containing spaces.`

// runConsole reads commands from in until EOF, quit, or a disconnect.
func runConsole(ctx context.Context, sup *session.Supervisor, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "Connected (session %s). Type 'help' for commands.\n", sup.SessionID())

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if sup.State() == session.StateDisconnected {
			fmt.Fprintln(out, "Device disconnected.")
			return nil
		}

		words, err := splitWords(line)
		if err != nil {
			fmt.Fprintf(out, "Parse error: %v\n", err)
			continue
		}

		switch words[0] {
		case "quit", "exit":
			return nil

		case "help":
			fmt.Fprintln(out, consoleHelp)

		case "sync":
			if err := sup.Sync(ctx); err != nil {
				fmt.Fprintf(out, "Sync failed: %v\n", err)
			} else {
				fmt.Fprintln(out, "Synced.")
			}

		case "push":
			if len(words) != 2 {
				fmt.Fprintln(out, "Usage: push <file|directory>")
				continue
			}
			if err := pushPath(ctx, sup, words[1], out); err != nil {
				fmt.Fprintf(out, "Push failed: %v\n", err)
			}

		default:
			if len(words) < 2 {
				fmt.Fprintln(out, "Expected: <subsystem> <command> [args...]")
				continue
			}
			sendCommand(ctx, sup, words, out)
		}
	}
}

// sendCommand submits one protocol command and prints the response. When the
// response declares a binary payload the transfer is awaited and saved.
func sendCommand(ctx context.Context, sup *session.Supervisor, words []string, out io.Writer) {
	args := make([]any, 0, len(words)-2)
	for _, w := range words[2:] {
		args = append(args, parseLiteral(w).Value())
	}

	res, err := sup.Send(ctx, words[0], words[1], args, 0)
	if err != nil {
		fmt.Fprintf(out, "Send failed: %v\n", err)
		return
	}

	pretty, _ := json.Marshal(res.Payload)
	fmt.Fprintf(out, "[%s] %s\n", res.Status, pretty)

	if !res.OK() {
		return
	}
	if n, ok := res.Payload["bytes"]; !ok || n == nil {
		return
	}

	data, err := sup.AwaitBinary(ctx)
	if err != nil {
		fmt.Fprintf(out, "Binary transfer failed: %v\n", err)
		return
	}
	name := binaryFileName(words[0], words[1], res.Payload)
	if err := os.WriteFile(name, data, 0o644); err != nil {
		fmt.Fprintf(out, "Save failed: %v\n", err)
		return
	}
	fmt.Fprintf(out, "Saved %d bytes to %s\n", len(data), name)
}

// binaryFileName names the saved transfer. Screenshots carry their dimensions
// and pixel format in the response payload.
func binaryFileName(subsystem, command string, payload map[string]any) string {
	if subsystem == "sys" && command == "screen" {
		w, wok := payload["w"].(float64)
		h, hok := payload["h"].(float64)
		format, _ := payload["format"].(string)
		if format == "" {
			format = "raw"
		}
		if wok && hok {
			return fmt.Sprintf("screen_%dx%d.%s", int(w), int(h), format)
		}
	}
	return fmt.Sprintf("%s_%s_%d.bin", subsystem, command, time.Now().Unix())
}

// pushPath pushes a single file or every regular file in a directory, in
// name order, as one app named after the path's base name.
func pushPath(ctx context.Context, sup *session.Supervisor, path string, out io.Writer) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	appName := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	var files []session.File
	if info.IsDir() {
		appName = filepath.Base(path)
		entries, err := os.ReadDir(path)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(path, entry.Name()))
			if err != nil {
				return err
			}
			files = append(files, session.File{Name: entry.Name(), Data: data})
		}
		if len(files) == 0 {
			return fmt.Errorf("no files in %s", path)
		}
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files = append(files, session.File{Name: filepath.Base(path), Data: data})
	}

	total := 0
	for _, f := range files {
		total += len(f.Data)
	}
	fmt.Fprintf(out, "Pushing %s: %d file(s), %d bytes...\n", appName, len(files), total)

	if err := sup.PushFiles(ctx, appName, files); err != nil {
		return err
	}
	fmt.Fprintln(out, "Push complete.")
	return nil
}
