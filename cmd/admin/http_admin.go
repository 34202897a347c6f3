package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// serverState mirrors the server's /admin/v1/state body.
type serverState struct {
	WorldID     string `json:"world_id"`
	Frame       uint32 `json:"frame"`
	Sessions    int    `json:"sessions"`
	Active      int    `json:"active_clients"`
	Commands    uint64 `json:"commands_total"`
	Desyncs     uint64 `json:"desyncs_total"`
	Divergences uint64 `json:"divergences_total"`
}

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url (the server must run with -admin)")
	asJSON := fs.Bool("json", false, "print JSON instead of a table")
	_ = fs.Parse(args)

	st, err := fetchState(&http.Client{Timeout: 5 * time.Second}, *baseURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "state:", err)
		os.Exit(1)
	}
	if *asJSON {
		printJSON(st)
		return
	}
	printState(os.Stdout, st)
}

func fetchState(cl *http.Client, baseURL string) (serverState, error) {
	var st serverState
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/admin/v1/state"
	resp, err := cl.Get(u)
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return st, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decode state: %w", err)
	}
	return st, nil
}

func printState(w io.Writer, st serverState) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "world\t%s\n", st.WorldID)
	fmt.Fprintf(tw, "frame\t%d\n", st.Frame)
	fmt.Fprintf(tw, "sessions\t%d (%d active)\n", st.Sessions, st.Active)
	fmt.Fprintf(tw, "commands\t%d\n", st.Commands)
	fmt.Fprintf(tw, "desyncs\t%d\n", st.Desyncs)
	fmt.Fprintf(tw, "divergences\t%d\n", st.Divergences)
	_ = tw.Flush()
}
