package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/loykin/botvisor/pkg/client"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

func printWorkers(w io.Writer, list []client.WorkerStatus) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tPID\tUPTIME\tRESTARTS\tAUTO")
	for _, s := range list {
		pid := "-"
		if s.PID > 0 {
			pid = fmt.Sprint(s.PID)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%t\n", s.ID, s.Name, s.Status, pid, s.Uptime, s.Restarts, s.AutoRestart)
	}
	_ = tw.Flush()
}

func printFiles(w io.Writer, entries []client.FileEntry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		name, size := e.Name, humanize.Bytes(uint64(max(e.Size, 0)))
		if e.IsDir {
			name, size = name+"/", "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", name, size, e.ModTime.Format("2006-01-02 15:04"))
	}
	_ = tw.Flush()
}

func printBackups(w io.Writer, list []client.Backup) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tWORKER\tCREATED\tSIZE")
	for _, b := range list {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", b.Name, b.WorkerID, humanize.Time(b.CreatedAt), humanize.Bytes(uint64(max(b.Size, 0))))
	}
	_ = tw.Flush()
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func argOr(args []string, i int, def string) string {
	if i < len(args) {
		return args[i]
	}
	return def
}

func upper(s string) string { return strings.ToUpper(s) }
