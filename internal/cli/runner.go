package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/g960059/devhook/internal/action"
	"github.com/g960059/devhook/internal/api"
	"github.com/g960059/devhook/internal/config"
	"github.com/g960059/devhook/internal/model"
	"github.com/g960059/devhook/internal/security"
)

type Runner struct {
	baseURL string
	client  *http.Client
	out     io.Writer
	errOut  io.Writer
}

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewRunnerWithClient("http://unix", &http.Client{Transport: transport}, out, errOut)
}

func NewRunnerWithClient(baseURL string, client *http.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Runner{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		out:     out,
		errOut:  errOut,
	}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	socketPath, rest, err := parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if socketPath != "" && r.baseURL == "http://unix" {
		*r = *NewRunner(socketPath, r.out, r.errOut)
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "status":
		return r.runStatus(ctx, rest[1:])
	case "devices":
		return r.runDevices(ctx, rest[1:])
	case "events":
		return r.runEvents(ctx, rest[1:])
	case "pause":
		return r.runMonitor(ctx, "stop", rest[1:])
	case "resume":
		return r.runMonitor(ctx, "start", rest[1:])
	case "watch":
		return r.runWatch(ctx, rest[1:])
	case "check-actions":
		return r.runCheckActions(rest[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

// parseGlobalArgs strips --socket from args. The returned path is empty
// when the flag is absent.
func parseGlobalArgs(args []string) (string, []string, error) {
	socket := ""
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--socket" {
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--socket requires value")
			}
			socket = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return socket, rest, nil
}

func (r *Runner) runStatus(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/status", nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeRaw(body)
	}
	var st api.StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "monitor: %s\n", st.State)
	_, _ = fmt.Fprintf(r.out, "polling: %s", st.Health)
	if st.ConsecutiveFailures > 0 {
		_, _ = fmt.Fprintf(r.out, " (%d consecutive failures: %s)", st.ConsecutiveFailures, st.LastError)
	}
	_, _ = fmt.Fprintln(r.out)
	if st.LastTickAt != nil {
		_, _ = fmt.Fprintf(r.out, "last poll: %s\n", *st.LastTickAt)
	}
	_, _ = fmt.Fprintf(r.out, "ticks: %d  transitions: %d  actions: %d  poll failures: %d\n",
		st.Ticks, st.Transitions, st.Actions, st.ProviderFailures)
	_, _ = fmt.Fprintf(r.out, "configured devices: %d\n", st.ConfiguredDevices)
	if st.ActionsPath != "" {
		_, _ = fmt.Fprintf(r.out, "action file: %s\n", st.ActionsPath)
	}
	_, _ = fmt.Fprintf(r.out, "known devices: %d\n", len(st.KnownDevices))
	for _, id := range st.KnownDevices {
		_, _ = fmt.Fprintf(r.out, "  %s\n", id)
	}
	if len(st.HealthHistory) > 0 {
		_, _ = fmt.Fprintln(r.out, "polling history:")
		for _, c := range st.HealthHistory {
			line := fmt.Sprintf("  %s  %s", c.ChangedAt, c.Health)
			if c.Reason != "" {
				line += ": " + c.Reason
			}
			_, _ = fmt.Fprintln(r.out, line)
		}
	}
	return 0
}

func (r *Runner) runDevices(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("devices", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/devices", nil)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeRaw(body)
	}
	var env api.DevicesEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return r.handleErr(err)
	}
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "DEVICE\tON CONNECT\tON DISCONNECT")
	for _, d := range env.Devices {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", d.DeviceID, describeAction(d.Actions["connect"]), describeAction(d.Actions["disconnect"]))
	}
	_ = tw.Flush()
	return 0
}

func describeAction(a api.ActionItem) string {
	if a.Type == "" {
		return "-"
	}
	return a.Type + " " + a.Target
}

func (r *Runner) runEvents(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	limit := fs.Int("limit", 20, "number of events")
	device := fs.String("device", "", "device id")
	eventID := fs.String("id", "", "show one event")
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if id := strings.TrimSpace(*eventID); id != "" {
		body, err := r.request(ctx, http.MethodGet, "/v1/events/"+url.PathEscape(id), nil)
		if err != nil {
			return r.handleErr(err)
		}
		if *jsonOut {
			return r.writeRaw(body)
		}
		var ev api.EventItem
		if err := json.Unmarshal(body, &ev); err != nil {
			return r.handleErr(err)
		}
		r.printEvent(ev)
		return 0
	}
	if *limit <= 0 {
		_, _ = fmt.Fprintln(r.errOut, "error: --limit must be positive")
		return 2
	}
	query := url.Values{}
	query.Set("limit", strconv.Itoa(*limit))
	if strings.TrimSpace(*device) != "" {
		query.Set("device", strings.TrimSpace(*device))
	}
	body, err := r.request(ctx, http.MethodGet, "/v1/events", query)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeRaw(body)
	}
	var env api.EventsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return r.handleErr(err)
	}
	if len(env.Events) == 0 {
		_, _ = fmt.Fprintln(r.out, "no events")
		return 0
	}
	for _, ev := range env.Events {
		r.printEvent(ev)
	}
	return 0
}

func (r *Runner) printEvent(ev api.EventItem) {
	_, _ = fmt.Fprintf(r.out, "%s  %-10s  %s\n", ev.ObservedAt, ev.EventType, ev.DeviceID)
	for _, a := range ev.Attempts {
		line := fmt.Sprintf("    %s %s: %s", a.ActionType, a.Target, a.Outcome)
		if a.AlreadyRunning {
			line += " (already running)"
		}
		if a.Terminated > 0 {
			line += fmt.Sprintf(" (terminated %d)", a.Terminated)
		}
		if a.Error != "" {
			line += ": " + a.Error
		}
		_, _ = fmt.Fprintln(r.out, line)
	}
}

func (r *Runner) runMonitor(ctx context.Context, op string, args []string) int {
	if len(args) > 0 {
		_, _ = fmt.Fprintf(r.errOut, "error: unexpected arguments: %s\n", strings.Join(args, " "))
		return 2
	}
	body, err := r.request(ctx, http.MethodPost, "/v1/monitor/"+op, nil)
	if err != nil {
		return r.handleErr(err)
	}
	var resp api.MonitorResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return r.handleErr(err)
	}
	if resp.Changed {
		_, _ = fmt.Fprintf(r.out, "monitor %s\n", resp.State)
	} else {
		_, _ = fmt.Fprintf(r.out, "monitor already %s\n", resp.State)
	}
	return 0
}

// runWatch prints live notifications until the stream ends, ctx is
// cancelled, or --count messages arrived.
func (r *Runner) runWatch(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	count := fs.Int("count", 0, "stop after N messages")
	jsonOut := fs.Bool("json", false, "output jsonl")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	query := url.Values{}
	if *count > 0 {
		query.Set("limit", strconv.Itoa(*count))
	}
	resp, err := r.do(ctx, http.MethodGet, "/v1/watch", query)
	if err != nil {
		return r.handleErr(err)
	}
	defer resp.Body.Close() //nolint:errcheck

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if *jsonOut {
			_, _ = r.out.Write(raw)
			_, _ = fmt.Fprintln(r.out)
			continue
		}
		var line api.WatchLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return r.handleErr(fmt.Errorf("decode watch line: %w", err))
		}
		if line.Type != "message" {
			continue
		}
		at := line.EmittedAt
		if line.At != nil {
			at = *line.At
		}
		_, _ = fmt.Fprintf(r.out, "%s  %-10s  %s\n", at.Local().Format(time.DateTime), line.Kind, line.Text)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
		return r.handleErr(err)
	}
	return 0
}

// runCheckActions validates an action file without talking to the daemon.
func (r *Runner) runCheckActions(args []string) int {
	fs := flag.NewFlagSet("check-actions", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	path := fs.String("file", config.DefaultConfig().ActionsPath, "action file")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	raw, err := os.ReadFile(*path)
	if err != nil {
		return r.handleErr(err)
	}
	m, issues, err := action.Decode(raw)
	if err != nil {
		return r.handleErr(err)
	}
	entries := 0
	for _, byKind := range m {
		entries += len(byKind)
	}
	for _, issue := range issues {
		_, _ = fmt.Fprintf(r.out, "%s %s: %s (type %q)\n", issue.Device, issue.Transition, issue.Reason, issue.Type)
	}
	ids := make([]model.DeviceIdentity, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		for _, kind := range []model.TransitionKind{model.TransitionAttach, model.TransitionDetach} {
			spec, ok := m.Lookup(id, kind)
			if !ok || !spec.Kind.Valid() {
				continue
			}
			_, _ = fmt.Fprintf(r.out, "ok  %s %s: %s %s\n", id, kind, spec.Kind, security.RedactCommand(spec.Target))
		}
	}
	_, _ = fmt.Fprintf(r.out, "%d devices, %d actions, %d issues\n", len(m), entries, len(issues))
	if len(issues) > 0 {
		return 1
	}
	return 0
}

func (r *Runner) request(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	resp, err := r.do(ctx, method, path, query)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	return io.ReadAll(resp.Body)
}

// do sends the request and turns error envelopes into errors. On success
// the caller owns the response body.
func (r *Runner) do(ctx context.Context, method, path string, query url.Values) (*http.Response, error) {
	u := r.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close() //nolint:errcheck
		payload, _ := io.ReadAll(resp.Body)
		var er api.ErrorResponse
		if unmarshalErr := json.Unmarshal(payload, &er); unmarshalErr == nil && er.Error.Code != "" {
			return nil, fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
		}
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return resp, nil
}

func (r *Runner) writeRaw(body []byte) int {
	_, _ = r.out.Write(body)
	if !bytes.HasSuffix(body, []byte("\n")) {
		_, _ = fmt.Fprintln(r.out)
	}
	return 0
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: devhook [--socket <path>] <status|devices|events|pause|resume|watch|check-actions> ...")
}
