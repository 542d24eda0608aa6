package main

import (
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/xiaolou86/sjaiengine/internal/models"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recorded engine events",
	RunE:  runEvents,
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Show alert delivery outcomes",
	RunE:  runAlerts,
}

var (
	filterTask  string
	filterKind  string
	filterSince time.Duration
	limit       int
	follow      bool
)

func init() {
	eventsCmd.Flags().StringVar(&filterTask, "task", "", "Only events for this task id")
	eventsCmd.Flags().StringVar(&filterKind, "kind", "", "Only events of this kind (e.g. alert_raised)")
	eventsCmd.Flags().DurationVar(&filterSince, "since", 0, "Only events newer than this (e.g. 1h)")
	eventsCmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of events")
	eventsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream new events as they are recorded")

	alertsCmd.Flags().StringVar(&filterTask, "task", "", "Only alerts for this task id")
	alertsCmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of alerts")
}

func runEvents(cmd *cobra.Command, args []string) error {
	if follow {
		return followEvents()
	}

	q := url.Values{}
	if filterTask != "" {
		q.Set("task_id", filterTask)
	}
	if filterKind != "" {
		q.Set("kind", filterKind)
	}
	if filterSince > 0 {
		q.Set("since", time.Now().Add(-filterSince).UTC().Format(time.RFC3339))
	}
	q.Set("limit", strconv.Itoa(limit))

	var events []models.Event
	if err := apiGet("/events?"+q.Encode(), &events); err != nil {
		return err
	}

	if len(events) == 0 {
		fmt.Println("No events found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tTASK\tMESSAGE")
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			ev.Timestamp.Local().Format(time.DateTime), ev.Kind, ev.TaskID, truncate(ev.Message, 60))
	}
	w.Flush()
	return nil
}

// followEvents prints events from the websocket stream until interrupted.
func followEvents() error {
	u, err := url.Parse(apiAddr)
	if err != nil {
		return fmt.Errorf("invalid API address: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/events/ws"
	if filterTask != "" {
		u.RawQuery = url.Values{"task_id": {filterTask}}.Encode()
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("connecting to event stream: %w", err)
	}
	defer conn.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	for {
		var ev models.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			select {
			case <-interrupt:
				return nil
			default:
			}
			return fmt.Errorf("event stream closed: %w", err)
		}
		if filterKind != "" && ev.Kind != filterKind {
			continue
		}
		fmt.Printf("%s  %-22s %-12s %s%s\n",
			ev.Timestamp.Local().Format(time.DateTime), ev.Kind, ev.TaskID, ev.Message, formatAttrs(ev.Attrs))
	}
}

func formatAttrs(attrs map[string]string) string {
	if len(attrs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, attrs[k])
	}
	return b.String()
}

func runAlerts(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if filterTask != "" {
		q.Set("task_id", filterTask)
	}
	q.Set("limit", strconv.Itoa(limit))

	var alerts []models.AlertRecord
	if err := apiGet("/alerts?"+q.Encode(), &alerts); err != nil {
		return err
	}

	if len(alerts) == 0 {
		fmt.Println("No alerts found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTASK\tKIND\tSTATUS\tATTEMPTS\tERROR")
	for _, a := range alerts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			a.Payload.Timestamp.Local().Format(time.DateTime), a.Payload.TaskID, a.Payload.Kind,
			a.Status, a.Attempts, truncate(a.LastError, 50))
	}
	w.Flush()
	return nil
}
