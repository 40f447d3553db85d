package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL  string
	adminToken string
	Version    = "dev"
)

type Device struct {
	DeviceID      string    `json:"device_id"`
	AdoptionState string    `json:"adoption_state"`
	Online        bool      `json:"online"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`
}

type Action struct {
	ActionID    uint      `json:"action_id"`
	DeviceID    string    `json:"device_id"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	TTLDeadline time.Time `json:"ttl_deadline"`
	Result      string    `json:"result"`
}

type AuditEntry struct {
	EntryID     uint      `json:"entry_id"`
	Timestamp   time.Time `json:"timestamp"`
	SubjectType string    `json:"subject_type"`
	SubjectID   string    `json:"subject_id"`
	FromState   string    `json:"from_state"`
	ToState     string    `json:"to_state"`
	Actor       string    `json:"actor"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "ppctl",
		Short: "PatchPilot - fleet coordination control",
		Long:  "Inspect and administer the PatchPilot device fleet: adoption decisions, action dispatch, and the audit trail",
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "PatchPilot server URL")
	rootCmd.PersistentFlags().StringVarP(&adminToken, "token", "t", os.Getenv("PATCHPILOT_ADMIN_TOKEN"), "Admin bearer token")

	rootCmd.AddCommand(
		statusCmd(),
		devicesCmd(),
		deviceCmd(),
		decideCmd("approve"),
		decideCmd("reject"),
		decideCmd("revoke"),
		actionsCmd(),
		enqueueCmd(),
		cancelCmd(),
		auditCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show fleet summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := fetchDevices()
			if err != nil {
				return err
			}

			online, pending, approved := 0, 0, 0
			for _, d := range devices {
				if d.Online {
					online++
				}
				switch d.AdoptionState {
				case "pending":
					pending++
				case "approved":
					approved++
				}
			}

			fmt.Printf("PatchPilot Fleet\n")
			fmt.Printf("================\n\n")
			fmt.Printf("Total Devices:     %d\n", len(devices))
			fmt.Printf("Approved:          %d\n", approved)
			fmt.Printf("Pending Adoption:  %d\n", pending)
			fmt.Printf("Online:            %d\n", online)

			return nil
		},
	}
}

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "devices",
		Aliases: []string{"ls", "list"},
		Short:   "List all devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := fetchDevices()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DEVICE\tSTATE\tONLINE\tLAST SEEN")
			fmt.Fprintln(w, "------\t-----\t------\t---------")

			for _, d := range devices {
				online := "no"
				if d.Online {
					online = "yes"
				}
				lastSeen := time.Since(d.LastSeenAt).Round(time.Second)
				fmt.Fprintf(w, "%s\t%s\t%s\t%s ago\n", d.DeviceID, d.AdoptionState, online, lastSeen)
			}

			w.Flush()
			return nil
		},
	}
}

func deviceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "device [device-id]",
		Short: "Show details for a specific device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var device json.RawMessage
			if err := getJSON("/api/device/"+args[0], &device); err != nil {
				return err
			}
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, device, "", "  "); err != nil {
				return err
			}
			fmt.Println(pretty.String())
			return nil
		},
	}
}

func decideCmd(decision string) *cobra.Command {
	state := map[string]string{"approve": "approved", "reject": "rejected", "revoke": "revoked"}[decision]
	return &cobra.Command{
		Use:   decision + " [device-id]",
		Short: strings.ToUpper(decision[:1]) + decision[1:] + " a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"decision": state}
			if err := postJSON("/api/device/"+args[0]+"/decision", body, nil); err != nil {
				return err
			}
			fmt.Printf("Device %s is now %s\n", args[0], state)
			return nil
		},
	}
}

func actionsCmd() *cobra.Command {
	var deviceID, status string
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "List actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/actions"
			params := []string{}
			if deviceID != "" {
				params = append(params, "device_id="+deviceID)
			}
			if status != "" {
				params = append(params, "status="+status)
			}
			if len(params) > 0 {
				path += "?" + strings.Join(params, "&")
			}

			var actions []Action
			if err := getJSON(path, &actions); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDEVICE\tSTATUS\tCREATED\tDEADLINE")
			fmt.Fprintln(w, "--\t------\t------\t-------\t--------")
			for _, a := range actions {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					a.ActionID, a.DeviceID, a.Status,
					a.CreatedAt.Format(time.RFC3339), a.TTLDeadline.Format(time.RFC3339))
			}
			w.Flush()
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "Filter by device ID")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	return cmd
}

func enqueueCmd() *cobra.Command {
	var ttl int
	cmd := &cobra.Command{
		Use:   "enqueue [device-id] [spec-json]",
		Short: "Queue an action for a device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"device_id": args[0],
				"spec":      args[1],
			}
			if ttl > 0 {
				body["ttl_seconds"] = ttl
			}
			var action Action
			if err := postJSON("/api/actions", body, &action); err != nil {
				return err
			}
			fmt.Printf("Action %d queued for %s (expires %s)\n",
				action.ActionID, action.DeviceID, action.TTLDeadline.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().IntVar(&ttl, "ttl", 0, "TTL in seconds (default: server policy)")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [action-id]",
		Short: "Expire an action before its deadline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := postJSON("/api/actions/"+args[0]+"/cancel", map[string]string{}, nil); err != nil {
				return err
			}
			fmt.Printf("Action %s expired\n", args[0])
			return nil
		},
	}
}

func auditCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit trail, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Audit []AuditEntry `json:"audit"`
			}
			if err := getJSON(fmt.Sprintf("/api/audit?limit=%d", limit), &resp); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tSUBJECT\tTRANSITION\tACTOR")
			fmt.Fprintln(w, "----\t-------\t----------\t-----")
			for _, e := range resp.Audit {
				from := e.FromState
				if from == "" {
					from = "(new)"
				}
				fmt.Fprintf(w, "%s\t%s/%s\t%s -> %s\t%s\n",
					e.Timestamp.Format(time.RFC3339), e.SubjectType, e.SubjectID, from, e.ToState, e.Actor)
			}
			w.Flush()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("ppctl", Version)
		},
	}
}

func getJSON(path string, out any) error {
	resp, err := http.Get(serverURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func postJSON(path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, serverURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return responseError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func responseError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = resp.Status
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
}

func fetchDevices() ([]Device, error) {
	var devices []Device
	if err := getJSON("/api/devices", &devices); err != nil {
		return nil, err
	}
	return devices, nil
}
