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

	"github.com/perimeterlab/attest/pkg/policy"
)

var (
	serverURL  string
	adminToken string
	Version    = "dev"
)

type Device struct {
	DeviceID    string    `json:"device_id"`
	Hostname    string    `json:"hostname"`
	Status      string    `json:"status"`
	OwnerUserID *string   `json:"owner_user_id"`
	LastSeen    time.Time `json:"last_seen"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "attest",
		Short: "Attest - device attestation and policy decisions",
		Long:  "Manage enrolled devices, posture compliance, and access rules",
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8443", "Attest server URL")
	rootCmd.PersistentFlags().StringVarP(&adminToken, "token", "t", os.Getenv("ATTEST_ADMIN_TOKEN"), "Admin bearer token")

	rootCmd.AddCommand(
		statusCmd(),
		devicesCmd(),
		deviceCmd(),
		approveCmd(),
		rejectCmd(),
		codesCmd(),
		rulesCmd(),
		decideCmd(),
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
		Short: "Show fleet enrollment and approval status",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := fetchDevices()
			if err != nil {
				return err
			}

			counts := map[string]int{}
			for _, d := range devices {
				counts[d.Status]++
			}

			fmt.Printf("Attest Status\n")
			fmt.Printf("=============\n\n")
			fmt.Printf("Total Devices:  %d\n", len(devices))
			fmt.Printf("Active:         %d\n", counts["active"])
			fmt.Printf("Pending:        %d\n", counts["pending"])
			fmt.Printf("Rejected:       %d\n", counts["rejected"])
			return nil
		},
	}
}

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "devices",
		Aliases: []string{"ls", "list"},
		Short:   "List enrolled devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := fetchDevices()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DEVICE ID\tHOSTNAME\tSTATUS\tOWNER\tLAST SEEN")
			for _, d := range devices {
				owner := "-"
				if d.OwnerUserID != nil && *d.OwnerUserID != "" {
					owner = *d.OwnerUserID
				}
				lastSeen := "never"
				if !d.LastSeen.IsZero() {
					lastSeen = time.Since(d.LastSeen).Round(time.Second).String() + " ago"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.DeviceID, d.Hostname, d.Status, owner, lastSeen)
			}
			w.Flush()
			return nil
		},
	}
}

func deviceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "device [device-id]",
		Short: "Show details and posture history for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var detail struct {
				Device
				Reports []struct {
					Timestamp      time.Time `json:"timestamp"`
					Score          int       `json:"score"`
					IsCompliant    bool      `json:"is_compliant"`
					SignatureValid bool      `json:"signature_valid"`
					Violations     string    `json:"violations"`
				} `json:"reports"`
			}
			if err := doRequest(http.MethodGet, "/v1/admin/devices/"+args[0], nil, &detail); err != nil {
				return err
			}

			fmt.Printf("Device: %s\n", detail.DeviceID)
			fmt.Printf("========================================\n\n")
			fmt.Printf("Hostname:   %s\n", detail.Hostname)
			fmt.Printf("Status:     %s\n", detail.Status)
			if detail.OwnerUserID != nil {
				fmt.Printf("Owner:      %s\n", *detail.OwnerUserID)
			}
			fmt.Printf("Last Seen:  %s\n\n", detail.LastSeen.Format(time.RFC3339))

			if len(detail.Reports) == 0 {
				fmt.Println("No posture reports.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIMESTAMP\tSCORE\tCOMPLIANT\tSIGNATURE\tVIOLATIONS")
			for _, r := range detail.Reports {
				sig := "valid"
				if !r.SignatureValid {
					sig = "INVALID"
				}
				fmt.Fprintf(w, "%s\t%d\t%v\t%s\t%s\n",
					r.Timestamp.Format(time.RFC3339), r.Score, r.IsCompliant, sig, r.Violations)
			}
			w.Flush()
			return nil
		},
	}
}

func approveCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "approve [device-id]",
		Short: "Approve a pending device and bind it to a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				return fmt.Errorf("--owner is required")
			}
			body := map[string]string{"owner_user_id": owner}
			if err := doRequest(http.MethodPost, "/v1/admin/devices/"+args[0]+"/approve", body, nil); err != nil {
				return err
			}
			fmt.Printf("Device %s approved for %s\n", args[0], owner)
			return nil
		},
	}
	cmd.Flags().StringVarP(&owner, "owner", "o", "", "Owner user ID")
	return cmd
}

func rejectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reject [device-id]",
		Short: "Reject a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := doRequest(http.MethodPost, "/v1/admin/devices/"+args[0]+"/reject", map[string]string{}, nil); err != nil {
				return err
			}
			fmt.Printf("Device %s rejected\n", args[0])
			return nil
		},
	}
}

func codesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "codes",
		Short: "Manage enrollment codes",
	}

	var label string
	var expires int64
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a new single-use enrollment code",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"label": label, "expires_in_seconds": expires}
			var resp struct {
				ID   uint   `json:"id"`
				Code string `json:"code"`
			}
			if err := doRequest(http.MethodPost, "/v1/admin/codes", body, &resp); err != nil {
				return err
			}
			fmt.Printf("Enrollment code (shown once): %s\n", resp.Code)
			return nil
		},
	}
	issue.Flags().StringVarP(&label, "label", "l", "", "Label for the code")
	issue.Flags().Int64VarP(&expires, "expires", "e", 86400, "Expiry in seconds, 0 for none")

	list := &cobra.Command{
		Use:   "list",
		Short: "List enrollment codes",
		RunE: func(cmd *cobra.Command, args []string) error {
			var codes []struct {
				ID         uint       `json:"id"`
				Label      string     `json:"label"`
				ExpiresAt  time.Time  `json:"expires_at"`
				UsedAt     *time.Time `json:"used_at"`
				RedeemedBy string     `json:"redeemed_by"`
			}
			if err := doRequest(http.MethodGet, "/v1/admin/codes", nil, &codes); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLABEL\tEXPIRES\tUSED\tREDEEMED BY")
			for _, c := range codes {
				used := "-"
				if c.UsedAt != nil {
					used = c.UsedAt.Format(time.RFC3339)
				}
				expires := "-"
				if !c.ExpiresAt.IsZero() {
					expires = c.ExpiresAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", c.ID, c.Label, expires, used, c.RedeemedBy)
			}
			w.Flush()
			return nil
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke [id]",
		Short: "Revoke an unused enrollment code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := doRequest(http.MethodDelete, "/v1/admin/codes/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Printf("Code %s revoked\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(issue, list, revoke)
	return cmd
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage access rules",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List access rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			var rules []policy.Rule
			if err := doRequest(http.MethodGet, "/v1/admin/rules", nil, &rules); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tPRIORITY\tMODE\tACTION\tCONDITION")
			for _, r := range rules {
				cond, _ := json.Marshal(r.Condition)
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", r.ID, r.Name, r.Priority, r.Mode, r.Action, cond)
			}
			w.Flush()
			return nil
		},
	}

	var ruleFile string
	apply := &cobra.Command{
		Use:   "apply",
		Short: "Create or update a rule from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(ruleFile)
			if err != nil {
				return err
			}
			var rule policy.Rule
			if err := json.Unmarshal(data, &rule); err != nil {
				return fmt.Errorf("parse rule: %w", err)
			}
			var saved policy.Rule
			if err := doRequest(http.MethodPut, "/v1/admin/rules", rule, &saved); err != nil {
				return err
			}
			fmt.Printf("Rule %s saved (id %s)\n", saved.Name, saved.ID)
			return nil
		},
	}
	apply.Flags().StringVarP(&ruleFile, "file", "f", "", "Rule JSON file")
	apply.MarkFlagRequired("file")

	remove := &cobra.Command{
		Use:   "delete [rule-id]",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := doRequest(http.MethodDelete, "/v1/admin/rules/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Printf("Rule %s deleted\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, apply, remove)
	return cmd
}

func decideCmd() *cobra.Command {
	var roles []string
	cmd := &cobra.Command{
		Use:   "decide [user-id] [resource]",
		Short: "Ask the server for an access decision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"user_id":  args[0],
				"roles":    roles,
				"resource": args[1],
			}
			var decision policy.Decision
			if err := doRequest(http.MethodPost, "/v1/decision", body, &decision); err != nil {
				return err
			}

			verdict := "DENY"
			if decision.Allowed {
				verdict = "ALLOW"
			}
			fmt.Printf("%s  user=%s resource=%s\n", verdict, args[0], args[1])
			fmt.Printf("Risk:       %s\n", decision.RiskLevel)
			fmt.Printf("Step-up:    %v\n", decision.RequiresStepUp)
			fmt.Printf("Reason:     %s (%s)\n", decision.Reason, decision.ReasonCode)
			if decision.RuleName != "" {
				fmt.Printf("Rule:       %s\n", decision.RuleName)
			}
			if len(decision.MonitorHits) > 0 {
				fmt.Printf("Monitored:  %s\n", strings.Join(decision.MonitorHits, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&roles, "role", "r", nil, "Identity roles (repeatable)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("attest version %s\n", Version)
		},
	}
}

func fetchDevices() ([]Device, error) {
	var devices []Device
	if err := doRequest(http.MethodGet, "/v1/admin/devices", nil, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

func doRequest(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
