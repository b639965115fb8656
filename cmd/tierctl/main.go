package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

type ipcRequest struct {
	Type    string         `json:"type"`
	User    string         `json:"user,omitempty"`
	Payload map[string]any `json:"payload"`
}

type ipcResponse struct {
	OK          bool       `json:"ok,omitempty"`
	Error       string     `json:"error,omitempty"`
	Code        string     `json:"code,omitempty"`
	ID          string     `json:"id,omitempty"`
	Description string     `json:"description,omitempty"`
	Swarm       *swarm     `json:"swarm,omitempty"`
	Swarms      []swarm    `json:"swarms,omitempty"`
	Approvals   []pending  `json:"approvals,omitempty"`
	Schedules   []schedule `json:"schedules,omitempty"`
}

type swarm struct {
	ID       string `json:"id"`
	State    string `json:"state"`
	Metadata struct {
		UserID string `json:"userId"`
		Name   string `json:"name"`
	} `json:"metadata"`
}

type pending struct {
	PendingID   string    `json:"pendingId"`
	ChatID      string    `json:"chatId"`
	SwarmID     string    `json:"swarmId"`
	ToolName    string    `json:"toolName"`
	CallerBotID string    `json:"callerBotId"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type schedule struct {
	ID           string   `json:"id"`
	SwarmID      string   `json:"swarmId"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Status       string   `json:"status"`
	Participants []string `json:"participants"`
}

type client struct {
	natsURL  string
	instance string
	user     string
}

func (c client) send(reqType string, payload map[string]any) (*ipcResponse, error) {
	conn, err := nats.Connect(c.natsURL)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	defer conn.Close()

	topic := fmt.Sprintf("host.ipc.%s", c.instance)
	data, err := json.Marshal(ipcRequest{Type: reqType, User: c.user, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	msg, err := conn.Request(topic, data, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ipc request: %w", err)
	}

	var resp ipcResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.Error != "" {
		return &resp, fmt.Errorf("%s", resp.Error)
	}
	return &resp, nil
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

const usageText = `Usage:
  tierctl swarms [--state STATE] [--user USER]
  tierctl stop --id SWARM
  tierctl cancel --id SWARM [--reason "..."]
  tierctl approvals [--conversation ID]
  tierctl approve --conversation ID --pending ID
  tierctl reject --conversation ID --pending ID [--reason "..."]
  tierctl schedules [--swarm SWARM]
  tierctl schedule --swarm SWARM --name "..." --schedule "..." --participants a,b [--reason "..."]
  tierctl unschedule --id ID`

func run(c client, command string, rest []string, out io.Writer) error {
	args := parseArgs(rest)

	switch command {
	case "swarms":
		resp, err := c.send("list_swarms", map[string]any{"state": args["state"], "user": args["user"]})
		if err != nil {
			return err
		}
		if len(resp.Swarms) == 0 {
			fmt.Fprintln(out, "No swarms found.")
			return nil
		}
		for _, s := range resp.Swarms {
			fmt.Fprintf(out, "  %s  %s  %s  %s\n", s.ID, s.State, s.Metadata.UserID, s.Metadata.Name)
		}

	case "stop", "cancel":
		if args["id"] == "" {
			return fmt.Errorf("--id is required")
		}
		payload := map[string]any{"id": args["id"]}
		if command == "cancel" {
			payload["reason"] = args["reason"]
		}
		resp, err := c.send(command+"_swarm", payload)
		if err != nil {
			return err
		}
		state := ""
		if resp.Swarm != nil {
			state = resp.Swarm.State
		}
		fmt.Fprintf(out, "Swarm %s is %s.\n", args["id"], state)

	case "approvals":
		resp, err := c.send("list_approvals", map[string]any{"conversationId": args["conversation"]})
		if err != nil {
			return err
		}
		if len(resp.Approvals) == 0 {
			fmt.Fprintln(out, "No pending approvals.")
			return nil
		}
		for _, p := range resp.Approvals {
			fmt.Fprintf(out, "  %s  %s  %s by %s  expires %s\n", p.PendingID, p.ChatID, p.ToolName, p.CallerBotID, p.ExpiresAt.Local().Format("15:04:05"))
		}

	case "approve", "reject":
		if args["conversation"] == "" || args["pending"] == "" {
			return fmt.Errorf("--conversation and --pending are required")
		}
		payload := map[string]any{
			"conversationId": args["conversation"],
			"pendingId":      args["pending"],
			"approved":       command == "approve",
		}
		if command == "reject" {
			payload["reason"] = args["reason"]
		}
		if _, err := c.send("respond_approval", payload); err != nil {
			return err
		}
		fmt.Fprintf(out, "Approval %s %sd.\n", args["pending"], command)

	case "schedules":
		resp, err := c.send("list_schedules", map[string]any{"swarmId": args["swarm"]})
		if err != nil {
			return err
		}
		if len(resp.Schedules) == 0 {
			fmt.Fprintln(out, "No schedules found.")
			return nil
		}
		for _, s := range resp.Schedules {
			fmt.Fprintf(out, "  %s  %s  %s  %s  [%s]\n", s.ID, s.Status, s.SwarmID, s.Name, s.Description)
		}

	case "schedule":
		if args["swarm"] == "" || args["name"] == "" || args["schedule"] == "" {
			return fmt.Errorf("--swarm, --name, and --schedule are required")
		}
		resp, err := c.send("create_schedule", map[string]any{
			"swarmId":      args["swarm"],
			"name":         args["name"],
			"schedule":     args["schedule"],
			"participants": splitList(args["participants"]),
			"reason":       args["reason"],
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Schedule created: %s (%s)\n", resp.ID, resp.Description)

	case "unschedule":
		if args["id"] == "" {
			return fmt.Errorf("--id is required")
		}
		if _, err := c.send("delete_schedule", map[string]any{"id": args["id"]}); err != nil {
			return err
		}
		fmt.Fprintln(out, "Schedule deleted.")

	default:
		return fmt.Errorf("unknown command: %s", command)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usageText)
		os.Exit(1)
	}

	c := client{
		natsURL:  envOr("TIERFLOW_NATS_URL", "nats://localhost:4222"),
		instance: envOr("TIERFLOW_INSTANCE", "tierflow"),
		user:     envOr("TIERFLOW_USER", os.Getenv("USER")),
	}
	if err := run(c, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
