package telegram

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mtzanidakis/tierflow/internal/approval"
	"github.com/mtzanidakis/tierflow/internal/events"
	"github.com/mtzanidakis/tierflow/internal/resources"
	"github.com/mtzanidakis/tierflow/internal/security"
)

const usage = "Commands:\n/approve <conversationId> <pendingId>\n/reject <conversationId> <pendingId> [reason]\n/pending"

type command struct {
	name string
	args []string
}

// parseCommand splits "/name@botname arg..." into a command. Plain text is
// not a command.
func parseCommand(text string) (command, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return command{}, false
	}
	name := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return command{name: strings.ToLower(name), args: fields[1:]}, true
}

// execute runs cmd for a Telegram user and returns the reply text.
func (b *Bot) execute(userID int64, cmd command) string {
	user := "telegram:" + strconv.FormatInt(userID, 10)
	sec := security.NewContext(user, "", []string{security.PermToolApprove}, security.OriginTelegram, resources.TierSwarm, "telegram:"+cmd.name)

	switch cmd.name {
	case "approve", "reject":
		if len(cmd.args) < 2 {
			return usage
		}
		if !b.validator.ValidatePermissions(sec, []string{security.PermToolApprove}, "approval:respond") {
			return "You may not answer approvals."
		}
		in := approval.RespondToToolApprovalInput{
			ConversationID: cmd.args[0],
			PendingID:      cmd.args[1],
			Approved:       cmd.name == "approve",
			UserID:         user,
		}
		if !in.Approved {
			in.Reason = strings.Join(cmd.args[2:], " ")
		}
		res := b.approvals.RespondToToolApproval(in)
		if !res.Success {
			return "Failed: " + res.Error
		}
		slog.Info("approval answered via telegram", "pending", in.PendingID, "approved", in.Approved, "user", user)
		if in.Approved {
			return fmt.Sprintf("Approved %s.", in.PendingID)
		}
		return fmt.Sprintf("Rejected %s.", in.PendingID)

	case "pending":
		list := b.approvals.List("")
		if len(list) == 0 {
			return "No pending approvals."
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "%d pending approval(s):\n", len(list))
		for _, p := range list {
			fmt.Fprintf(&sb, "\n%s by %s in %s\n/approve %s %s\n", p.ToolName, p.CallerBotID, p.SwarmID, p.ChatID, p.PendingID)
		}
		return sb.String()

	case "start", "help":
		return usage

	default:
		return "Unknown command.\n\n" + usage
	}
}

// formatApprovalEvent renders approval bus events for the chat. Events that
// need no human attention render as "".
func formatApprovalEvent(ev events.Event) string {
	str := func(key string) string {
		s, _ := ev.Data[key].(string)
		return s
	}

	switch ev.Type {
	case events.TypeApprovalRequired:
		var sb strings.Builder
		sb.WriteString("Tool approval required\n\n")
		fmt.Fprintf(&sb, "Tool: %s\nBot: %s\nSwarm: %s\n", str("toolName"), str("callerBotId"), str("swarmId"))
		if args := str("arguments"); args != "" {
			fmt.Fprintf(&sb, "Arguments: %s\n", args)
		}
		if exp := str("expiresAt"); exp != "" {
			fmt.Fprintf(&sb, "Expires: %s\n", exp)
		}
		fmt.Fprintf(&sb, "\n/approve %s %s\n/reject %s %s [reason]", str("chatId"), str("pendingId"), str("chatId"), str("pendingId"))
		return sb.String()
	case events.TypeApprovalTimeout:
		return fmt.Sprintf("Approval %s for %s timed out (%s).", str("pendingId"), str("toolName"), str("reason"))
	default:
		return ""
	}
}
