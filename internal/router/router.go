// Package router picks turn participants from @mentions in user messages.
package router

import (
	"slices"
	"strings"

	"github.com/mtzanidakis/tierflow/internal/conversation"
	"github.com/mtzanidakis/tierflow/internal/ids"
	"github.com/mtzanidakis/tierflow/internal/swarm"
)

// Mentions addressing the whole team.
var everyone = []string{"swarm", "team", "all"}

// Route reads the leading run of @mentions in message. Mentions of bots on
// the team select those bots; @swarm, @team or @all select the whole team.
// The cleaned message has the recognised mentions removed. An unknown
// mention ends the run and the message is returned unchanged from there.
func Route(team swarm.TeamFormation, message string) ([]ids.BotID, string) {
	members := team.Bots()
	var picked []ids.BotID
	rest := strings.TrimSpace(message)

	for strings.HasPrefix(rest, "@") {
		parts := strings.SplitN(rest, " ", 2)
		name := strings.TrimPrefix(parts[0], "@")

		switch {
		case slices.Contains(everyone, strings.ToLower(name)):
			picked = append(picked, members...)
		case slices.Contains(members, ids.BotID(name)):
			picked = append(picked, ids.BotID(name))
		default:
			return dedupe(picked), rest
		}

		rest = ""
		if len(parts) > 1 {
			rest = strings.TrimSpace(parts[1])
		}
	}
	return dedupe(picked), rest
}

// Select is an engine participant selector. Triggers naming participants
// win, then @mentions in a user message, then the whole team.
func Select(sw *swarm.Swarm, t conversation.Trigger) []ids.BotID {
	if p := conversation.Participants(t); len(p) > 0 {
		return p
	}
	if um, ok := t.(conversation.UserMessage); ok {
		if picked, _ := Route(sw.Team, um.Message.Content); len(picked) > 0 {
			return picked
		}
	}
	return sw.Team.Bots()
}

func dedupe(bots []ids.BotID) []ids.BotID {
	var out []ids.BotID
	for _, b := range bots {
		if !slices.Contains(out, b) {
			out = append(out, b)
		}
	}
	return out
}
