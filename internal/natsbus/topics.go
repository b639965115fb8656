package natsbus

import "fmt"

// TopicIPC is the request/reply subject tierctl talks to.
func TopicIPC(instance string) string {
	return fmt.Sprintf("host.ipc.%s", instance)
}

// DefaultInstance names the gateway on the IPC subject when none is configured.
const DefaultInstance = "tierflow"

// TopicBotRespond is the request/reply subject a participant answers turns on.
func TopicBotRespond(bot string) string {
	return fmt.Sprintf("bot.%s.respond", bot)
}

// TopicBotTool is the request/reply subject a participant runs its tools on.
func TopicBotTool(bot string) string {
	return fmt.Sprintf("bot.%s.tool", bot)
}
