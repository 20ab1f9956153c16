package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicEventsTask(status string) string {
	return fmt.Sprintf("events.task.%s", status)
}

func TopicEventsAgent(agentName string) string {
	return fmt.Sprintf("events.agent.%s", agentName)
}

const (
	TopicEventsAll    = "events.>"
	TopicEventsTasks  = "events.task.*"
	TopicEventsAgents = "events.agent.*"
)
