package natsbus

import (
	"encoding/json"
	"time"
)

// Event is the envelope published on events.* subjects and forwarded to
// websocket clients.
type Event struct {
	Type      string         `json:"type"`
	AgentName string         `json:"agent_name"`
	TaskID    string         `json:"task_id,omitempty"`
	TaskType  string         `json:"task_type,omitempty"`
	Status    string         `json:"status"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

const (
	EventTask  = "task"
	EventAgent = "agent"
)

// Publisher is the subset of Client used to emit events.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

// PublishTask emits a task lifecycle event on events.task.<status>.
func PublishTask(p Publisher, agentName, taskID, taskType, status string, data map[string]any) error {
	return p.PublishJSON(TopicEventsTask(status), Event{
		Type:      EventTask,
		AgentName: agentName,
		TaskID:    taskID,
		TaskType:  taskType,
		Status:    status,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

// PublishAgent emits an agent state event on events.agent.<name>.
func PublishAgent(p Publisher, agentName, status string, data map[string]any) error {
	return p.PublishJSON(TopicEventsAgent(agentName), Event{
		Type:      EventAgent,
		AgentName: agentName,
		Status:    status,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(data, &ev)
	return ev, err
}
