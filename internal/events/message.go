// Package events implements the real-time pub/sub hub that pushes
// orchestration events to connected admin clients over WebSocket. It exposes
// a topic-based broadcast API consumed by the queue, registry, scheduler and
// dispatcher.
//
// Topic naming convention:
//
//	job:<uuid>    lifecycle and progress updates for a specific job
//	robot:<uuid>  status and metrics transitions for a specific robot
//	events:all    firehose of every published event
package events

// TopicAll receives every published event regardless of its primary topic.
const TopicAll = "events:all"

// MessageType identifies the kind of event carried by a Message.
// Admin clients use this field to route the payload.
type MessageType string

const (
	// MsgJobStatus is sent when a job transitions between states
	// (pending → claimed → running → completed | failed | cancelled | timeout).
	MsgJobStatus MessageType = "job.status"

	// MsgJobProgress is sent on each accepted progress update with the
	// percentage and current workflow node.
	MsgJobProgress MessageType = "job.progress"

	// MsgJobLog is sent for each streamed robot log line tied to a job.
	MsgJobLog MessageType = "job.log"

	// MsgRobotStatus is sent when a robot connects, disconnects, drains, or
	// is marked offline by the heartbeat sweep.
	MsgRobotStatus MessageType = "robot.status"

	// MsgRobotMetrics is sent on every robot heartbeat with the latest host
	// resource snapshot, published on the robot:<uuid> topic so detail views
	// can render live gauges without polling.
	MsgRobotMetrics MessageType = "robot.metrics"

	// MsgScheduleFired is sent when the scheduler materializes a job from a
	// cron schedule.
	MsgScheduleFired MessageType = "schedule.fired"

	// MsgDLQ is sent when a job is parked in the dead letter queue.
	MsgDLQ MessageType = "dlq.entry"

	// MsgPing keeps the connection alive and lets clients detect staleness.
	MsgPing MessageType = "ping"
)

// Message is the envelope for every WebSocket frame sent to clients.
//
// JSON example:
//
//	{"type":"job.status","topic":"job:018f...","payload":{"status":"running"}}
type Message struct {
	// Type identifies the kind of event so the client can route it.
	Type MessageType `json:"type"`

	// Topic is the pub/sub channel this message was published on.
	Topic string `json:"topic"`

	// Payload carries the event-specific data. The shape varies by Type:
	//   - job.status:     {"job_id":"...","status":"running","robot_id":"..."}
	//   - job.progress:   {"job_id":"...","progress":42,"current_node":"..."}
	//   - robot.status:   {"robot_id":"...","status":"online"}
	//   - robot.metrics:  {"cpu_percent":12.5,"mem_percent":60.1}
	//   - schedule.fired: {"schedule_id":"...","job_id":"..."}
	//   - dlq.entry:      {"job_id":"...","error_code":"..."}
	Payload any `json:"payload"`
}
