package protocol

// Room names are namespaced by kind. AIJobsRoom is a fixed broadcast room for
// AI job notifications; everything else derives from a target id.
const AIJobsRoom = "ai-jobs"

func ProjectRoom(projectID string) string { return "project:" + projectID }

func ChannelRoom(channelID string) string { return "channel:" + channelID }

// TaskRoom is the per-project task feed.
func TaskRoom(projectID string) string { return "tasks:" + projectID }

// MessageRoom is the per-channel message feed.
func MessageRoom(channelID string) string { return "messages:" + channelID }

func QueueRoom(queueName string) string { return "queue:" + queueName }
