package ownership

import "fmt"

// Store key layout. All coordinator state lives under the poppo: prefix;
// per-issue and per-process keys embed the identifier.
const (
	keyProcessingSet   = "poppo:issues:processing"
	keyProcessedSet    = "poppo:issues:processed"
	keyActiveProcesses = "poppo:processes:active"
)

func issueStatusKey(issueID int64) string {
	return fmt.Sprintf("poppo:issue:status:%d", issueID)
}

func issueMetadataKey(issueID int64) string {
	return fmt.Sprintf("poppo:issue:metadata:%d", issueID)
}

func issueLockKey(issueID int64) string {
	return fmt.Sprintf("poppo:lock:issue:%d", issueID)
}

func processInfoKey(processID string) string {
	return fmt.Sprintf("poppo:process:info:%s", processID)
}

func processHeartbeatKey(processID string) string {
	return fmt.Sprintf("poppo:process:heartbeat:%s", processID)
}
