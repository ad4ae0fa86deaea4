package taskstore

import "encoding/binary"

// hostFPKey is the uniqueness index key for live (non-terminal) rows:
// host_id|fingerprint → task_id.
func hostFPKey(hostID, fingerprint string) []byte {
	return []byte(hostID + "|" + fingerprint)
}

// dueKey orders tasks_by_due by (priority asc, scheduled_at asc, task_id)
// so a forward cursor scan yields fetch_due's required ordering directly.
// priority occupies one byte (1..10 fits), scheduled_at is a big-endian
// unix-nano so byte-order comparison matches numeric order.
func dueKey(priority int, scheduledAtUnixNano int64, taskID string) []byte {
	key := make([]byte, 1+8+len(taskID))
	key[0] = byte(priority)
	binary.BigEndian.PutUint64(key[1:9], uint64(scheduledAtUnixNano))
	copy(key[9:], taskID)
	return key
}

// dueKeyScheduledAt extracts the scheduled_at unix-nano encoded in a
// tasks_by_due key.
func dueKeyScheduledAt(key []byte) int64 {
	if len(key) < 9 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(key[1:9]))
}
