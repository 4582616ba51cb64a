package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "inventory"
)

// Ключи маркеров исполнения: {prefix}{request_id}
const (
	RedisKeyLockApprovalsExec = RedisNamespace + ":approvals:execution:"
)

// ExecutionMarkerKey ключ маркера "исполнение уже запускалось" для заявки
func ExecutionMarkerKey(requestID string) string {
	return RedisKeyLockApprovalsExec + requestID
}
