package rediskey

import "fmt"

const (
	LedgerUserPrefix = "ledger:user"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildLedgerChannel returns "ledger:user:{userID}"
func BuildLedgerChannel(userID string) string {
	return NamespaceKey(LedgerUserPrefix, userID)
}
