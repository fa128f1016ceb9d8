package rediskey

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildLedgerChannel(t *testing.T) {
	require.Equal(t, "ledger:user:u1", BuildLedgerChannel("u1"))
	require.Equal(t, "orders:42", NamespaceKey("orders", "42"))
}
