package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testMsg string

func (m testMsg) Type() string { return string(m) }

func TestRegistryDeclare(t *testing.T) {
	reg := NewRegistry()
	reg.Register("bank/transfer", DeclarerFunc(func(msg Message, signer string) ([]Operation, error) {
		return []Operation{
			{Resource: ResourceBankBalance, Kind: KindWrite, ID: signer},
		}, nil
	}))

	ops, err := reg.DeclareMessage(testMsg("bank/transfer"), "alice")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "alice", ops[0].ID)
	assert.Equal(t, KindWrite, ops[0].Kind)
}

func TestRegistryFallback(t *testing.T) {
	reg := NewRegistry()
	ops, err := reg.DeclareMessage(testMsg("unregistered"), "alice")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, ResourceAny, ops[0].Resource)
	assert.Equal(t, KindUnknown, ops[0].Kind)
	assert.Equal(t, WildcardID, ops[0].ID)
}

func TestRegistryDoubleRegister(t *testing.T) {
	reg := NewRegistry()
	reg.Register("m", DeclarerFunc(func(Message, string) ([]Operation, error) { return nil, nil }))
	assert.Panics(t, func() {
		reg.Register("m", DeclarerFunc(func(Message, string) ([]Operation, error) { return nil, nil }))
	})
}
