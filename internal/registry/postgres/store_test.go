package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnivault-network/coordinator/internal/registry"
)

// openTestStore connects to the database named by COORDINATOR_TEST_DB_DSN and
// starts from a clean schema. The test is skipped when no database is
// available.
func openTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("COORDINATOR_TEST_DB_DSN")
	if dsn == "" {
		t.Skip("COORDINATOR_TEST_DB_DSN not set")
	}

	ctx := context.Background()
	store, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = store.db.ExecContext(ctx, `DROP TABLE IF EXISTS registry_residues, registry_attestations, registry_payloads`)
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(ctx))
	return store
}

func TestPostgresPayloadLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	header := uint256.NewInt(12345)
	id, err := store.AppendPayload(ctx, header, []byte("body"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	rec, err := store.GetPayload(ctx, id)
	require.NoError(t, err)
	assert.True(t, rec.Header.Eq(header))
	assert.Equal(t, []byte("body"), rec.Body)
	assert.Equal(t, registry.StatePending, rec.State)

	require.NoError(t, store.ReplaceBody(ctx, id, []byte("amended"), registry.StateUpdated))
	rec, err = store.GetPayload(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("amended"), rec.Body)
	assert.Equal(t, registry.StateUpdated, rec.State)

	require.NoError(t, store.SetState(ctx, id, registry.StateProcessed))
	rec, err = store.GetPayload(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, registry.StateProcessed, rec.State)

	count, err := store.PayloadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)

	_, err = store.GetPayload(ctx, 99)
	assert.ErrorIs(t, err, registry.ErrInvalidPayloadID)
}

func TestPostgresAttestations(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	oldHash := common.HexToHash("0x01")
	newHash := common.HexToHash("0x02")

	for want := uint64(1); want <= 3; want++ {
		count, err := store.RecordAttestation(ctx, oldHash)
		require.NoError(t, err)
		assert.Equal(t, want, count)
	}

	require.NoError(t, store.MoveAttestations(ctx, oldHash, newHash))

	count, err := store.AttestationCount(ctx, oldHash)
	require.NoError(t, err)
	assert.Zero(t, count)

	count, err = store.AttestationCount(ctx, newHash)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)
}

func TestPostgresResidue(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	positions := []*uint256.Int{uint256.NewInt(10), uint256.NewInt(20)}
	require.NoError(t, store.PutResidue(ctx, 1, positions))

	got, err := store.Residue(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Eq(positions[0]))
	assert.True(t, got[1].Eq(positions[1]))

	taken, err := store.TakeResidue(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, taken, 2)

	got, err = store.Residue(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, got)
}
