package rebalance_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fleetctl/fleetctl/internal/domain/fleeterr"
	"github.com/fleetctl/fleetctl/internal/domain/rebalance"
)

func TestRequestValidate(t *testing.T) {
	assert.NoError(t, rebalance.Request{Threshold: 0, MaxMigrations: 1}.Validate())

	err := rebalance.Request{Threshold: -1, MaxMigrations: 3}.Validate()
	assert.True(t, errors.Is(err, fleeterr.ErrInvalidRequest))

	err = rebalance.Request{Threshold: 10, MaxMigrations: 0}.Validate()
	assert.True(t, errors.Is(err, fleeterr.ErrInvalidRequest))
}

func TestResultSummarize(t *testing.T) {
	empty := rebalance.NewResult(rebalance.Plan{})
	empty.Summarize()
	assert.True(t, empty.Success)
	assert.Equal(t, "fleet already balanced", empty.Message)
	assert.NotNil(t, empty.MigratedAccounts)
	assert.NotNil(t, empty.Planned)

	res := rebalance.NewResult(rebalance.Plan{Moves: []rebalance.Move{{AccountID: "a"}, {AccountID: "b"}}})
	res.MigratedAccounts = append(res.MigratedAccounts, "a")
	res.Fail("b", fleeterr.ErrCommandTimeout)
	res.Summarize()
	assert.True(t, res.Success)
	assert.Equal(t, "migrated 1 accounts, 1 failed", res.Message)
	assert.Equal(t, "command timed out", res.Errors["b"])
}
