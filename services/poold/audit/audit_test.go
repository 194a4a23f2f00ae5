package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordAndRecent(t *testing.T) {
	recorder, err := Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, recorder.Record(ctx, ActionRecord{
		Caller:  "0x1111111111111111111111111111111111111111",
		Action:  "supply",
		Asset:   "0x2222222222222222222222222222222222222222",
		Amount:  "1000",
		Shares:  "1000",
		Outcome: "ok",
	}))
	require.NoError(t, recorder.Record(ctx, ActionRecord{
		Caller:  "0x1111111111111111111111111111111111111111",
		Action:  "borrow",
		Amount:  "400",
		Outcome: "rejected",
		Detail:  "pool: action would leave health factor below one",
	}))

	records, err := recorder.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "borrow", records[0].Action)
	require.NotEqual(t, records[0].ID, records[1].ID)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn")
	require.Error(t, err)
}
