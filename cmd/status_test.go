package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-wallet/core/aaengine"
	"github.com/AvaProtocol/ap-wallet/core/testutil"
	"github.com/AvaProtocol/ap-wallet/model"
	"github.com/AvaProtocol/ap-wallet/storage"
)

func TestStatusCommandHelp(t *testing.T) {
	assert.Equal(t, "status", statusCmd.Use)
	assert.Equal(t, "Display system status", statusCmd.Short)
	assert.Contains(t, statusCmd.Long, "Display status information")
	assert.NotNil(t, statusCmd.RunE, "Status command should have a RunE function")
}

func TestRenderStatusEmpty(t *testing.T) {
	db := testutil.TestMustDB()
	defer storage.Destroy(db)

	var buf bytes.Buffer
	require.NoError(t, renderStatus(&buf, db, 30*time.Minute, time.Now()))

	output := buf.String()
	assert.Contains(t, output, "📊 System Status Report")
	assert.Contains(t, output, "Held concurrency flags: 0")
	assert.Contains(t, output, "No timed out operations")
}

func TestRenderStatusShowsStaleFlagsAndTimedOut(t *testing.T) {
	db := testutil.TestMustDB()
	defer storage.Destroy(db)

	now := time.Now()
	flag, err := json.Marshal(&aaengine.GateFlag{OperationID: "01OLD", AcquiredAt: now.Add(-time.Hour).UnixMilli(), UpdatedAt: now.Add(-45 * time.Minute).UnixMilli()})
	require.NoError(t, err)
	require.NoError(t, db.Set(aaengine.GateKey("+14155550100", aaengine.Transfer), flag))

	for _, rec := range []*model.OperationRecord{
		{ID: "01OLD", Network: "polygon", Kind: "transfer", State: string(aaengine.StateTimedOut), UserOpHash: common.HexToHash("0x99")},
		{ID: "01NEW", Network: "polygon", Kind: "mint", State: string(aaengine.StateConfirmed)},
	} {
		data, err := rec.ToJSON()
		require.NoError(t, err)
		require.NoError(t, db.Set([]byte(aaengine.OperationPrefix+rec.ID), data))
	}

	var buf bytes.Buffer
	require.NoError(t, renderStatus(&buf, db, 30*time.Minute, now))

	output := buf.String()
	assert.Contains(t, output, "Held concurrency flags: 1")
	assert.Contains(t, output, "+14155550100:transfer op=01OLD")
	assert.Contains(t, output, "stale")
	assert.Contains(t, output, "Operations: 2")
	assert.Contains(t, output, "1 timed out operations may still land")
	assert.Contains(t, output, "01OLD polygon transfer")
}

func TestPrintResult(t *testing.T) {
	var buf bytes.Buffer
	res := &aaengine.Result{
		OperationID: "01HZX",
		State:       aaengine.StateConfirmed,
		Sender:      testutil.SmartWalletAddress,
		Attempts:    2,
		Receipt:     &aaengine.Receipt{TxHash: common.HexToHash("0xfeed"), Success: true},
	}
	require.NoError(t, printResult(&buf, res, nil))

	var v resultView
	require.NoError(t, json.Unmarshal(buf.Bytes(), &v))
	assert.Equal(t, "confirmed", v.State)
	assert.Equal(t, testutil.SmartWalletAddress.Hex(), v.Sender)
	assert.Empty(t, v.UserOpHash)
	assert.Equal(t, common.HexToHash("0xfeed").Hex(), v.TxHash)

	buf.Reset()
	err := printResult(&buf, nil, errors.New("boom"))
	require.Error(t, err)
	require.NoError(t, json.Unmarshal(buf.Bytes(), &v))
	assert.Equal(t, "boom", v.Error)
}

func TestCommandsAreRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"version", "transfer", "swap", "mint", "reconcile", "daemon", "balance", "status", "backup", "restore", "create-api-key"} {
		assert.True(t, names[want], want)
	}
}
