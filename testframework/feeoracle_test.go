package testframework

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startFeeOracle(t *testing.T) *FeeOracle {
	t.Helper()
	pool := NewPortPool()
	oracle, err := NewFeeOracle(pool)
	require.NoError(t, err)
	require.NoError(t, oracle.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, oracle.Stop(ctx))
		oracle.ReleasePorts(pool)
		assert.Zero(t, pool.Reserved())
	})
	return oracle
}

func TestFeeOracle_ServesTable(t *testing.T) {
	oracle := startFeeOracle(t)
	client := NewFeeOracleClient(0)

	table, err := client.Fetch(context.Background(), oracle.URL(1, 2, 3, 4, 5))
	require.NoError(t, err)

	assert.Equal(t, FeeOracleIndex, table.Index)
	assert.Equal(t, []string{"0.0500", "0.2000", "0.5000", "0.8000", "0.9500"}, table.Columns)
	require.Len(t, table.Data, len(FeeOracleIndex))
	for _, row := range table.Data {
		assert.Equal(t, []float64{1, 2, 3, 4, 5}, row)
	}
	assert.Equal(t, 1, oracle.Requests())
}

func TestFeeOracle_URL(t *testing.T) {
	oracle := &FeeOracle{Port: 1234}
	assert.Equal(t, "http://127.0.0.1:1234?fees=20%2C40%2C60%2C80%2C100", oracle.URL())
	assert.Equal(t, "http://127.0.0.1:1234?fees=1%2C2%2C3%2C4%2C5", oracle.URL(1, 2, 3, 4, 5))
}

func TestFeeOracle_Magnify(t *testing.T) {
	oracle := startFeeOracle(t)
	client := NewFeeOracleClient(0)

	oracle.Magnify(1.5)
	table, err := client.Fetch(context.Background(), oracle.URL())
	require.NoError(t, err)
	assert.Equal(t, []float64{30, 60, 90, 120, 150}, table.Data[0])
}

func TestFeeOracle_ErrorParam(t *testing.T) {
	oracle := startFeeOracle(t)

	res, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d?error=boom", oracle.Port))
	require.NoError(t, err)
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Equal(t, "text/plain", res.Header.Get("Content-Type"))
	assert.Equal(t, "boom", string(body))
}

func TestFeeOracle_SetError(t *testing.T) {
	oracle := startFeeOracle(t)
	client := NewFeeOracleClient(1)

	oracle.SetError(true)
	_, err := client.Fetch(context.Background(), oracle.URL())
	assert.Error(t, err)
	// One initial attempt plus one retry.
	assert.Equal(t, 2, oracle.Requests())

	oracle.SetError(false)
	_, err = client.Fetch(context.Background(), oracle.URL())
	assert.NoError(t, err)
}

func TestFeeOracle_RejectsMalformedFees(t *testing.T) {
	oracle := startFeeOracle(t)

	res, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d?fees=1,2", oracle.Port))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestFeeOracleClient_WaitReady(t *testing.T) {
	oracle := startFeeOracle(t)
	client := NewFeeOracleClient(0)
	assert.NoError(t, client.WaitReady(oracle.URL(), 2*time.Second))

	err := client.WaitReady("http://127.0.0.1:1?fees=1", 200*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSatPerVbyte(t *testing.T) {
	assert.Equal(t, 1.0, SatPerVbyte(0))
	assert.InDelta(t, math.E, SatPerVbyte(100), 1e-9)
}
