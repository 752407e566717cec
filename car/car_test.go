package car_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wrenfeed/pds/atdata"
	"github.com/wrenfeed/pds/car"
)

func TestWriteReadRoundTrip(t *testing.T) {
	b1, err := atdata.NewBlock("first")
	require.NoError(t, err)
	b2, err := atdata.NewBlock("second")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, car.Write(&buf, b1.CID, []atdata.Block{b1, b2}))

	root, blocks, err := car.Read(&buf)
	require.NoError(t, err)
	require.Equal(t, b1.CID, root)
	require.Len(t, blocks, 2)
	require.Equal(t, b1.CID, blocks[0].CID)
	require.Equal(t, b1.Bytes, blocks[0].Bytes)
	require.Equal(t, b2.CID, blocks[1].CID)
	require.Equal(t, b2.Bytes, blocks[1].Bytes)
}

func TestReadWithNoBlocks(t *testing.T) {
	b1, err := atdata.NewBlock("only the root")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, car.Write(&buf, b1.CID, nil))

	root, blocks, err := car.Read(&buf)
	require.NoError(t, err)
	require.Equal(t, b1.CID, root)
	require.Len(t, blocks, 0)
}

func TestReadRejectsTruncatedArchive(t *testing.T) {
	b1, err := atdata.NewBlock("value")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, car.Write(&buf, b1.CID, []atdata.Block{b1}))

	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-1])
	_, _, err = car.Read(truncated)
	require.Error(t, err)
}
