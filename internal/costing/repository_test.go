package costing

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type scanFunc func(dest ...any) error

func (f scanFunc) Scan(dest ...any) error { return f(dest...) }

func TestScanLayerRejectsCorruptMetadata(t *testing.T) {
	id := uuid.New()
	row := scanFunc(func(dest ...any) error {
		*dest[0].(*uuid.UUID) = id
		*dest[13].(*[]byte) = []byte(`{"seed":`)
		return nil
	})

	_, err := scanLayer(row)
	require.ErrorContains(t, err, "decode metadata of layer "+id.String())
}

func TestScanLayerDecodesMetadata(t *testing.T) {
	row := scanFunc(func(dest ...any) error {
		*dest[13].(*[]byte) = []byte(`{"seed":true}`)
		return nil
	})

	layer, err := scanLayer(row)
	require.NoError(t, err)
	require.Equal(t, true, layer.Metadata["seed"])
}
