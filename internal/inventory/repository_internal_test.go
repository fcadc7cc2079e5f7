package inventory

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type scanFunc func(dest ...any) error

func (f scanFunc) Scan(dest ...any) error { return f(dest...) }

func TestScanEntryRejectsCorruptMetadata(t *testing.T) {
	id := uuid.New()
	row := scanFunc(func(dest ...any) error {
		*dest[0].(*uuid.UUID) = id
		*dest[11].(*[]byte) = []byte(`not json`)
		return nil
	})

	_, err := scanEntry(row)
	require.ErrorContains(t, err, "decode metadata of entry "+id.String())
}
