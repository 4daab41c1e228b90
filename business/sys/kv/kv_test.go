package kv_test

import (
	"path/filepath"
	"testing"

	"github.com/ardanlabs/blocksync/business/sys/kv"
	"github.com/stretchr/testify/require"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

func Test_Open(t *testing.T) {
	t.Log("Given the need to open the configured backend.")
	{
		for testID, backend := range []string{kv.LevelDB, kv.Bolt, kv.Disk, kv.Memory} {
			t.Logf("\tTest %d:\tWhen opening the %s backend.", testID, backend)
			{
				db, err := kv.Open(backend, filepath.Join(t.TempDir(), "chain"))
				require.NoError(t, err, "\t%s\tTest %d:\tShould open the backend.", failed, testID)

				require.NoError(t, db.Put([]byte("k"), []byte("v")))
				v, err := db.Get([]byte("k"))
				require.NoError(t, err)
				require.Equal(t, []byte("v"), v, "\t%s\tTest %d:\tShould read back the value.", failed, testID)

				require.NoError(t, db.Close())
				t.Logf("\t%s\tTest %d:\tShould store values in %s.", success, testID, backend)
			}
		}

		t.Log("\tTest 4:\tWhen the backend is unknown.")
		{
			_, err := kv.Open("rocks", t.TempDir())
			require.Error(t, err, "\t%s\tTest 4:\tShould refuse the backend.", failed)
			t.Logf("\t%s\tTest 4:\tShould refuse the backend.", success)
		}
	}
}
