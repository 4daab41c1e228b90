package logger_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ardanlabs/blocksync/foundation/logger"
	"github.com/stretchr/testify/require"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

func Test_File(t *testing.T) {
	t.Log("Given the need to log into a rotated file.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen a file is configured.", testID)
		{
			path := filepath.Join(t.TempDir(), "node.log")

			log, err := logger.NewWithConfig("NODE", logger.Config{Level: "debug", File: path, MaxSizeMB: 1})
			require.NoError(t, err)

			log.Debugw("startup", "status", "testing")
			log.Sync()

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			require.Contains(t, string(data), `"service":"NODE"`, "\t%s\tTest %d:\tShould write the service.", failed, testID)
			require.Contains(t, string(data), `"status":"testing"`, "\t%s\tTest %d:\tShould write the fields.", failed, testID)
			t.Logf("\t%s\tTest %d:\tShould write JSON lines to the file.", success, testID)
		}

		testID++
		t.Logf("\tTest %d:\tWhen the level is unknown.", testID)
		{
			_, err := logger.NewWithConfig("NODE", logger.Config{Level: "loud"})
			require.Error(t, err, "\t%s\tTest %d:\tShould refuse the level.", failed, testID)
			t.Logf("\t%s\tTest %d:\tShould refuse the level.", success, testID)
		}
	}
}
