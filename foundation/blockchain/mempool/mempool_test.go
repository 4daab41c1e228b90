package mempool_test

import (
	"testing"

	"github.com/ardanlabs/blocksync/foundation/blockchain/database"
	"github.com/ardanlabs/blocksync/foundation/blockchain/mempool"
	"github.com/google/go-cmp/cmp"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

func tx(nonce uint64, payload string) database.Tx {
	return database.Tx{Nonce: nonce, Payload: []byte(payload)}
}

func TestCRUD(t *testing.T) {
	type table struct {
		name string
		txs  []database.Tx
		best []uint64
	}

	tt := []table{
		{
			name: "basic",
			txs:  []database.Tx{tx(2, "b"), tx(3, "c"), tx(4, "d"), tx(1, "a")},
			best: []uint64{1, 2, 3, 4},
		},
	}

	t.Log("Given the need to validate mempool api.")
	{
		for testID, tst := range tt {
			t.Logf("\tTest %d:\tWhen handling a set of transaction.", testID)
			{
				f := func(t *testing.T) {
					mp := mempool.New(0)

					for _, tx := range tst.txs {
						if _, ok := mp.Upsert(tx); !ok {
							t.Fatalf("\t%s\tTest %d:\tShould be able to add new transaction: %s", failed, testID, tx)
						}
						t.Logf("\t%s\tTest %d:\tShould be able to add new transaction: %s", success, testID, tx)
					}

					var nonces []uint64
					for _, tx := range mp.Copy() {
						nonces = append(nonces, tx.Nonce)
					}
					if diff := cmp.Diff(tst.best, nonces); diff != "" {
						t.Logf("\t%s\tTest %d:\tdiff (-exp +got):\n%s", failed, testID, diff)
						t.Fatalf("\t%s\tTest %d:\tShould get back the transactions by nonce.", failed, testID)
					}
					t.Logf("\t%s\tTest %d:\tShould get back the transactions by nonce.", success, testID)

					if best := mp.PickBest(2); len(best) != 2 || best[1].Nonce != 2 {
						t.Fatalf("\t%s\tTest %d:\tShould pick the lowest nonces.", failed, testID)
					}
					t.Logf("\t%s\tTest %d:\tShould pick the lowest nonces.", success, testID)

					mp.Delete(mp.Copy()[1])
					if l := len(mp.Copy()); l != 3 {
						t.Fatalf("\t%s\tTest %d:\tShould be able to remove a transaction.", failed, testID)
					}
					t.Logf("\t%s\tTest %d:\tShould be able to remove a transaction.", success, testID)

					mp.Truncate()
					if l := len(mp.Copy()); l != 0 {
						t.Fatalf("\t%s\tTest %d:\tShould be able to truncate mempool.", failed, testID)
					}
					t.Logf("\t%s\tTest %d:\tShould be able to truncate mempool.", success, testID)
				}

				t.Run(tst.name, f)
			}
		}
	}
}

func TestWireTransactions(t *testing.T) {
	t.Log("Given the need to relay transactions from peers.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen the same transactions arrive twice.", testID)
		{
			mp := mempool.New(3)

			added := mp.AddWireTransactions([]database.Tx{tx(1, "a"), tx(2, "b")})
			if len(added) != 2 {
				t.Fatalf("\t%s\tTest %d:\tShould add unknown transactions: got %d.", failed, testID, len(added))
			}
			t.Logf("\t%s\tTest %d:\tShould add unknown transactions.", success, testID)

			added = mp.AddWireTransactions([]database.Tx{tx(2, "b"), tx(3, "c"), tx(4, "d")})
			if len(added) != 1 || added[0].Nonce != 3 {
				t.Fatalf("\t%s\tTest %d:\tShould only return new transactions up to the limit: got %v.", failed, testID, added)
			}
			t.Logf("\t%s\tTest %d:\tShould only return new transactions up to the limit.", success, testID)

			if _, ok := mp.Upsert(tx(9, "z")); ok {
				t.Fatalf("\t%s\tTest %d:\tShould refuse transactions when full.", failed, testID)
			}
			if !mp.Exists(tx(1, "a").Hash()) || mp.Count() != 3 {
				t.Fatalf("\t%s\tTest %d:\tShould keep the pool intact.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould refuse transactions when full.", success, testID)
		}
	}
}
