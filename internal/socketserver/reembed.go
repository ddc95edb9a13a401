package socketserver

import (
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// reembedTable implements the process_codebase / process_memories /
// process_code_definitions wire operations: scan
// "<table>:text:<id>" rows that have no matching "<table>:embedding:<id>"
// row yet, embed them in batches, and write the results back. It follows
// the same prefix-scan-then-transactional-write shape as the overflow
// queue's Dequeue (internal/overflow/overflow.go).
func reembedTable(db *badger.DB, table string, limit, batchSize int, encode func([]string) ([][]float32, error)) (int, error) {
	if batchSize <= 0 {
		batchSize = 8
	}

	type pendingRow struct {
		id   string
		text string
	}
	var todo []pendingRow

	textPrefix := []byte(table + ":text:")
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = textPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(textPrefix); it.ValidForPrefix(textPrefix); it.Next() {
			item := it.Item()
			id := string(item.Key()[len(textPrefix):])

			if _, err := txn.Get([]byte(table + ":embedding:" + id)); err == nil {
				continue // already embedded
			}

			var text string
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &text)
			}); err != nil {
				continue
			}
			todo = append(todo, pendingRow{id: id, text: text})
			if limit > 0 && len(todo) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reembed %s: scan: %w", table, err)
	}

	count := 0
	for i := 0; i < len(todo); i += batchSize {
		end := i + batchSize
		if end > len(todo) {
			end = len(todo)
		}
		chunk := todo[i:end]

		texts := make([]string, len(chunk))
		for j, row := range chunk {
			texts[j] = row.text
		}
		vecs, err := encode(texts)
		if err != nil {
			return count, fmt.Errorf("reembed %s: encode: %w", table, err)
		}

		err = db.Update(func(txn *badger.Txn) error {
			for j, row := range chunk {
				data, err := json.Marshal(vecs[j])
				if err != nil {
					return err
				}
				if err := txn.Set([]byte(table+":embedding:"+row.id), data); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return count, fmt.Errorf("reembed %s: write batch: %w", table, err)
		}
		count += len(chunk)
	}

	return count, nil
}
