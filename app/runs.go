package app

import (
	"fmt"
	"time"

	"github.com/skyhookml/explain/explain"
	"github.com/skyhookml/explain/skyhook"

	"github.com/google/uuid"
)

const (
	StateRunning = "running"
	StateDone    = "done"
	StateError   = "error"
)

const (
	KindFeatureVector = "feature_vector"
	KindSaliencyMap   = "saliency_map"
)

type Run struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	Stage    string `json:"stage"`
	Method   string `json:"method"`
	FPNIndex int    `json:"fpn_index"`
	Created  string `json:"created"`
	State    string `json:"state"`
	Error    string `json:"error"`
	NumItems int    `json:"num_items"`
}

// Record is one stored feature vector or saliency map.
type Record struct {
	RunID string
	Kind  string
	Index int
	Key   string
	Array skyhook.Array
}

const RunQuery = "SELECT id, name, path, stage, method, fpn_index, created, state, error, num_items FROM runs"

func runListHelper(rows *Rows) []*Run {
	runs := []*Run{}
	for rows.Next() {
		var run Run
		rows.Scan(&run.ID, &run.Name, &run.Path, &run.Stage, &run.Method, &run.FPNIndex, &run.Created, &run.State, &run.Error, &run.NumItems)
		runs = append(runs, &run)
	}
	return runs
}

func (db *Database) ListRuns() []*Run {
	rows := db.Query(RunQuery + " ORDER BY created DESC, id")
	return runListHelper(rows)
}

func (db *Database) GetRun(id string) *Run {
	rows := db.Query(RunQuery+" WHERE id = ?", id)
	runs := runListHelper(rows)
	if len(runs) == 1 {
		return runs[0]
	} else {
		return nil
	}
}

// NewRun registers a run in the running state.
func (db *Database) NewRun(name string, path string, cfg explain.ExplainConfig) *Run {
	id := uuid.New().String()
	created := time.Now().UTC().Format(time.RFC3339Nano)
	db.Exec(
		"INSERT INTO runs (id, name, path, stage, method, fpn_index, created, state) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		id, name, path, cfg.Stage, cfg.Method, cfg.FPNIndex, created, StateRunning,
	)
	return db.GetRun(id)
}

// SaveOutputs stores every record of outputs under the run.
func (db *Database) SaveOutputs(runID string, outputs *explain.Outputs) error {
	if len(outputs.FeatureVectors) > len(outputs.Keys) || len(outputs.SaliencyMaps) > len(outputs.Keys) {
		return fmt.Errorf("outputs have more records than keys (%d feature vectors, %d saliency maps, %d keys)",
			len(outputs.FeatureVectors), len(outputs.SaliencyMaps), len(outputs.Keys))
	}
	db.Transaction(func(tx Tx) {
		insert := func(kind string, records []skyhook.Array) {
			for idx, arr := range records {
				tx.Exec(
					"INSERT OR REPLACE INTO records (run_id, kind, idx, k, type, shape, data) VALUES (?, ?, ?, ?, ?, ?, ?)",
					runID, kind, idx, outputs.Keys[idx], string(arr.Type), string(skyhook.JsonMarshal(arr.Shape)), arr.Encode(),
				)
			}
		}
		insert(KindFeatureVector, outputs.FeatureVectors)
		insert(KindSaliencyMap, outputs.SaliencyMaps)
		tx.Exec("UPDATE runs SET num_items = ? WHERE id = ?", len(outputs.SaliencyMaps), runID)
	})
	return nil
}

// SetDone marks the run finished, failed if err is set.
func (db *Database) SetDone(runID string, err error) {
	if err != nil {
		db.Exec("UPDATE runs SET state = ?, error = ? WHERE id = ?", StateError, err.Error(), runID)
	} else {
		db.Exec("UPDATE runs SET state = ? WHERE id = ?", StateDone, runID)
	}
}

func (db *Database) GetRecord(runID string, kind string, idx int) (*Record, error) {
	rec := &Record{RunID: runID, Kind: kind, Index: idx}
	var t, shapeRaw string
	var data []byte
	found := db.QueryRow(
		"SELECT k, type, shape, data FROM records WHERE run_id = ? AND kind = ? AND idx = ?",
		runID, kind, idx,
	).Scan(&rec.Key, &t, &shapeRaw, &data)
	if !found {
		return nil, nil
	}
	var shape []int
	skyhook.JsonUnmarshal([]byte(shapeRaw), &shape)
	arr, err := skyhook.DecodeArray(skyhook.ArrayType(t), shape, data)
	if err != nil {
		return nil, fmt.Errorf("decode record %s/%s/%d: %w", runID, kind, idx, err)
	}
	rec.Array = arr
	return rec, nil
}
