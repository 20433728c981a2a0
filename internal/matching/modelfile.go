package matching

import (
	"context"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/backsim/errs"
	"github.com/coachpo/backsim/internal/schema"
)

// FileModelLoader reads one JSON document per trading day from a directory,
// `<dir>/<date>.json`, mapping symbol id to its depth model:
//
//	{"7": {"pip_depth": [0, 1, 2], "contracts_at_spread": 50, "scaling": [1, 0.8, 0.5]}}
//
// A day without a model file yields no models; the engine then falls back to
// top-of-book fills for that session.
type FileModelLoader struct {
	Dir string
}

// Load implements ModelLoader.
func (l *FileModelLoader) Load(ctx context.Context, day time.Time) (map[int64]*DepthModel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := filepath.Join(l.Dir, schema.DateString(day)+".json")
	// #nosec G304 -- path derives from the operator's model directory.
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[int64]*DepthModel{}, nil
		}
		return nil, errs.New("matching/model", errs.CodeRetryableIO, errs.WithCause(err))
	}
	models := make(map[int64]*DepthModel)
	if err := json.Unmarshal(raw, &models); err != nil {
		return nil, errs.New("matching/model", errs.CodeData, errs.WithCause(err))
	}
	return models, nil
}
