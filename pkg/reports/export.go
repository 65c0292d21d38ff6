package reports

import (
	"context"

	"github.com/pkg/errors"

	"github.com/rmax-ai/loadtest/pkg/blob"
)

// Export writes every table as <dir>/<table>.csv and returns the written
// paths in AllTypes order.
func Export(ctx context.Context, s ReportStore, dir string) ([]string, error) {
	sink := blob.NewLocalStore(dir)
	keys, err := ExportTo(ctx, s, sink)
	paths := make([]string, len(keys))
	for i, k := range keys {
		paths[i] = sink.Path(k)
	}
	return paths, err
}

// ExportTo writes every table to sink under the key <table>.csv.
func ExportTo(ctx context.Context, s ReportStore, sink blob.Store) ([]string, error) {
	keys := make([]string, 0, len(AllTypes))
	for _, rt := range AllTypes {
		gen, err := NewReportGenerator(rt, s)
		if err != nil {
			return keys, err
		}
		r, err := gen.Generate(ctx, ReportParams{})
		if err != nil {
			return keys, errors.Wrapf(err, "failed to generate %s", rt)
		}

		key := string(rt) + ".csv"
		if err := sink.Put(ctx, key, r); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}
