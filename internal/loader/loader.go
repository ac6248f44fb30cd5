// Package loader turns tensor files into pooled device arrays: it locates
// every tensor, decodes the payloads in parallel and registers the results
// in a device.Pool. A failed load leaves nothing behind.
package loader

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/metrics"
	"github.com/samcharles93/strata/internal/safetensors"
	"github.com/samcharles93/strata/pkg/quant"
)

// Options configures Load. The zero value loads onto the CPU with one
// worker per GOMAXPROCS and no budget.
type Options struct {
	Device   device.Device
	Workers  int
	Budget   int64
	PoolName string
	Heap     device.Heap
	Logger   logger.Logger
}

// Load reads every tensor under path into a new pool.
func Load(ctx context.Context, path string, opts Options) (*Model, error) {
	log := opts.Logger
	if log == nil {
		log = logger.FromContext(ctx)
	}
	log = log.With("model", path)
	start := time.Now()

	m, err := load(ctx, path, opts, log)
	if err != nil {
		metrics.RecordLoadFailure(errorKind(err))
		log.Error("model load failed", "error", err)
		return nil, err
	}
	took := time.Since(start)
	metrics.RecordLoad(took)
	log.Info("model loaded",
		"tensors", len(m.names),
		"device", m.pool.Device(),
		"bytes", m.pool.MemoryUsage(),
		"took", took,
	)
	return m, nil
}

func load(ctx context.Context, path string, opts Options, log logger.Logger) (*Model, error) {
	descs, err := safetensors.Locate(path)
	if err != nil {
		return nil, locateError(path, err)
	}

	files := safetensors.Shards(descs)
	shards := make(map[string]*shard, len(files))
	defer func() {
		for _, s := range shards {
			_ = s.close()
		}
	}()
	for _, f := range files {
		s, err := openShard(f)
		if err != nil {
			return nil, &LoadError{Shard: f, Err: err}
		}
		shards[f] = s
		log.Debug("shard opened", "shard", f, "mmap", s.mapped())
	}

	name := opts.PoolName
	if name == "" {
		name = "weights"
	}
	poolOpts := []device.Option{device.WithName(name), device.WithBudget(opts.Budget), device.WithLogger(log)}
	if opts.Heap != nil {
		poolOpts = append(poolOpts, device.WithHeap(opts.Heap))
	}
	pool := device.NewPool(opts.Device, poolOpts...)

	names := safetensors.SortedNames(descs)
	handles := make([]device.Handle, len(names))

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, tensor := range names {
		if gctx.Err() != nil {
			break
		}
		d := descs[tensor]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return &LoadError{Tensor: tensor, Shard: d.Location.File, Err: err}
			}
			h, err := loadTensor(pool, shards, descs, d)
			if err != nil {
				return &LoadError{Tensor: tensor, Shard: d.Location.File, Err: err}
			}
			handles[i] = h
			metrics.RecordTensorLoaded(d.Scheme.String())
			log.Debug("tensor loaded", "tensor", tensor, "scheme", d.Scheme, "shape", d.Shape)
			return nil
		})
	}
	err = g.Wait()
	if err == nil && ctx.Err() != nil {
		err = &LoadError{Shard: path, Err: ctx.Err()}
	}
	if err != nil {
		if cerr := pool.Clear(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return nil, err
	}

	byName := make(map[string]device.Handle, len(names))
	for i, n := range names {
		byName[n] = handles[i]
	}
	return &Model{path: path, pool: pool, names: names, handles: byName, descs: descs}, nil
}

func loadTensor(pool *device.Pool, shards map[string]*shard, descs map[string]safetensors.Descriptor, d safetensors.Descriptor) (device.Handle, error) {
	raw, err := shards[d.Location.File].payload(d.Location)
	if err != nil {
		return device.Handle{}, err
	}
	var p quant.Params
	if d.ScaleName != "" {
		if p.Scale, err = readScale(shards, descs[d.ScaleName]); err != nil {
			return device.Handle{}, fmt.Errorf("scale %q: %w", d.ScaleName, err)
		}
	}
	values, err := quant.Dequantize(d.Scheme, raw, p)
	if err != nil {
		return device.Handle{}, err
	}
	return pool.Adopt(values, device.Shape(d.Shape))
}

func readScale(shards map[string]*shard, d safetensors.Descriptor) (float32, error) {
	raw, err := shards[d.Location.File].payload(d.Location)
	if err != nil {
		return 0, err
	}
	v, err := quant.Dequantize(d.Scheme, raw, quant.Params{})
	if err != nil {
		return 0, err
	}
	if len(v) != 1 {
		return 0, fmt.Errorf("expected one value, got %d", len(v))
	}
	return v[0], nil
}
