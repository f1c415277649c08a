package lift

import (
	"os"
	"sort"

	"github.com/google/uuid"
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zboralski/liftbridge/internal/arch"
	"github.com/zboralski/liftbridge/internal/cache"
	glog "github.com/zboralski/liftbridge/internal/log"
	"github.com/zboralski/liftbridge/internal/memory"
)

// Worker is one lifting job: a batch of traces inside one mapped region,
// lifted into a private module.
type Worker struct {
	ID     uuid.UUID
	Traces []uint64
	Module *ir.Module
	Lifted map[uint64]*ir.Func
	Failed []uint64
	Stats  OptimizeStats
	Path   string
}

// Pool lifts batches of traces concurrently and writes one cache file per
// batch into Dir.
type Pool struct {
	Arch  arch.Arch
	Space *memory.AddressSpace
	Dir   string
	Guide OptimizationGuide

	// Concurrency limits the number of batches lifted at once; 0 runs
	// every batch on its own goroutine.
	Concurrency int

	// CacheSize is the per-worker decode cache size.
	CacheSize int

	Log *glog.Logger
}

// NewPool returns a pool configured for prelifting.
func NewPool(a arch.Arch, space *memory.AddressSpace, dir string) *Pool {
	return &Pool{
		Arch:      a,
		Space:     space,
		Dir:       dir,
		Guide:     PreliftGuide,
		CacheSize: arch.DefaultCacheSize,
		Log:       glog.Get(),
	}
}

// Run lifts every non-empty batch and waits for all of them. Cache files
// left in Dir by earlier runs are removed first. Workers are returned in
// batch order. Run fails only if a cache file cannot be written or
// cleared; traces that fail to lift are recorded on their worker.
func (p *Pool) Run(batches [][]uint64) ([]*Worker, error) {
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create prelift dir")
	}
	stale, err := cache.Clear(p.Dir)
	if err != nil {
		return nil, err
	}
	if stale > 0 {
		p.logger().Debug("removed stale cache files", zap.Int("files", stale))
	}

	var workers []*Worker
	for _, batch := range batches {
		if len(batch) == 0 {
			continue
		}
		traces := append([]uint64(nil), batch...)
		sort.Slice(traces, func(i, j int) bool { return traces[i] < traces[j] })
		workers = append(workers, &Worker{
			ID:     uuid.New(),
			Traces: traces,
			Lifted: make(map[uint64]*ir.Func, len(traces)),
			Path:   cache.Path(p.Dir, traces[0], traces[len(traces)-1]),
		})
	}

	var g errgroup.Group
	if p.Concurrency > 0 {
		g.SetLimit(p.Concurrency)
	}
	for _, w := range workers {
		g.Go(func() error {
			return p.lift(w)
		})
	}
	if err := g.Wait(); err != nil {
		return workers, err
	}
	return workers, nil
}

func (p *Pool) logger() *glog.Logger {
	if p.Log == nil {
		return glog.Get()
	}
	return p.Log
}

func (p *Pool) lift(w *Worker) error {
	logger := p.logger()
	job := w.ID.String()
	logger.Batch(job, w.Traces[0], w.Traces[len(w.Traces)-1], len(w.Traces))

	size := p.CacheSize
	if size <= 0 {
		size = arch.DefaultCacheSize
	}
	decoder, err := arch.NewCached(p.Arch, size)
	if err != nil {
		return errors.Wrap(err, "decode cache")
	}

	w.Module = ir.NewModule()
	w.Module.SourceFilename = cache.Name(w.Traces[0], w.Traces[len(w.Traces)-1])

	heads := make(map[uint64]bool, len(w.Traces))
	for _, pc := range w.Traces {
		heads[pc] = true
	}
	lifter := NewTraceLifter(decoder, p.Space, w.Module, heads)
	lifter.Log = logger

	for _, pc := range w.Traces {
		fn, err := lifter.Lift(pc)
		if err != nil {
			logger.Debug("trace not lifted", zap.String("job", job), zap.Error(err))
			w.Failed = append(w.Failed, pc)
			continue
		}
		fn.Linkage = enum.LinkageExternal
		w.Lifted[pc] = fn
	}

	w.Stats, err = Optimize(w.Module, w.Lifted, p.Guide)
	if err != nil {
		return errors.Wrapf(err, "optimize %s", w.Module.SourceFilename)
	}
	if err := cache.Store(w.Module, w.Path); err != nil {
		return err
	}

	hits, misses := decoder.Stats()
	logger.Lifted(job, w.Path, len(w.Lifted), len(w.Failed))
	logger.Debug("decode cache", zap.String("job", job), zap.Int("hits", hits), zap.Int("misses", misses),
		zap.Int("dead_stores", w.Stats.DeadStores))
	return nil
}
