package socketserver

import (
	"fmt"
	"time"

	"github.com/orneryd/specmemd/internal/cache"
	"github.com/orneryd/specmemd/internal/dims"
	"github.com/orneryd/specmemd/internal/lifecycle"
	"github.com/orneryd/specmemd/internal/wire"
)

// dispatch routes a resolved request to its handler and always returns a
// value wire.Encode can marshal — either a success payload or an
// ErrorResponse.
func (s *Server) dispatch(req *wire.Request, kind wire.Kind) interface{} {
	switch kind {
	case wire.KindEmbed, wire.KindBatchEmbed:
		return s.dispatchEmbed(req, kind)
	case wire.KindHealth:
		return s.dispatchHealth()
	case wire.KindReady:
		return s.dispatchReady()
	case wire.KindGetDimension:
		return s.dispatchGetDimension()
	case wire.KindSetDimension:
		return s.dispatchSetDimension(req)
	case wire.KindRefreshDimension:
		return s.dispatchRefreshDimension(req)
	case wire.KindKYS:
		return s.dispatchKYS(req)
	case wire.KindProcessCodebase:
		return s.dispatchReembed(req, "codebase_files")
	case wire.KindProcessMemories:
		return s.dispatchReembed(req, "memories")
	case wire.KindProcessCodeDefs:
		return s.dispatchReembed(req, "code_definitions")
	default:
		s.counters.errors.Add(1)
		return wire.ErrorResponse{Error: "unrecognized request", RequestID: req.RequestID}
	}
}

// dispatchEmbed admits the request through the configured admission-control
// strategy (throttler or FIFO+ACK), then processes it.
func (s *Server) dispatchEmbed(req *wire.Request, kind wire.Kind) interface{} {
	start := time.Now()
	defer func() { s.counters.recordLatency(time.Since(start)) }()

	priority, err := req.ResolvedPriority(kind == wire.KindBatchEmbed)
	if err != nil {
		s.counters.errors.Add(1)
		return wire.ErrorResponse{Error: err.Error(), RequestID: req.RequestID}
	}
	// Write the applied default back so responses echo the effective
	// priority, not the raw (possibly empty) wire field.
	req.Priority = string(priority)

	if s.deps.FIFO != nil {
		return s.dispatchEmbedFIFO(req, kind, priority)
	}

	if s.deps.Throttler != nil {
		isBatch := kind == wire.KindBatchEmbed
		s.deps.Throttler.Acquire(priority, isBatch, len(req.Texts))
	}

	resp, err := s.processEmbedKind(req, kind)
	if err != nil {
		s.counters.errors.Add(1)
		return wire.ErrorResponse{Error: err.Error(), RequestID: req.RequestID}
	}
	return resp
}

func (s *Server) dispatchEmbedFIFO(req *wire.Request, kind wire.Kind, priority wire.Priority) interface{} {
	cpuPct := 0.0
	if s.deps.CPU != nil {
		cpuPct = s.deps.CPU.Instant()
	}

	job := &fifoJob{req: req, kind: kind, done: make(chan fifoResult, 1)}
	item, err := s.deps.FIFO.Enqueue(priority, job, cpuPct, s.deps.Overflow)
	if err != nil {
		s.counters.errors.Add(1)
		return wire.ErrorResponse{Error: err.Error(), RequestID: req.RequestID}
	}
	if item == nil {
		// Spilled to the durable overflow queue: the caller must poll or
		// re-request later rather than block this connection indefinitely.
		return wire.ProcessingResponse{Status: "queued", RequestID: req.RequestID}
	}

	select {
	case result := <-job.done:
		if result.err != nil {
			s.counters.errors.Add(1)
			return wire.ErrorResponse{Error: result.err.Error(), RequestID: req.RequestID}
		}
		return result.resp
	case <-s.stopCh:
		return wire.ErrorResponse{Error: "server shutting down", RequestID: req.RequestID}
	}
}

// processEmbedKind runs the actual embedding dataflow: cache lookup,
// encode on miss, dimension adapt, cache put.
func (s *Server) processEmbedKind(req *wire.Request, kind wire.Kind) (interface{}, error) {
	if kind == wire.KindBatchEmbed {
		return s.processBatchEmbed(req)
	}
	return s.processSingleEmbed(req)
}

func (s *Server) processSingleEmbed(req *wire.Request) (interface{}, error) {
	vec, dimensions, targetDims, err := s.embedOne(req.Text, req.ForceDims)
	if err != nil {
		return nil, err
	}
	s.counters.embeds.Add(1)
	return wire.EmbedResponse{
		Embedding:  vec,
		Dimensions: dimensions,
		TargetDims: targetDims,
		Priority:   req.Priority,
		RequestID:  req.RequestID,
	}, nil
}

func (s *Server) processBatchEmbed(req *wire.Request) (interface{}, error) {
	embeddings := make([][]float32, len(req.Texts))
	var dimensions, targetDims int
	for i, text := range req.Texts {
		vec, d, td, err := s.embedOne(text, req.ForceDims)
		if err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
		embeddings[i] = vec
		dimensions, targetDims = d, td
	}
	s.counters.batchEmbeds.Add(1)
	return wire.BatchEmbedResponse{
		Embeddings: embeddings,
		Dimensions: dimensions,
		Count:      len(embeddings),
		TargetDims: targetDims,
		Priority:   req.Priority,
		RequestID:  req.RequestID,
	}, nil
}

// embedOne runs the single-text dataflow and returns (vector, len(vector),
// the effective target dims at the time of the call: the set_dimension
// override if one is set, else the oracle's value). forceDims, if
// positive, overrides the cache key and adaptation target for this request
// only — it never changes what get_dimension subsequently reports.
func (s *Server) embedOne(text string, forceDims int) ([]float32, int, int, error) {
	oracleTarget := s.resolveTargetDims()
	target := oracleTarget
	if forceDims > 0 {
		target = forceDims
	}

	if s.deps.Cache != nil && cache.ShouldCache(text, target) {
		key := cache.Key(text, target)
		if vec, ok := s.deps.Cache.Get(key, target); ok {
			return vec, len(vec), oracleTarget, nil
		}
	}

	encoder, err := s.encoderFor()
	if err != nil {
		return nil, 0, oracleTarget, err
	}

	native, err := encoder.Encode(text)
	if err != nil {
		return nil, 0, oracleTarget, fmt.Errorf("encode: %w", err)
	}

	out, counter := dims.Adapt(s.deps.Dims, native, target, text)
	switch counter {
	case dims.CounterCompression:
		s.counters.compressions.Add(1)
	case dims.CounterExpansion:
		s.counters.expansions.Add(1)
	default:
		s.counters.nativeHits.Add(1)
	}

	if s.deps.Cache != nil && cache.ShouldCache(text, target) {
		key := cache.Key(text, target)
		s.deps.Cache.Put(key, target, out)
	}

	return out, len(out), oracleTarget, nil
}

func (s *Server) encoderFor() (encoderHandle, error) {
	if s.deps.Lifecycle == nil {
		return nil, fmt.Errorf("no encoder configured")
	}
	h, err := s.deps.Lifecycle.Encoder()
	if err != nil {
		return nil, err
	}
	e, ok := h.(encoderHandle)
	if !ok {
		return nil, fmt.Errorf("encoder does not support Encode/EncodeBatch")
	}
	return e, nil
}

// resolveTargetDims applies a manual set_dimension override (in-memory
// only) ahead of the oracle's declared value.
func (s *Server) resolveTargetDims() int {
	s.overrideMu.Lock()
	if s.overrideSet {
		d := s.overrideDim
		s.overrideMu.Unlock()
		return d
	}
	s.overrideMu.Unlock()

	if s.deps.Oracle != nil {
		return s.deps.Oracle.Snapshot().TargetDims
	}
	return 0
}

func (s *Server) dispatchGetDimension() interface{} {
	native := 0
	if s.deps.Oracle != nil {
		native = s.deps.Oracle.Snapshot().NativeDims
	}
	return wire.DimensionResponse{Native: native, Target: s.resolveTargetDims()}
}

func (s *Server) dispatchSetDimension(req *wire.Request) interface{} {
	if req.Dimension <= 0 {
		s.counters.errors.Add(1)
		return wire.ErrorResponse{Error: "dimension must be positive", RequestID: req.RequestID}
	}
	s.overrideMu.Lock()
	s.overrideSet = true
	s.overrideDim = req.Dimension
	s.overrideMu.Unlock()
	return s.dispatchGetDimension()
}

func (s *Server) dispatchRefreshDimension(req *wire.Request) interface{} {
	if s.deps.Oracle == nil {
		return wire.ErrorResponse{Error: "no dimension oracle configured", RequestID: req.RequestID}
	}
	if err := s.deps.Oracle.RefreshNow(); err != nil {
		s.counters.errors.Add(1)
		return wire.ErrorResponse{Error: err.Error(), RequestID: req.RequestID}
	}
	return s.dispatchGetDimension()
}

func (s *Server) dispatchKYS(req *wire.Request) interface{} {
	if s.deps.Lifecycle != nil {
		s.deps.Lifecycle.RecordKYS()
	}
	return wire.ProcessingResponse{Status: "ack", RequestID: req.RequestID}
}

func (s *Server) dispatchReady() interface{} {
	loaded := s.deps.Lifecycle != nil && s.deps.Lifecycle.State() == lifecycle.StateHealthy
	healthy := s.deps.Lifecycle != nil && s.deps.Lifecycle.Healthy()
	status := "unloaded"
	if loaded {
		status = "ready"
	}
	return wire.ReadyResponse{
		Ready:        loaded && healthy,
		ModelLoaded:  loaded,
		ModelHealthy: healthy,
		Status:       status,
	}
}

func (s *Server) dispatchHealth() interface{} {
	loaded := s.deps.Lifecycle != nil && s.deps.Lifecycle.State() == lifecycle.StateHealthy
	healthy := s.deps.Lifecycle != nil && s.deps.Lifecycle.Healthy()

	native, target := 0, 0
	if s.deps.Oracle != nil {
		snap := s.deps.Oracle.Snapshot()
		native, target = snap.NativeDims, snap.TargetDims
	}

	capabilities := []string{"embed", "batch_embed", "dimension_adapt", "disk_cache"}
	schedulerStats := map[string]interface{}{
		"avg_latency_ms": s.counters.avgLatencyMs(),
	}
	if s.deps.CPU != nil {
		schedulerStats["cpu_percent"] = s.deps.CPU.TrailingMean()
	}

	var throttleEvents, totalRetries, totalProcessed uint64
	if s.deps.FIFO != nil {
		capabilities = append(capabilities, "fifo_queue")
		schedulerStats["mode"] = "fifo"
		schedulerStats["queue_depth"] = s.deps.FIFO.QueueDepth()
		schedulerStats["dlq_depth"] = len(s.deps.FIFO.DLQSnapshot())
		totalRetries = s.deps.FIFO.TotalRetries()
		totalProcessed = s.deps.FIFO.TotalProcessed()
	} else if s.deps.Throttler != nil {
		capabilities = append(capabilities, "throttler")
		schedulerStats["mode"] = "throttler"
		schedulerStats["current_threads"] = s.deps.Throttler.CurrentThreads()
		throttleEvents = s.deps.Throttler.ThrottleEvents()
		totalProcessed = s.counters.embeds.Load() + s.counters.batchEmbeds.Load()
	}
	if s.deps.Overflow != nil {
		capabilities = append(capabilities, "overflow_queue")
	}

	var hits, misses uint64
	cacheStats := map[string]interface{}{}
	if s.deps.Cache != nil {
		hits, misses = s.deps.Cache.Stats()
		cacheStats["hits"] = hits
		cacheStats["misses"] = misses
	}

	return wire.HealthResponse{
		Loaded:       loaded,
		Healthy:      healthy,
		NativeDims:   native,
		TargetDims:   target,
		Capabilities: capabilities,
		Counters: map[string]uint64{
			"total_embeddings": s.counters.embeds.Load() + s.counters.batchEmbeds.Load(),
			"cache_hits":       hits,
			"cache_misses":     misses,
			"native":           s.counters.nativeHits.Load(),
			"compressions":     s.counters.compressions.Load(),
			"expansions":       s.counters.expansions.Load(),
			"throttle_events":  throttleEvents,
			"total_retries":    totalRetries,
			"total_processed":  totalProcessed,
			"errors":           s.counters.errors.Load(),
		},
		Cache:     cacheStats,
		Scheduler: schedulerStats,
	}
}

func (s *Server) dispatchReembed(req *wire.Request, table string) interface{} {
	if s.deps.DB == nil {
		s.counters.errors.Add(1)
		return wire.ErrorResponse{Error: "no project database configured", RequestID: req.RequestID}
	}
	target := s.resolveTargetDims()

	encode := func(texts []string) ([][]float32, error) {
		enc, err := s.encoderFor()
		if err != nil {
			return nil, err
		}
		natives, err := enc.EncodeBatch(texts)
		if err != nil {
			return nil, err
		}
		out := make([][]float32, len(natives))
		for i, n := range natives {
			v, _ := dims.Adapt(s.deps.Dims, n, target, texts[i])
			out[i] = v
		}
		return out, nil
	}

	count, err := reembedTable(s.deps.DB, table, req.Limit, req.BatchSize, encode)
	if err != nil {
		s.counters.errors.Add(1)
		return wire.ErrorResponse{Error: err.Error(), RequestID: req.RequestID}
	}
	return wire.ProcessingResponse{Status: fmt.Sprintf("reembedded %d rows in %s", count, table), RequestID: req.RequestID}
}
