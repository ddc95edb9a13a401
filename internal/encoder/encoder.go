// Package encoder wraps an ONNX Runtime session and tokenizer to turn text
// into native-dimension vectors.
//
// On load it walks the host's CPU feature set — AVX-512-VNNI, AVX-512, AVX2,
// generic quantized, unquantized, in that preference order — looking for
// the best quantized model artifact actually present under the model
// directory, and confines inference to a configured intra/inter-op thread
// budget.
package encoder

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/daulet/tokenizers"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	maxSeqLen        = 256
	defaultBatchSize = 8
)

// Encoder turns text into fixed-length native vectors via ONNX Runtime.
// It is safe for concurrent use; the underlying session handles concurrent
// Run calls, but thread-count changes are serialized through mu.
type Encoder struct {
	mu         sync.RWMutex
	session    *ort.DynamicAdvancedSession
	tokenizer  *tokenizers.Tokenizer
	nativeDims int
	artifact   artifact
	batchSize  int
	threadMax  int
}

// Config selects the model directory, the ONNX Runtime shared library, and
// the thread budget an Encoder must respect.
type Config struct {
	ModelDir   string
	ORTLibPath string
	ThreadMin  int
	ThreadMax  int
}

// Load selects the best available artifact for the host CPU, initializes
// ONNX Runtime, and loads the model and tokenizer. Failure is retryable —
// callers (the lifecycle manager) apply their own backoff.
func Load(cfg Config) (*Encoder, error) {
	threadMax := cfg.ThreadMax
	if threadMax < 1 {
		threadMax = 1
	}
	if threadMax < cfg.ThreadMin {
		threadMax = cfg.ThreadMin
	}

	// The numerical libraries behind the runtime only honor these caps if
	// they are set before the backend spins up its thread pools.
	tc := strconv.Itoa(threadMax)
	os.Setenv("OMP_NUM_THREADS", tc)
	os.Setenv("OPENBLAS_NUM_THREADS", tc)
	os.Setenv("MKL_NUM_THREADS", tc)

	if cfg.ORTLibPath != "" {
		ort.SetSharedLibraryPath(cfg.ORTLibPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("init onnxruntime: %w", err)
	}

	var lastErr error
	for _, art := range candidateArtifacts() {
		modelPath := filepath.Join(cfg.ModelDir, art.fileName())
		tokenPath := filepath.Join(cfg.ModelDir, "tokenizer.json")
		if _, err := os.Stat(modelPath); err != nil {
			lastErr = err
			continue
		}
		if _, err := os.Stat(tokenPath); err != nil {
			lastErr = err
			continue
		}

		e, err := loadArtifact(modelPath, tokenPath, art, threadMax)
		if err != nil {
			lastErr = err
			continue
		}
		return e, nil
	}
	return nil, fmt.Errorf("no usable model artifact found under %s: %w", cfg.ModelDir, lastErr)
}

func loadArtifact(modelPath, tokenPath string, art artifact, threadMax int) (*Encoder, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()

	if err := opts.SetIntraOpNumThreads(threadMax); err != nil {
		return nil, fmt.Errorf("set intra threads: %w", err)
	}
	if err := opts.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("set inter threads: %w", err)
	}

	inputNames := []string{"input_ids", "attention_mask", "token_type_ids"}
	outputNames := []string{"last_hidden_state"}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, opts)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	tk, err := tokenizers.FromFile(tokenPath)
	if err != nil {
		session.Destroy()
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	dims, err := probeNativeDims(session, tk)
	if err != nil {
		session.Destroy()
		tk.Close()
		return nil, fmt.Errorf("probe native dims: %w", err)
	}

	return &Encoder{
		session:    session,
		tokenizer:  tk,
		nativeDims: dims,
		artifact:   art,
		batchSize:  defaultBatchSize,
		threadMax:  threadMax,
	}, nil
}

// probeNativeDims runs a trivial encode to discover the model's output
// width. The lifecycle manager's post-load health probe is a separate
// encode, run through Healthy.
func probeNativeDims(session *ort.DynamicAdvancedSession, tk *tokenizers.Tokenizer) (int, error) {
	vecs, err := runBatch(session, tk, []string{"a"})
	if err != nil {
		return 0, err
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return 0, fmt.Errorf("empty probe output")
	}
	return len(vecs[0]), nil
}

// Close releases the ONNX session and tokenizer.
func (e *Encoder) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		e.session.Destroy()
	}
	if e.tokenizer != nil {
		e.tokenizer.Close()
	}
}

// NativeDims returns the fixed output width of this loaded instance.
func (e *Encoder) NativeDims() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.nativeDims
}

// Artifact reports which quantized tier was selected at load time.
func (e *Encoder) Artifact() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return string(e.artifact)
}

// SetThreadMax records n (floored at 1) as the encoder's thread cap. The
// scheduler calls this under CPU pressure and keeps n within
// [thread_min, thread_max]. The running ONNX session keeps the intra-op
// thread count it was created with at load; EncodeBatch does not read
// this value.
func (e *Encoder) SetThreadMax(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n < 1 {
		n = 1
	}
	e.threadMax = n
}

// Encode produces a single native-dimension vector for text.
func (e *Encoder) Encode(text string) ([]float32, error) {
	vecs, err := e.EncodeBatch([]string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EncodeBatch produces one native-dimension vector per input text, chunked
// to the encoder's internal batch size.
func (e *Encoder) EncodeBatch(texts []string) ([][]float32, error) {
	e.mu.RLock()
	session, tk, batchSize := e.session, e.tokenizer, e.batchSize
	e.mu.RUnlock()

	results := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += batchSize {
		end := i + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := runBatch(session, tk, texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("batch [%d:%d]: %w", i, end, err)
		}
		results = append(results, batch...)
	}
	return results, nil
}

type tokenized struct {
	ids  []int64
	mask []int64
}

// runBatch runs one ONNX inference call for up to len(texts) inputs,
// mean-pools the last hidden state over the attention mask, and
// L2-normalizes each resulting vector.
func runBatch(session *ort.DynamicAdvancedSession, tk *tokenizers.Tokenizer, texts []string) ([][]float32, error) {
	batchSize := len(texts)
	all := make([]tokenized, batchSize)
	maxLen := 0
	for i, text := range texts {
		enc := tk.EncodeWithOptions(text, true, tokenizers.WithReturnAttentionMask())
		ids := enc.IDs
		if len(ids) > maxSeqLen {
			ids = ids[:maxSeqLen]
		}
		ids64 := make([]int64, len(ids))
		mask64 := make([]int64, len(ids))
		for j, v := range ids {
			ids64[j] = int64(v)
			mask64[j] = 1
		}
		if len(enc.AttentionMask) >= len(ids) {
			for j := range ids64 {
				mask64[j] = int64(enc.AttentionMask[j])
			}
		}
		all[i] = tokenized{ids: ids64, mask: mask64}
		if len(ids64) > maxLen {
			maxLen = len(ids64)
		}
	}
	if maxLen == 0 {
		return nil, fmt.Errorf("all texts tokenized to zero length")
	}

	flatIDs := make([]int64, batchSize*maxLen)
	flatMask := make([]int64, batchSize*maxLen)
	flatType := make([]int64, batchSize*maxLen)
	for i, t := range all {
		copy(flatIDs[i*maxLen:], t.ids)
		copy(flatMask[i*maxLen:], t.mask)
	}
	shape := ort.NewShape(int64(batchSize), int64(maxLen))

	inputIDs, err := ort.NewTensor(shape, flatIDs)
	if err != nil {
		return nil, fmt.Errorf("input_ids tensor: %w", err)
	}
	defer inputIDs.Destroy()

	attnMask, err := ort.NewTensor(shape, flatMask)
	if err != nil {
		return nil, fmt.Errorf("attention_mask tensor: %w", err)
	}
	defer attnMask.Destroy()

	typeIDs, err := ort.NewTensor(shape, flatType)
	if err != nil {
		return nil, fmt.Errorf("token_type_ids tensor: %w", err)
	}
	defer typeIDs.Destroy()

	inputs := []ort.Value{inputIDs, attnMask, typeIDs}
	outputs := []ort.Value{nil}
	if err := session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("session run: %w", err)
	}
	defer func() {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
	}()

	hiddenTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type (want *Tensor[float32])")
	}
	hidden := hiddenTensor.GetData()
	shapeOut := hiddenTensor.GetShape()
	seqLen := int(shapeOut[1])
	dims := int(shapeOut[2])

	embeddings := make([][]float32, batchSize)
	for i := 0; i < batchSize; i++ {
		vec := make([]float32, dims)
		var count float32
		for t := 0; t < seqLen; t++ {
			if all[i].mask != nil && t < len(all[i].mask) && all[i].mask[t] == 0 {
				continue
			}
			base := (i*seqLen + t) * dims
			for d := 0; d < dims; d++ {
				vec[d] += hidden[base+d]
			}
			count++
		}
		if count == 0 {
			count = 1
		}
		for d := range vec {
			vec[d] /= count
		}
		l2Normalize(vec)
		embeddings[i] = vec
	}

	return embeddings, nil
}

func l2Normalize(v []float32) {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm < 1e-10 {
		return
	}
	inv := float32(1.0 / norm)
	for i := range v {
		v[i] *= inv
	}
}

// probeHealthy runs a trivial encode to verify a freshly loaded encoder is
// actually usable.
func (e *Encoder) probeHealthy() bool {
	_, err := e.Encode("healthcheck")
	return err == nil
}

// Healthy runs a fresh trivial-encode probe and reports whether it
// succeeded. Callers typically invoke this once right after Load.
func (e *Encoder) Healthy() bool {
	return e.probeHealthy()
}
